package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// Debug level for detailed troubleshooting
	Debug LogLevel = iota
	// Info level for general operational entries
	Info
	// Warn level for non-critical issues
	Warn
	// Error level for errors that need attention
	Error
)

var levelNames = map[LogLevel]string{
	Debug: "DEBUG",
	Info:  "INFO",
	Warn:  "WARN",
	Error: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// DirMode defines platform-specific directory permissions
var DirMode os.FileMode

func init() {
	if runtime.GOOS == "windows" {
		DirMode = 0666
	} else {
		DirMode = 0755
	}
}

// Config holds logger configuration
type Config struct {
	// LogLevel sets the minimum level to log
	LogLevel LogLevel
	// LogFile is the path to the log file. If empty, logs go to Output only
	LogFile string
	// MaxSizeMB is the maximum size in megabytes before the log file is rotated
	MaxSizeMB int
	// MaxAgeDays is how long rotated files are kept
	MaxAgeDays int
	// MaxBackups is how many rotated files are kept
	MaxBackups int
	// Silent suppresses console output; file output is unaffected
	Silent bool
	// Output is the console writer, stderr when nil. Stdout is avoided because
	// the protocol may be running over the standard descriptors.
	Output io.Writer
}

// core is shared by every logger derived with Named.
type core struct {
	mu     sync.Mutex
	out    *log.Logger
	level  LogLevel
	closer io.Closer
}

// Logger is a leveled printf-style logger. A nil *Logger discards everything.
type Logger struct {
	core   *core
	prefix string
}

// NewLogger creates a new logger instance
func NewLogger(config Config) (*Logger, error) {
	var writers []io.Writer

	if !config.Silent {
		console := config.Output
		if console == nil {
			console = os.Stderr
		}
		writers = append(writers, console)
	}

	var closer io.Closer
	if config.LogFile != "" {
		config.LogFile = filepath.Clean(config.LogFile)

		if err := os.MkdirAll(filepath.Dir(config.LogFile), DirMode); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		rotator := &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    config.MaxSizeMB,
			MaxAge:     config.MaxAgeDays,
			MaxBackups: config.MaxBackups,
			Compress:   true,
		}
		closer = rotator
		writers = append(writers, rotator)
	}

	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	return &Logger{
		core: &core{
			out:    log.New(io.MultiWriter(writers...), "", log.Ldate|log.Ltime|log.Lmicroseconds),
			level:  config.LogLevel,
			closer: closer,
		},
	}, nil
}

// Discard returns a logger that drops every message.
func Discard() *Logger {
	l, _ := NewLogger(Config{Silent: true, LogLevel: Error})
	return l
}

// Named returns a logger sharing the same outputs whose lines are tagged
// with [component].
func (l *Logger) Named(component string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{core: l.core, prefix: "[" + component + "] "}
}

// SetLevel changes the minimum level for this logger and every logger
// derived from it.
func (l *Logger) SetLevel(level LogLevel) {
	if l == nil {
		return
	}
	l.core.mu.Lock()
	l.core.level = level
	l.core.mu.Unlock()
}

// Close properly closes the rotating log file if one exists
func (l *Logger) Close() error {
	if l == nil || l.core.closer == nil {
		return nil
	}
	return l.core.closer.Close()
}

func (l *Logger) logf(level LogLevel, format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	if level < l.core.level {
		return
	}
	l.core.out.Printf("%s: %s%s", levelNames[level], l.prefix, fmt.Sprintf(format, v...))
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) { l.logf(Debug, format, v...) }

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) { l.logf(Info, format, v...) }

// Warn logs a warning message
func (l *Logger) Warn(format string, v ...interface{}) { l.logf(Warn, format, v...) }

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) { l.logf(Error, format, v...) }

// ParseLogLevel converts a string level to LogLevel
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	default:
		return Info, fmt.Errorf("unknown log level: %s", level)
	}
}
