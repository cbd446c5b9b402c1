package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/bridge"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/logger"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/protocol"

	"gopkg.in/yaml.v3"
)

// Source kinds the bridge can run with.
var sourceKinds = []string{"pcapfile", "spool", "tcpdump", "npcap", "live"}

// Config represents the application configuration
type Config struct {
	// Logging configuration
	Logging struct {
		// Level is the minimum log level to output (debug, info, warn, error)
		Level string `json:"level" yaml:"level"`
		// File is the path to the log file. If empty, logs to stderr only
		File string `json:"file" yaml:"file"`
		// MaxSizeMB is the maximum size of log file before rotation
		MaxSizeMB int `json:"max_size_mb" yaml:"max_size_mb"`
		// LogRetentionDays is how long rotated log files are kept
		LogRetentionDays int `json:"log_retention_days" yaml:"log_retention_days"`
		// MaxBackups is how many rotated log files are kept
		MaxBackups int `json:"max_backups" yaml:"max_backups"`
		// Silent suppresses console output
		Silent bool `json:"silent" yaml:"silent"`
	} `json:"logging" yaml:"logging"`

	// Bridge configuration
	Bridge struct {
		// InBufferSize is the inbound ring buffer size in bytes
		InBufferSize int `json:"in_buffer_size" yaml:"in_buffer_size"`
		// OutBufferSize is the outbound ring buffer size in bytes
		OutBufferSize int `json:"out_buffer_size" yaml:"out_buffer_size"`
		// PingTimeoutSeconds is how long the controller may stay silent
		PingTimeoutSeconds int `json:"ping_timeout_seconds" yaml:"ping_timeout_seconds"`
		// PollIntervalMS bounds each wait for descriptor readiness
		PollIntervalMS int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
		// MaxHopRate caps channel hop requests; zero means no cap
		MaxHopRate float64 `json:"max_hop_rate" yaml:"max_hop_rate"`
		// ReadChunkSize bounds each inbound read
		ReadChunkSize int `json:"read_chunk_size" yaml:"read_chunk_size"`
	} `json:"bridge" yaml:"bridge"`

	// Source configuration
	Source struct {
		// Kind selects the capture source (pcapfile, spool, tcpdump, npcap, live)
		Kind string `json:"kind" yaml:"kind"`
	} `json:"source" yaml:"source"`

	// Health configuration
	Health struct {
		// Listen is the gRPC health service address. Empty disables it
		Listen string `json:"listen" yaml:"listen"`
	} `json:"health" yaml:"health"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ValidateAndSetDefaults()
	return cfg
}

// LoadConfig loads configuration from a JSON or YAML file. An empty path
// yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return Default(), nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	// Parse config
	var config Config
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	config.ValidateAndSetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return &config, nil
}

// ValidateAndSetDefaults fills in every unset value.
func (c *Config) ValidateAndSetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100 // 100MB default
	}
	if c.Logging.LogRetentionDays == 0 {
		c.Logging.LogRetentionDays = 7
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Bridge.InBufferSize == 0 {
		c.Bridge.InBufferSize = bridge.DefaultInBufferSize
	}
	if c.Bridge.OutBufferSize == 0 {
		c.Bridge.OutBufferSize = bridge.DefaultOutBufferSize
	}
	if c.Bridge.PingTimeoutSeconds == 0 {
		c.Bridge.PingTimeoutSeconds = int(bridge.DefaultPingTimeout / time.Second)
	}
	if c.Bridge.PollIntervalMS == 0 {
		c.Bridge.PollIntervalMS = int(bridge.DefaultPollInterval / time.Millisecond)
	}
	if c.Bridge.ReadChunkSize == 0 {
		c.Bridge.ReadChunkSize = bridge.DefaultReadChunkSize
	}
	if c.Source.Kind == "" {
		c.Source.Kind = "pcapfile"
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logger.ParseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level: %v", err))
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.LogRetentionDays < 0 || c.Logging.MaxBackups < 0 {
		errs = append(errs, errors.New("log rotation settings cannot be negative"))
	}
	if c.Bridge.InBufferSize < protocol.HeaderSize {
		errs = append(errs, fmt.Errorf("in_buffer_size %d is smaller than a frame header", c.Bridge.InBufferSize))
	}
	if c.Bridge.OutBufferSize < protocol.HeaderSize {
		errs = append(errs, fmt.Errorf("out_buffer_size %d is smaller than a frame header", c.Bridge.OutBufferSize))
	}
	if c.Bridge.PingTimeoutSeconds < 0 {
		errs = append(errs, errors.New("ping_timeout_seconds cannot be negative"))
	}
	if c.Bridge.PollIntervalMS < 0 {
		errs = append(errs, errors.New("poll_interval_ms cannot be negative"))
	} else if time.Duration(c.Bridge.PollIntervalMS)*time.Millisecond >= time.Duration(c.Bridge.PingTimeoutSeconds)*time.Second {
		errs = append(errs, errors.New("poll_interval_ms must be shorter than the ping timeout"))
	}
	if c.Bridge.MaxHopRate < 0 {
		errs = append(errs, errors.New("max_hop_rate cannot be negative"))
	}
	if c.Bridge.ReadChunkSize < 0 {
		errs = append(errs, errors.New("read_chunk_size cannot be negative"))
	}
	if !validSourceKind(c.Source.Kind) {
		errs = append(errs, fmt.Errorf("unknown source kind %q (want one of %s)", c.Source.Kind, strings.Join(sourceKinds, ", ")))
	}
	return errors.Join(errs...)
}

func validSourceKind(kind string) bool {
	for _, k := range sourceKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// LoggerConfig translates the logging section.
func (c *Config) LoggerConfig() (logger.Config, error) {
	level, err := logger.ParseLogLevel(c.Logging.Level)
	if err != nil {
		return logger.Config{}, fmt.Errorf("invalid log level: %v", err)
	}
	return logger.Config{
		LogLevel:   level,
		LogFile:    c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxAgeDays: c.Logging.LogRetentionDays,
		MaxBackups: c.Logging.MaxBackups,
		Silent:     c.Logging.Silent,
	}, nil
}

// BridgeConfig builds the handler configuration.
func (c *Config) BridgeConfig(log *logger.Logger) bridge.Config {
	return bridge.Config{
		InBufferSize:  c.Bridge.InBufferSize,
		OutBufferSize: c.Bridge.OutBufferSize,
		PingTimeout:   time.Duration(c.Bridge.PingTimeoutSeconds) * time.Second,
		PollInterval:  time.Duration(c.Bridge.PollIntervalMS) * time.Millisecond,
		MaxHopRate:    c.Bridge.MaxHopRate,
		ReadChunkSize: c.Bridge.ReadChunkSize,
		Logger:        log,
	}
}
