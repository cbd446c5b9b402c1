package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/bridge"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestConfig_ValidateAndSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ValidateAndSetDefaults()

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 100, cfg.Logging.MaxSizeMB)
	assert.Equal(t, 7, cfg.Logging.LogRetentionDays)
	assert.Equal(t, bridge.DefaultInBufferSize, cfg.Bridge.InBufferSize)
	assert.Equal(t, bridge.DefaultOutBufferSize, cfg.Bridge.OutBufferSize)
	assert.Equal(t, 5, cfg.Bridge.PingTimeoutSeconds)
	assert.Equal(t, 100, cfg.Bridge.PollIntervalMS)
	assert.Equal(t, 1024, cfg.Bridge.ReadChunkSize)
	assert.Equal(t, "pcapfile", cfg.Source.Kind)
	assert.Empty(t, cfg.Health.Listen)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name          string
		file          string
		content       string
		wantErr       bool
		errorContains string
		check         func(*testing.T, *Config)
	}{
		{
			name: "json",
			file: "config.json",
			content: `{
				"logging": {"level": "debug", "file": "logs/bridge.log", "silent": true},
				"bridge": {"out_buffer_size": 1048576, "max_hop_rate": 10},
				"source": {"kind": "tcpdump"},
				"health": {"listen": "127.0.0.1:50051"}
			}`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Logging.Level)
				assert.Equal(t, "logs/bridge.log", cfg.Logging.File)
				assert.True(t, cfg.Logging.Silent)
				assert.Equal(t, 1048576, cfg.Bridge.OutBufferSize)
				assert.Equal(t, bridge.DefaultInBufferSize, cfg.Bridge.InBufferSize)
				assert.Equal(t, 10.0, cfg.Bridge.MaxHopRate)
				assert.Equal(t, "tcpdump", cfg.Source.Kind)
				assert.Equal(t, "127.0.0.1:50051", cfg.Health.Listen)
			},
		},
		{
			name: "yaml",
			file: "config.yaml",
			content: `
logging:
  level: warn
  max_backups: 9
bridge:
  ping_timeout_seconds: 30
  poll_interval_ms: 250
source:
  kind: live
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "warn", cfg.Logging.Level)
				assert.Equal(t, 9, cfg.Logging.MaxBackups)
				assert.Equal(t, 30, cfg.Bridge.PingTimeoutSeconds)
				assert.Equal(t, 250, cfg.Bridge.PollIntervalMS)
				assert.Equal(t, "live", cfg.Source.Kind)
			},
		},
		{
			name:          "malformed json",
			file:          "config.json",
			content:       `{"logging": `,
			wantErr:       true,
			errorContains: "failed to parse config file",
		},
		{
			name:          "bad level",
			file:          "config.json",
			content:       `{"logging": {"level": "loud"}}`,
			wantErr:       true,
			errorContains: "invalid log level",
		},
		{
			name:          "tiny buffer",
			file:          "config.yml",
			content:       "bridge:\n  out_buffer_size: 16\n",
			wantErr:       true,
			errorContains: "out_buffer_size 16 is smaller than a frame header",
		},
		{
			name:          "poll slower than ping timeout",
			file:          "config.json",
			content:       `{"bridge": {"ping_timeout_seconds": 1, "poll_interval_ms": 1000}}`,
			wantErr:       true,
			errorContains: "poll_interval_ms must be shorter",
		},
		{
			name:          "unknown source",
			file:          "config.json",
			content:       `{"source": {"kind": "floppy"}}`,
			wantErr:       true,
			errorContains: `unknown source kind "floppy"`,
		},
		{
			name:          "negative hop rate",
			file:          "config.json",
			content:       `{"bridge": {"max_hop_rate": -1}}`,
			wantErr:       true,
			errorContains: "max_hop_rate cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, tt.file, tt.content))
			if tt.wantErr {
				require.Error(t, err)
				if tt.errorContains != "" && !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("LoadConfig() error = %v, expected to contain %q", err, tt.errorContains)
				}
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestConfig_Translations(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "error"
	cfg.Logging.File = "bridge.log"
	cfg.Bridge.MaxHopRate = 5

	lc, err := cfg.LoggerConfig()
	require.NoError(t, err)
	assert.Equal(t, logger.Error, lc.LogLevel)
	assert.Equal(t, "bridge.log", lc.LogFile)
	assert.Equal(t, 7, lc.MaxAgeDays)

	log := logger.Discard()
	bc := cfg.BridgeConfig(log)
	assert.Equal(t, 5*time.Second, bc.PingTimeout)
	assert.Equal(t, 100*time.Millisecond, bc.PollInterval)
	assert.Equal(t, 5.0, bc.MaxHopRate)
	assert.Same(t, log, bc.Logger)

	cfg.Logging.Level = "chatty"
	_, err = cfg.LoggerConfig()
	assert.Error(t, err)
}
