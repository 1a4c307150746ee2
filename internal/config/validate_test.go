package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Defaults(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))
}

func TestValidate_FieldErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad scheme", func(c *Config) { c.Endpoint.URL = "sftp://host/x" }, "url: scheme"},
		{"missing host", func(c *Config) { c.Endpoint.URL = "https:///x" }, "url: missing host"},
		{"remote path escape", func(c *Config) { c.Endpoint.RemotePath = "/a/../b" }, "remote_path"},
		{"interval too short", func(c *Config) { c.Sync.Interval = "30s" }, "interval: must be at least"},
		{"interval unparsable", func(c *Config) { c.Sync.Interval = "soon" }, "interval: invalid duration"},
		{"negative initial delay", func(c *Config) { c.Sync.InitialDelay = "-1s" }, "initial_delay"},
		{"zero restart delay", func(c *Config) { c.Sync.RestartDelay = "0s" }, "restart_delay"},
		{"debounce too short", func(c *Config) { c.Sync.WatchDebounce = "1ms" }, "watch_debounce"},
		{"bad exclude", func(c *Config) { c.Sync.Exclude = []string{"[oops"} }, "exclude"},
		{"bad log level", func(c *Config) { c.Logging.LogLevel = "trace" }, "log_level"},
		{"bad log format", func(c *Config) { c.Logging.LogFormat = "xml" }, "log_format"},
		{"zero retention", func(c *Config) { c.Logging.LogRetentionDays = 0 }, "log_retention_days"},
		{"connect timeout", func(c *Config) { c.Network.ConnectTimeout = "10ms" }, "connect_timeout"},
		{"data timeout", func(c *Config) { c.Network.DataTimeout = "1s" }, "data_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.Interval = "1s"
	cfg.Logging.LogFormat = "xml"
	cfg.Network.DataTimeout = "bad"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval")
	assert.Contains(t, err.Error(), "log_format")
	assert.Contains(t, err.Error(), "data_timeout")
}

func TestValidate_AcceptsFTP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint.URL = "ftp://nas.local:2121/share"

	assert.NoError(t, Validate(cfg))
}

func TestValidateResolved(t *testing.T) {
	assert.NoError(t, ValidateResolved(&Resolved{DataDir: "/data", BackupDir: "/data.backups"}))

	err := ValidateResolved(&Resolved{DataDir: "/data", TempDir: "/data/tmp", JournalPath: "rel.db"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temp_dir")
	assert.Contains(t, err.Error(), "journal: must be absolute")
}
