package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfgPath = expandTilde(cfgPath)

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.DataDir != "" {
		cfg.Sync.DataDir = env.DataDir
	}

	if env.Password != "" {
		cfg.Endpoint.Password = env.Password
	}

	if cli.DataDir != nil {
		cfg.Sync.DataDir = *cli.DataDir
	}

	// Overrides bypass Load's validation.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	resolved := build(cfg, cfgPath)

	if err := ValidateResolved(resolved); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolved, nil
}

// build converts a validated Config into a Resolved. Durations are known to
// parse at this point.
func build(cfg *Config, cfgPath string) *Resolved {
	r := &Resolved{
		ConfigPath:     cfgPath,
		Endpoint:       cfg.Endpoint,
		DataDir:        cleanPath(cfg.Sync.DataDir),
		Interval:       mustDuration(cfg.Sync.Interval),
		InitialDelay:   mustDuration(cfg.Sync.InitialDelay),
		RestartDelay:   mustDuration(cfg.Sync.RestartDelay),
		WatchDebounce:  mustDuration(cfg.Sync.WatchDebounce),
		Exclude:        append([]string(nil), cfg.Sync.Exclude...),
		TempDir:        cleanPath(cfg.Sync.TempDir),
		BackupDir:      cleanPath(cfg.Sync.BackupDir),
		DeviceIDFile:   cleanPath(cfg.Sync.DeviceIDFile),
		DeviceName:     cfg.Sync.DeviceName,
		Logging:        cfg.Logging,
		ConnectTimeout: mustDuration(cfg.Network.ConnectTimeout),
		DataTimeout:    mustDuration(cfg.Network.DataTimeout),
		UserAgent:      cfg.Network.UserAgent,
		StatusListen:   cfg.Status.Listen,
		JournalPath:    cleanPath(cfg.Status.Journal),
	}

	r.Logging.LogFile = cleanPath(r.Logging.LogFile)

	if r.DeviceIDFile == "" {
		r.DeviceIDFile = DefaultDeviceIDPath()
	}

	if r.JournalPath == "" {
		r.JournalPath = DefaultJournalPath()
	}

	if r.TempDir == "" {
		r.TempDir = DefaultStagingDir()
	}

	return r
}

func cleanPath(p string) string {
	if p == "" {
		return ""
	}

	return filepath.Clean(expandTilde(p))
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated duration %q: %v", s, err))
	}

	return d
}
