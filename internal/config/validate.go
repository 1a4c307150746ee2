package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/tonimelisma/dirsync/internal/archive"
)

// Validation range constants.
const (
	minInterval       = 1 * time.Minute
	minWatchDebounce  = 100 * time.Millisecond
	maxInitialDelay   = 1 * time.Hour
	maxRestartDelay   = 1 * time.Minute
	minLogRetention   = 1
	minConnectTimeout = 1 * time.Second
	minDataTimeout    = 5 * time.Second
)

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}
	validSchemes    = map[string]bool{"http": true, "https": true, "ftp": true}
)

// Validate checks all configuration values and returns every error found,
// so a broken file can be fixed in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateEndpoint(&cfg.Endpoint)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only make sense after overrides
// and tilde expansion have been applied.
func ValidateResolved(r *Resolved) error {
	var errs []error

	for name, p := range map[string]string{
		"data_dir":       r.DataDir,
		"temp_dir":       r.TempDir,
		"backup_dir":     r.BackupDir,
		"device_id_file": r.DeviceIDFile,
		"journal":        r.JournalPath,
		"log_file":       r.Logging.LogFile,
	} {
		if p != "" && !filepath.IsAbs(p) {
			errs = append(errs, fmt.Errorf("%s: must be absolute after expansion, got %q", name, p))
		}
	}

	if r.DataDir != "" && r.BackupDir != "" && isWithin(r.BackupDir, r.DataDir) {
		errs = append(errs, fmt.Errorf("backup_dir: must not be inside data_dir %q", r.DataDir))
	}

	if r.DataDir != "" && r.TempDir != "" && isWithin(r.TempDir, r.DataDir) {
		errs = append(errs, fmt.Errorf("temp_dir: must not be inside data_dir %q", r.DataDir))
	}

	return errors.Join(sortErrors(errs)...)
}

// RequireEndpoint reports the endpoint fields a remote operation needs but
// the configuration leaves empty.
func RequireEndpoint(r *Resolved) error {
	var missing []string

	for _, f := range []struct{ name, v string }{
		{"endpoint.url", r.Endpoint.URL},
		{"endpoint.username", r.Endpoint.Username},
		{"endpoint.password", r.Endpoint.Password},
		{"endpoint.remote_path", r.Endpoint.RemotePath},
		{"sync.data_dir", r.DataDir},
	} {
		if strings.TrimSpace(f.v) == "" {
			missing = append(missing, f.name)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s (password may also come from %s)",
			strings.Join(missing, ", "), EnvPassword)
	}

	return nil
}

func validateEndpoint(e *EndpointConfig) []error {
	var errs []error

	if e.URL != "" {
		u, err := url.Parse(e.URL)

		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("url: %w", err))
		case !validSchemes[u.Scheme]:
			errs = append(errs, fmt.Errorf("url: scheme must be http, https or ftp, got %q", u.Scheme))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("url: missing host in %q", e.URL))
		}
	}

	if e.RemotePath != "" && strings.Contains(e.RemotePath, "..") {
		errs = append(errs, fmt.Errorf("remote_path: must not contain \"..\", got %q", e.RemotePath))
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if d, err := parseDuration("interval", s.Interval); err != nil {
		errs = append(errs, err)
	} else if d < minInterval {
		errs = append(errs, fmt.Errorf("interval: must be at least %s, got %s", minInterval, s.Interval))
	}

	if d, err := parseDuration("initial_delay", s.InitialDelay); err != nil {
		errs = append(errs, err)
	} else if d < 0 || d > maxInitialDelay {
		errs = append(errs, fmt.Errorf("initial_delay: must be between 0 and %s, got %s", maxInitialDelay, s.InitialDelay))
	}

	if d, err := parseDuration("restart_delay", s.RestartDelay); err != nil {
		errs = append(errs, err)
	} else if d <= 0 || d > maxRestartDelay {
		errs = append(errs, fmt.Errorf("restart_delay: must be positive and at most %s, got %s", maxRestartDelay, s.RestartDelay))
	}

	if d, err := parseDuration("watch_debounce", s.WatchDebounce); err != nil {
		errs = append(errs, err)
	} else if d < minWatchDebounce {
		errs = append(errs, fmt.Errorf("watch_debounce: must be at least %s, got %s", minWatchDebounce, s.WatchDebounce))
	}

	if _, err := archive.NewMatcher(s.Exclude...); err != nil {
		errs = append(errs, fmt.Errorf("exclude: %w", err))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("log_retention_days: must be >= %d, got %d", minLogRetention, l.LogRetentionDays))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	if d, err := parseDuration("connect_timeout", n.ConnectTimeout); err != nil {
		errs = append(errs, err)
	} else if d < minConnectTimeout {
		errs = append(errs, fmt.Errorf("connect_timeout: must be at least %s, got %s", minConnectTimeout, n.ConnectTimeout))
	}

	if d, err := parseDuration("data_timeout", n.DataTimeout); err != nil {
		errs = append(errs, err)
	} else if d < minDataTimeout {
		errs = append(errs, fmt.Errorf("data_timeout: must be at least %s, got %s", minDataTimeout, n.DataTimeout))
	}

	return errs
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, s, err)
	}

	return d, nil
}

// isWithin reports whether p is dir or below it.
func isWithin(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)

	return err == nil && (rel == "." || filepath.IsLocal(rel))
}

// sortErrors orders errs by message so map iteration does not leak into
// the report.
func sortErrors(errs []error) []error {
	slices.SortFunc(errs, func(a, b error) int { return strings.Compare(a.Error(), b.Error()) })

	return errs
}
