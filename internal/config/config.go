// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for dirsync. Values resolve through four
// layers: defaults -> config file -> environment -> CLI flags.
package config

import "time"

// Config is the top-level structure parsed from the TOML file.
type Config struct {
	Endpoint EndpointConfig `toml:"endpoint"`
	Sync     SyncConfig     `toml:"sync"`
	Logging  LoggingConfig  `toml:"logging"`
	Network  NetworkConfig  `toml:"network"`
	Status   StatusConfig   `toml:"status"`
}

// EndpointConfig locates the remote store. The URL scheme picks the
// transport: http/https for WebDAV, ftp for FTP.
type EndpointConfig struct {
	URL        string `toml:"url"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	RemotePath string `toml:"remote_path"`
}

// SyncConfig controls what is synced and how often.
type SyncConfig struct {
	DataDir       string   `toml:"data_dir"`
	Interval      string   `toml:"interval"`
	InitialDelay  string   `toml:"initial_delay"`
	RestartDelay  string   `toml:"restart_delay"`
	WatchDebounce string   `toml:"watch_debounce"`
	Exclude       []string `toml:"exclude"`
	TempDir       string   `toml:"temp_dir"`
	BackupDir     string   `toml:"backup_dir"`
	DeviceIDFile  string   `toml:"device_id_file"`
	DeviceName    string   `toml:"device_name"`
}

// LoggingConfig controls log output: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// NetworkConfig controls HTTP and FTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// StatusConfig controls the status server and journal. An empty Listen
// disables the server.
type StatusConfig struct {
	Listen  string `toml:"listen"`
	Journal string `toml:"journal"`
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish "not
// specified" (nil) from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DataDir    *string // --data-dir flag
}

// Resolved is the fully merged configuration with durations parsed and
// paths expanded.
type Resolved struct {
	ConfigPath string

	Endpoint EndpointConfig

	DataDir       string
	Interval      time.Duration
	InitialDelay  time.Duration
	RestartDelay  time.Duration
	WatchDebounce time.Duration
	Exclude       []string
	TempDir       string
	BackupDir     string
	DeviceIDFile  string
	DeviceName    string

	Logging LoggingConfig

	ConnectTimeout time.Duration
	DataTimeout    time.Duration
	UserAgent      string

	StatusListen string
	JournalPath  string
}
