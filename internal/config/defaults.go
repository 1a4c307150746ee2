package config

// Default values for configuration options, layer 0 of the override chain.
const (
	defaultInterval         = "5m"
	defaultInitialDelay     = "5s"
	defaultRestartDelay     = "1500ms"
	defaultWatchDebounce    = "10s"
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
	defaultLogRetentionDays = 30
	defaultConnectTimeout   = "10s"
	defaultDataTimeout      = "60s"
	defaultDeviceIDFile     = "device-id.json"
	defaultJournalFile      = "journal.db"
	defaultPIDFile          = "daemon.pid"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			Interval:      defaultInterval,
			InitialDelay:  defaultInitialDelay,
			RestartDelay:  defaultRestartDelay,
			WatchDebounce: defaultWatchDebounce,
		},
		Logging: LoggingConfig{
			LogLevel:         defaultLogLevel,
			LogFormat:        defaultLogFormat,
			LogRetentionDays: defaultLogRetentionDays,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
		},
	}
}
