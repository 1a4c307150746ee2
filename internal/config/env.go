package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "DIRSYNC_CONFIG"
	EnvDataDir  = "DIRSYNC_DATA_DIR"
	EnvPassword = "DIRSYNC_PASSWORD"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // DIRSYNC_CONFIG: config file path
	DataDir    string // DIRSYNC_DATA_DIR: data directory
	Password   string // DIRSYNC_PASSWORD: keeps the secret out of the file
}

// ReadEnvOverrides reads the override variables from the environment.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DataDir:    os.Getenv(EnvDataDir),
		Password:   os.Getenv(EnvPassword),
	}
}
