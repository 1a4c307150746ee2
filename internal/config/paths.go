package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Application directory name used across all platforms.
const appName = "dirsync"

// Config file name.
const configFileName = "config.toml"

// dirKind describes one per-user base directory: the XDG variable that
// overrides it on Linux, and where it lives under $HOME otherwise.
type dirKind struct {
	xdgEnv string
	xdg    []string // relative to home when xdgEnv is unset
	darwin []string // relative to home
}

var (
	configDirKind = dirKind{
		xdgEnv: "XDG_CONFIG_HOME",
		xdg:    []string{".config"},
		darwin: []string{"Library", "Application Support"},
	}
	// macOS keeps config and data side by side.
	dataDirKind = dirKind{
		xdgEnv: "XDG_DATA_HOME",
		xdg:    []string{".local", "share"},
		darwin: []string{"Library", "Application Support"},
	}
	cacheDirKind = dirKind{
		xdgEnv: "XDG_CACHE_HOME",
		xdg:    []string{".cache"},
		darwin: []string{"Library", "Caches"},
	}
)

// resolve returns the app directory of kind k for goos, or "" when the home
// directory is unknown. The XDG variable is honored on Linux only; other
// non-macOS systems use the XDG layout under home.
func (k dirKind) resolve(goos, home string) string {
	if goos == "linux" {
		if xdg := os.Getenv(k.xdgEnv); xdg != "" {
			return filepath.Join(xdg, appName)
		}
	}

	if home == "" {
		return ""
	}

	parts := k.xdg
	if goos == "darwin" {
		parts = k.darwin
	}

	return filepath.Join(append(append([]string{home}, parts...), appName)...)
}

func (k dirKind) current() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}

	return k.resolve(runtime.GOOS, home)
}

// DefaultConfigDir holds config.toml: $XDG_CONFIG_HOME/dirsync or
// ~/.config/dirsync, ~/Library/Application Support/dirsync on macOS.
func DefaultConfigDir() string { return configDirKind.current() }

// DefaultDataDir holds the device identity, status journal and daemon PID
// file: $XDG_DATA_HOME/dirsync or ~/.local/share/dirsync.
func DefaultDataDir() string { return dataDirKind.current() }

// DefaultCacheDir holds staged archives: $XDG_CACHE_HOME/dirsync or
// ~/.cache/dirsync, ~/Library/Caches/dirsync on macOS.
func DefaultCacheDir() string { return cacheDirKind.current() }

// DefaultConfigPath returns the full path to the default config file.
// This is used as the fallback when neither DIRSYNC_CONFIG nor
// --config is specified.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DefaultDeviceIDPath is where the device identity lives unless configured.
// It sits outside any data directory so archives never carry it.
func DefaultDeviceIDPath() string {
	return joinIfSet(DefaultDataDir(), defaultDeviceIDFile)
}

// DefaultJournalPath is the status journal location unless configured.
func DefaultJournalPath() string {
	return joinIfSet(DefaultDataDir(), defaultJournalFile)
}

// DefaultPIDPath is the lock file held by a running sync --watch daemon.
func DefaultPIDPath() string {
	return joinIfSet(DefaultDataDir(), defaultPIDFile)
}

// DefaultStagingDir is the parent of per-operation archive staging dirs.
func DefaultStagingDir() string {
	return joinIfSet(DefaultCacheDir(), "staging")
}

func joinIfSet(dir, name string) string {
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, name)
}

// expandTilde replaces a leading "~/" with the user's home directory.
// Paths without the prefix, and paths when the home directory cannot be
// determined, are returned unchanged.
func expandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
