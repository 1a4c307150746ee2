package config

import (
	"fmt"
	"io"
	"strings"
)

// Redacted replaces secrets in rendered output.
const Redacted = "********"

// RenderEffective writes the resolved configuration as an annotated summary
// to w. The password is never printed.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	if r.ConfigPath != "" {
		ew.printf("# Effective configuration (file: %s)\n\n", r.ConfigPath)
	} else {
		ew.printf("# Effective configuration (defaults only)\n\n")
	}

	password := ""
	if r.Endpoint.Password != "" {
		password = Redacted
	}

	ew.printf("[endpoint]\n")
	ew.printf("  url            = %q\n", r.Endpoint.URL)
	ew.printf("  username       = %q\n", r.Endpoint.Username)
	ew.printf("  password       = %q\n", password)
	ew.printf("  remote_path    = %q\n\n", r.Endpoint.RemotePath)

	ew.printf("[sync]\n")
	ew.printf("  data_dir       = %q\n", r.DataDir)
	ew.printf("  interval       = %q\n", r.Interval)
	ew.printf("  initial_delay  = %q\n", r.InitialDelay)
	ew.printf("  restart_delay  = %q\n", r.RestartDelay)
	ew.printf("  watch_debounce = %q\n", r.WatchDebounce)
	ew.printf("  exclude        = [%s]\n", joinQuoted(r.Exclude))
	ew.printf("  temp_dir       = %q\n", r.TempDir)
	ew.printf("  backup_dir     = %q\n", r.BackupDir)
	ew.printf("  device_id_file = %q\n", r.DeviceIDFile)
	ew.printf("  device_name    = %q\n\n", r.DeviceName)

	ew.printf("[logging]\n")
	ew.printf("  log_level          = %q\n", r.Logging.LogLevel)
	ew.printf("  log_format         = %q\n", r.Logging.LogFormat)
	ew.printf("  log_file           = %q\n", r.Logging.LogFile)
	ew.printf("  log_retention_days = %d\n\n", r.Logging.LogRetentionDays)

	ew.printf("[network]\n")
	ew.printf("  connect_timeout = %q\n", r.ConnectTimeout)
	ew.printf("  data_timeout    = %q\n", r.DataTimeout)
	ew.printf("  user_agent      = %q\n\n", r.UserAgent)

	ew.printf("[status]\n")
	ew.printf("  listen  = %q\n", r.StatusListen)
	ew.printf("  journal = %q\n", r.JournalPath)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}

	return strings.Join(quoted, ", ")
}
