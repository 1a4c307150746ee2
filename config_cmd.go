package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dirsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Display effective configuration after all overrides",
			Args:  cobra.NoArgs,
			RunE:  runConfigShow,
		},
		&cobra.Command{
			Use:   "paths",
			Short: "List the files and directories dirsync reads and writes",
			Args:  cobra.NoArgs,
			RunE:  runConfigPaths,
		},
	)

	return cmd
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if !cc.Flags.JSON {
		return config.RenderEffective(cc.Cfg, os.Stdout)
	}

	// Copy so the redaction never reaches the live configuration.
	shown := *cc.Cfg
	if shown.Endpoint.Password != "" {
		shown.Endpoint.Password = config.Redacted
	}

	return writeJSON(shown)
}

// pathEntry is one row of "config paths".
type pathEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func runConfigPaths(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg

	entries := []pathEntry{
		{"config", cfg.ConfigPath},
		{"data", cfg.DataDir},
		{"device-id", cfg.DeviceIDFile},
		{"journal", cfg.JournalPath},
		{"pid", cc.PIDPath},
		{"staging", cfg.TempDir},
		{"backups", cfg.BackupDir},
		{"log", cfg.Logging.LogFile},
	}

	if cc.Flags.JSON {
		return writeJSON(entries)
	}

	tbl := newTable("NAME", "PATH")
	for _, e := range entries {
		p := e.Path
		if p == "" {
			p = "-"
		}

		tbl.add(e.Name, p)
	}

	tbl.render(os.Stdout)

	return nil
}
