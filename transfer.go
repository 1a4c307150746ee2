package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dirsync/internal/sync"
)

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Upload the local data directory, replacing the remote copy",
		Long: `Archive the data directory and upload it as the new remote copy.

The previous remote archive is kept as a timestamped historical backup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTransfer(cmd, "upload", "Database uploaded.", func(ctx context.Context, eng *sync.Engine) error {
				return eng.UploadDatabase(ctx)
			})
		},
	}
}

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Replace the local data directory with the remote copy",
		Long: `Download the remote archive, verify its checksum and extract it over the
data directory. The current local data is copied to the backup directory
first and restored if extraction fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTransfer(cmd, "download", "Database downloaded.", func(ctx context.Context, eng *sync.Engine) error {
				return eng.DownloadDatabase(ctx)
			})
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <filename>",
		Short: "Replace the local data directory with a historical backup",
		Long: `Restore one of the historical archives listed by "dirsync backups".
The remote copy is not changed; the next sync uploads the restored data.

Example:
  dirsync restore database-2024-06-01T09-00-00.zip`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfer(cmd, "restore", "Backup restored.", func(ctx context.Context, eng *sync.Engine) error {
				return eng.RestoreHistoryVersion(ctx, args[0])
			})
		},
	}
}

// transferResult is the --json output of upload, download and restore.
type transferResult struct {
	Operation       string `json:"operation"`
	RestartRequired bool   `json:"restart_required"`
}

// runTransfer runs one mutating engine operation in a fresh session.
func runTransfer(cmd *cobra.Command, op, done string, fn func(context.Context, *sync.Engine) error) error {
	cc := mustCLIContext(cmd.Context())

	if err := ensureNoDaemon(cc.PIDPath); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	ctx = shutdownContext(ctx, cc.Logger)

	s, err := openSession(ctx, cc, engineDeps{})
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.initialize(ctx); err != nil {
		return err
	}

	if err := fn(ctx, s.eng); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}

	res := transferResult{Operation: op, RestartRequired: s.eng.RestartPending()}

	if cc.Flags.JSON {
		return writeJSON(res)
	}

	cc.Statusf("%s\n", done)

	if res.RestartRequired {
		cc.Statusf("The data directory was replaced; restart the application that uses it.\n")
	}

	return nil
}
