package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dirsync/internal/journal"
)

// defaultStatusLimit is how many journal entries status prints by default.
const defaultStatusLimit = 20

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent sync status transitions and whether a daemon is running",
		Long: `Print the most recent sync status transitions from the local journal,
newest first. Works whether or not a sync --watch daemon is running.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}

	cmd.Flags().Int("limit", defaultStatusLimit, "number of entries to show (0 for all)")

	return cmd
}

// statusReport is the --json output of status.
type statusReport struct {
	DaemonPID int             `json:"daemon_pid,omitempty"`
	Entries   []journal.Entry `json:"entries"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	if limit < 0 {
		return fmt.Errorf("--limit must not be negative, got %d", limit)
	}

	var report statusReport

	pid, err := findDaemon(cc.PIDPath)

	switch {
	case err == nil:
		report.DaemonPID = pid
	case !errors.Is(err, errNoDaemon):
		cc.Logger.Debug("checking daemon", slog.String("error", err.Error()))
	}

	report.Entries, err = readJournal(cmd, cc, limit)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return writeJSON(report)
	}

	printStatusReport(&report)

	return nil
}

// readJournal returns the newest entries. A journal that was never created
// reads as empty rather than being created by a read-only command.
func readJournal(cmd *cobra.Command, cc *CLIContext, limit int) ([]journal.Entry, error) {
	if _, err := os.Stat(cc.Cfg.JournalPath); errors.Is(err, os.ErrNotExist) {
		return []journal.Entry{}, nil
	}

	jr, err := journal.Open(cmd.Context(), cc.Cfg.JournalPath, cc.Logger)
	if err != nil {
		return nil, err
	}
	defer jr.Close()

	entries, err := jr.Recent(cmd.Context(), limit)
	if err != nil {
		return nil, fmt.Errorf("reading status journal: %w", err)
	}

	return entries, nil
}

func printStatusReport(r *statusReport) {
	if r.DaemonPID != 0 {
		fmt.Printf("Daemon: running (PID %d)\n\n", r.DaemonPID)
	} else {
		fmt.Printf("Daemon: not running\n\n")
	}

	if len(r.Entries) == 0 {
		fmt.Println("No sync activity recorded yet.")

		return
	}

	tbl := newTable("TIME", "STATUS", "MESSAGE")
	for _, e := range r.Entries {
		tbl.add(formatTime(e.Timestamp), string(e.Kind), e.Message)
	}

	tbl.render(os.Stdout)
}
