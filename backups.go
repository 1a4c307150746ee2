package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dirsync/internal/sync"
)

func newBackupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List the remote copy and its historical backups",
		Long: `Show the current remote archive (checksum, last modification and the
devices that synced it) followed by the historical archives, newest first.
Historical filenames can be passed to "dirsync restore".`,
		Args: cobra.NoArgs,
		RunE: runBackups,
	}
}

func runBackups(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	s, err := openSession(ctx, cc, engineDeps{})
	if err != nil {
		return err
	}
	defer s.close()

	list, err := s.eng.GetBackupList(ctx)
	if err != nil {
		return fmt.Errorf("listing backups: %w", err)
	}

	if cc.Flags.JSON {
		return writeJSON(list)
	}

	printBackupList(list)

	return nil
}

func printBackupList(list *sync.BackupList) {
	if list.Main == nil {
		fmt.Println("No remote copy yet. Run 'dirsync upload' or 'dirsync sync' to create one.")

		return
	}

	fmt.Printf("Current:  %s\n", sync.MainArchiveName)
	fmt.Printf("Modified: %s\n", formatTime(list.Main.LastModified.Time))
	fmt.Printf("Checksum: %s\n", list.Main.Checksum)

	if len(list.Main.Devices) > 0 {
		fmt.Println()

		devices := newTable("DEVICE", "PLATFORM", "LAST SYNC", "ID")
		for _, d := range list.Main.Devices {
			devices.add(d.Name, d.Platform, formatTime(d.LastSync.Time), d.ID)
		}

		devices.render(os.Stdout)
	}

	fmt.Println()

	if len(list.History) == 0 {
		fmt.Println("No historical backups.")

		return
	}

	history := newTable("BACKUP", "CREATED")
	for _, h := range list.History {
		history.add(h.Filename, formatTime(h.Timestamp))
	}

	history.render(os.Stdout)
}

func newTestConnectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-connection",
		Short: "Check credentials and write access to the remote directory",
		Long: `Write and delete a small marker object in the remote directory. Existing
backups are not touched.`,
		Args: cobra.NoArgs,
		RunE: runTestConnection,
	}
}

func runTestConnection(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	s, err := openSession(ctx, cc, engineDeps{})
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.eng.TestConnection(ctx); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}

	cc.Statusf("Connection OK: %s%s\n", cc.Cfg.Endpoint.URL, cc.Cfg.Endpoint.RemotePath)

	return nil
}
