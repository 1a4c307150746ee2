package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dirsync/internal/deviceid"
)

func newDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Show this installation's device identity",
		Long: `Show the identifier this installation registers in the remote metadata.

With --reset a new identifier is generated. The remote store then treats this
installation as a new device: the next sync downloads the remote copy first.`,
		Args: cobra.NoArgs,
		RunE: runDevice,
	}

	cmd.Flags().Bool("reset", false, "generate a new device identifier")

	return cmd
}

// deviceInfo is the --json output of device.
type deviceInfo struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
	File     string `json:"file"`
	Reset    bool   `json:"reset,omitempty"`
}

func runDevice(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	reset, err := cmd.Flags().GetBool("reset")
	if err != nil {
		return err
	}

	info := deviceInfo{
		Name:     cc.Cfg.DeviceName,
		Platform: runtime.GOOS,
		File:     cc.Cfg.DeviceIDFile,
		Reset:    reset,
	}

	if info.Name == "" {
		info.Name, _ = os.Hostname()
	}

	if reset {
		if err := ensureNoDaemon(cc.PIDPath); err != nil {
			return err
		}

		if info.ID, err = deviceid.Reset(info.File); err != nil {
			return err
		}

		cc.Logger.Info("device id reset")
	} else {
		info.ID, err = deviceid.Load(info.File)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if cc.Flags.JSON {
		return writeJSON(info)
	}

	id := info.ID
	if id == "" {
		id = "(not assigned yet; created on first sync)"
	}

	fmt.Printf("ID:       %s\n", id)
	fmt.Printf("Name:     %s\n", info.Name)
	fmt.Printf("Platform: %s\n", info.Platform)
	fmt.Printf("File:     %s\n", info.File)

	if reset {
		cc.Statusf("New device identifier saved; the next sync downloads the remote copy first.\n")
	}

	return nil
}
