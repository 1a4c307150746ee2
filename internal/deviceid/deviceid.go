// Package deviceid owns the locally persisted device identifier. The file
// lives outside the synced data directory and is generated exactly once per
// installation; a corrupt file is an error, never a reason to mint a new id.
package deviceid

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileName is the conventional name of the identity file.
const FileName = "device-id.json"

// FilePerms restricts the identity file to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the containing directory.
const DirPerms = 0o700

// ErrCorrupt is returned when the identity file exists but does not hold a
// usable id.
var ErrCorrupt = errors.New("deviceid: identity file is corrupt")

// File is the on-disk format: {"deviceId": "..."}.
type File struct {
	DeviceID string `json:"deviceId"`
}

// Resolve returns the persisted device id at path, creating and saving a new
// random UUID when the file does not exist. created reports whether this call
// generated the id.
func Resolve(path string) (id string, created bool, err error) {
	id, err = Load(path)
	if err == nil {
		return id, false, nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return "", false, err
	}

	id = uuid.NewString()
	if err := Save(path, id); err != nil {
		return "", false, err
	}

	return id, true, nil
}

// Reset replaces the persisted id with a fresh one and returns it.
func Reset(path string) (string, error) {
	id := uuid.NewString()
	if err := Save(path, id); err != nil {
		return "", err
	}

	return id, nil
}

// Load reads the id stored at path. A missing file yields an error matching
// fs.ErrNotExist.
func Load(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("deviceid: reading %s: %w", path, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("%w: decoding %s: %w", ErrCorrupt, path, err)
	}

	id := strings.TrimSpace(f.DeviceID)
	if id == "" {
		return "", fmt.Errorf("%w: %s has no deviceId", ErrCorrupt, path)
	}

	return id, nil
}

// Save writes the id to path atomically (write-to-temp + rename) with 0600
// permissions.
func Save(path, id string) error {
	data, err := json.MarshalIndent(File{DeviceID: id}, "", "  ")
	if err != nil {
		return fmt.Errorf("deviceid: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("deviceid: creating directory %s: %w", dir, mkErr)
	}

	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".device-id-*.tmp")
	if err != nil {
		return fmt.Errorf("deviceid: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("deviceid: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("deviceid: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("deviceid: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("deviceid: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("deviceid: renaming: %w", err)
	}

	success = true

	return nil
}
