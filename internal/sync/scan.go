package sync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/tonimelisma/dirsync/internal/archive"
)

// scanMaxDepth bounds how far below the data root LatestModTime descends.
const scanMaxDepth = 3

// scanIgnore is always skipped by LatestModTime, in addition to the caller's
// exclusions.
var scanIgnore = []string{".git", "node_modules", ".DS_Store"}

// LatestModTime returns the newest modification time among root itself and
// the entries below it, descending at most three directory levels and
// skipping ignored and excluded names. Symlinks are not followed.
func LatestModTime(root string, exclude []string) (time.Time, error) {
	m, err := archive.NewMatcher(append(append([]string{}, scanIgnore...), exclude...)...)
	if err != nil {
		return time.Time{}, err
	}

	return scanDir(root, "", 0, m)
}

func scanDir(dir, rel string, depth int, m *archive.Matcher) (time.Time, error) {
	if depth > scanMaxDepth {
		return time.Time{}, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, localIO("stat", dir, err)
	}

	latest := info.ModTime()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, localIO("read directory", dir, err)
	}

	for _, entry := range entries {
		childRel := entry.Name()
		if rel != "" {
			childRel = rel + "/" + entry.Name()
		}

		if m.Match(childRel) {
			continue
		}

		child := filepath.Join(dir, entry.Name())

		switch {
		case entry.IsDir():
			sub, err := scanDir(child, childRel, depth+1, m)
			if err != nil {
				return time.Time{}, err
			}

			if sub.After(latest) {
				latest = sub
			}
		case entry.Type().IsRegular():
			fi, err := entry.Info()
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			if err != nil {
				return time.Time{}, localIO("stat", child, fmt.Errorf("reading file info: %w", err))
			}

			if fi.ModTime().After(latest) {
				latest = fi.ModTime()
			}
		}
	}

	return latest, nil
}
