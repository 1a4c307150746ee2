package sync

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tonimelisma/dirsync/internal/archive"
)

// copyTree copies the regular files and directories under src into dst,
// preserving permissions and modification times. Symlinks are skipped.
func copyTree(src, dst string) error {
	type dirTime struct {
		path string
		mod  time.Time
	}

	var dirs []dirTime

	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()|0o700); err != nil {
				return err
			}

			dirs = append(dirs, dirTime{target, info.ModTime()})
		case info.Mode().IsRegular():
			return copyFile(p, target, info)
		}

		return nil
	})
	if err != nil {
		return err
	}

	// Walk order lists parents first; children must be stamped before them.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chtimes(dirs[i].path, dirs[i].mod, dirs[i].mod); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(src, dst string, info fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()|0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	if err := out.Close(); err != nil {
		return err
	}

	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// clearDir removes everything under dir except paths m matches. Directories
// that still hold excluded entries are kept.
func clearDir(dir, rel string, m *archive.Matcher) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		childRel := e.Name()
		if rel != "" {
			childRel = rel + "/" + e.Name()
		}

		if m.Match(childRel) {
			continue
		}

		child := filepath.Join(dir, e.Name())

		if !e.IsDir() {
			if err := os.Remove(child); err != nil {
				return err
			}

			continue
		}

		if err := clearDir(child, childRel, m); err != nil {
			return err
		}

		if err := os.Remove(child); err != nil && !errors.Is(err, syscall.ENOTEMPTY) && !errors.Is(err, syscall.EEXIST) {
			return err
		}
	}

	return nil
}
