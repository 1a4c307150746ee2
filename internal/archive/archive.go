// Package archive packs a directory tree into a single zip file and unpacks
// it again. Entry modification times survive the round trip at whole-second
// precision, which the sync engine relies on when it compares local and
// remote timestamps.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

const (
	dirPerms  = 0o755
	filePerms = 0o644
)

// ErrUnsafePath is returned when an archive entry would extract outside the
// destination directory.
var ErrUnsafePath = errors.New("archive: entry escapes destination")

// Options controls Compress.
type Options struct {
	// Exclude lists patterns (see Matcher) for paths left out of the archive.
	Exclude []string
}

// Codec compresses and decompresses data directories.
type Codec struct {
	logger *slog.Logger
}

// New returns a Codec. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}

	return &Codec{logger: logger}
}

// Compress writes every regular file and directory below srcDir into a new
// zip at dstArchive. Excluded directories are skipped with their contents.
// On failure the partial archive is removed.
func (c *Codec) Compress(ctx context.Context, srcDir, dstArchive string, opts Options) (err error) {
	m, err := NewMatcher(opts.Exclude...)
	if err != nil {
		return err
	}

	out, err := os.Create(dstArchive)
	if err != nil {
		return fmt.Errorf("archive: creating %s: %w", dstArchive, err)
	}

	defer func() {
		if err != nil {
			out.Close()
			_ = os.Remove(dstArchive)
		}
	}()

	zw := zip.NewWriter(out)

	var files int

	walkErr := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, relErr := filepath.Rel(srcDir, p)
		if relErr != nil {
			return relErr
		}

		if rel == "." {
			return nil
		}

		rel = filepath.ToSlash(rel)

		if m.Match(rel) {
			c.logger.Debug("excluded from archive", slog.String("path", rel))

			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}

		switch {
		case info.IsDir():
			return addDir(zw, rel, info)
		case info.Mode().IsRegular():
			files++

			return addFile(zw, p, rel, info)
		default:
			c.logger.Debug("skipping non-regular file", slog.String("path", rel), slog.String("mode", info.Mode().String()))

			return nil
		}
	})
	if walkErr != nil {
		return fmt.Errorf("archive: compressing %s: %w", srcDir, walkErr)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("archive: finishing %s: %w", dstArchive, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("archive: closing %s: %w", dstArchive, err)
	}

	c.logger.Debug("archive created", slog.String("archive", dstArchive), slog.Int("files", files))

	return nil
}

func addDir(zw *zip.Writer, rel string, info fs.FileInfo) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	hdr.Name = rel + "/"
	hdr.Modified = info.ModTime().UTC()

	_, err = zw.CreateHeader(hdr)

	return err
}

func addFile(zw *zip.Writer, absPath, rel string, info fs.FileInfo) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	hdr.Name = rel
	hdr.Method = zip.Deflate
	hdr.Modified = info.ModTime().UTC()

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}

	f, err := os.Open(absPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)

	return err
}

// Decompress extracts archivePath into dstDir, creating it if needed, and
// restores file and directory modification times. Entries whose names would
// resolve outside dstDir fail the whole extraction with ErrUnsafePath.
func (c *Codec) Decompress(ctx context.Context, archivePath, dstDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("archive: opening %s: %w", archivePath, err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dstDir, dirPerms); err != nil {
		return fmt.Errorf("archive: creating %s: %w", dstDir, err)
	}

	type dirTime struct {
		path string
		mod  time.Time
	}

	var dirs []dirTime

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := safeJoin(dstDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, dirPerms); err != nil {
				return fmt.Errorf("archive: creating %s: %w", target, err)
			}

			dirs = append(dirs, dirTime{target, f.Modified})

			continue
		}

		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("archive: extracting %s: %w", f.Name, err)
		}
	}

	// Writing children bumps a directory's mtime, so restore deepest first.
	slices.SortFunc(dirs, func(a, b dirTime) int {
		return strings.Count(b.path, string(filepath.Separator)) - strings.Count(a.path, string(filepath.Separator))
	})

	for _, d := range dirs {
		if d.mod.IsZero() {
			continue
		}

		if err := os.Chtimes(d.path, d.mod, d.mod); err != nil {
			c.logger.Warn("failed to restore directory time", slog.String("path", d.path), slog.String("error", err.Error()))
		}
	}

	c.logger.Debug("archive extracted", slog.String("archive", archivePath), slog.Int("entries", len(zr.File)))

	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), dirPerms); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	perm := f.Mode().Perm() | 0o600
	if f.Mode().Perm() == 0 {
		perm = filePerms
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}

	if err := out.Close(); err != nil {
		return err
	}

	if !f.Modified.IsZero() {
		return os.Chtimes(target, f.Modified, f.Modified)
	}

	return nil
}

// safeJoin resolves an archive entry name below dst.
func safeJoin(dst, name string) (string, error) {
	clean := strings.TrimSuffix(filepath.FromSlash(name), string(filepath.Separator))
	if clean == "" || !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}

	return filepath.Join(dst, clean), nil
}

// Verify checks archivePath structurally. See the package-level Verify.
func (c *Codec) Verify(archivePath string) error {
	return Verify(archivePath)
}

// Verify reads every entry of the archive, which checks each entry's CRC-32.
func Verify(archivePath string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("archive: opening %s: %w", archivePath, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if _, err := safeJoin(".", f.Name); err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			continue
		}

		if err := drainEntry(f); err != nil {
			return fmt.Errorf("archive: verifying %s in %s: %w", f.Name, archivePath, err)
		}
	}

	return nil
}

func drainEntry(f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = io.Copy(io.Discard, rc)

	return err
}

// Contains reports whether the archive has an entry named name (slash
// separated, relative to the archived directory).
func Contains(archivePath, name string) (bool, error) {
	names, err := List(archivePath)
	if err != nil {
		return false, err
	}

	name = strings.Trim(filepath.ToSlash(name), "/")

	return slices.ContainsFunc(names, func(n string) bool {
		return strings.TrimSuffix(n, "/") == name
	}), nil
}

// List returns the entry names in archive order.
func List(archivePath string) ([]string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("archive: opening %s: %w", archivePath, err)
	}
	defer zr.Close()

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}

	return names, nil
}
