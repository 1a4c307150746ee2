package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	stdsync "sync"
	"time"

	"github.com/tonimelisma/dirsync/internal/archive"
	"github.com/tonimelisma/dirsync/internal/remote"
)

const (
	// LocalBackupRetention is how many defensive copies of the data
	// directory ApplyToDataDir keeps.
	LocalBackupRetention = 5

	localBackupPrefix = "backup-"
	localBackupLayout = "2006-01-02T15-04-05.000"

	// historyMoveAttempts bounds the search for a free historical name when
	// two rotations land in the same second.
	historyMoveAttempts = 5
)

// StagedUpload is an archive of the data directory waiting to be committed.
type StagedUpload struct {
	ArchivePath  string
	Checksum     string
	LastModified time.Time

	scope *tempScope
}

// Cleanup removes the staging directory. Safe to call more than once.
func (s *StagedUpload) Cleanup() {
	if s != nil {
		s.scope.remove()
	}
}

// StagedDownload is a verified remote archive on local disk.
type StagedDownload struct {
	Object      string
	ArchivePath string
	Checksum    string

	scope *tempScope
}

// Cleanup removes the staging directory. Safe to call more than once.
func (s *StagedDownload) Cleanup() {
	if s != nil {
		s.scope.remove()
	}
}

// tempScope is a private temp directory removed exactly once.
type tempScope struct {
	dir    string
	logger *slog.Logger
	once   stdsync.Once
}

func (t *tempScope) remove() {
	if t == nil {
		return
	}

	t.once.Do(func() {
		if err := os.RemoveAll(t.dir); err != nil {
			t.logger.Warn("failed to remove staging directory",
				slog.String("path", t.dir),
				slog.String("error", err.Error()),
			)
		}
	})
}

// PipelineConfig holds the options for NewPipeline.
type PipelineConfig struct {
	Transport Transport
	Codec     Codec
	Store     *MetadataStore
	RemoteDir string
	TempDir   string // parent of scoped staging dirs; empty uses os.TempDir()
	BackupDir string // parent of defensive local copies
	Clock     Clock
	Logger    *slog.Logger
}

// Pipeline produces and consumes the archive that represents the data
// directory, and rotates the remote main archive into history.
type Pipeline struct {
	transport Transport
	codec     Codec
	store     *MetadataStore
	remoteDir string
	tempDir   string
	backupDir string
	clock     Clock
	logger    *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		transport: cfg.Transport,
		codec:     cfg.Codec,
		store:     cfg.Store,
		remoteDir: remote.Join(cfg.RemoteDir),
		tempDir:   cfg.TempDir,
		backupDir: cfg.BackupDir,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
}

func (p *Pipeline) newScope(kind string) (*tempScope, error) {
	if p.tempDir != "" {
		if err := os.MkdirAll(p.tempDir, 0o700); err != nil {
			return nil, localIO("create temp root", p.tempDir, err)
		}
	}

	dir, err := os.MkdirTemp(p.tempDir, "dirsync-"+kind+"-*")
	if err != nil {
		return nil, localIO("create temp dir", p.tempDir, err)
	}

	return &tempScope{dir: dir, logger: p.logger}, nil
}

// StageUpload archives dataDir into a private temp directory, hashes the
// archive and records the tree's latest modification time (whole seconds).
// On failure nothing is left behind.
func (p *Pipeline) StageUpload(ctx context.Context, dataDir string, exclude []string) (*StagedUpload, error) {
	// Scan before compressing: a write racing the archive can only make the
	// local side look newer on the next sync, never older.
	lastModified, err := LatestModTime(dataDir, exclude)
	if err != nil {
		return nil, err
	}

	scope, err := p.newScope("upload")
	if err != nil {
		return nil, err
	}

	archivePath := filepath.Join(scope.dir, MainArchiveName)

	if err := p.codec.Compress(ctx, dataDir, archivePath, archive.Options{Exclude: exclude}); err != nil {
		scope.remove()

		return nil, fmt.Errorf("sync: compressing %s: %w", dataDir, err)
	}

	sum, err := fileChecksum(archivePath)
	if err != nil {
		scope.remove()

		return nil, err
	}

	p.logger.Info("upload staged",
		slog.String("archive", archivePath),
		slog.String("checksum", sum),
		slog.Time("last_modified", lastModified.UTC()),
	)

	return &StagedUpload{
		ArchivePath:  archivePath,
		Checksum:     sum,
		LastModified: lastModified.UTC().Truncate(time.Second),
		scope:        scope,
	}, nil
}

// CommitUpload publishes a staged archive: it ensures the remote directory,
// renames the current main archive to a historical name, uploads the new
// main archive, and finally writes fresh metadata carrying devices with self
// upserted. Metadata goes last so its checksum always describes main.
func (p *Pipeline) CommitUpload(
	ctx context.Context, staged *StagedUpload, devices []DeviceRecord, self DeviceRecord,
) (*Metadata, error) {
	now := p.clock.Now()

	if err := p.transport.MkdirAll(ctx, p.remoteDir); err != nil {
		return nil, fmt.Errorf("sync: creating remote directory %s: %w", p.remoteDir, err)
	}

	mainPath := remote.Join(p.remoteDir, MainArchiveName)

	exists, err := p.transport.Exists(ctx, mainPath)
	if err != nil {
		return nil, fmt.Errorf("sync: checking %s: %w", mainPath, err)
	}

	if exists {
		if err := p.rotateMain(ctx, mainPath, now); err != nil {
			return nil, err
		}
	}

	f, err := os.Open(staged.ArchivePath)
	if err != nil {
		return nil, localIO("open", staged.ArchivePath, err)
	}
	defer f.Close()

	if err := p.transport.Put(ctx, mainPath, f); err != nil {
		return nil, fmt.Errorf("sync: uploading %s: %w", mainPath, err)
	}

	doc := UpsertDevice(Metadata{
		Version:      NewTimestamp(now).UTC().Format(timestampLayout),
		Devices:      devices,
		Checksum:     staged.Checksum,
		LastModified: NewTimestamp(staged.LastModified),
	}, self, now)

	if err := p.store.Write(ctx, &doc); err != nil {
		return nil, err
	}

	p.logger.Info("upload committed",
		slog.String("path", mainPath),
		slog.String("checksum", staged.Checksum),
	)

	return &doc, nil
}

// rotateMain moves main to database-<now>.zip, stepping forward a second
// when that name is already taken.
func (p *Pipeline) rotateMain(ctx context.Context, mainPath string, now time.Time) error {
	var err error

	for i := range historyMoveAttempts {
		name := HistoryName(now.Add(time.Duration(i) * time.Second))
		dst := remote.Join(p.remoteDir, name)

		err = p.transport.Move(ctx, mainPath, dst)
		if err == nil {
			p.logger.Info("rotated main archive into history", slog.String("name", name))

			return nil
		}

		if !errors.Is(err, remote.ErrExists) {
			break
		}
	}

	return fmt.Errorf("sync: rotating %s into history: %w", mainPath, err)
}

// Download fetches the named object from the remote directory into a private
// temp directory. With a non-empty expectedChecksum the archive's SHA-256
// must match; without one (historical objects) the archive is verified
// structurally instead. The live data directory is never touched.
func (p *Pipeline) Download(ctx context.Context, object, expectedChecksum string) (*StagedDownload, error) {
	scope, err := p.newScope("download")
	if err != nil {
		return nil, err
	}

	staged, err := p.download(ctx, scope, object, expectedChecksum)
	if err != nil {
		scope.remove()

		return nil, err
	}

	return staged, nil
}

func (p *Pipeline) download(ctx context.Context, scope *tempScope, object, expected string) (*StagedDownload, error) {
	src := remote.Join(p.remoteDir, object)
	dst := filepath.Join(scope.dir, filepath.Base(object))

	f, err := os.Create(dst)
	if err != nil {
		return nil, localIO("create", dst, err)
	}

	h := sha256.New()

	n, getErr := p.transport.Get(ctx, src, io.MultiWriter(f, h))
	closeErr := f.Close()

	if getErr != nil {
		return nil, fmt.Errorf("sync: downloading %s: %w", src, getErr)
	}

	if closeErr != nil {
		return nil, localIO("close", dst, closeErr)
	}

	actual := hex.EncodeToString(h.Sum(nil))

	if expected != "" {
		if !strings.EqualFold(actual, expected) {
			return nil, &IntegrityError{Object: src, Expected: expected, Actual: actual}
		}
	} else if err := p.codec.Verify(dst); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrIntegrity, src, err)
	}

	p.logger.Info("archive downloaded",
		slog.String("path", src),
		slog.Int64("bytes", n),
		slog.String("checksum", actual),
	)

	return &StagedDownload{Object: object, ArchivePath: dst, Checksum: actual, scope: scope}, nil
}

// ApplyToDataDir replaces the contents of dataDir with the staged archive.
// The current contents are first copied to a new directory under the backup
// dir; excluded paths inside dataDir are left in place. If extraction fails
// the copy is put back. Returns the location of the defensive copy.
func (p *Pipeline) ApplyToDataDir(
	ctx context.Context, staged *StagedDownload, dataDir string, exclude []string,
) (string, error) {
	m, err := archive.NewMatcher(exclude...)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(dataDir); errors.Is(err, fs.ErrNotExist) {
		return "", p.applyFresh(ctx, staged, dataDir)
	}

	backupPath := filepath.Join(p.backupDir, localBackupPrefix+p.clock.Now().UTC().Format(localBackupLayout))

	if err := copyTree(dataDir, backupPath); err != nil {
		return "", localIO("back up data directory to", backupPath, err)
	}

	p.logger.Info("local data backed up", slog.String("path", backupPath))

	if err := clearDir(dataDir, "", m); err != nil {
		return backupPath, p.restoreFromBackup(backupPath, dataDir, m, localIO("clear", dataDir, err))
	}

	if err := p.codec.Decompress(ctx, staged.ArchivePath, dataDir); err != nil {
		return backupPath, p.restoreFromBackup(backupPath, dataDir, m,
			fmt.Errorf("sync: extracting %s: %w", staged.Object, err))
	}

	p.pruneLocalBackups()

	return backupPath, nil
}

// applyFresh extracts into a data directory that does not exist yet, as on a
// new installation. There is nothing to back up; a failed extraction removes
// the partial directory again.
func (p *Pipeline) applyFresh(ctx context.Context, staged *StagedDownload, dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return localIO("create", dataDir, err)
	}

	p.logger.Info("data directory created", slog.String("path", dataDir))

	if err := p.codec.Decompress(ctx, staged.ArchivePath, dataDir); err != nil {
		cause := fmt.Errorf("sync: extracting %s: %w", staged.Object, err)

		if rmErr := os.RemoveAll(dataDir); rmErr != nil {
			return errors.Join(cause, localIO("remove", dataDir, rmErr))
		}

		return cause
	}

	return nil
}

// restoreFromBackup puts the defensive copy back after a failed apply and
// returns cause, joined with the restore failure if there was one.
func (p *Pipeline) restoreFromBackup(backupPath, dataDir string, m *archive.Matcher, cause error) error {
	p.logger.Error("apply failed, restoring local data from backup",
		slog.String("backup", backupPath),
		slog.String("error", cause.Error()),
	)

	if err := clearDir(dataDir, "", m); err != nil {
		return errors.Join(cause, localIO("clear", dataDir, err))
	}

	if err := copyTree(backupPath, dataDir); err != nil {
		return errors.Join(cause, localIO("restore data directory from", backupPath, err))
	}

	return cause
}

// pruneLocalBackups keeps the newest LocalBackupRetention defensive copies.
// Failures are logged only.
func (p *Pipeline) pruneLocalBackups() {
	entries, err := os.ReadDir(p.backupDir)
	if err != nil {
		p.logger.Warn("failed to list local backups", slog.String("path", p.backupDir), slog.String("error", err.Error()))

		return
	}

	var names []string

	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), localBackupPrefix) {
			names = append(names, e.Name())
		}
	}

	if len(names) <= LocalBackupRetention {
		return
	}

	// Stamps sort lexically in time order.
	slices.Sort(names)

	for _, name := range names[:len(names)-LocalBackupRetention] {
		path := filepath.Join(p.backupDir, name)
		if err := os.RemoveAll(path); err != nil {
			p.logger.Warn("failed to remove old local backup", slog.String("path", path), slog.String("error", err.Error()))

			continue
		}

		p.logger.Debug("removed old local backup", slog.String("path", path))
	}
}

// fileChecksum streams path through SHA-256 and returns the hex digest.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", localIO("open", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", localIO("hash", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
