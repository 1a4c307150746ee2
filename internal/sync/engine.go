package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	stdsync "sync"
	"time"

	"github.com/tonimelisma/dirsync/internal/deviceid"
	"github.com/tonimelisma/dirsync/internal/remote"
	"github.com/tonimelisma/dirsync/internal/status"
)

// DefaultRestartDelay is how long after a restart-triggering operation the
// host is asked to relaunch.
const DefaultRestartDelay = 1500 * time.Millisecond

// DefaultExclude lists data-directory paths never shipped in an archive.
var DefaultExclude = []string{"path.json", deviceid.FileName}

// watcherOwner identifies the engine when it hands the watcher back.
const watcherOwner = "sync-engine"

// EngineConfig holds the options for New.
type EngineConfig struct {
	Endpoint     Endpoint
	DataDir      string   // local directory kept in sync
	DeviceIDFile string   // persisted device identity, outside the archive
	TempDir      string   // parent of staging dirs; empty uses os.TempDir()
	BackupDir    string   // parent of defensive local copies; empty uses <DataDir>.backups
	Exclude      []string // extra exclusion patterns, added to DefaultExclude
	DeviceName   string   // empty uses the hostname
	Platform     string   // empty uses runtime.GOOS
	RestartDelay time.Duration

	Transport Transport // required
	Codec     Codec     // required
	Watcher   Watcher   // optional
	Status    status.Sink
	Restarter Restarter
	Clock     Clock
	Logger    *slog.Logger
}

// Engine is the sync orchestrator. It is the only entry point: every public
// method but GetBackupList and TestConnection takes a single-slot guard, so
// overlapping calls fail fast with ErrSyncInProgress instead of racing on
// the remote paths.
type Engine struct {
	endpoint     Endpoint
	dataDir      string
	deviceIDFile string
	exclude      []string
	deviceName   string
	platform     string
	restartDelay time.Duration

	transport Transport
	watcher   Watcher
	status    status.Sink
	restarter Restarter
	clock     Clock
	logger    *slog.Logger

	store     *MetadataStore
	pipeline  *Pipeline
	retention *Retention

	// op is the single-slot guard; acquired with TryLock.
	op stdsync.Mutex

	mu             stdsync.Mutex
	state          State
	deviceID       string
	restartPending bool
	closed         bool
}

// New validates cfg and creates an Engine. Endpoint problems fail with
// ErrConfigurationInvalid before any network call.
func New(cfg EngineConfig) (*Engine, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	name := cfg.DeviceName
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		}
	}

	platform := cfg.Platform
	if platform == "" {
		platform = runtime.GOOS
	}

	backupDir := cfg.BackupDir
	if backupDir == "" {
		backupDir = filepath.Clean(cfg.DataDir) + ".backups"
	}

	restartDelay := cfg.RestartDelay
	if restartDelay <= 0 {
		restartDelay = DefaultRestartDelay
	}

	e := &Engine{
		endpoint:     cfg.Endpoint,
		dataDir:      cfg.DataDir,
		deviceIDFile: cfg.DeviceIDFile,
		exclude:      buildExclude(cfg.DataDir, cfg.DeviceIDFile, cfg.Exclude),
		deviceName:   name,
		platform:     platform,
		restartDelay: restartDelay,
		transport:    cfg.Transport,
		watcher:      cfg.Watcher,
		status:       cfg.Status,
		restarter:    cfg.Restarter,
		clock:        clock,
		logger:       logger,
	}

	if e.watcher == nil {
		e.watcher = noopWatcher{}
	}

	if e.status == nil {
		e.status = discardSink{}
	}

	if e.restarter == nil {
		e.restarter = noopRestarter{}
	}

	remoteDir := remote.Join(cfg.Endpoint.RemotePath)
	e.store = NewMetadataStore(cfg.Transport, remoteDir, logger)
	e.pipeline = NewPipeline(PipelineConfig{
		Transport: cfg.Transport,
		Codec:     cfg.Codec,
		Store:     e.store,
		RemoteDir: remoteDir,
		TempDir:   cfg.TempDir,
		BackupDir: backupDir,
		Clock:     clock,
		Logger:    logger,
	})
	e.retention = NewRetention(cfg.Transport, clock, logger)

	return e, nil
}

func validateConfig(cfg *EngineConfig) error {
	var missing []string

	check := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}

	check("url", cfg.Endpoint.URL)
	check("username", cfg.Endpoint.Username)
	check("password", cfg.Endpoint.Password)
	check("remote path", cfg.Endpoint.RemotePath)
	check("data directory", cfg.DataDir)
	check("device id file", cfg.DeviceIDFile)

	if cfg.Transport == nil {
		missing = append(missing, "transport")
	}

	if cfg.Codec == nil {
		missing = append(missing, "archive codec")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrConfigurationInvalid, strings.Join(missing, ", "))
	}

	return nil
}

// buildExclude merges the default, configured and device-file exclusions.
func buildExclude(dataDir, deviceIDFile string, extra []string) []string {
	out := append(append([]string{}, DefaultExclude...), extra...)

	rel, err := filepath.Rel(dataDir, deviceIDFile)
	if err == nil && filepath.IsLocal(rel) {
		out = append(out, filepath.ToSlash(rel))
	}

	return out
}

// discardSink drops notifications.
type discardSink struct{}

func (discardSink) Publish(status.Status) {}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// DeviceID returns the resolved device id, empty before Initialize.
func (e *Engine) DeviceID() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.deviceID
}

// RestartPending reports whether a restart has been scheduled.
func (e *Engine) RestartPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.restartPending
}

// Exclude returns the exclusion patterns applied to archives.
func (e *Engine) Exclude() []string {
	return append([]string(nil), e.exclude...)
}

// acquire takes the single-slot guard for a mutating operation. Rejections
// other than ErrSyncInProgress publish an error status naming op; a call
// racing a running operation stays silent so the running operation's
// statuses are not interrupted.
func (e *Engine) acquire(op string, needInit bool) (func(), error) {
	if !e.op.TryLock() {
		return nil, ErrSyncInProgress
	}

	e.mu.Lock()

	var err error

	switch {
	case e.closed:
		err = ErrEngineClosed
	case e.restartPending:
		err = ErrRestartPending
	case needInit && e.deviceID == "":
		err = ErrNotInitialized
	}

	closed := e.closed
	e.mu.Unlock()

	if err != nil {
		e.op.Unlock()

		// A closed engine has no audience left.
		if !closed {
			e.emitError(op+" failed", err)
		}

		return nil, err
	}

	return e.op.Unlock, nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	if e.state != s {
		e.logger.Debug("engine state change",
			slog.String("from", e.state.String()),
			slog.String("to", s.String()),
		)
	}

	e.state = s
}

// finish moves to Idle or Error depending on err and returns err.
func (e *Engine) finish(err error) error {
	if err != nil {
		e.setState(StateError)
	} else {
		e.setState(StateIdle)
	}

	return err
}

func (e *Engine) emit(kind status.Kind, msg string) {
	e.status.Publish(status.Status{Kind: kind, Message: msg, Timestamp: e.clock.Now().UTC()})
}

func (e *Engine) emitError(prefix string, err error) {
	e.emit(status.Error, fmt.Sprintf("%s: %v", prefix, err))
}

func (e *Engine) self() DeviceRecord {
	return DeviceRecord{
		ID:       e.DeviceID(),
		Name:     e.deviceName,
		LastSync: NewTimestamp(e.clock.Now()),
		Platform: e.platform,
	}
}

func (e *Engine) stopWatcher() {
	if err := e.watcher.Stop(); err != nil {
		e.logger.Warn("failed to stop watcher", slog.String("error", err.Error()))
	}
}

func (e *Engine) startWatcher() {
	if err := e.watcher.Start(watcherOwner); err != nil {
		e.logger.Warn("failed to restart watcher", slog.String("error", err.Error()))
	}
}

// scheduleRestart records that the process must be relaunched and asks the
// host to do it. No further mutating operation is accepted afterwards.
func (e *Engine) scheduleRestart() {
	e.mu.Lock()
	e.restartPending = true
	e.mu.Unlock()

	e.logger.Info("restart scheduled", slog.Duration("delay", e.restartDelay))
	e.restarter.ScheduleRestart(e.restartDelay)
}

// Initialize resolves the device id and, when the remote store already has
// data this device has never synced, runs the first-time sync.
func (e *Engine) Initialize(ctx context.Context) error {
	release, err := e.acquire("Initialization", false)
	if err != nil {
		return err
	}
	defer release()

	e.setState(StateInitializing)

	id, created, err := deviceid.Resolve(e.deviceIDFile)
	if err != nil {
		e.emitError("Initialization failed", err)

		return e.finish(fmt.Errorf("sync: resolving device id: %w", err))
	}

	e.mu.Lock()
	e.deviceID = id
	e.mu.Unlock()

	e.logger.Info("device identity resolved", slog.String("device_id", id), slog.Bool("new", created))

	exists, err := e.store.Exists(ctx)
	if err != nil {
		e.emitError("Initialization failed", err)

		return e.finish(err)
	}

	if !exists {
		// Nothing to pull; the first Sync creates the remote copy.
		return e.finish(nil)
	}

	doc, err := e.store.Read(ctx)
	if err != nil {
		e.emitError("Initialization failed", err)

		return e.finish(err)
	}

	if created || !doc.HasDevice(id) {
		e.logger.Info("device not registered remotely, running first-time sync", slog.String("device_id", id))

		return e.finish(e.initialSync(ctx))
	}

	return e.finish(nil)
}

// initialSync onboards a device the remote registry does not know.
func (e *Engine) initialSync(ctx context.Context) error {
	e.setState(StateSyncing)
	e.emit(status.Syncing, "Running first-time sync...")

	exists, err := e.store.Exists(ctx)
	if err != nil {
		e.emitError("First-time sync failed", err)

		return err
	}

	if !exists {
		if err := e.runUpload(ctx); err != nil {
			e.emitError("First-time sync failed", err)

			return err
		}

		e.emit(status.Success, "First-time sync complete")

		return nil
	}

	doc, err := e.store.Read(ctx)
	if err != nil {
		e.emitError("First-time sync failed", err)

		return err
	}

	if err := e.runDownload(ctx, MainArchiveName, doc.Checksum, doc.LastModified.Time); err != nil {
		e.emitError("First-time sync failed", err)

		return err
	}

	e.emit(status.Success, "First-time sync complete, restarting application...")
	e.scheduleRestart()

	return nil
}

// Sync decides the direction and moves data:
//   - no remote metadata: upload;
//   - this device unregistered: download, regardless of timestamps;
//   - local newer than remote lastModified: upload;
//   - remote newer: download;
//   - equal: refresh this device's record only.
//
// Timestamps compare at whole-second precision.
func (e *Engine) Sync(ctx context.Context) (Outcome, error) {
	release, err := e.acquire("Sync", true)
	if err != nil {
		return OutcomeUpToDate, err
	}
	defer release()

	e.setState(StateSyncing)

	outcome, err := e.sync(ctx)

	return outcome, e.finish(err)
}

func (e *Engine) sync(ctx context.Context) (Outcome, error) {
	exists, err := e.store.Exists(ctx)
	if err != nil {
		e.emitError("Sync failed", err)

		return OutcomeUpToDate, err
	}

	if !exists {
		e.logger.Info("no remote copy yet, uploading")

		return OutcomeUploaded, e.upload(ctx)
	}

	doc, err := e.store.Read(ctx)
	if err != nil {
		e.emitError("Sync failed", err)

		return OutcomeUpToDate, err
	}

	if !doc.HasDevice(e.DeviceID()) {
		e.logger.Info("device missing from remote registry, remote wins")

		return OutcomeDownloaded, e.download(ctx, doc)
	}

	local, err := LatestModTime(e.dataDir, e.exclude)
	if err != nil {
		e.emitError("Sync failed", err)

		return OutcomeUpToDate, err
	}

	localSec := local.UTC().Truncate(time.Second)
	remoteSec := doc.LastModified.UTC().Truncate(time.Second)

	e.logger.Debug("comparing modification times",
		slog.Time("local", localSec),
		slog.Time("remote", remoteSec),
	)

	switch {
	case localSec.After(remoteSec):
		return OutcomeUploaded, e.upload(ctx)
	case localSec.Before(remoteSec):
		return OutcomeDownloaded, e.download(ctx, doc)
	}

	if err := e.registerSelf(ctx); err != nil {
		e.emitError("Sync failed", err)

		return OutcomeUpToDate, err
	}

	e.emit(status.Success, "Database is up to date")

	return OutcomeUpToDate, nil
}

// registerSelf re-reads the metadata and writes it back with this device's
// record refreshed. Reading right before writing keeps the window in which
// another device's upload could be clobbered as small as the protocol allows.
func (e *Engine) registerSelf(ctx context.Context) error {
	doc, err := e.store.Read(ctx)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	updated := UpsertDevice(*doc, e.self(), now)

	return e.store.Write(ctx, &updated)
}

// UploadDatabase forces an upload of the local data directory.
func (e *Engine) UploadDatabase(ctx context.Context) error {
	release, err := e.acquire("Upload", true)
	if err != nil {
		return err
	}
	defer release()

	e.setState(StateSyncing)

	return e.finish(e.upload(ctx))
}

// upload wraps runUpload with status reporting.
func (e *Engine) upload(ctx context.Context) error {
	e.emit(status.Syncing, "Uploading database...")

	if err := e.runUpload(ctx); err != nil {
		e.emitError("Upload failed", err)

		return err
	}

	e.emit(status.Success, "Database uploaded")

	return nil
}

// runUpload stages, commits and prunes with the watcher paused. The watcher
// is always resumed.
func (e *Engine) runUpload(ctx context.Context) error {
	e.stopWatcher()
	defer e.startWatcher()

	staged, err := e.pipeline.StageUpload(ctx, e.dataDir, e.exclude)
	if err != nil {
		return err
	}
	defer staged.Cleanup()

	var devices []DeviceRecord

	exists, err := e.store.Exists(ctx)
	if err != nil {
		return err
	}

	if exists {
		doc, err := e.store.Read(ctx)
		if err != nil {
			return err
		}

		devices = doc.Devices
	}

	if _, err := e.pipeline.CommitUpload(ctx, staged, devices, e.self()); err != nil {
		return err
	}

	if _, err := e.retention.Prune(ctx, e.store.dir); err != nil {
		e.logger.Warn("pruning historical archives failed", slog.String("error", err.Error()))
	}

	return nil
}

// DownloadDatabase replaces local data with the remote main archive and
// schedules a restart.
func (e *Engine) DownloadDatabase(ctx context.Context) error {
	release, err := e.acquire("Download", true)
	if err != nil {
		return err
	}
	defer release()

	e.setState(StateSyncing)
	e.emit(status.Syncing, "Preparing to download database...")

	doc, err := e.store.Read(ctx)
	if err != nil {
		e.emitError("Download failed", err)

		return e.finish(err)
	}

	return e.finish(e.download(ctx, doc))
}

// download wraps runDownload with status reporting and the restart.
func (e *Engine) download(ctx context.Context, doc *Metadata) error {
	e.emit(status.Syncing, "Downloading database...")

	if err := e.runDownload(ctx, MainArchiveName, doc.Checksum, doc.LastModified.Time); err != nil {
		e.emitError("Download failed", err)

		return err
	}

	e.emit(status.Success, "Database restored, restarting application...")
	e.scheduleRestart()

	return nil
}

// runDownload fetches and verifies object, applies it to the data directory
// and registers this device. The watcher is resumed only on failure: on
// success the process is about to restart.
func (e *Engine) runDownload(ctx context.Context, object, checksum string, lastModified time.Time) (err error) {
	e.stopWatcher()

	defer func() {
		if err != nil {
			e.startWatcher()
		}
	}()

	staged, err := e.pipeline.Download(ctx, object, checksum)
	if err != nil {
		return err
	}
	defer staged.Cleanup()

	e.emit(status.Syncing, "Restoring database...")

	backup, err := e.pipeline.ApplyToDataDir(ctx, staged, e.dataDir, e.exclude)
	if err != nil {
		return err
	}

	e.logger.Info("local data replaced", slog.String("object", object), slog.String("previous_copy", backup))

	// Align the root with the archive's timestamp so the next sync sees the
	// two sides as equal instead of bouncing the same data back up.
	if !lastModified.IsZero() {
		if err := os.Chtimes(e.dataDir, lastModified, lastModified); err != nil {
			e.logger.Warn("failed to set data directory time", slog.String("error", err.Error()))
		}
	}

	// The data is already in place, so a registration failure is not fatal;
	// the next Initialize will find the device unregistered and retry.
	if err := e.registerSelf(ctx); err != nil {
		e.logger.Warn("failed to register device after download", slog.String("error", err.Error()))
	}

	return nil
}

// GetBackupList describes the main backup and the historical archives.
func (e *Engine) GetBackupList(ctx context.Context) (*BackupList, error) {
	list := &BackupList{History: []HistoryEntry{}}

	exists, err := e.store.Exists(ctx)
	if err != nil {
		return nil, err
	}

	if exists {
		if list.Main, err = e.store.Read(ctx); err != nil {
			return nil, err
		}
	}

	entries, err := e.transport.List(ctx, e.store.dir)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return nil, fmt.Errorf("sync: listing %s: %w", e.store.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir {
			continue
		}

		if at, ok := ParseHistoryName(entry.Name); ok {
			list.History = append(list.History, HistoryEntry{Filename: entry.Name, Timestamp: at})
		}
	}

	sortHistoryNewestFirst(list.History)

	return list, nil
}

// RestoreHistoryVersion replaces local data with a historical archive and
// schedules a restart. The remote store is not modified; the restored data
// is stamped as locally newest so the next sync publishes it as main.
func (e *Engine) RestoreHistoryVersion(ctx context.Context, filename string) error {
	if _, ok := ParseHistoryName(filename); !ok {
		err := fmt.Errorf("%w: %q", ErrInvalidBackupName, filename)
		e.emitError("Restore failed", err)

		return err
	}

	release, err := e.acquire("Restore", true)
	if err != nil {
		return err
	}
	defer release()

	e.setState(StateSyncing)
	e.emit(status.Syncing, "Preparing to restore historical version...")

	if err := e.runRestore(ctx, filename); err != nil {
		e.emitError("Restore failed", err)

		return e.finish(err)
	}

	e.emit(status.Success, "Historical version restored, restarting application...")
	e.scheduleRestart()

	return e.finish(nil)
}

func (e *Engine) runRestore(ctx context.Context, filename string) (err error) {
	e.stopWatcher()

	defer func() {
		if err != nil {
			e.startWatcher()
		}
	}()

	staged, err := e.pipeline.Download(ctx, filename, "")
	if err != nil {
		return err
	}
	defer staged.Cleanup()

	backup, err := e.pipeline.ApplyToDataDir(ctx, staged, e.dataDir, e.exclude)
	if err != nil {
		return err
	}

	e.logger.Info("historical version restored", slog.String("object", filename), slog.String("previous_copy", backup))

	now := e.clock.Now()
	if err := os.Chtimes(e.dataDir, now, now); err != nil {
		e.logger.Warn("failed to set data directory time", slog.String("error", err.Error()))
	}

	return nil
}

// TestConnection writes and deletes a marker object to prove the endpoint is
// reachable and writable. Real data is never touched.
func (e *Engine) TestConnection(ctx context.Context) error {
	marker := remote.Join(e.store.dir, testMarkerName)

	if err := e.transport.MkdirAll(ctx, e.store.dir); err != nil {
		return fmt.Errorf("sync: creating remote directory %s: %w", e.store.dir, err)
	}

	if err := e.transport.Put(ctx, marker, strings.NewReader("test")); err != nil {
		return fmt.Errorf("sync: writing %s: %w", marker, err)
	}

	if err := e.transport.Delete(ctx, marker); err != nil {
		return fmt.Errorf("sync: deleting %s: %w", marker, err)
	}

	e.logger.Info("connection test passed", slog.String("url", e.endpoint.URL))

	return nil
}

// Shutdown refuses new operations, waits for the in-flight one to finish
// (or ctx to end), and moves the engine to Closed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})

	go func() {
		e.op.Lock()
		e.mu.Lock()
		e.state = StateClosed
		e.mu.Unlock()
		e.op.Unlock()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Debug("engine shut down")

		return nil
	case <-ctx.Done():
		return fmt.Errorf("sync: waiting for in-flight operation: %w", ctx.Err())
	}
}
