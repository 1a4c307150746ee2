package sync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/dirsync/internal/archive"
	"github.com/tonimelisma/dirsync/internal/status"
)

var engineBase = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	engine    *Engine
	tr        Transport
	mem       *memTransport
	dataDir   string
	idFile    string
	clock     *fakeClock
	watcher   *fakeWatcher
	restarter *fakeRestarter
	sink      *recordingSink
}

func newFixture(t *testing.T, tr Transport, mem *memTransport) *fixture {
	t.Helper()

	f := &fixture{
		tr:        tr,
		mem:       mem,
		dataDir:   filepath.Join(t.TempDir(), "data"),
		idFile:    filepath.Join(t.TempDir(), "device-id.json"),
		clock:     newFakeClock(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)),
		watcher:   &fakeWatcher{},
		restarter: &fakeRestarter{},
		sink:      &recordingSink{},
	}

	require.NoError(t, os.MkdirAll(f.dataDir, 0o755))

	e, err := New(EngineConfig{
		Endpoint:     Endpoint{URL: "https://dav.example.com", Username: "u", Password: "p", RemotePath: "/r"},
		DataDir:      f.dataDir,
		DeviceIDFile: f.idFile,
		TempDir:      t.TempDir(),
		BackupDir:    t.TempDir(),
		DeviceName:   "test-box",
		Platform:     "linux",
		Transport:    tr,
		Codec:        archive.New(nil),
		Watcher:      f.watcher,
		Status:       f.sink,
		Restarter:    f.restarter,
		Clock:        f.clock,
		Logger:       slog.Default(),
	})
	require.NoError(t, err)

	f.engine = e

	return f
}

func newMemFixture(t *testing.T, mem *memTransport) *fixture {
	t.Helper()

	return newFixture(t, mem, mem)
}

// seed writes files into the data dir, stamps them at, initializes the
// engine and uploads so the device is registered with lastModified == at.
func (f *fixture) seed(t *testing.T, files map[string]string, at time.Time) {
	t.Helper()

	ctx := context.Background()

	writeTree(t, f.dataDir, files)
	stampTree(t, f.dataDir, at)
	require.NoError(t, f.engine.Initialize(ctx))

	outcome, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeUploaded, outcome)

	f.sink.reset()
	f.mem.resetOps()
}

func (f *fixture) remoteDoc(t *testing.T) *Metadata {
	t.Helper()

	doc, err := f.engine.store.Read(context.Background())
	require.NoError(t, err)

	return doc
}

// setRemoteLastModified rewrites remote metadata with a new lastModified,
// keeping the checksum.
func (f *fixture) setRemoteLastModified(t *testing.T, at time.Time) {
	t.Helper()

	doc := f.remoteDoc(t)
	doc.LastModified = NewTimestamp(at)
	require.NoError(t, f.engine.store.Write(context.Background(), doc))
	f.mem.resetOps()
}

func TestNew_RejectsIncompleteConfig(t *testing.T) {
	_, err := New(EngineConfig{Endpoint: Endpoint{URL: "https://x", Username: "u"}})
	require.ErrorIs(t, err, ErrConfigurationInvalid)
	assert.Contains(t, err.Error(), "password")
	assert.Contains(t, err.Error(), "remote path")
	assert.Contains(t, err.Error(), "transport")
	assert.NotContains(t, err.Error(), "url")
}

func TestNew_ExcludesDeviceFileInsideDataDir(t *testing.T) {
	data := t.TempDir()

	got := buildExclude(data, filepath.Join(data, "state", "id.json"), []string{"*.tmp"})
	assert.Equal(t, []string{"path.json", "device-id.json", "*.tmp", "state/id.json"}, got)

	got = buildExclude(data, filepath.Join(t.TempDir(), "id.json"), nil)
	assert.Equal(t, DefaultExclude, got)
}

func TestInitialize_EmptyRemoteStaysIdle(t *testing.T) {
	mem := newMemTransport()
	f := newMemFixture(t, mem)

	require.NoError(t, f.engine.Initialize(context.Background()))

	assert.Equal(t, StateIdle, f.engine.State())
	assert.NotEmpty(t, f.engine.DeviceID())
	assert.Zero(t, mem.countOps("PUT"))
	assert.Empty(t, f.restarter.calls())
}

func TestSync_RequiresInitialize(t *testing.T) {
	f := newMemFixture(t, newMemTransport())

	_, err := f.engine.Sync(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestSync_FirstUploadCreatesRemote(t *testing.T) {
	ctx := context.Background()
	mem := newMemTransport()
	f := newMemFixture(t, mem)

	writeTree(t, f.dataDir, map[string]string{"games.db": "v1", "path.json": "{}"})
	stampTree(t, f.dataDir, engineBase)
	require.NoError(t, f.engine.Initialize(ctx))

	outcome, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUploaded, outcome)

	doc := f.remoteDoc(t)
	assert.True(t, doc.HasDevice(f.engine.DeviceID()))
	assert.True(t, doc.LastModified.Equal(engineBase))

	main, ok := mem.get("/r/database.zip")
	require.True(t, ok)

	path := filepath.Join(t.TempDir(), "main.zip")
	require.NoError(t, os.WriteFile(path, main, 0o600))

	sum, err := fileChecksum(path)
	require.NoError(t, err)
	assert.Equal(t, doc.Checksum, sum)

	hasPath, err := archive.Contains(path, "path.json")
	require.NoError(t, err)
	assert.False(t, hasPath)

	assert.Equal(t, []status.Kind{status.Syncing, status.Success}, f.sink.kinds())
	assert.Equal(t, "Database uploaded", f.sink.last().Message)

	stops, starts := f.watcher.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, starts)
	assert.Equal(t, watcherOwner, f.watcher.owner)
	assert.Equal(t, StateIdle, f.engine.State())
}

func TestSync_DecisionTable(t *testing.T) {
	tests := []struct {
		name       string
		localAt    time.Time
		remoteAt   time.Time
		want       Outcome
		wantGets   int
		wantPuts   int
		wantKinds  []status.Kind
		wantReboot bool
	}{
		{
			name:      "local newer uploads",
			localAt:   engineBase.Add(time.Second),
			remoteAt:  engineBase,
			want:      OutcomeUploaded,
			wantPuts:  1,
			wantKinds: []status.Kind{status.Syncing, status.Success},
		},
		{
			name:       "remote newer downloads",
			localAt:    engineBase,
			remoteAt:   engineBase.Add(time.Second),
			want:       OutcomeDownloaded,
			wantGets:   1,
			wantKinds:  []status.Kind{status.Syncing, status.Syncing, status.Success},
			wantReboot: true,
		},
		{
			name:      "equal refreshes metadata only",
			localAt:   engineBase,
			remoteAt:  engineBase,
			want:      OutcomeUpToDate,
			wantKinds: []status.Kind{status.Success},
		},
		{
			name:      "sub-second difference is equal",
			localAt:   engineBase.Add(400 * time.Millisecond),
			remoteAt:  engineBase,
			want:      OutcomeUpToDate,
			wantKinds: []status.Kind{status.Success},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newMemTransport()
			f := newMemFixture(t, mem)
			f.seed(t, map[string]string{"games.db": "v1"}, engineBase)

			if !tt.remoteAt.Equal(engineBase) {
				f.setRemoteLastModified(t, tt.remoteAt)
			}

			stampTree(t, f.dataDir, tt.localAt)
			f.clock.Advance(time.Hour)

			outcome, err := f.engine.Sync(context.Background())
			require.NoError(t, err)

			assert.Equal(t, tt.want, outcome)
			assert.Equal(t, tt.wantGets, mem.countOps("GET /r/database.zip"))
			assert.Equal(t, tt.wantPuts, mem.countOps("PUT /r/database.zip"))
			assert.Equal(t, tt.wantKinds, f.sink.kinds())
			assert.Equal(t, tt.wantReboot, f.engine.RestartPending())

			// Every outcome leaves this device's record freshly stamped.
			doc := f.remoteDoc(t)
			assert.True(t, doc.Timestamp.Equal(f.clock.Now()), "metadata timestamp %v", doc.Timestamp)
			assert.Equal(t, 1, mem.countOps("PUT /r/metadata.json"))
		})
	}
}

func TestSync_DownloadAlignsLocalTime(t *testing.T) {
	ctx := context.Background()
	f := newMemFixture(t, newMemTransport())
	f.seed(t, map[string]string{"games.db": "v1"}, engineBase)
	f.setRemoteLastModified(t, engineBase.Add(time.Minute))

	_, err := f.engine.Sync(ctx)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{DefaultRestartDelay}, f.restarter.calls())

	local, err := LatestModTime(f.dataDir, f.engine.Exclude())
	require.NoError(t, err)
	assert.True(t, local.Truncate(time.Second).Equal(engineBase.Add(time.Minute)), "local %v", local)

	// Watcher stays stopped: the process is about to restart.
	stops, starts := f.watcher.counts()
	assert.Equal(t, 2, stops)
	assert.Equal(t, 1, starts)
}

func TestSync_UnregisteredDeviceDownloadsEvenWhenNewer(t *testing.T) {
	ctx := context.Background()
	mem := newMemTransport()

	b := newMemFixture(t, mem)
	writeTree(t, b.dataDir, map[string]string{"games.db": "local-b", "extra.txt": "only-b"})
	stampTree(t, b.dataDir, engineBase.Add(time.Hour))
	require.NoError(t, b.engine.Initialize(ctx))

	a := newMemFixture(t, mem)
	a.seed(t, map[string]string{"games.db": "from-a"}, engineBase)

	outcome, err := b.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDownloaded, outcome)

	assert.Equal(t, map[string]string{"games.db": "from-a"}, readTree(t, b.dataDir))

	doc := a.remoteDoc(t)
	assert.True(t, doc.HasDevice(a.engine.DeviceID()))
	assert.True(t, doc.HasDevice(b.engine.DeviceID()))
	assert.Len(t, doc.Devices, 2)
}

func TestInitialize_NewDeviceRunsFirstTimeSync(t *testing.T) {
	ctx := context.Background()
	mem := newMemTransport()

	a := newMemFixture(t, mem)
	a.seed(t, map[string]string{"games.db": "shared", "sub/cfg.json": "cfg"}, engineBase)

	c := newMemFixture(t, mem)
	writeTree(t, c.dataDir, map[string]string{"games.db": "stale"})

	require.NoError(t, c.engine.Initialize(ctx))

	assert.Equal(t, readTree(t, a.dataDir), readTree(t, c.dataDir))
	assert.True(t, c.engine.RestartPending())
	assert.Equal(t, []time.Duration{DefaultRestartDelay}, c.restarter.calls())
	assert.Equal(t, StateIdle, c.engine.State())
	assert.Equal(t, "First-time sync complete, restarting application...", c.sink.last().Message)

	_, err := c.engine.Sync(ctx)
	assert.ErrorIs(t, err, ErrRestartPending)
	assert.ErrorIs(t, c.engine.UploadDatabase(ctx), ErrRestartPending)
}

func TestSync_ChecksumMismatchLeavesLocalUntouched(t *testing.T) {
	ctx := context.Background()
	mem := newMemTransport()
	f := newMemFixture(t, mem)
	f.seed(t, map[string]string{"games.db": "good"}, engineBase)

	tampered, _ := buildArchive(t, map[string]string{"games.db": "evil"})
	mem.put("/r/database.zip", tampered)
	f.setRemoteLastModified(t, engineBase.Add(time.Second))

	before := readTree(t, f.dataDir)
	stopsBefore, startsBefore := f.watcher.counts()

	_, err := f.engine.Sync(ctx)
	require.ErrorIs(t, err, ErrIntegrity)

	assert.Equal(t, before, readTree(t, f.dataDir))
	assert.Empty(t, f.restarter.calls())
	assert.False(t, f.engine.RestartPending())
	assert.Equal(t, StateError, f.engine.State())
	assert.Equal(t, status.Error, f.sink.last().Kind)

	stops, starts := f.watcher.counts()
	assert.Equal(t, stopsBefore+1, stops)
	assert.Equal(t, startsBefore+1, starts)

	// The engine recovers for the next call.
	mem.resetOps()
	assert.ErrorIs(t, f.engine.DownloadDatabase(ctx), ErrIntegrity)
}

func TestSync_MalformedMetadataIsRemoteFormat(t *testing.T) {
	ctx := context.Background()
	mem := newMemTransport()
	f := newMemFixture(t, mem)
	require.NoError(t, f.engine.Initialize(ctx))

	mem.put("/r/metadata.json", []byte(`{"checksum": 12}`))

	_, err := f.engine.Sync(ctx)
	require.ErrorIs(t, err, ErrRemoteFormat)
	assert.Zero(t, mem.countOps("PUT"))
}

// gateTransport blocks the first armed Exists call until released.
type gateTransport struct {
	*memTransport
	armed   atomic.Bool
	once    stdsync.Once
	entered chan struct{}
	release chan struct{}
}

func newGateTransport(mem *memTransport) *gateTransport {
	return &gateTransport{
		memTransport: mem,
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
}

func (g *gateTransport) Exists(ctx context.Context, p string) (bool, error) {
	if g.armed.Load() {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}

	return g.memTransport.Exists(ctx, p)
}

func TestEngine_OverlappingCallsFailFast(t *testing.T) {
	ctx := context.Background()
	mem := newMemTransport()
	gate := newGateTransport(mem)
	f := newFixture(t, gate, mem)

	writeTree(t, f.dataDir, map[string]string{"games.db": "v1"})
	require.NoError(t, f.engine.Initialize(ctx))

	gate.armed.Store(true)

	done := make(chan error, 1)

	go func() {
		_, err := f.engine.Sync(ctx)
		done <- err
	}()

	<-gate.entered

	assert.Equal(t, StateSyncing, f.engine.State())

	kinds := len(f.sink.kinds())

	assert.ErrorIs(t, f.engine.UploadDatabase(ctx), ErrSyncInProgress)
	assert.ErrorIs(t, f.engine.DownloadDatabase(ctx), ErrSyncInProgress)
	assert.ErrorIs(t, f.engine.RestoreHistoryVersion(ctx, "database-2024-01-01T00-00-00.zip"), ErrSyncInProgress)

	_, err := f.engine.Sync(ctx)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	// Rejected calls publish nothing.
	assert.Len(t, f.sink.kinds(), kinds)

	close(gate.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, mem.countOps("PUT /r/database.zip"))
}

func TestShutdown_WaitsForInFlightOperation(t *testing.T) {
	ctx := context.Background()
	mem := newMemTransport()
	gate := newGateTransport(mem)
	f := newFixture(t, gate, mem)

	require.NoError(t, f.engine.Initialize(ctx))
	gate.armed.Store(true)

	done := make(chan error, 1)

	go func() {
		_, err := f.engine.Sync(ctx)
		done <- err
	}()

	<-gate.entered

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	err := f.engine.Shutdown(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate.release)
	require.NoError(t, <-done)

	require.NoError(t, f.engine.Shutdown(ctx))
	assert.Equal(t, StateClosed, f.engine.State())

	_, err = f.engine.Sync(ctx)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestGetBackupList(t *testing.T) {
	ctx := context.Background()
	mem := newMemTransport()
	f := newMemFixture(t, mem)

	list, err := f.engine.GetBackupList(ctx)
	require.NoError(t, err)
	assert.Nil(t, list.Main)
	assert.NotNil(t, list.History)
	assert.Empty(t, list.History)

	f.seed(t, map[string]string{"games.db": "v1"}, engineBase)

	for i := 1; i <= 2; i++ {
		f.clock.Advance(time.Hour)
		stampTree(t, f.dataDir, engineBase.Add(time.Duration(i)*time.Minute))
		require.NoError(t, f.engine.UploadDatabase(ctx))
	}

	mem.put("/r/notes.txt", []byte("ignored"))
	mem.put("/r/database-garbage.zip", []byte("ignored"))

	list, err = f.engine.GetBackupList(ctx)
	require.NoError(t, err)
	require.NotNil(t, list.Main)
	assert.Equal(t, f.remoteDoc(t).Checksum, list.Main.Checksum)

	require.Len(t, list.History, 2)
	assert.Equal(t, HistoryName(f.clock.Now()), list.History[0].Filename)
	assert.True(t, list.History[0].Timestamp.After(list.History[1].Timestamp))
}

func TestRestoreHistoryVersion(t *testing.T) {
	ctx := context.Background()
	mem := newMemTransport()
	f := newMemFixture(t, mem)

	err := f.engine.RestoreHistoryVersion(ctx, "../metadata.json")
	require.ErrorIs(t, err, ErrInvalidBackupName)
	assert.Empty(t, mem.ops)

	f.seed(t, map[string]string{"games.db": "v1"}, engineBase)

	f.clock.Advance(time.Hour)
	writeTree(t, f.dataDir, map[string]string{"games.db": "v2"})
	stampTree(t, f.dataDir, engineBase.Add(time.Minute))
	require.NoError(t, f.engine.UploadDatabase(ctx))

	list, err := f.engine.GetBackupList(ctx)
	require.NoError(t, err)
	require.Len(t, list.History, 1)

	remoteBefore := mem.names("/r")
	docBefore := f.remoteDoc(t)
	f.sink.reset()
	f.clock.Advance(time.Hour)

	require.NoError(t, f.engine.RestoreHistoryVersion(ctx, list.History[0].Filename))

	assert.Equal(t, map[string]string{"games.db": "v1"}, readTree(t, f.dataDir))
	assert.Equal(t, remoteBefore, mem.names("/r"))
	assert.Equal(t, docBefore, f.remoteDoc(t))
	assert.True(t, f.engine.RestartPending())
	assert.Equal(t, []status.Kind{status.Syncing, status.Success}, f.sink.kinds())

	info, err := os.Stat(f.dataDir)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(f.clock.Now()), "data root stamped %v", info.ModTime())
}

func TestRestoreHistoryVersion_MissingObject(t *testing.T) {
	ctx := context.Background()
	f := newMemFixture(t, newMemTransport())
	f.seed(t, map[string]string{"games.db": "v1"}, engineBase)

	err := f.engine.RestoreHistoryVersion(ctx, "database-2001-01-01T00-00-00.zip")
	require.Error(t, err)
	assert.False(t, f.engine.RestartPending())
	assert.Equal(t, map[string]string{"games.db": "v1"}, readTree(t, f.dataDir))
	assert.Equal(t, status.Error, f.sink.last().Kind)
}

func TestTestConnection(t *testing.T) {
	ctx := context.Background()
	mem := newMemTransport()
	f := newMemFixture(t, mem)

	require.NoError(t, f.engine.TestConnection(ctx))
	assert.Equal(t, []string{"MKDIR /r", "PUT /r/.test", "DELETE /r/.test"}, mem.ops)
	assert.Empty(t, mem.names("/r"))

	mem.deleteErrs["/r/.test"] = errors.New("permission denied")

	err := f.engine.TestConnection(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/r/.test")
}

func TestUpload_RetentionRunsAfterCommit(t *testing.T) {
	ctx := context.Background()
	mem := newMemTransport()
	f := newMemFixture(t, mem)
	f.seed(t, map[string]string{"games.db": "v1"}, engineBase)

	// Ten rotations land on the same civil day; only the newest seven survive.
	for i := 1; i <= 10; i++ {
		f.clock.Advance(time.Minute)
		stampTree(t, f.dataDir, engineBase.Add(time.Duration(i)*time.Second))
		require.NoError(t, f.engine.UploadDatabase(ctx))
	}

	list, err := f.engine.GetBackupList(ctx)
	require.NoError(t, err)
	assert.Len(t, list.History, keepToday)
}

func TestUpload_RetentionFailureDoesNotFailUpload(t *testing.T) {
	ctx := context.Background()
	mem := newMemTransport()
	f := newMemFixture(t, mem)
	f.seed(t, map[string]string{"games.db": "v1"}, engineBase)

	mem.listErr = errors.New("listing unavailable")

	stampTree(t, f.dataDir, engineBase.Add(time.Second))
	require.NoError(t, f.engine.UploadDatabase(ctx))
	assert.Equal(t, StateIdle, f.engine.State())
}

func TestRejectedOperationsPublishErrorStatus(t *testing.T) {
	ctx := context.Background()
	mem := newMemTransport()

	t.Run("not initialized", func(t *testing.T) {
		f := newMemFixture(t, mem)

		_, err := f.engine.Sync(ctx)
		require.ErrorIs(t, err, ErrNotInitialized)

		last := f.sink.last()
		assert.Equal(t, status.Error, last.Kind)
		assert.Contains(t, last.Message, "Sync failed")
	})

	t.Run("invalid backup name", func(t *testing.T) {
		f := newMemFixture(t, mem)

		err := f.engine.RestoreHistoryVersion(ctx, "../metadata.json")
		require.ErrorIs(t, err, ErrInvalidBackupName)

		last := f.sink.last()
		assert.Equal(t, status.Error, last.Kind)
		assert.Contains(t, last.Message, "Restore failed")
	})

	t.Run("restart pending", func(t *testing.T) {
		seeder := newMemFixture(t, mem)
		seeder.seed(t, map[string]string{"games.db": "shared"}, engineBase)

		f := newMemFixture(t, mem)
		require.NoError(t, f.engine.Initialize(ctx))
		require.True(t, f.engine.RestartPending())

		require.ErrorIs(t, f.engine.UploadDatabase(ctx), ErrRestartPending)

		last := f.sink.last()
		assert.Equal(t, status.Error, last.Kind)
		assert.Contains(t, last.Message, "Upload failed")
	})
}
