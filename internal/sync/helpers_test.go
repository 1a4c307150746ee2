package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/dirsync/internal/archive"
	"github.com/tonimelisma/dirsync/internal/remote"
	"github.com/tonimelisma/dirsync/internal/status"
)

// --- memTransport: in-memory remote namespace ---

type memTransport struct {
	mu    stdsync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	ops   []string

	listErr    error
	deleteErrs map[string]error
}

func newMemTransport() *memTransport {
	return &memTransport{
		files:      map[string][]byte{},
		dirs:       map[string]bool{"/": true},
		deleteErrs: map[string]error{},
	}
}

func (m *memTransport) record(op, p string) {
	m.ops = append(m.ops, op+" "+p)
}

func (m *memTransport) Exists(_ context.Context, p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = remote.Join(p)
	m.record("EXISTS", p)

	_, isFile := m.files[p]

	return isFile || m.dirs[p], nil
}

func (m *memTransport) Get(_ context.Context, p string, w io.Writer) (int64, error) {
	m.mu.Lock()
	p = remote.Join(p)
	m.record("GET", p)
	data, ok := m.files[p]
	m.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("get %s: %w", p, remote.ErrNotFound)
	}

	n, err := io.Copy(w, bytes.NewReader(data))

	return n, err
}

func (m *memTransport) Put(_ context.Context, p string, r io.ReadSeeker) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p = remote.Join(p)
	m.record("PUT", p)

	if !m.dirs[remote.Parent(p)] {
		return fmt.Errorf("put %s: parent missing: %w", p, remote.ErrNotFound)
	}

	m.files[p] = data

	return nil
}

func (m *memTransport) Delete(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = remote.Join(p)
	m.record("DELETE", p)

	if err := m.deleteErrs[p]; err != nil {
		return err
	}

	if _, ok := m.files[p]; !ok {
		return fmt.Errorf("delete %s: %w", p, remote.ErrNotFound)
	}

	delete(m.files, p)

	return nil
}

func (m *memTransport) Move(_ context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, dst = remote.Join(src), remote.Join(dst)
	m.record("MOVE", src+" -> "+dst)

	data, ok := m.files[src]
	if !ok {
		return fmt.Errorf("move %s: %w", src, remote.ErrNotFound)
	}

	if _, taken := m.files[dst]; taken {
		return fmt.Errorf("move to %s: %w", dst, remote.ErrExists)
	}

	delete(m.files, src)
	m.files[dst] = data

	return nil
}

func (m *memTransport) MkdirAll(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = remote.Join(p)
	m.record("MKDIR", p)

	for cur := p; cur != "/"; cur = remote.Parent(cur) {
		m.dirs[cur] = true
	}

	return nil
}

func (m *memTransport) List(_ context.Context, dir string) ([]remote.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir = remote.Join(dir)
	m.record("LIST", dir)

	if m.listErr != nil {
		return nil, m.listErr
	}

	if !m.dirs[dir] {
		return nil, fmt.Errorf("list %s: %w", dir, remote.ErrNotFound)
	}

	var out []remote.Entry

	for p, data := range m.files {
		if remote.Parent(p) == dir {
			out = append(out, remote.Entry{Name: remote.Base(p), Size: int64(len(data))})
		}
	}

	for d := range m.dirs {
		if d != "/" && d != dir && remote.Parent(d) == dir {
			out = append(out, remote.Entry{Name: remote.Base(d), IsDir: true})
		}
	}

	return out, nil
}

// put stores an object directly, creating parents.
func (m *memTransport) put(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = remote.Join(p)
	for cur := remote.Parent(p); cur != "/"; cur = remote.Parent(cur) {
		m.dirs[cur] = true
	}

	m.files[p] = data
}

func (m *memTransport) get(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.files[remote.Join(p)]

	return data, ok
}

// names returns the object names directly under dir, sorted.
func (m *memTransport) names(dir string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir = remote.Join(dir)

	var out []string

	for p := range m.files {
		if remote.Parent(p) == dir {
			out = append(out, remote.Base(p))
		}
	}

	sort.Strings(out)

	return out
}

// countOps counts recorded operations starting with prefix.
func (m *memTransport) countOps(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0

	for _, op := range m.ops {
		if strings.HasPrefix(op, prefix) {
			n++
		}
	}

	return n
}

func (m *memTransport) resetOps() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ops = nil
}

// --- fakeClock ---

type fakeClock struct {
	mu  stdsync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// --- fakeWatcher ---

type fakeWatcher struct {
	mu     stdsync.Mutex
	stops  int
	starts int
	owner  string
}

func (w *fakeWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stops++

	return nil
}

func (w *fakeWatcher) Start(owner string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.starts++
	w.owner = owner

	return nil
}

func (w *fakeWatcher) counts() (stops, starts int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.stops, w.starts
}

// --- fakeRestarter ---

type fakeRestarter struct {
	mu     stdsync.Mutex
	delays []time.Duration
}

func (r *fakeRestarter) ScheduleRestart(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.delays = append(r.delays, d)
}

func (r *fakeRestarter) calls() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]time.Duration(nil), r.delays...)
}

// --- recordingSink ---

type recordingSink struct {
	mu       stdsync.Mutex
	statuses []status.Status
}

func (s *recordingSink) Publish(st status.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statuses = append(s.statuses, st)
}

func (s *recordingSink) kinds() []status.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]status.Kind, len(s.statuses))
	for i, st := range s.statuses {
		out[i] = st.Kind
	}

	return out
}

func (s *recordingSink) last() status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.statuses) == 0 {
		return status.Status{}
	}

	return s.statuses[len(s.statuses)-1]
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statuses = nil
}

// --- filesystem helpers ---

// writeTree writes files (rel path -> content) under root.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

// readTree returns rel path -> content for every regular file under root.
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()

	out := map[string]string{}

	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}

		out[filepath.ToSlash(rel)] = string(data)

		return nil
	})
	require.NoError(t, err)

	return out
}

// stampTree sets the mtime of root and everything below it to at.
func stampTree(t *testing.T, root string, at time.Time) {
	t.Helper()

	var paths []string

	require.NoError(t, filepath.Walk(root, func(p string, _ os.FileInfo, err error) error {
		paths = append(paths, p)

		return err
	}))

	// Children before parents.
	for i := len(paths) - 1; i >= 0; i-- {
		require.NoError(t, os.Chtimes(paths[i], at, at))
	}
}

// buildArchive compresses files into a zip and returns its bytes and hex
// SHA-256.
func buildArchive(t *testing.T, files map[string]string) ([]byte, string) {
	t.Helper()

	src := t.TempDir()
	writeTree(t, src, files)

	dst := filepath.Join(t.TempDir(), "a.zip")
	require.NoError(t, archive.New(nil).Compress(context.Background(), src, dst, archive.Options{}))

	sum, err := fileChecksum(dst)
	require.NoError(t, err)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)

	return data, sum
}
