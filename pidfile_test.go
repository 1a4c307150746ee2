package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireDaemonLock_RecordsPID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "daemon.pid")

	lock, err := acquireDaemonLock(path)
	require.NoError(t, err)

	defer lock.release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))
}

func TestAcquireDaemonLock_SecondHolderRejected(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "daemon.pid")

	lock, err := acquireDaemonLock(path)
	require.NoError(t, err)

	defer lock.release()

	second, err := acquireDaemonLock(path)
	require.Error(t, err)
	assert.Nil(t, second)
	assert.Contains(t, err.Error(), "PID "+strconv.Itoa(os.Getpid()))
}

func TestAcquireDaemonLock_OverwritesLeftover(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, os.WriteFile(path, []byte("4242424242\nleftover\n"), 0o644))

	lock, err := acquireDaemonLock(path)
	require.NoError(t, err)

	defer lock.release()

	pid, err := readPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireDaemonLock_EmptyPath(t *testing.T) {
	t.Parallel()

	lock, err := acquireDaemonLock("")
	require.Error(t, err)
	assert.Nil(t, lock)
}

func TestDaemonLock_ReleaseRemovesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "daemon.pid")

	lock, err := acquireDaemonLock(path)
	require.NoError(t, err)

	lock.release()

	assert.NoFileExists(t, path)

	// The lock is free again.
	again, err := acquireDaemonLock(path)
	require.NoError(t, err)
	again.release()
}

func TestReadPID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{name: "valid", content: "12345\n", want: 12345},
		{name: "surrounding whitespace", content: "  77 \n", want: 77},
		{name: "garbage", content: "not-a-pid\n", wantErr: true},
		{name: "zero", content: "0\n", wantErr: true},
		{name: "negative", content: "-3\n", wantErr: true},
		{name: "empty", content: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "daemon.pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			pid, err := readPID(path)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid PID")

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, pid)
		})
	}
}

func TestFindDaemon_NoFile(t *testing.T) {
	t.Parallel()

	_, err := findDaemon(filepath.Join(t.TempDir(), "daemon.pid"))
	require.ErrorIs(t, err, errNoDaemon)
	assert.Contains(t, err.Error(), "no PID file")
}

func TestFindDaemon_UnlockedLeftoverRemoved(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "daemon.pid")

	// A live PID in an unlocked file is still a leftover: only the lock counts.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))

	_, err := findDaemon(path)
	require.ErrorIs(t, err, errNoDaemon)
	assert.Contains(t, err.Error(), "stale")
	assert.NoFileExists(t, path)
}

func TestFindDaemon_HeldLock(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "daemon.pid")

	lock, err := acquireDaemonLock(path)
	require.NoError(t, err)

	defer lock.release()

	pid, err := findDaemon(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// Probing must not disturb the holder.
	assert.FileExists(t, path)
}

func TestSignalDaemon_DeliversSignal(t *testing.T) {
	t.Parallel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	defer signal.Stop(sigCh)

	path := filepath.Join(t.TempDir(), "daemon.pid")

	lock, err := acquireDaemonLock(path)
	require.NoError(t, err)

	defer lock.release()

	pid, err := signalDaemon(path, syscall.SIGHUP)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.Equal(t, syscall.SIGHUP, <-sigCh)
}

func TestSignalDaemon_NoDaemon(t *testing.T) {
	t.Parallel()

	_, err := signalDaemon(filepath.Join(t.TempDir(), "daemon.pid"), syscall.SIGHUP)
	require.ErrorIs(t, err, errNoDaemon)
}
