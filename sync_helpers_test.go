package main

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/dirsync/internal/config"
	"github.com/tonimelisma/dirsync/internal/ftpfs"
	"github.com/tonimelisma/dirsync/internal/sync"
	"github.com/tonimelisma/dirsync/internal/webdav"
)

func resolvedFor(url string) *config.Resolved {
	return &config.Resolved{
		Endpoint: config.EndpointConfig{
			URL: url, Username: "user", Password: "secret", RemotePath: "/backups",
		},
		DataDir:        "/srv/data",
		ConnectTimeout: 3 * time.Second,
		DataTimeout:    45 * time.Second,
		Exclude:        []string{"*.log"},
	}
}

func TestNewTransport_SelectsByScheme(t *testing.T) {
	tr, err := newTransport(resolvedFor("https://dav.example.com/remote.php/dav"), discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &webdav.Client{}, tr)

	tr, err = newTransport(resolvedFor("ftp://nas.local:2121/share"), discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &ftpfs.Client{}, tr)

	_, err = newTransport(resolvedFor("sftp://nas.local"), discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported endpoint scheme")
}

func TestNewHTTPClient_Timeouts(t *testing.T) {
	c := newHTTPClient(resolvedFor("https://dav.example.com"))

	assert.Zero(t, c.Timeout)

	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, tr.TLSHandshakeTimeout)
	assert.Equal(t, 45*time.Second, tr.ResponseHeaderTimeout)
}

func TestNewSyncEngine_RequiresEndpoint(t *testing.T) {
	cfg := resolvedFor("")

	_, err := newSyncEngine(cfg, engineDeps{}, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint.url")
}

func TestNewSyncEngine_AppliesExclusions(t *testing.T) {
	cfg := resolvedFor("https://dav.example.com")
	cfg.DeviceIDFile = "/var/lib/dirsync/device-id.json"

	eng, err := newSyncEngine(cfg, engineDeps{}, discardLogger())
	require.NoError(t, err)

	for _, p := range append(append([]string(nil), sync.DefaultExclude...), "*.log") {
		assert.Contains(t, eng.Exclude(), p)
	}
}

func TestWatchExclude(t *testing.T) {
	cfg := resolvedFor("https://dav.example.com")

	got := watchExclude(cfg)
	assert.Equal(t, append(append([]string(nil), sync.DefaultExclude...), "*.log"), got)

	// The engine defaults are never mutated.
	assert.NotContains(t, sync.DefaultExclude, "*.log")
}
