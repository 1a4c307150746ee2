package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"

	"github.com/tonimelisma/dirsync/internal/archive"
	"github.com/tonimelisma/dirsync/internal/config"
	"github.com/tonimelisma/dirsync/internal/ftpfs"
	"github.com/tonimelisma/dirsync/internal/status"
	"github.com/tonimelisma/dirsync/internal/sync"
	"github.com/tonimelisma/dirsync/internal/webdav"
)

// newTransport picks the client for the endpoint URL scheme: http and https
// speak WebDAV, ftp speaks FTP.
func newTransport(cfg *config.Resolved, logger *slog.Logger) (sync.Transport, error) {
	u, err := url.Parse(cfg.Endpoint.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint URL: %w", err)
	}

	switch u.Scheme {
	case "ftp":
		c, err := ftpfs.NewClient(cfg.Endpoint.URL, cfg.Endpoint.Username, cfg.Endpoint.Password, cfg.DataTimeout, logger)
		if err != nil {
			return nil, err
		}

		return c, nil
	case "http", "https":
		c, err := webdav.NewClient(cfg.Endpoint.URL, cfg.Endpoint.Username, cfg.Endpoint.Password,
			newHTTPClient(cfg), logger, cfg.UserAgent)
		if err != nil {
			return nil, err
		}

		return c, nil
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q (want http, https or ftp)", u.Scheme)
	}
}

// newHTTPClient bounds connection setup and the wait for response headers.
// There is no overall request timeout: archive bodies can legitimately take
// longer than any fixed limit.
func newHTTPClient(cfg *config.Resolved) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   cfg.ConnectTimeout,
			ResponseHeaderTimeout: cfg.DataTimeout,
			MaxIdleConnsPerHost:   2,
		},
	}
}

// engineDeps are the host collaborators that differ between one-shot
// commands and the daemon.
type engineDeps struct {
	Watcher   sync.Watcher
	Status    status.Sink
	Restarter sync.Restarter
}

// newSyncEngine creates a sync.Engine from the resolved config. Missing
// endpoint settings are reported before any transport is built.
func newSyncEngine(cfg *config.Resolved, deps engineDeps, logger *slog.Logger) (*sync.Engine, error) {
	if err := config.RequireEndpoint(cfg); err != nil {
		return nil, err
	}

	transport, err := newTransport(cfg, logger)
	if err != nil {
		return nil, err
	}

	return sync.New(sync.EngineConfig{
		Endpoint: sync.Endpoint{
			URL:        cfg.Endpoint.URL,
			Username:   cfg.Endpoint.Username,
			Password:   cfg.Endpoint.Password,
			RemotePath: cfg.Endpoint.RemotePath,
		},
		DataDir:      cfg.DataDir,
		DeviceIDFile: cfg.DeviceIDFile,
		TempDir:      cfg.TempDir,
		BackupDir:    cfg.BackupDir,
		Exclude:      cfg.Exclude,
		DeviceName:   cfg.DeviceName,
		RestartDelay: cfg.RestartDelay,
		Transport:    transport,
		Codec:        archive.New(logger),
		Watcher:      deps.Watcher,
		Status:       deps.Status,
		Restarter:    deps.Restarter,
		Logger:       logger,
	})
}

// watchExclude is the set of data-directory patterns whose changes never
// trigger a sync: everything the archive leaves out.
func watchExclude(cfg *config.Resolved) []string {
	return append(slices.Clone(sync.DefaultExclude), cfg.Exclude...)
}
