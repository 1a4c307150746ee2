// Package testutil provides shared test environment helpers for unit, E2E
// and integration tests. It depends on no internal package so that E2E
// tests (which cannot import internal/) can use it.
package testutil

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables selecting a real WebDAV server for E2E runs.
const (
	EnvE2EURL          = "DIRSYNC_E2E_URL"
	EnvE2EUser         = "DIRSYNC_E2E_USER"
	EnvE2EPassword     = "DIRSYNC_E2E_PASSWORD"
	EnvE2EAllowedHosts = "DIRSYNC_E2E_ALLOWED_HOSTS"
)

// LoadDotEnv copies KEY=VALUE lines from the .env file at path into the
// environment without overriding variables that are already set, so CI can
// pass everything directly. A leading "export " and matching quotes around
// the value are stripped. A missing file is not an error.
func LoadDotEnv(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if !ok {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, n)
		}

		key = strings.TrimSpace(key)
		value = unquote(strings.TrimSpace(value))

		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, value)
		}
	}

	return scanner.Err()
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}

	return v
}

// Endpoint is a WebDAV server E2E tests may write to.
type Endpoint struct {
	URL      string
	User     string
	Password string
}

// ExternalEndpoint returns the server named by DIRSYNC_E2E_URL, or false
// when none is configured. It crashes the process if the server's host is
// missing from DIRSYNC_E2E_ALLOWED_HOSTS: tests upload, rotate and delete
// objects, which must never happen against a server nobody opted in.
func ExternalEndpoint() (Endpoint, bool) {
	raw := os.Getenv(EnvE2EURL)
	if raw == "" {
		return Endpoint{}, false
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not a valid URL\n", EnvE2EURL, raw)
		os.Exit(1)
	}

	allowed := false

	for _, h := range strings.Split(os.Getenv(EnvE2EAllowedHosts), ",") {
		if strings.TrimSpace(h) == u.Host {
			allowed = true

			break
		}
	}

	if !allowed {
		fmt.Fprintf(os.Stderr, "FATAL: host %q of %s is not in %s=%q\n",
			u.Host, EnvE2EURL, EnvE2EAllowedHosts, os.Getenv(EnvE2EAllowedHosts))
		fmt.Fprintln(os.Stderr, "Set it in .env or as an environment variable.")
		os.Exit(1)
	}

	return Endpoint{URL: raw, User: os.Getenv(EnvE2EUser), Password: os.Getenv(EnvE2EPassword)}, true
}

// ModuleRoot returns the nearest ancestor of the working directory that
// contains go.mod.
func ModuleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("go.mod not found above working directory")
		}

		dir = parent
	}
}
