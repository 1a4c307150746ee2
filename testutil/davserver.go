package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"golang.org/x/net/webdav"
)

// Credentials accepted by NewDAVServer.
const (
	DAVUser     = "user"
	DAVPassword = "secret"
)

// DAVServer is an in-memory WebDAV server requiring basic auth.
type DAVServer struct {
	*httptest.Server

	requests atomic.Int64
}

// NewDAVServer starts an in-memory WebDAV server that accepts only the
// DAVUser/DAVPassword credentials. It is closed when the test ends.
func NewDAVServer(t testing.TB) *DAVServer {
	t.Helper()

	h := &webdav.Handler{
		FileSystem: webdav.NewMemFS(),
		LockSystem: webdav.NewMemLS(),
	}

	s := &DAVServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)

		user, pass, ok := r.BasicAuth()
		if !ok || user != DAVUser || pass != DAVPassword {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		h.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)

	return s
}

// Requests returns how many requests the server has received, including
// rejected ones.
func (s *DAVServer) Requests() int64 {
	return s.requests.Load()
}
