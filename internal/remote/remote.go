// Package remote holds the vocabulary shared by every transport that talks to
// the remote object namespace: the normalized listing entry, the not-found
// sentinel, and slash-path normalization. It is a leaf package imported by
// both the transports and the sync engine so neither depends on the other.
package remote

import (
	"errors"
	"strings"
	"time"
)

// Sentinel errors every transport maps its native failures onto.
// Use errors.Is(err, remote.ErrNotFound) regardless of protocol.
var (
	ErrNotFound = errors.New("remote: object not found")
	ErrExists   = errors.New("remote: destination already exists")
)

// Entry is one object in a remote directory listing. Transports normalize
// whatever their server returns into this shape before it leaves the
// transport boundary.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Join builds an absolute, slash-separated remote path from parts.
// Backslashes become slashes, duplicate separators collapse, and the result
// always starts with "/" and never ends with one (except the root itself).
func Join(parts ...string) string {
	joined := strings.ReplaceAll(strings.Join(parts, "/"), `\`, "/")

	segments := strings.Split(joined, "/")
	kept := segments[:0]

	for _, s := range segments {
		if s == "" || s == "." {
			continue
		}

		kept = append(kept, s)
	}

	return "/" + strings.Join(kept, "/")
}

// Parent returns the directory containing p, or "/" for top-level paths.
func Parent(p string) string {
	p = Join(p)

	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}

	return p[:i]
}

// Base returns the last element of p.
func Base(p string) string {
	p = Join(p)

	return p[strings.LastIndex(p, "/")+1:]
}
