package webdav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tonimelisma/dirsync/internal/remote"
)

// Exists reports whether an object or collection is present at p.
func (c *Client) Exists(ctx context.Context, p string) (bool, error) {
	p = remote.Join(p)

	resp, err := c.do(ctx, request{
		method: "PROPFIND",
		path:   p,
		header: http.Header{"Depth": {"0"}},
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}

		return false, err
	}

	drain(resp.Body)

	return true, nil
}

// Get streams the object at p into w and returns the number of bytes copied.
func (c *Client) Get(ctx context.Context, p string, w io.Writer) (int64, error) {
	p = remote.Join(p)

	resp, err := c.do(ctx, request{method: http.MethodGet, path: p})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("webdav: reading %s: %w", p, err)
	}

	c.logger.Debug("downloaded object", slog.String("path", p), slog.Int64("bytes", n))

	return n, nil
}

// Put uploads r to p, replacing any existing object.
func (c *Client) Put(ctx context.Context, p string, r io.ReadSeeker) error {
	p = remote.Join(p)

	resp, err := c.do(ctx, request{
		method: http.MethodPut,
		path:   p,
		header: http.Header{"Content-Type": {"application/octet-stream"}},
		body:   r,
	})
	if err != nil {
		return err
	}

	drain(resp.Body)
	c.logger.Debug("uploaded object", slog.String("path", p))

	return nil
}

// Delete removes the object at p.
func (c *Client) Delete(ctx context.Context, p string) error {
	p = remote.Join(p)

	resp, err := c.do(ctx, request{method: http.MethodDelete, path: p})
	if err != nil {
		return err
	}

	drain(resp.Body)

	return nil
}

// Move renames src to dst. It never overwrites: an existing destination
// fails with an error matching remote.ErrExists.
func (c *Client) Move(ctx context.Context, src, dst string) error {
	src = remote.Join(src)
	dst = remote.Join(dst)

	resp, err := c.do(ctx, request{
		method: "MOVE",
		path:   src,
		header: http.Header{
			"Destination": {c.resolve(dst, false).String()},
			"Overwrite":   {"F"},
		},
	})
	if err != nil {
		return err
	}

	drain(resp.Body)
	c.logger.Debug("moved object", slog.String("src", src), slog.String("dst", dst))

	return nil
}

// MkdirAll creates the collection at p and any missing parents. Existing
// collections are not an error.
func (c *Client) MkdirAll(ctx context.Context, p string) error {
	p = remote.Join(p)
	if p == "/" {
		return nil
	}

	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	current := ""

	for _, seg := range segments {
		current += "/" + seg

		resp, err := c.do(ctx, request{method: "MKCOL", path: current, collection: true})
		if err == nil {
			drain(resp.Body)

			continue
		}

		// 405 Method Not Allowed: the collection already exists.
		if isStatus(err, http.StatusMethodNotAllowed) {
			continue
		}

		return fmt.Errorf("webdav: creating collection %s: %w", current, err)
	}

	return nil
}

// List returns the immediate children of the collection at dir.
func (c *Client) List(ctx context.Context, dir string) ([]remote.Entry, error) {
	dir = remote.Join(dir)

	resp, err := c.do(ctx, request{
		method:     "PROPFIND",
		path:       dir,
		collection: true,
		header: http.Header{
			"Depth":        {"1"},
			"Content-Type": {"application/xml; charset=utf-8"},
		},
		body: strings.NewReader(propfindBody),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	entries, err := parseMultistatus(resp.Body, c.resolve(dir, true).Path)
	if err != nil {
		return nil, fmt.Errorf("webdav: listing %s: %w", dir, err)
	}

	c.logger.Debug("listed collection", slog.String("path", dir), slog.Int("entries", len(entries)))

	return entries, nil
}

// drain discards the remainder of a response body so the connection can be
// reused, then closes it.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	body.Close()
}
