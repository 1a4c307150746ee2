// Package ftpfs implements the remote object namespace over plain FTP using
// github.com/jlaffaye/ftp. Each operation dials, logs in, runs and quits, so
// a Client holds no long-lived control connection.
package ftpfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/dirsync/internal/remote"
)

const defaultPort = "21"

// DefaultTimeout bounds dialing and each control-connection exchange.
const DefaultTimeout = 30 * time.Second

// conn is the subset of *ftp.ServerConn the client uses.
type conn interface {
	Login(user, password string) error
	Quit() error
	Retr(p string) (io.ReadCloser, error)
	Stor(p string, r io.Reader) error
	Delete(p string) error
	Rename(from, to string) error
	MakeDir(p string) error
	ChangeDir(p string) error
	List(p string) ([]*ftp.Entry, error)
}

// serverConn adapts *ftp.ServerConn so Retr returns a plain io.ReadCloser.
type serverConn struct {
	*ftp.ServerConn
}

func (s serverConn) Retr(p string) (io.ReadCloser, error) {
	return s.ServerConn.Retr(p)
}

type dialFunc func(ctx context.Context, addr string, timeout time.Duration) (conn, error)

func dialFTP(ctx context.Context, addr string, timeout time.Duration) (conn, error) {
	c, err := ftp.Dial(addr, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, err
	}

	return serverConn{c}, nil
}

// Client talks to one FTP server. Remote paths are resolved below the path
// component of the endpoint URL.
type Client struct {
	addr     string
	root     string
	username string
	password string
	timeout  time.Duration
	logger   *slog.Logger
	dial     dialFunc
}

// NewClient parses an ftp://host[:port][/root] URL.
func NewClient(rawURL, username, password string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("ftpfs: parsing endpoint URL: %w", err)
	}

	if u.Scheme != "ftp" {
		return nil, fmt.Errorf("ftpfs: unsupported URL scheme %q", u.Scheme)
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("ftpfs: endpoint URL %q has no host", rawURL)
	}

	port := u.Port()
	if port == "" {
		port = defaultPort
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		addr:     net.JoinHostPort(u.Hostname(), port),
		root:     remote.Join(u.Path),
		username: username,
		password: password,
		timeout:  timeout,
		logger:   logger,
		dial:     dialFTP,
	}, nil
}

// session dials, logs in, runs fn and quits. Quit errors are logged only.
func (c *Client) session(ctx context.Context, op string, fn func(conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sc, err := c.dial(ctx, c.addr, c.timeout)
	if err != nil {
		return fmt.Errorf("ftpfs: connecting to %s: %w", c.addr, err)
	}

	defer func() {
		if qErr := sc.Quit(); qErr != nil {
			c.logger.Debug("ftp quit failed", slog.String("op", op), slog.String("error", qErr.Error()))
		}
	}()

	if err := sc.Login(c.username, c.password); err != nil {
		return fmt.Errorf("ftpfs: login to %s: %w", c.addr, err)
	}

	return fn(sc)
}

func (c *Client) abs(p string) string {
	return remote.Join(c.root, p)
}

// Exists reports whether p names a file or directory.
func (c *Client) Exists(ctx context.Context, p string) (bool, error) {
	var found bool

	err := c.session(ctx, "exists", func(sc conn) error {
		var err error
		found, err = lookup(sc, c.abs(p))

		return err
	})

	return found, err
}

// lookup lists the parent of p and looks for its base name.
func lookup(sc conn, p string) (bool, error) {
	if p == "/" {
		return true, nil
	}

	entries, err := sc.List(remote.Parent(p))
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}

		return false, classify("LIST", p, err)
	}

	name := norm.NFC.String(remote.Base(p))
	for _, e := range entries {
		if norm.NFC.String(e.Name) == name {
			return true, nil
		}
	}

	return false, nil
}

// Get copies the file at p into w.
func (c *Client) Get(ctx context.Context, p string, w io.Writer) (int64, error) {
	var n int64

	err := c.session(ctx, "get", func(sc conn) error {
		r, err := sc.Retr(c.abs(p))
		if err != nil {
			return classify("RETR", p, err)
		}

		var copyErr error
		n, copyErr = io.Copy(w, r)

		// Close reads the transfer-complete reply; it must run before Quit.
		if closeErr := r.Close(); closeErr != nil && copyErr == nil {
			copyErr = closeErr
		}

		if copyErr != nil {
			return fmt.Errorf("ftpfs: reading %s: %w", p, copyErr)
		}

		return nil
	})

	return n, err
}

// Put stores r at p, replacing any existing file.
func (c *Client) Put(ctx context.Context, p string, r io.ReadSeeker) error {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("ftpfs: rewinding upload body: %w", err)
	}

	return c.session(ctx, "put", func(sc conn) error {
		if err := sc.Stor(c.abs(p), r); err != nil {
			return classify("STOR", p, err)
		}

		c.logger.Debug("stored object", slog.String("path", p))

		return nil
	})
}

// Delete removes the file at p.
func (c *Client) Delete(ctx context.Context, p string) error {
	return c.session(ctx, "delete", func(sc conn) error {
		if err := sc.Delete(c.abs(p)); err != nil {
			return classify("DELE", p, err)
		}

		return nil
	})
}

// Move renames src to dst, refusing to replace an existing destination.
// FTP has no conditional rename, so the check and the rename are two commands.
func (c *Client) Move(ctx context.Context, src, dst string) error {
	return c.session(ctx, "move", func(sc conn) error {
		taken, err := lookup(sc, c.abs(dst))
		if err != nil {
			return err
		}

		if taken {
			return fmt.Errorf("ftpfs: moving %s to %s: %w", src, dst, remote.ErrExists)
		}

		if err := sc.Rename(c.abs(src), c.abs(dst)); err != nil {
			return classify("RNFR", src, err)
		}

		return nil
	})
}

// MkdirAll creates p and any missing parents.
func (c *Client) MkdirAll(ctx context.Context, p string) error {
	full := c.abs(p)
	if full == "/" {
		return nil
	}

	return c.session(ctx, "mkdir", func(sc conn) error {
		current := ""

		for _, seg := range strings.Split(strings.TrimPrefix(full, "/"), "/") {
			current += "/" + seg

			if err := sc.MakeDir(current); err != nil {
				// Most servers answer 550 for an existing directory; confirm by entering it.
				if cdErr := sc.ChangeDir(current); cdErr != nil {
					return classify("MKD", current, err)
				}
			}
		}

		return nil
	})
}

// List returns the children of dir. Symlinks and the "." and ".." pseudo
// entries some servers emit are skipped.
func (c *Client) List(ctx context.Context, dir string) ([]remote.Entry, error) {
	var out []remote.Entry

	err := c.session(ctx, "list", func(sc conn) error {
		entries, err := sc.List(c.abs(dir))
		if err != nil {
			return classify("LIST", dir, err)
		}

		out = make([]remote.Entry, 0, len(entries))

		for _, e := range entries {
			if e.Name == "." || e.Name == ".." || e.Type == ftp.EntryTypeLink {
				continue
			}

			out = append(out, remote.Entry{
				Name:    norm.NFC.String(path.Base(e.Name)),
				Size:    int64(e.Size), //nolint:gosec // sizes fit in int64
				ModTime: e.Time.UTC(),
				IsDir:   e.Type == ftp.EntryTypeFolder,
			})
		}

		return nil
	})

	return out, err
}

// isNotFound reports whether err is a 550 reply.
func isNotFound(err error) bool {
	var tpErr *textproto.Error

	return errors.As(err, &tpErr) && tpErr.Code == ftp.StatusFileUnavailable
}

// classify wraps an FTP reply error with the command and path, mapping 550
// to remote.ErrNotFound.
func classify(cmd, p string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("ftpfs: %s %s: %w: %w", cmd, p, remote.ErrNotFound, err)
	}

	return fmt.Errorf("ftpfs: %s %s: %w", cmd, p, err)
}
