package webdav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// Retry and backoff constants.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	maxErrorBody   = 4096
)

// DefaultUserAgent is sent when the caller does not configure one.
const DefaultUserAgent = "dirsync/0.1"

// Client is an HTTP client for a single WebDAV endpoint. Every request
// carries HTTP basic credentials; transient failures are retried with
// exponential backoff.
type Client struct {
	base       *url.URL
	username   string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a WebDAV client rooted at rawURL. Remote paths passed to
// the client's methods are resolved below the URL's path.
func NewClient(
	rawURL, username, password string, httpClient *http.Client, logger *slog.Logger, userAgent string,
) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("webdav: parsing endpoint URL: %w", err)
	}

	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("webdav: unsupported URL scheme %q", base.Scheme)
	}

	if base.Host == "" {
		return nil, fmt.Errorf("webdav: endpoint URL %q has no host", rawURL)
	}

	base.Path = strings.TrimSuffix(base.Path, "/")
	base.RawPath = ""
	base.RawQuery = ""
	base.Fragment = ""

	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &Client{
		base:       base,
		username:   username,
		password:   password,
		httpClient: httpClient,
		logger:     logger,
		userAgent:  userAgent,
		sleepFunc:  timeSleep,
	}, nil
}

// resolve returns the absolute URL for a remote path. Collections get a
// trailing slash, which some servers require for MKCOL and PROPFIND.
func (c *Client) resolve(p string, collection bool) *url.URL {
	u := *c.base
	u.Path = path.Join("/", c.base.Path, p)

	if collection && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	return &u
}

// request describes one logical WebDAV call. body may be nil; when set it
// is rewound before each retry attempt.
type request struct {
	method     string
	path       string
	collection bool
	header     http.Header
	body       io.ReadSeeker
}

// do executes a WebDAV request with retry. Success is any 2xx status
// (207 Multi-Status included). The caller closes the response body.
func (c *Client) do(ctx context.Context, r request) (*http.Response, error) {
	var attempt int

	for {
		if err := rewindBody(r.body); err != nil {
			return nil, err
		}

		resp, err := c.doOnce(ctx, r)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("webdav: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", r.method),
					slog.String("path", r.path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("webdav: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("webdav: %s %s failed after %d retries: %w", r.method, r.path, maxRetries, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", r.method),
				slog.String("path", r.path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", r.method),
				slog.String("path", r.path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("webdav: request canceled: %w", err)
			}

			attempt++

			continue
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", r.method),
				slog.String("path", r.path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, &Error{
			StatusCode: resp.StatusCode,
			Method:     r.method,
			Path:       r.path,
			Message:    strings.TrimSpace(string(errBody)),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, r request) (*http.Response, error) {
	var body io.Reader = http.NoBody

	var size int64
	if r.body != nil {
		n, err := bodySize(r.body)
		if err != nil {
			return nil, err
		}

		// NopCloser keeps net/http from closing a caller-owned file between retries.
		body = io.NopCloser(r.body)
		size = n
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.resolve(r.path, r.collection).String(), body)
	if err != nil {
		return nil, fmt.Errorf("webdav: creating request: %w", err)
	}

	if r.body != nil {
		req.ContentLength = size
	}

	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("User-Agent", c.userAgent)

	return c.httpClient.Do(req)
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429/503 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// rewindBody seeks a request body back to the start so a retry resends the
// full payload. A nil body is a no-op.
func rewindBody(body io.ReadSeeker) error {
	if body == nil {
		return nil
	}

	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("webdav: rewinding request body: %w", err)
	}

	return nil
}

// bodySize measures a seekable body and leaves it positioned at the start.
func bodySize(body io.ReadSeeker) (int64, error) {
	n, err := body.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("webdav: measuring request body: %w", err)
	}

	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("webdav: rewinding request body: %w", err)
	}

	return n, nil
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isStatus reports whether err is a webdav *Error with the given status.
func isStatus(err error, code int) bool {
	var de *Error

	return errors.As(err, &de) && de.StatusCode == code
}
