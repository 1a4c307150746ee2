// Package statusws serves sync status to local UIs: a WebSocket stream of
// transitions at /ws, plus the last status and the journal at /status.
package statusws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tonimelisma/dirsync/internal/journal"
	"github.com/tonimelisma/dirsync/internal/status"
)

const (
	writeTimeout     = 5 * time.Second
	subscriberBuffer = 16
	defaultLimit     = 20
	shutdownTimeout  = 5 * time.Second
)

// History supplies past transitions for /status. *journal.Journal
// satisfies it.
type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Handler routes the status endpoints.
type Handler struct {
	broadcaster *status.Broadcaster
	history     History
	logger      *slog.Logger
	mux         *http.ServeMux

	mu      sync.Mutex
	clients int
}

// NewHandler returns a Handler streaming b. history may be nil.
func NewHandler(b *status.Broadcaster, history History, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{broadcaster: b, history: history, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /ws", h.handleWebSocket)
	h.mux.HandleFunc("GET /status", h.handleStatus)
	h.mux.HandleFunc("GET /health", h.handleHealth)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Clients returns the number of connected WebSocket clients.
func (h *Handler) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.clients
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))

		return
	}

	h.mu.Lock()
	h.clients++
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.clients--
		h.mu.Unlock()
	}()

	ch, cancel := h.broadcaster.Subscribe(subscriberBuffer)
	defer cancel()

	// Clients only listen; CloseRead ends ctx when they go away.
	ctx := conn.CloseRead(r.Context())

	h.logger.Debug("status client connected", slog.String("remote", r.RemoteAddr))

	if last, ok := h.broadcaster.Last(); ok {
		if err := writeStatus(ctx, conn, last); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")

			return
		case st, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")

				return
			}

			if err := writeStatus(ctx, conn, st); err != nil {
				h.logger.Debug("status client write failed", slog.String("error", err.Error()))

				return
			}
		}
	}
}

func writeStatus(ctx context.Context, conn *websocket.Conn, st status.Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, data)
}

// statusResponse is the /status body.
type statusResponse struct {
	Last    *status.Status  `json:"last"`
	History []journal.Entry `json:"history"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)

			return
		}

		limit = n
	}

	resp := statusResponse{History: []journal.Entry{}}

	if last, ok := h.broadcaster.Last(); ok {
		resp.Last = &last
	}

	if h.history != nil {
		entries, err := h.history.Recent(r.Context(), limit)
		if err != nil {
			h.logger.Warn("reading status journal failed", slog.String("error", err.Error()))
			http.Error(w, "status journal unavailable", http.StatusInternalServerError)

			return
		}

		resp.History = entries
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Debug("writing status response failed", slog.String("error", err.Error()))
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "clients": h.Clients()})
}

// Serve listens on addr and serves h until ctx is done, then shuts the
// server down. ready, when non-nil, receives the bound address.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger, ready func(net.Addr)) error {
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("statusws: listening on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	logger.Info("status server listening", slog.String("addr", ln.Addr().String()))

	if ready != nil {
		ready(ln.Addr())
	}

	errc := make(chan error, 1)

	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return fmt.Errorf("statusws: serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("statusws: shutting down: %w", err)
	}

	return nil
}
