// Package status carries sync lifecycle notifications from the engine to
// whoever is listening: the log, the status journal and WebSocket clients.
package status

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind is the coarse state a notification reports.
type Kind string

// Notification kinds.
const (
	Syncing Kind = "syncing"
	Success Kind = "success"
	Error   Kind = "error"
)

// Status is one notification. It is never persisted by the engine; the JSON
// shape is what subscribers receive.
type Status struct {
	Kind      Kind      `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives notifications. Publish must not block.
type Sink interface {
	Publish(Status)
}

// Broadcaster fans notifications out to subscribers. Slow subscribers lose
// notifications rather than stall the publisher.
type Broadcaster struct {
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[int]chan Status
	nextID  int
	last    Status
	hasLast bool
}

// NewBroadcaster returns an empty Broadcaster. A nil logger uses slog.Default().
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}

	return &Broadcaster{logger: logger, subs: make(map[int]chan Status)}
}

// Publish logs s and delivers it to every subscriber with buffer room.
func (b *Broadcaster) Publish(s Status) {
	level := slog.LevelInfo
	if s.Kind == Error {
		level = slog.LevelError
	}

	b.logger.Log(context.Background(), level, "sync status",
		slog.String("status", string(s.Kind)),
		slog.String("message", s.Message),
	)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.last = s
	b.hasLast = true

	for id, ch := range b.subs {
		select {
		case ch <- s:
		default:
			b.logger.Debug("status subscriber lagging, dropped notification", slog.Int("subscriber", id))
		}
	}
}

// Subscribe registers a subscriber with the given channel buffer. The
// returned cancel func unregisters it and closes the channel; it is safe to
// call more than once.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Status, func()) {
	if buffer < 1 {
		buffer = 1
	}

	ch := make(chan Status, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Last returns the most recent notification, if any.
func (b *Broadcaster) Last() (Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.last, b.hasLast
}
