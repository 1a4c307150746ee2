package sync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/dirsync/internal/remote"
)

// Retention policy constants.
const (
	// keepToday is how many of today's historical archives survive.
	keepToday = 7
	// keepDailyDays is how many days back one archive per day survives.
	keepDailyDays = 30
	// deleteConcurrency bounds parallel deletes during pruning.
	deleteConcurrency = 4
)

// historyObject is a parsed historical archive name.
type historyObject struct {
	name string
	at   time.Time
}

// Retention prunes historical archives in the remote directory.
type Retention struct {
	transport Transport
	clock     Clock
	logger    *slog.Logger
}

// NewRetention creates a Retention.
func NewRetention(t Transport, clock Clock, logger *slog.Logger) *Retention {
	return &Retention{transport: t, clock: clock, logger: logger}
}

// Prune lists remoteDir and deletes the historical archives the policy does
// not keep. Individual delete failures are logged and skipped. The returned
// names are the archives actually deleted, sorted. A listing failure is
// returned as an error.
func (r *Retention) Prune(ctx context.Context, remoteDir string) ([]string, error) {
	remoteDir = remote.Join(remoteDir)

	entries, err := r.transport.List(ctx, remoteDir)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("sync: listing %s for pruning: %w", remoteDir, err)
	}

	objects := r.parseHistory(entries)
	doomed := planPrune(objects, r.clock.Now())

	var (
		mu      stdsync.Mutex
		deleted []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteConcurrency)

	for _, name := range doomed {
		g.Go(func() error {
			p := remote.Join(remoteDir, name)
			if err := r.transport.Delete(gctx, p); err != nil {
				r.logger.Warn("failed to delete historical archive",
					slog.String("path", p),
					slog.String("error", err.Error()),
				)

				return nil
			}

			mu.Lock()
			deleted = append(deleted, name)
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	slices.Sort(deleted)

	r.logger.Info("historical archives pruned",
		slog.Int("found", len(objects)),
		slog.Int("deleted", len(deleted)),
		slog.Int("retained", len(objects)-len(deleted)),
	)

	return deleted, nil
}

// parseHistory keeps the parseable historical archive names from a listing.
func (r *Retention) parseHistory(entries []remote.Entry) []historyObject {
	objects := make([]historyObject, 0, len(entries))

	for _, e := range entries {
		if e.IsDir || !isHistoryCandidate(e.Name) {
			continue
		}

		at, ok := ParseHistoryName(e.Name)
		if !ok {
			r.logger.Warn("ignoring historical archive with unparseable name", slog.String("name", e.Name))

			continue
		}

		objects = append(objects, historyObject{name: e.Name, at: at})
	}

	return objects
}

// planPrune returns the names to delete. Objects are grouped by calendar day
// in now's location:
//   - today: the 7 most recent are kept;
//   - 1 to 30 days ago: the most recent of the day is kept;
//   - older: none are kept;
//   - future days (clock skew): the most recent of the day is kept.
func planPrune(objects []historyObject, now time.Time) []string {
	loc := now.Location()
	today := civilDay(now)

	groups := make(map[int][]historyObject)

	for _, o := range objects {
		age := today - civilDay(o.at.In(loc))
		groups[age] = append(groups[age], o)
	}

	var doomed []string

	for age, group := range groups {
		// Newest first; names break ties so the plan is deterministic.
		slices.SortFunc(group, func(a, b historyObject) int {
			if c := b.at.Compare(a.at); c != 0 {
				return c
			}

			return cmp.Compare(b.name, a.name)
		})

		keep := 1

		switch {
		case age == 0:
			keep = keepToday
		case age > keepDailyDays:
			keep = 0
		}

		for i := keep; i < len(group); i++ {
			doomed = append(doomed, group[i].name)
		}
	}

	slices.Sort(doomed)

	return doomed
}

// civilDay numbers the calendar day of t in t's location.
func civilDay(t time.Time) int {
	y, m, d := t.Date()

	return int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}
