package sync

import (
	"slices"
	"strings"
	"time"
)

const (
	historyPrefix = "database-"
	historySuffix = ".zip"

	// historyLayout is an ISO-8601 UTC stamp with colons replaced by dashes
	// and no fractional seconds.
	historyLayout = "2006-01-02T15-04-05"
)

// HistoryName returns the historical archive name for an archive rotated out
// at t.
func HistoryName(t time.Time) string {
	return historyPrefix + t.UTC().Format(historyLayout) + historySuffix
}

// ParseHistoryName extracts the UTC instant from a historical archive name.
// ok is false for anything that is not exactly database-<stamp>.zip.
func ParseHistoryName(name string) (time.Time, bool) {
	if !isHistoryCandidate(name) {
		return time.Time{}, false
	}

	stamp := strings.TrimSuffix(strings.TrimPrefix(name, historyPrefix), historySuffix)

	t, err := time.ParseInLocation(historyLayout, stamp, time.UTC)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

// isHistoryCandidate reports whether name looks like a historical archive,
// parseable or not.
func isHistoryCandidate(name string) bool {
	return strings.HasPrefix(name, historyPrefix) && strings.HasSuffix(name, historySuffix) &&
		!strings.ContainsAny(name, `/\`)
}

// sortHistoryNewestFirst orders entries by timestamp, newest first.
func sortHistoryNewestFirst(h []HistoryEntry) {
	slices.SortFunc(h, func(a, b HistoryEntry) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
}
