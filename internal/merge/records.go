package merge

import (
	"time"

	"github.com/joescharf/daybook/internal/models"
)

// CombineTimeEntries recomputes the duration of the winning copy whenever the
// two sides disagree on start or end, so duration always matches the span.
func CombineTimeEntries(local, remote, winner *models.TimeEntry) *models.TimeEntry {
	if local.Start.Equal(remote.Start) && sameEnd(local.End, remote.End) {
		return winner
	}
	w := winner.Clone()
	w.RecomputeDuration()
	return w
}

// CombineWiki keeps the local last-synced stamp, which never travels remotely.
func CombineWiki(local, _, winner *models.WikiEntry) *models.WikiEntry {
	if winner == local {
		return winner
	}
	w := winner.Clone()
	w.LastSyncedAt = local.LastSyncedAt
	if w.LastSyncedAt != nil {
		t := *w.LastSyncedAt
		w.LastSyncedAt = &t
	}
	return w
}

func sameEnd(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
