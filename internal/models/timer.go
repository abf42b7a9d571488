package models

import "time"

// ActiveTimer is the single in-progress timer session. It is local-only and never synced.
type ActiveTimer struct {
	CustomerID string
	Project    string
	Note       string
	StartedAt  time.Time
	PausedAt   *time.Time
	PausedMs   int64
}

// IsPaused reports whether the session is currently paused.
func (t *ActiveTimer) IsPaused() bool { return t.PausedAt != nil }

// Elapsed returns the worked time as of now, excluding paused spans.
func (t *ActiveTimer) Elapsed(now time.Time) time.Duration {
	end := now
	if t.PausedAt != nil {
		end = *t.PausedAt
	}
	d := end.Sub(t.StartedAt) - time.Duration(t.PausedMs)*time.Millisecond
	if d < 0 {
		return 0
	}
	return d
}
