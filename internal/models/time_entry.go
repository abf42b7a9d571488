package models

import (
	"math"
	"time"
)

// TimeEntry is a span of work against a customer. An entry without End is still running.
type TimeEntry struct {
	ID              string `validate:"required"`
	CustomerID      string `validate:"required"`
	Project         string
	Start           time.Time `validate:"required"`
	End             *time.Time
	DurationMinutes *int
	Note            string
	CreatedAt       time.Time
	UpdatedAt       *time.Time
}

// IsRunning reports whether the entry has no end yet.
func (e *TimeEntry) IsRunning() bool { return e.End == nil }

// Validate checks the time entry invariants.
func (e *TimeEntry) Validate() error {
	if err := checkStruct("time entry", e.ID, e); err != nil {
		return err
	}
	if e.End != nil && e.End.Before(e.Start) {
		return invalidf("time entry %s: end before start", e.ID)
	}
	if e.DurationMinutes != nil && *e.DurationMinutes < 0 {
		return invalidf("time entry %s: negative duration", e.ID)
	}
	return nil
}

// RecomputeDuration sets DurationMinutes from Start and End when both are present.
func (e *TimeEntry) RecomputeDuration() {
	if e.End == nil {
		return
	}
	d := SpanMinutes(e.End.Sub(e.Start))
	e.DurationMinutes = &d
}

// RecordID implements merge.Record.
func (e *TimeEntry) RecordID() string { return e.ID }

// Completion implements merge.Record: a finished entry is the completed state.
func (e *TimeEntry) Completion() *time.Time { return e.End }

// ModifiedAt implements merge.Record.
func (e *TimeEntry) ModifiedAt() time.Time {
	created := e.CreatedAt
	if created.IsZero() {
		created = e.Start
	}
	return modifiedAt(created, e.UpdatedAt)
}

// EditedAt implements merge.Edited.
func (e *TimeEntry) EditedAt() *time.Time { return e.UpdatedAt }

// Clone returns a deep copy.
func (e *TimeEntry) Clone() *TimeEntry {
	c := *e
	c.End = cloneTime(e.End)
	c.UpdatedAt = cloneTime(e.UpdatedAt)
	if e.DurationMinutes != nil {
		d := *e.DurationMinutes
		c.DurationMinutes = &d
	}
	return &c
}

// SpanMinutes rounds a duration to whole minutes.
func SpanMinutes(d time.Duration) int {
	return int(math.Round(float64(d) / float64(time.Minute)))
}
