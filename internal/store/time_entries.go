package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/joescharf/daybook/internal/models"
)

const timeEntryColumns = "id, customer_id, project, start_at, end_at, duration_minutes, note, created_at, updated_at"

type timeEntryRow struct {
	ID              string     `db:"id"`
	CustomerID      string     `db:"customer_id"`
	Project         string     `db:"project"`
	StartAt         time.Time  `db:"start_at"`
	EndAt           *time.Time `db:"end_at"`
	DurationMinutes *int       `db:"duration_minutes"`
	Note            string     `db:"note"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       *time.Time `db:"updated_at"`
}

func (r timeEntryRow) toModel() *models.TimeEntry {
	return &models.TimeEntry{
		ID:              r.ID,
		CustomerID:      r.CustomerID,
		Project:         r.Project,
		Start:           r.StartAt.UTC(),
		End:             utcPtr(r.EndAt),
		DurationMinutes: r.DurationMinutes,
		Note:            r.Note,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       utcPtr(r.UpdatedAt),
	}
}

func insertTimeEntry(ctx context.Context, tx *sqlx.Tx, e *models.TimeEntry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = e.Start
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO time_entries (`+timeEntryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CustomerID, e.Project, e.Start.UTC(), utcPtr(e.End), e.DurationMinutes, e.Note,
		created.UTC(), utcPtr(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert time entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListTimeEntries(ctx context.Context, filter TimeEntryFilter) ([]*models.TimeEntry, error) {
	var conditions []string
	var args []any
	if filter.CustomerID != "" {
		conditions = append(conditions, "customer_id = ?")
		args = append(args, filter.CustomerID)
	}
	if filter.From != nil {
		conditions = append(conditions, "start_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		conditions = append(conditions, "start_at < ?")
		args = append(args, filter.To.UTC())
	}

	query := "SELECT " + timeEntryColumns + " FROM time_entries"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY start_at, id"

	var rows []timeEntryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list time entries: %w", err)
	}
	out := make([]*models.TimeEntry, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *SQLiteStore) GetTimeEntry(ctx context.Context, id string) (*models.TimeEntry, error) {
	var r timeEntryRow
	if err := s.db.GetContext(ctx, &r, "SELECT "+timeEntryColumns+" FROM time_entries WHERE id = ?", id); err != nil {
		return nil, notFound(err, "time entry", id)
	}
	return r.toModel(), nil
}

// prepareTimeEntry fills defaults and keeps duration consistent with start/end.
func (s *SQLiteStore) prepareTimeEntry(e *models.TimeEntry) *models.TimeEntry {
	e = e.Clone()
	if e.ID == "" {
		e.ID = newULID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if e.DurationMinutes == nil {
		e.RecomputeDuration()
	}
	return e
}

func (s *SQLiteStore) InsertTimeEntry(ctx context.Context, e *models.TimeEntry) (*models.TimeEntry, error) {
	e = s.prepareTimeEntry(e)
	if err := e.Validate(); err != nil {
		return nil, err
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertTimeEntry(ctx, tx, e); err != nil {
			return err
		}
		return dropTombstone(ctx, tx, models.CollectionTimeEntries, e.ID)
	})
	if err != nil {
		return nil, err
	}
	return s.GetTimeEntry(ctx, e.ID)
}

func (s *SQLiteStore) UpdateTimeEntry(ctx context.Context, e *models.TimeEntry) (*models.TimeEntry, error) {
	prev, err := s.GetTimeEntry(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	e = e.Clone()
	now := s.now()
	e.UpdatedAt = &now
	if e.DurationMinutes == nil || !prev.Start.Equal(e.Start) || !sameTime(prev.End, e.End) {
		e.RecomputeDuration()
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE time_entries SET customer_id = ?, project = ?, start_at = ?, end_at = ?, duration_minutes = ?,
		note = ?, updated_at = ? WHERE id = ?`,
		e.CustomerID, e.Project, e.Start.UTC(), utcPtr(e.End), e.DurationMinutes, e.Note, now, e.ID)
	if err != nil {
		return nil, fmt.Errorf("update time entry %s: %w", e.ID, err)
	}
	if err := checkAffected(res, "time entry", e.ID); err != nil {
		return nil, err
	}
	return s.GetTimeEntry(ctx, e.ID)
}

func (s *SQLiteStore) DeleteTimeEntry(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM time_entries WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete time entry %s: %w", id, err)
		}
		if err := checkAffected(res, "time entry", id); err != nil {
			return err
		}
		return addTombstone(ctx, tx, models.CollectionTimeEntries, id, s.now())
	})
}

func (s *SQLiteStore) ReplaceTimeEntries(ctx context.Context, expected, entries []*models.TimeEntry) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var rows []timeEntryRow
		if err := tx.SelectContext(ctx, &rows, "SELECT "+timeEntryColumns+" FROM time_entries"); err != nil {
			return fmt.Errorf("read time entries: %w", err)
		}
		current := make([]*models.TimeEntry, len(rows))
		for i, r := range rows {
			current[i] = r.toModel()
		}
		if err := checkUnchanged("time entries", current, expected); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM time_entries"); err != nil {
			return fmt.Errorf("clear time entries: %w", err)
		}
		for _, e := range entries {
			if err := insertTimeEntry(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// --- Active timer ---

type activeTimerRow struct {
	CustomerID string     `db:"customer_id"`
	Project    string     `db:"project"`
	Note       string     `db:"note"`
	StartedAt  time.Time  `db:"started_at"`
	PausedAt   *time.Time `db:"paused_at"`
	PausedMs   int64      `db:"paused_ms"`
}

func (s *SQLiteStore) GetActiveTimer(ctx context.Context) (*models.ActiveTimer, error) {
	var r activeTimerRow
	err := s.db.GetContext(ctx, &r,
		"SELECT customer_id, project, note, started_at, paused_at, paused_ms FROM active_timer WHERE id = 1")
	if err != nil {
		return nil, notFound(err, "active timer", "")
	}
	return &models.ActiveTimer{
		CustomerID: r.CustomerID,
		Project:    r.Project,
		Note:       r.Note,
		StartedAt:  r.StartedAt.UTC(),
		PausedAt:   utcPtr(r.PausedAt),
		PausedMs:   r.PausedMs,
	}, nil
}

func (s *SQLiteStore) SaveActiveTimer(ctx context.Context, t *models.ActiveTimer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO active_timer (id, customer_id, project, note, started_at, paused_at, paused_ms)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET customer_id = excluded.customer_id, project = excluded.project,
			note = excluded.note, started_at = excluded.started_at, paused_at = excluded.paused_at,
			paused_ms = excluded.paused_ms`,
		t.CustomerID, t.Project, t.Note, t.StartedAt.UTC(), utcPtr(t.PausedAt), t.PausedMs)
	if err != nil {
		return fmt.Errorf("save active timer: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearActiveTimer(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM active_timer"); err != nil {
		return fmt.Errorf("clear active timer: %w", err)
	}
	return nil
}

// CompleteTimer inserts the finished entry and clears the session in one transaction.
func (s *SQLiteStore) CompleteTimer(ctx context.Context, e *models.TimeEntry) (*models.TimeEntry, error) {
	e = s.prepareTimeEntry(e)
	if err := e.Validate(); err != nil {
		return nil, err
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertTimeEntry(ctx, tx, e); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM active_timer"); err != nil {
			return fmt.Errorf("clear active timer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTimeEntry(ctx, e.ID)
}
