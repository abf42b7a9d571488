// Package timer manages the single local-only timer session. Stopping the
// session turns it into an ordinary time entry.
package timer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joescharf/daybook/internal/models"
	"github.com/joescharf/daybook/internal/store"
)

var (
	ErrAlreadyRunning    = errors.New("timer already running")
	ErrInvalidTransition = errors.New("invalid timer transition")
	// ErrNotRunning is the invalid transition of acting on a stopped timer.
	ErrNotRunning = fmt.Errorf("%w: no timer running", ErrInvalidTransition)
)

// State is the lifecycle state of the session.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// Store is the persistence the manager needs.
type Store interface {
	GetActiveTimer(ctx context.Context) (*models.ActiveTimer, error)
	SaveActiveTimer(ctx context.Context, t *models.ActiveTimer) error
	CompleteTimer(ctx context.Context, e *models.TimeEntry) (*models.TimeEntry, error)
}

// Status describes the current session.
type Status struct {
	State   State
	Session *models.ActiveTimer
	Elapsed time.Duration
}

// Manager drives the Stopped → Running ⇄ Paused → Stopped state machine.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager returns a manager using the wall clock.
func NewManager(s Store) *Manager {
	return &Manager{store: s, now: time.Now}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) clock() time.Time { return m.now().UTC() }

func (m *Manager) current(ctx context.Context) (*models.ActiveTimer, error) {
	t, err := m.store.GetActiveTimer(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load timer: %w", err)
	}
	return t, nil
}

// Start begins a new session for a customer.
func (m *Manager) Start(ctx context.Context, customerID, project, note string) (*models.ActiveTimer, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer is required", models.ErrInvalid)
	}
	cur, err := m.current(ctx)
	if err != nil {
		return nil, err
	}
	if cur != nil {
		return nil, ErrAlreadyRunning
	}
	t := &models.ActiveTimer{
		CustomerID: customerID,
		Project:    project,
		Note:       note,
		StartedAt:  m.clock(),
	}
	if err := m.store.SaveActiveTimer(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Pause freezes a running session.
func (m *Manager) Pause(ctx context.Context) (*models.ActiveTimer, error) {
	t, err := m.current(ctx)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotRunning
	}
	if t.IsPaused() {
		return nil, fmt.Errorf("%w: already paused", ErrInvalidTransition)
	}
	now := m.clock()
	t.PausedAt = &now
	if err := m.store.SaveActiveTimer(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Resume continues a paused session, adding the pause to the paused total.
func (m *Manager) Resume(ctx context.Context) (*models.ActiveTimer, error) {
	t, err := m.current(ctx)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotRunning
	}
	if !t.IsPaused() {
		return nil, fmt.Errorf("%w: not paused", ErrInvalidTransition)
	}
	if paused := m.clock().Sub(*t.PausedAt); paused > 0 {
		t.PausedMs += paused.Milliseconds()
	}
	t.PausedAt = nil
	if err := m.store.SaveActiveTimer(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Stop ends the session and stores it as a finished time entry. The duration
// excludes paused time; stopping while paused ends the entry at stop time.
func (m *Manager) Stop(ctx context.Context) (*models.TimeEntry, error) {
	t, err := m.current(ctx)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotRunning
	}
	now := m.clock()
	if t.IsPaused() {
		if paused := now.Sub(*t.PausedAt); paused > 0 {
			t.PausedMs += paused.Milliseconds()
		}
		t.PausedAt = nil
	}
	worked := now.Sub(t.StartedAt) - time.Duration(t.PausedMs)*time.Millisecond
	if worked < 0 {
		worked = 0
	}
	minutes := models.SpanMinutes(worked)
	end := now
	entry := &models.TimeEntry{
		CustomerID:      t.CustomerID,
		Project:         t.Project,
		Start:           t.StartedAt,
		End:             &end,
		DurationMinutes: &minutes,
		Note:            t.Note,
		CreatedAt:       now,
	}
	return m.store.CompleteTimer(ctx, entry)
}

// Discard ends the session without recording a time entry.
func (m *Manager) Discard(ctx context.Context) (*models.ActiveTimer, error) {
	t, err := m.current(ctx)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotRunning
	}
	if err := m.store.ClearActiveTimer(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Status reports the session state and elapsed working time.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	t, err := m.current(ctx)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return &Status{State: StateStopped}, nil
	}
	st := &Status{State: StateRunning, Session: t, Elapsed: t.Elapsed(m.clock())}
	if t.IsPaused() {
		st.State = StatePaused
	}
	return st, nil
}
