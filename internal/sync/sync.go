// Package sync runs the per-collection synchronization protocol:
// fetch remote partitions, merge with the local snapshot, commit locally,
// then push dirty partitions.
//
// The local commit is the durability checkpoint. A remote failure after it is
// reported but never rolls local data back.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/joescharf/daybook/internal/metrics"
	"github.com/joescharf/daybook/internal/models"
	"github.com/joescharf/daybook/internal/remote"
	"github.com/joescharf/daybook/internal/store"
)

// ErrSyncInProgress is returned when the same collection is already syncing.
var ErrSyncInProgress = errors.New("sync already in progress")

// maxStaleRetries bounds re-runs after local edits raced the local commit.
const maxStaleRetries = 3

// State is a stage of the per-collection state machine.
type State string

const (
	StateIdle             State = "idle"
	StateFetching         State = "fetching"
	StateMerging          State = "merging"
	StateCommittingLocal  State = "committing_local"
	StateCommittingRemote State = "committing_remote"
	StateFailed           State = "failed"
)

// Status is the last known sync state of one collection.
type Status struct {
	Collection   models.Collection `json:"collection"`
	State        State             `json:"state"`
	RunID        string            `json:"run_id,omitempty"`
	LastSync     *time.Time        `json:"last_sync,omitempty"`
	LastAttempt  *time.Time        `json:"last_attempt,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	DirtyWritten int               `json:"dirty_written"`
}

// Result summarizes one sync of one collection.
type Result struct {
	Collection models.Collection `json:"collection"`
	RunID      string            `json:"run_id"`
	Attempts   int               `json:"attempts"`
	// LocalCommitted is true once the merged snapshot is durable locally.
	LocalCommitted bool     `json:"local_committed"`
	LocalChanged   bool     `json:"local_changed"`
	Records        int      `json:"records"`
	Adopted        int      `json:"adopted"`
	RemoteWins     int      `json:"remote_wins"`
	Buried         int      `json:"buried"`
	Dropped        int      `json:"dropped"`
	DecodeErrors   int      `json:"decode_errors"`
	Written        []string `json:"written,omitempty"`
	Deleted        []string `json:"deleted,omitempty"`
	// Withheld lists dirty partitions left untouched because they held
	// content this run could not decode.
	Withheld []string `json:"withheld,omitempty"`
}

// RemoteFactory builds a client for the configured target.
type RemoteFactory func(ctx context.Context, target models.SyncTarget) (remote.Client, error)

// Engine serializes syncs per collection and tracks their status.
type Engine struct {
	store   store.Store
	remote  RemoteFactory
	log     *slog.Logger
	metrics *metrics.Metrics
	retries int
	now     func() time.Time

	mu       gosync.Mutex
	running  map[models.Collection]bool
	statuses map[models.Collection]*Status
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithConflictRetries sets how many times a cycle is re-run after a version conflict.
func WithConflictRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.retries = n
		}
	}
}

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an engine over the local store and a remote client factory.
func New(s store.Store, factory RemoteFactory, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		remote:   factory,
		log:      slog.Default(),
		retries:  1,
		now:      time.Now,
		running:  make(map[models.Collection]bool),
		statuses: make(map[models.Collection]*Status),
	}
	for _, c := range models.Collections {
		e.statuses[c] = &Status{Collection: c, State: StateIdle}
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) acquire(c models.Collection) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[c] {
		return false
	}
	e.running[c] = true
	return true
}

func (e *Engine) release(c models.Collection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, c)
}

func (e *Engine) setState(c models.Collection, runID string, s State) {
	e.mu.Lock()
	st := e.statuses[c]
	st.State = s
	st.RunID = runID
	e.mu.Unlock()
	e.log.Debug("sync stage", "collection", c, "run_id", runID, "stage", s)
}

func (e *Engine) finish(c models.Collection, res *Result, started time.Time, err error) {
	now := e.now().UTC()
	written := len(res.Written) + len(res.Deleted)

	e.mu.Lock()
	st := e.statuses[c]
	st.LastAttempt = &now
	if err != nil {
		st.State = StateFailed
		st.LastError = err.Error()
	} else {
		st.LastSync = &now
		st.LastError = ""
		st.DirtyWritten = written
	}
	e.mu.Unlock()

	outcome := "ok"
	switch {
	case err == nil:
		e.log.Info("sync complete", "collection", c, "run_id", res.RunID,
			"records", res.Records, "adopted", res.Adopted, "written", written, "local_changed", res.LocalChanged)
	case res.LocalCommitted:
		outcome = "remote_failed"
		e.log.Warn("sync pushed locally but remote failed", "collection", c, "run_id", res.RunID, "error", err)
	default:
		outcome = "failed"
		e.log.Error("sync failed", "collection", c, "run_id", res.RunID, "error", err)
	}
	e.metrics.ObserveSync(string(c), outcome, time.Since(started), written)
	if err == nil {
		e.setState(c, res.RunID, StateIdle)
	}
}

// Statuses returns a snapshot of every collection's status in sync order.
func (e *Engine) Statuses() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Status, 0, len(e.statuses))
	for _, c := range models.Collections {
		out = append(out, *e.statuses[c])
	}
	return out
}

// Sync runs the full protocol for one collection. The result is non-nil
// whenever the collection lock was obtained; check LocalCommitted to tell a
// failed push from a failed sync.
func (e *Engine) Sync(ctx context.Context, c models.Collection) (*Result, error) {
	if !e.acquire(c) {
		return nil, fmt.Errorf("%s: %w", c, ErrSyncInProgress)
	}
	defer e.release(c)

	started := time.Now()
	res := &Result{Collection: c, RunID: uuid.NewString()}
	err := e.sync(ctx, c, res)
	if err != nil {
		err = fmt.Errorf("sync %s: %w", c, err)
	}
	e.finish(c, res, started, err)
	return res, err
}

func (e *Engine) sync(ctx context.Context, c models.Collection, res *Result) error {
	target, err := e.store.GetSyncTarget(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return remote.ErrNotConfigured
	}
	if err != nil {
		return fmt.Errorf("load sync target: %w", err)
	}
	client, err := e.remote(ctx, *target)
	if err != nil {
		return err
	}

	conflicts, stale := 0, 0
	for {
		res.Attempts++
		err := e.cycle(ctx, c, client, res)
		switch {
		case errors.Is(err, remote.ErrConflict) && conflicts < e.retries:
			conflicts++
			e.log.Warn("remote conflict, retrying", "collection", c, "run_id", res.RunID, "attempt", res.Attempts)
			continue
		case errors.Is(err, store.ErrStale) && stale < maxStaleRetries:
			stale++
			e.log.Info("local data changed during sync, retrying", "collection", c, "run_id", res.RunID, "attempt", res.Attempts)
			continue
		}
		return err
	}
}

func (e *Engine) cycle(ctx context.Context, c models.Collection, client remote.Client, res *Result) error {
	switch c {
	case models.CollectionTasks:
		return runCycle(ctx, e, client, res, taskOps(e.store))
	case models.CollectionTimeEntries:
		return runCycle(ctx, e, client, res, timeEntryOps(e.store))
	case models.CollectionCustomers:
		return runCycle(ctx, e, client, res, customerOps(e.store))
	case models.CollectionWiki:
		return runCycle(ctx, e, client, res, wikiOps(e.store))
	}
	return fmt.Errorf("unknown collection %q", c)
}

// SyncAll syncs each collection in turn. A failure in one collection does not
// stop the others; the returned error joins every failure.
func (e *Engine) SyncAll(ctx context.Context, collections ...models.Collection) ([]*Result, error) {
	if len(collections) == 0 {
		collections = models.Collections
	}
	var results []*Result
	var errs []error
	for _, c := range collections {
		res, err := e.Sync(ctx, c)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
