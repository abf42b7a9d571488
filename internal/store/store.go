package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/daybook/internal/models"
)

// ErrNotFound is returned when a record does not exist. Callers deleting or
// updating records treat it as an idempotent no-op where appropriate.
var ErrNotFound = errors.New("not found")

// ErrStale is returned by the Replace methods when the collection no longer
// matches the snapshot the caller read before computing its replacement.
var ErrStale = errors.New("local data changed since it was read")

// TaskState filters tasks by lifecycle state.
type TaskState string

const (
	TaskStateAny       TaskState = ""
	TaskStateActive    TaskState = "active"
	TaskStateCompleted TaskState = "completed"
)

// TaskFilter specifies filters for listing tasks.
type TaskFilter struct {
	State  TaskState
	Source models.TaskSource
	Label  string
}

// TimeEntryFilter specifies filters for listing time entries.
type TimeEntryFilter struct {
	CustomerID string
	From       *time.Time
	To         *time.Time
}

// CustomerFilter specifies filters for listing customers.
type CustomerFilter struct {
	IncludeArchived bool
}

// CachedPartition is the last-known content of a remote partition.
type CachedPartition struct {
	Path       string
	VersionTag string
	Content    []byte
}

// Store defines the local persistence interface for daybook.
// Mutating operations return the canonical stored record.
type Store interface {
	// Tasks. The Replace methods swap in a whole collection, failing with
	// ErrStale unless it still equals expected.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	InsertTask(ctx context.Context, t *models.Task) (*models.Task, error)
	UpdateTask(ctx context.Context, t *models.Task) (*models.Task, error)
	DeleteTask(ctx context.Context, id string) error
	ReplaceTasks(ctx context.Context, expected, tasks []*models.Task) error

	// Time entries
	ListTimeEntries(ctx context.Context, filter TimeEntryFilter) ([]*models.TimeEntry, error)
	GetTimeEntry(ctx context.Context, id string) (*models.TimeEntry, error)
	InsertTimeEntry(ctx context.Context, e *models.TimeEntry) (*models.TimeEntry, error)
	UpdateTimeEntry(ctx context.Context, e *models.TimeEntry) (*models.TimeEntry, error)
	DeleteTimeEntry(ctx context.Context, id string) error
	ReplaceTimeEntries(ctx context.Context, expected, entries []*models.TimeEntry) error

	// Customers
	ListCustomers(ctx context.Context, filter CustomerFilter) ([]*models.Customer, error)
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
	InsertCustomer(ctx context.Context, c *models.Customer) (*models.Customer, error)
	UpdateCustomer(ctx context.Context, c *models.Customer) (*models.Customer, error)
	DeleteCustomer(ctx context.Context, id string) error
	ReplaceCustomers(ctx context.Context, expected, customers []*models.Customer) error

	// Wiki
	ListWikiEntries(ctx context.Context) ([]*models.WikiEntry, error)
	GetWikiEntry(ctx context.Context, id string) (*models.WikiEntry, error)
	GetWikiEntryByFilename(ctx context.Context, filename string) (*models.WikiEntry, error)
	InsertWikiEntry(ctx context.Context, w *models.WikiEntry) (*models.WikiEntry, error)
	UpdateWikiEntry(ctx context.Context, w *models.WikiEntry) (*models.WikiEntry, error)
	DeleteWikiEntry(ctx context.Context, id string) error
	ReplaceWikiEntries(ctx context.Context, expected, entries []*models.WikiEntry) error
	SearchWiki(ctx context.Context, query string) ([]*models.WikiEntry, error)
	MarkWikiSynced(ctx context.Context, filenames []string, at time.Time) error
	RebuildWikiIndex(ctx context.Context) error

	// Active timer (singleton, never synced)
	GetActiveTimer(ctx context.Context) (*models.ActiveTimer, error)
	SaveActiveTimer(ctx context.Context, t *models.ActiveTimer) error
	ClearActiveTimer(ctx context.Context) error
	CompleteTimer(ctx context.Context, e *models.TimeEntry) (*models.TimeEntry, error)

	// Sync bookkeeping
	ListTombstones(ctx context.Context, c models.Collection) ([]models.Tombstone, error)
	ClearTombstones(ctx context.Context, c models.Collection, before time.Time) error
	ListPartitions(ctx context.Context, c models.Collection) ([]CachedPartition, error)
	ReplacePartitions(ctx context.Context, c models.Collection, parts []CachedPartition) error
	GetSyncTarget(ctx context.Context) (*models.SyncTarget, error)
	SetSyncTarget(ctx context.Context, t models.SyncTarget) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
