package store

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"

	"github.com/joescharf/daybook/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes access and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// SetClock replaces the time source used for created/updated stamps.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction, rolling back on error.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// notFound converts sql.ErrNoRows into a wrapped ErrNotFound.
func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", kind, err)
}

// checkAffected returns ErrNotFound when an update or delete touched nothing.
func checkAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: rows affected: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// checkUnchanged compares the rows read inside a Replace transaction with the
// snapshot the caller merged from.
func checkUnchanged[T interface{ RecordID() string }](kind string, current, expected []T) error {
	stale := fmt.Errorf("replace %s: %w", kind, ErrStale)
	if len(current) != len(expected) {
		return stale
	}
	want := make(map[string][]byte, len(expected))
	for _, r := range expected {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("replace %s: %w", kind, err)
		}
		want[r.RecordID()] = b
	}
	for _, r := range current {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("replace %s: %w", kind, err)
		}
		if w, ok := want[r.RecordID()]; !ok || !bytes.Equal(w, b) {
			return stale
		}
	}
	return nil
}

func addTombstone(ctx context.Context, tx *sqlx.Tx, c models.Collection, id string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tombstones (collection, record_id, deleted_at) VALUES (?, ?, ?)
		ON CONFLICT(collection, record_id) DO UPDATE SET deleted_at = excluded.deleted_at`,
		string(c), id, at)
	if err != nil {
		return fmt.Errorf("record tombstone %s/%s: %w", c, id, err)
	}
	return nil
}

func dropTombstone(ctx context.Context, tx *sqlx.Tx, c models.Collection, id string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM tombstones WHERE collection = ? AND record_id = ?", string(c), id); err != nil {
		return fmt.Errorf("drop tombstone %s/%s: %w", c, id, err)
	}
	return nil
}

// --- Tombstones ---

type tombstoneRow struct {
	Collection string    `db:"collection"`
	RecordID   string    `db:"record_id"`
	DeletedAt  time.Time `db:"deleted_at"`
}

func (s *SQLiteStore) ListTombstones(ctx context.Context, c models.Collection) ([]models.Tombstone, error) {
	var rows []tombstoneRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT collection, record_id, deleted_at FROM tombstones WHERE collection = ? ORDER BY record_id", string(c)); err != nil {
		return nil, fmt.Errorf("list tombstones: %w", err)
	}
	out := make([]models.Tombstone, len(rows))
	for i, r := range rows {
		out[i] = models.Tombstone{Collection: models.Collection(r.Collection), ID: r.RecordID, DeletedAt: r.DeletedAt.UTC()}
	}
	return out, nil
}

func (s *SQLiteStore) ClearTombstones(ctx context.Context, c models.Collection, before time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM tombstones WHERE collection = ? AND deleted_at <= ?", string(c), before.UTC()); err != nil {
		return fmt.Errorf("clear tombstones: %w", err)
	}
	return nil
}

// --- Remote partition cache ---

type partitionRow struct {
	Path       string `db:"path"`
	VersionTag string `db:"version_tag"`
	Content    []byte `db:"content"`
}

func (s *SQLiteStore) ListPartitions(ctx context.Context, c models.Collection) ([]CachedPartition, error) {
	var rows []partitionRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT path, version_tag, content FROM remote_partitions WHERE collection = ? ORDER BY path", string(c)); err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	out := make([]CachedPartition, len(rows))
	for i, r := range rows {
		out[i] = CachedPartition(r)
	}
	return out, nil
}

func (s *SQLiteStore) ReplacePartitions(ctx context.Context, c models.Collection, parts []CachedPartition) error {
	now := s.now()
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM remote_partitions WHERE collection = ?", string(c)); err != nil {
			return fmt.Errorf("clear partitions: %w", err)
		}
		for _, p := range parts {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO remote_partitions (collection, path, version_tag, content, fetched_at) VALUES (?, ?, ?, ?, ?)",
				string(c), p.Path, p.VersionTag, p.Content, now); err != nil {
				return fmt.Errorf("cache partition %s: %w", p.Path, err)
			}
		}
		return nil
	})
}

// --- Sync target ---

func (s *SQLiteStore) GetSyncTarget(ctx context.Context) (*models.SyncTarget, error) {
	var row struct {
		Owner  string `db:"owner"`
		Repo   string `db:"repo"`
		Branch string `db:"branch"`
	}
	err := s.db.GetContext(ctx, &row, "SELECT owner, repo, branch FROM sync_target WHERE id = 1")
	if err != nil {
		return nil, notFound(err, "sync target", "")
	}
	return &models.SyncTarget{Owner: row.Owner, Repo: row.Repo, Branch: row.Branch}, nil
}

func (s *SQLiteStore) SetSyncTarget(ctx context.Context, t models.SyncTarget) error {
	if t.Owner == "" || t.Repo == "" || t.Branch == "" {
		return fmt.Errorf("%w: sync target needs owner, repo and branch", models.ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_target (id, owner, repo, branch) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET owner = excluded.owner, repo = excluded.repo, branch = excluded.branch`,
		t.Owner, t.Repo, t.Branch)
	if err != nil {
		return fmt.Errorf("set sync target: %w", err)
	}
	return nil
}
