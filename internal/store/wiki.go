package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/joescharf/daybook/internal/models"
)

const wikiColumns = "id, title, filename, content, created_at, updated_at, last_synced_at"

type wikiRow struct {
	ID           string     `db:"id"`
	Title        string     `db:"title"`
	Filename     string     `db:"filename"`
	Content      string     `db:"content"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	LastSyncedAt *time.Time `db:"last_synced_at"`
}

func (r wikiRow) toModel() *models.WikiEntry {
	return &models.WikiEntry{
		ID:           r.ID,
		Title:        r.Title,
		Filename:     r.Filename,
		Content:      r.Content,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
		LastSyncedAt: utcPtr(r.LastSyncedAt),
	}
}

// insertWiki writes the row and its full-text index entry.
func insertWiki(ctx context.Context, tx *sqlx.Tx, w *models.WikiEntry) error {
	updated := w.UpdatedAt
	if updated.IsZero() {
		updated = w.CreatedAt
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO wiki_entries (`+wikiColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Title, w.Filename, w.Content, w.CreatedAt.UTC(), updated.UTC(), utcPtr(w.LastSyncedAt))
	if err != nil {
		return fmt.Errorf("insert wiki entry %s: %w", w.Filename, err)
	}
	return indexWiki(ctx, tx, w)
}

func indexWiki(ctx context.Context, tx *sqlx.Tx, w *models.WikiEntry) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM wiki_fts WHERE id = ?", w.ID); err != nil {
		return fmt.Errorf("unindex wiki entry %s: %w", w.ID, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO wiki_fts (id, title, content) VALUES (?, ?, ?)", w.ID, w.Title, w.Content); err != nil {
		return fmt.Errorf("index wiki entry %s: %w", w.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListWikiEntries(ctx context.Context) ([]*models.WikiEntry, error) {
	var rows []wikiRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT "+wikiColumns+" FROM wiki_entries ORDER BY filename"); err != nil {
		return nil, fmt.Errorf("list wiki entries: %w", err)
	}
	out := make([]*models.WikiEntry, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *SQLiteStore) GetWikiEntry(ctx context.Context, id string) (*models.WikiEntry, error) {
	var r wikiRow
	if err := s.db.GetContext(ctx, &r, "SELECT "+wikiColumns+" FROM wiki_entries WHERE id = ?", id); err != nil {
		return nil, notFound(err, "wiki entry", id)
	}
	return r.toModel(), nil
}

func (s *SQLiteStore) GetWikiEntryByFilename(ctx context.Context, filename string) (*models.WikiEntry, error) {
	var r wikiRow
	if err := s.db.GetContext(ctx, &r, "SELECT "+wikiColumns+" FROM wiki_entries WHERE filename = ?", filename); err != nil {
		return nil, notFound(err, "wiki entry", filename)
	}
	return r.toModel(), nil
}

// InsertWikiEntry stores a new note. The filename is derived from the creation
// date and title when unset, with a numeric suffix if it is already taken.
// The content is given a heading matching the title when it has none.
func (s *SQLiteStore) InsertWikiEntry(ctx context.Context, w *models.WikiEntry) (*models.WikiEntry, error) {
	w = w.Clone()
	if w.ID == "" {
		w.ID = newULID()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.now()
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = w.CreatedAt
	}
	if _, ok := models.HeadingTitle(w.Content); !ok && w.Title != "" {
		w.Content = models.WithHeading(w.Content, w.Title)
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if w.Filename == "" {
			name, err := uniqueFilename(ctx, tx, models.WikiFilename(w.CreatedAt, w.Title))
			if err != nil {
				return err
			}
			w.Filename = name
		}
		w.Normalize()
		if err := w.Validate(); err != nil {
			return err
		}
		if err := insertWiki(ctx, tx, w); err != nil {
			return err
		}
		return dropTombstone(ctx, tx, models.CollectionWiki, w.Filename)
	})
	if err != nil {
		return nil, err
	}
	return s.GetWikiEntry(ctx, w.ID)
}

func uniqueFilename(ctx context.Context, tx *sqlx.Tx, name string) (string, error) {
	base := strings.TrimSuffix(name, ".md")
	candidate := name
	for i := 2; ; i++ {
		var n int
		if err := tx.GetContext(ctx, &n, "SELECT COUNT(*) FROM wiki_entries WHERE filename = ?", candidate); err != nil {
			return "", fmt.Errorf("check wiki filename: %w", err)
		}
		if n == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d.md", base, i)
	}
}

// UpdateWikiEntry saves title/content changes. The filename never changes:
// the stored filename wins over whatever the caller passes.
func (s *SQLiteStore) UpdateWikiEntry(ctx context.Context, w *models.WikiEntry) (*models.WikiEntry, error) {
	prev, err := s.GetWikiEntry(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	w = w.Clone()
	w.Filename = prev.Filename
	w.CreatedAt = prev.CreatedAt
	w.UpdatedAt = s.now()
	if w.Title != "" && w.Title != prev.Title {
		w.Content = models.WithHeading(w.Content, w.Title)
	}
	w.Normalize()
	if err := w.Validate(); err != nil {
		return nil, err
	}

	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE wiki_entries SET title = ?, content = ?, updated_at = ?, last_synced_at = ? WHERE id = ?",
			w.Title, w.Content, w.UpdatedAt, utcPtr(w.LastSyncedAt), w.ID)
		if err != nil {
			return fmt.Errorf("update wiki entry %s: %w", w.ID, err)
		}
		if err := checkAffected(res, "wiki entry", w.ID); err != nil {
			return err
		}
		return indexWiki(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}
	return s.GetWikiEntry(ctx, w.ID)
}

// DeleteWikiEntry removes a note and its index entry; the tombstone is keyed by filename.
func (s *SQLiteStore) DeleteWikiEntry(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var filename string
		if err := tx.GetContext(ctx, &filename, "SELECT filename FROM wiki_entries WHERE id = ?", id); err != nil {
			return notFound(err, "wiki entry", id)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM wiki_entries WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete wiki entry %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM wiki_fts WHERE id = ?", id); err != nil {
			return fmt.Errorf("unindex wiki entry %s: %w", id, err)
		}
		return addTombstone(ctx, tx, models.CollectionWiki, filename, s.now())
	})
}

// MarkWikiSynced stamps last_synced_at without touching updated_at.
func (s *SQLiteStore) MarkWikiSynced(ctx context.Context, filenames []string, at time.Time) error {
	if len(filenames) == 0 {
		return nil
	}
	query, args, err := sqlx.In("UPDATE wiki_entries SET last_synced_at = ? WHERE filename IN (?)", at.UTC(), filenames)
	if err != nil {
		return fmt.Errorf("mark wiki synced: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("mark wiki synced: %w", err)
	}
	return nil
}

// ReplaceWikiEntries atomically replaces all notes and rebuilds the index.
func (s *SQLiteStore) ReplaceWikiEntries(ctx context.Context, expected, entries []*models.WikiEntry) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var rows []wikiRow
		if err := tx.SelectContext(ctx, &rows, "SELECT "+wikiColumns+" FROM wiki_entries"); err != nil {
			return fmt.Errorf("read wiki entries: %w", err)
		}
		current := make([]*models.WikiEntry, len(rows))
		for i, r := range rows {
			current[i] = r.toModel()
		}
		if err := checkUnchanged("wiki entries", current, expected); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM wiki_entries"); err != nil {
			return fmt.Errorf("clear wiki entries: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM wiki_fts"); err != nil {
			return fmt.Errorf("clear wiki index: %w", err)
		}
		for _, w := range entries {
			if err := insertWiki(ctx, tx, w); err != nil {
				return err
			}
		}
		return nil
	})
}

// SearchWiki runs a full-text query over title and content, best match first.
func (s *SQLiteStore) SearchWiki(ctx context.Context, query string) ([]*models.WikiEntry, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.ListWikiEntries(ctx)
	}
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	var rows []wikiRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT w.id, w.title, w.filename, w.content, w.created_at, w.updated_at, w.last_synced_at
		FROM wiki_fts f JOIN wiki_entries w ON w.id = f.id
		WHERE wiki_fts MATCH ? ORDER BY bm25(wiki_fts), w.filename`, match)
	if err != nil {
		return nil, fmt.Errorf("search wiki: %w", err)
	}
	out := make([]*models.WikiEntry, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// ftsQuery turns free text into prefix-matched quoted terms so user input
// cannot inject FTS5 syntax.
func ftsQuery(q string) string {
	var terms []string
	for _, t := range strings.Fields(q) {
		t = strings.ReplaceAll(t, `"`, "")
		if t == "" {
			continue
		}
		terms = append(terms, `"`+t+`"*`)
	}
	return strings.Join(terms, " ")
}

// RebuildWikiIndex recreates the full-text index from the wiki table.
func (s *SQLiteStore) RebuildWikiIndex(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM wiki_fts"); err != nil {
			return fmt.Errorf("clear wiki index: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO wiki_fts (id, title, content) SELECT id, title, content FROM wiki_entries"); err != nil {
			return fmt.Errorf("rebuild wiki index: %w", err)
		}
		return nil
	})
}
