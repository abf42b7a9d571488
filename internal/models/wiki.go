package models

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// WikiEntry is a Markdown note. Filename is assigned once and is the remote merge key.
type WikiEntry struct {
	ID           string `validate:"required"`
	Title        string
	Filename     string `validate:"required"`
	Content      string
	CreatedAt    time.Time `validate:"required"`
	UpdatedAt    time.Time
	LastSyncedAt *time.Time
}

var (
	filenamePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}-[a-z0-9][a-z0-9-]*\.md$`)
	nonSlug         = regexp.MustCompile(`[^a-z0-9]+`)
)

// Validate checks the wiki entry invariants.
func (w *WikiEntry) Validate() error {
	if err := checkStruct("wiki entry", w.ID, w); err != nil {
		return err
	}
	if !filenamePattern.MatchString(w.Filename) {
		return invalidf("wiki entry %s: malformed filename %q", w.ID, w.Filename)
	}
	return nil
}

// RecordID implements merge.Record. Wiki entries merge by filename.
func (w *WikiEntry) RecordID() string { return w.Filename }

// Completion implements merge.Record; notes have no completion state.
func (w *WikiEntry) Completion() *time.Time { return nil }

// ModifiedAt implements merge.Record.
func (w *WikiEntry) ModifiedAt() time.Time {
	if w.UpdatedAt.IsZero() {
		return w.CreatedAt
	}
	return w.UpdatedAt
}

// Clone returns a deep copy.
func (w *WikiEntry) Clone() *WikiEntry {
	c := *w
	c.LastSyncedAt = cloneTime(w.LastSyncedAt)
	return &c
}

// ValidWikiFilename reports whether name has the YYYY-MM-DD-<slug>.md form.
func ValidWikiFilename(name string) bool {
	return filenamePattern.MatchString(name)
}

// Slugify lowercases s and collapses every run of non-alphanumerics into one hyphen.
func Slugify(s string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if slug == "" {
		return "untitled"
	}
	if len(slug) > 60 {
		slug = strings.TrimRight(slug[:60], "-")
	}
	return slug
}

// WikiFilename builds the YYYY-MM-DD-<slug>.md filename for a new note.
func WikiFilename(created time.Time, title string) string {
	return fmt.Sprintf("%s-%s.md", created.UTC().Format("2006-01-02"), Slugify(title))
}

// HeadingTitle returns the text of the first "# " heading in content.
func HeadingTitle(content string) (string, bool) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# ")), true
		}
	}
	return "", false
}

// FilenameTitle derives a display title from the slug part of a filename.
func FilenameTitle(filename string) string {
	base := strings.TrimSuffix(path.Base(filename), ".md")
	if len(base) > 11 && filenamePattern.MatchString(base+".md") {
		base = base[11:]
	}
	words := strings.Split(base, "-")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// DeriveTitle returns the heading title of content, falling back to the filename.
func DeriveTitle(content, filename string) string {
	if t, ok := HeadingTitle(content); ok && t != "" {
		return t
	}
	return FilenameTitle(filename)
}

// WithHeading returns content whose first "# " heading reads title, adding one if absent.
func WithHeading(content, title string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "# ") {
			lines[i] = "# " + title
			return strings.Join(lines, "\n")
		}
	}
	if strings.TrimSpace(content) == "" {
		return "# " + title + "\n"
	}
	return "# " + title + "\n\n" + content
}

// Normalize makes Title agree with the heading in Content.
func (w *WikiEntry) Normalize() {
	w.Title = DeriveTitle(w.Content, w.Filename)
}
