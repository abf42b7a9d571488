package codec

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joescharf/daybook/internal/models"
)

const frontMatterDelim = "---\n"

type frontMatter struct {
	ID        string `yaml:"id"`
	CreatedAt string `yaml:"created_at"`
	UpdatedAt string `yaml:"updated_at,omitempty"`
}

// Wiki stores each note as a Markdown file named by its filename.
type Wiki struct{}

func (Wiki) Collection() models.Collection { return models.CollectionWiki }

func (Wiki) Dirs() []string { return []string{WikiDir} }

func (Wiki) Owns(p string) bool {
	name, ok := inDir(p, WikiDir)
	return ok && models.ValidWikiFilename(name)
}

// WikiPath returns the remote path of a note.
func WikiPath(filename string) string { return WikiDir + "/" + filename }

// Decode parses one note. The title always comes from the body's first heading.
// Files without front matter get an id from the filename and a creation date
// from its date prefix.
func (Wiki) Decode(p string, data []byte) ([]*models.WikiEntry, error) {
	filename := path.Base(p)
	body := string(data)
	var fm frontMatter

	if rest, ok := strings.CutPrefix(body, frontMatterDelim); ok {
		end := strings.Index(rest, "\n"+frontMatterDelim)
		header := ""
		switch {
		case strings.HasPrefix(rest, frontMatterDelim):
			body = rest[len(frontMatterDelim):]
		case end >= 0:
			header = rest[:end+1]
			body = rest[end+1+len(frontMatterDelim):]
		default:
			return nil, &DecodeError{Path: p, Err: fmt.Errorf("unterminated front matter")}
		}
		if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
			return nil, &DecodeError{Path: p, Err: fmt.Errorf("front matter: %w", err)}
		}
		body = strings.TrimPrefix(body, "\n")
	}

	w := &models.WikiEntry{
		ID:       fm.ID,
		Filename: filename,
		Content:  body,
	}
	if w.ID == "" {
		w.ID = strings.TrimSuffix(filename, ".md")
	}
	var err error
	if w.CreatedAt, err = parseWikiTime(fm.CreatedAt, filename); err != nil {
		return nil, &DecodeError{Path: p, Err: err}
	}
	w.UpdatedAt = w.CreatedAt
	if fm.UpdatedAt != "" {
		if w.UpdatedAt, err = time.Parse(time.RFC3339Nano, fm.UpdatedAt); err != nil {
			return nil, &DecodeError{Path: p, Err: fmt.Errorf("updated_at: %w", err)}
		}
		w.UpdatedAt = w.UpdatedAt.UTC()
	}
	w.Normalize()
	if err := w.Validate(); err != nil {
		return nil, &DecodeError{Path: p, Err: err}
	}
	return []*models.WikiEntry{w}, nil
}

func parseWikiTime(v, filename string) (time.Time, error) {
	if v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("created_at: %w", err)
		}
		return t.UTC(), nil
	}
	if len(filename) >= 10 {
		if t, err := time.Parse("2006-01-02", filename[:10]); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("no creation date")
}

// EncodeEntry renders a note as front matter followed by its Markdown body.
func EncodeEntry(w *models.WikiEntry) ([]byte, error) {
	fm := frontMatter{
		ID:        w.ID,
		CreatedAt: w.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !w.UpdatedAt.IsZero() {
		fm.UpdatedAt = w.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	header, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("encode front matter %s: %w", w.Filename, err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontMatterDelim)
	buf.Write(header)
	buf.WriteString(frontMatterDelim)
	buf.WriteString("\n")
	buf.WriteString(w.Content)
	return buf.Bytes(), nil
}

func (Wiki) Encode(entries []*models.WikiEntry, prior map[string][]*models.WikiEntry, _ func(string) bool) (map[string][]byte, error) {
	out := make(map[string][]byte, len(entries)+len(prior))
	for p := range prior {
		out[p] = nil
	}
	for _, w := range entries {
		data, err := EncodeEntry(w)
		if err != nil {
			return nil, err
		}
		out[WikiPath(w.Filename)] = data
	}
	return out, nil
}
