package codec

import (
	"fmt"
	"regexp"
	"time"

	"github.com/joescharf/daybook/internal/models"
)

var dayFile = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.json$`)

type timeEntryWire struct {
	ID              string     `json:"id" validate:"required"`
	CustomerID      string     `json:"customer_id" validate:"required"`
	Project         string     `json:"project,omitempty"`
	Start           time.Time  `json:"start" validate:"required"`
	End             *time.Time `json:"end" validate:"required"`
	DurationMinutes *int       `json:"duration_minutes,omitempty" validate:"omitempty,gte=0"`
	Note            string     `json:"note,omitempty"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

func timeEntryToWire(e *models.TimeEntry) timeEntryWire {
	w := timeEntryWire{
		ID:              e.ID,
		CustomerID:      e.CustomerID,
		Project:         e.Project,
		Start:           e.Start.UTC(),
		End:             utc(e.End),
		DurationMinutes: e.DurationMinutes,
		Note:            e.Note,
		UpdatedAt:       utc(e.UpdatedAt),
	}
	if !e.CreatedAt.IsZero() {
		w.CreatedAt = utc(&e.CreatedAt)
	}
	return w
}

func timeEntryFromWire(w *timeEntryWire) (*models.TimeEntry, error) {
	e := &models.TimeEntry{
		ID:              w.ID,
		CustomerID:      w.CustomerID,
		Project:         w.Project,
		Start:           w.Start.UTC(),
		End:             utc(w.End),
		DurationMinutes: w.DurationMinutes,
		Note:            w.Note,
		CreatedAt:       w.Start.UTC(),
		UpdatedAt:       utc(w.UpdatedAt),
	}
	if w.CreatedAt != nil {
		e.CreatedAt = w.CreatedAt.UTC()
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// TimeEntries stores finished entries in one file per UTC start day.
type TimeEntries struct{}

func (TimeEntries) Collection() models.Collection { return models.CollectionTimeEntries }

func (TimeEntries) Dirs() []string { return []string{TimeEntriesDir} }

func (TimeEntries) Owns(path string) bool {
	name, ok := inDir(path, TimeEntriesDir)
	return ok && dayFile.MatchString(name)
}

// DayPath returns the partition for entries starting at start.
func DayPath(start time.Time) string {
	return fmt.Sprintf("%s/%s.json", TimeEntriesDir, start.UTC().Format("2006-01-02"))
}

func (TimeEntries) Decode(path string, data []byte) ([]*models.TimeEntry, error) {
	return decodeRecords(path, data, timeEntryFromWire)
}

// Encode skips running entries; they are never pushed as finished records.
func (TimeEntries) Encode(entries []*models.TimeEntry, prior map[string][]*models.TimeEntry, _ func(string) bool) (map[string][]byte, error) {
	groups := make(map[string][]*models.TimeEntry)
	for _, e := range entries {
		if e.IsRunning() {
			continue
		}
		p := DayPath(e.Start)
		groups[p] = append(groups[p], e)
	}
	return encodeGroups(groups, priorPaths(prior), timeEntryToWire)
}
