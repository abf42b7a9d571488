package codec

import (
	"fmt"
	"regexp"
	"time"

	"github.com/joescharf/daybook/internal/models"
)

var monthFile = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])\.json$`)

type externalWire struct {
	Owner  string `json:"owner" validate:"required"`
	Repo   string `json:"repo" validate:"required"`
	Number int    `json:"number" validate:"gt=0"`
	State  string `json:"state,omitempty"`
	URL    string `json:"url,omitempty"`
}

type taskWire struct {
	ID          string        `json:"id" validate:"required"`
	Source      string        `json:"source" validate:"oneof=personal external-issue"`
	Title       string        `json:"title" validate:"required"`
	Description string        `json:"description,omitempty"`
	CreatedAt   time.Time     `json:"created_at" validate:"required"`
	UpdatedAt   *time.Time    `json:"updated_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Status      string        `json:"status,omitempty" validate:"omitempty,oneof=todo in_progress blocked done"`
	Labels      []string      `json:"labels,omitempty"`
	External    *externalWire `json:"external,omitempty"`
}

func taskToWire(t *models.Task) taskWire {
	w := taskWire{
		ID:          t.ID,
		Source:      string(t.Source),
		Title:       t.Title,
		Description: t.Description,
		CreatedAt:   t.CreatedAt.UTC(),
		UpdatedAt:   utc(t.UpdatedAt),
		CompletedAt: utc(t.CompletedAt),
		Status:      string(t.Status),
		Labels:      t.Labels,
	}
	if t.External != nil {
		w.External = &externalWire{
			Owner:  t.External.Owner,
			Repo:   t.External.Repo,
			Number: t.External.Number,
			State:  t.External.State,
			URL:    t.External.URL,
		}
	}
	return w
}

func taskFromWire(w *taskWire) (*models.Task, error) {
	t := &models.Task{
		ID:          w.ID,
		Source:      models.TaskSource(w.Source),
		Title:       w.Title,
		Description: w.Description,
		Status:      models.TaskStatus(w.Status),
		CreatedAt:   w.CreatedAt.UTC(),
		UpdatedAt:   utc(w.UpdatedAt),
		CompletedAt: utc(w.CompletedAt),
	}
	if len(w.Labels) > 0 {
		t.Labels = w.Labels
	}
	if w.External != nil {
		t.External = &models.ExternalRef{
			Owner:  w.External.Owner,
			Repo:   w.External.Repo,
			Number: w.External.Number,
			State:  w.External.State,
			URL:    w.External.URL,
		}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Tasks stores active tasks in one file and completed tasks per completion month.
type Tasks struct{}

func (Tasks) Collection() models.Collection { return models.CollectionTasks }

func (Tasks) Dirs() []string { return []string{TasksDir, CompletedTasksDir} }

func (Tasks) Owns(path string) bool {
	if path == ActiveTasksPath {
		return true
	}
	name, ok := inDir(path, CompletedTasksDir)
	return ok && monthFile.MatchString(name)
}

// CompletedPath returns the month partition for a completion time.
func CompletedPath(completed time.Time) string {
	return fmt.Sprintf("%s/%s.json", CompletedTasksDir, completed.UTC().Format("2006-01"))
}

// TaskPath returns the partition a task belongs to.
func TaskPath(t *models.Task) string {
	if t.CompletedAt == nil {
		return ActiveTasksPath
	}
	return CompletedPath(*t.CompletedAt)
}

func (Tasks) Decode(path string, data []byte) ([]*models.Task, error) {
	return decodeRecords(path, data, taskFromWire)
}

// Encode partitions tasks. Completed records already present in a remote
// month partition are carried over when the batch no longer holds them,
// unless they were deleted locally.
func (Tasks) Encode(tasks []*models.Task, prior map[string][]*models.Task, deleted func(string) bool) (map[string][]byte, error) {
	groups := make(map[string][]*models.Task)
	inBatch := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		inBatch[t.ID] = true
		p := TaskPath(t)
		groups[p] = append(groups[p], t)
	}
	for path, recs := range prior {
		if path == ActiveTasksPath {
			continue
		}
		for _, t := range recs {
			if inBatch[t.ID] || (deleted != nil && deleted(t.ID)) {
				continue
			}
			inBatch[t.ID] = true
			groups[path] = append(groups[path], t)
		}
	}
	return encodeGroups(groups, priorPaths(prior), taskToWire)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
