// Package codec maps record collections to remote partition files and back.
//
// JSON partitions are canonical: records sorted by id, two-space indented,
// trailing newline, UTC timestamps. Encoding the same records twice yields the
// same bytes, which is what lets the sync engine detect dirty partitions by
// comparing content.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/joescharf/daybook/internal/models"
)

// Remote layout.
const (
	TasksDir          = "todos"
	ActiveTasksPath   = "todos/active.json"
	CompletedTasksDir = "todos/completed"
	CustomersDir      = "customers"
	CustomersPath     = "customers/customers.json"
	TimeEntriesDir    = "timeentries"
	WikiDir           = "wiki"
)

// DecodeError reports a partition or record that could not be decoded.
type DecodeError struct {
	Path    string
	Dropped int // records dropped; 0 means the whole partition was unreadable
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Dropped > 0 {
		return fmt.Sprintf("decode %s: dropped %d record(s): %v", e.Path, e.Dropped, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Codec encodes one collection. prior holds the records last decoded from each
// existing remote partition; Encode returns content for every path it wants
// to exist and nil for prior paths that are now empty.
type Codec[T any] interface {
	Collection() models.Collection
	// Dirs lists the remote directories holding this collection's partitions.
	Dirs() []string
	// Owns reports whether a listed file path is one of this collection's partitions.
	Owns(path string) bool
	// Decode parses one partition. On a *DecodeError the returned records are
	// the ones that survived, possibly none.
	Decode(path string, data []byte) ([]T, error)
	Encode(records []T, prior map[string][]T, deleted func(id string) bool) (map[string][]byte, error)
}

// Identified is satisfied by every record type.
type Identified interface {
	RecordID() string
}

// marshalCanonical writes v as indented JSON with a trailing newline.
func marshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeArray splits a JSON array partition into raw records. A syntax error
// or non-array document is a whole-partition DecodeError.
func decodeArray(path string, data []byte) ([]json.RawMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return raw, nil
}

// decodeRecords decodes each element with conv, dropping the ones that fail.
func decodeRecords[W any, T any](path string, data []byte, conv func(*W) (T, error)) ([]T, error) {
	raw, err := decodeArray(path, data)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	var dropped int
	var firstErr error
	for _, msg := range raw {
		var w W
		rec, err := func() (T, error) {
			var zero T
			if err := json.Unmarshal(msg, &w); err != nil {
				return zero, err
			}
			if err := models.Validator().Struct(&w); err != nil {
				return zero, fmt.Errorf("%w: %v", models.ErrInvalid, err)
			}
			return conv(&w)
		}()
		if err != nil {
			dropped++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, rec)
	}
	if dropped > 0 {
		return out, &DecodeError{Path: path, Dropped: dropped, Err: firstErr}
	}
	return out, nil
}

// group places records into partitions, sorts each by id and encodes it.
// Prior paths with no records map to nil.
func encodeGroups[T Identified, W any](groups map[string][]T, prior []string, toWire func(T) W) (map[string][]byte, error) {
	out := make(map[string][]byte, len(groups)+len(prior))
	for _, p := range prior {
		out[p] = nil
	}
	for path, recs := range groups {
		if len(recs) == 0 {
			continue
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].RecordID() < recs[j].RecordID() })
		wire := make([]W, len(recs))
		for i, r := range recs {
			wire[i] = toWire(r)
		}
		data, err := marshalCanonical(wire)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", path, err)
		}
		out[path] = data
	}
	return out, nil
}

func priorPaths[T any](prior map[string][]T) []string {
	paths := make([]string, 0, len(prior))
	for p := range prior {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func inDir(path, dir string) (string, bool) {
	rest, ok := strings.CutPrefix(path, dir+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
