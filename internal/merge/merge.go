// Package merge reconciles a local and a remote snapshot of one collection.
//
// Reconcile is pure: it never mutates its inputs and never fails. Records are
// matched by RecordID. When both sides hold a record:
//
//   - a local completion beats an uncompleted remote copy unconditionally;
//   - a remote completion beats an uncompleted local copy unless the local
//     copy was explicitly edited after both the completion and the last remote
//     modification (a deliberate reopen);
//   - otherwise the later ModifiedAt wins and ties go to the remote copy.
//
// Records present on one side only are kept unchanged, except remote records
// that a local tombstone deleted after their last modification.
package merge

import (
	"sort"
	"time"
)

// Record is the view of a domain record the merge needs.
type Record interface {
	RecordID() string
	// Completion is the one-way completion timestamp, or nil when not completed.
	Completion() *time.Time
	// ModifiedAt is updatedAt falling back to createdAt.
	ModifiedAt() time.Time
	Validate() error
}

// Edited is implemented by records that track explicit edits separately from creation.
type Edited interface {
	EditedAt() *time.Time
}

// Side names where a record came from.
type Side string

const (
	Local  Side = "local"
	Remote Side = "remote"
)

// Dropped is a record excluded from the result because it failed validation.
type Dropped struct {
	ID   string
	Side Side
	Err  error
}

// Options tune one reconciliation.
type Options[T Record] struct {
	// Tombstones maps deleted record ids to their local deletion time.
	Tombstones map[string]time.Time
	// Combine adjusts the winner of a record present on both sides.
	Combine func(local, remote, winner T) T
}

// Result is the reconciled snapshot.
type Result[T Record] struct {
	Merged  []T // sorted by RecordID
	Dropped []Dropped
	// Adopted counts remote-only records taken into the local set.
	Adopted int
	// RemoteWins counts shared records resolved in favour of the remote copy.
	RemoteWins int
	// Buried counts remote records suppressed by a tombstone.
	Buried int
}

// Reconcile merges local and remote snapshots of the same collection.
func Reconcile[T Record](local, remote []T, opts Options[T]) Result[T] {
	var res Result[T]

	byID := make(map[string]T, len(local))
	for _, r := range local {
		if err := r.Validate(); err != nil {
			res.Dropped = append(res.Dropped, Dropped{ID: r.RecordID(), Side: Local, Err: err})
			continue
		}
		byID[r.RecordID()] = r
	}

	for _, r := range remote {
		id := r.RecordID()
		if err := r.Validate(); err != nil {
			res.Dropped = append(res.Dropped, Dropped{ID: id, Side: Remote, Err: err})
			continue
		}
		l, ok := byID[id]
		if !ok {
			if deletedAt, dead := opts.Tombstones[id]; dead && !r.ModifiedAt().After(deletedAt) {
				res.Buried++
				continue
			}
			byID[id] = r
			res.Adopted++
			continue
		}
		winner, side := resolve(l, r)
		if side == Remote {
			res.RemoteWins++
		}
		if opts.Combine != nil {
			winner = opts.Combine(l, r, winner)
		}
		byID[id] = winner
	}

	res.Merged = make([]T, 0, len(byID))
	for _, r := range byID {
		res.Merged = append(res.Merged, r)
	}
	sort.Slice(res.Merged, func(i, j int) bool {
		return res.Merged[i].RecordID() < res.Merged[j].RecordID()
	})
	return res
}

func resolve[T Record](local, remote T) (T, Side) {
	lc, rc := local.Completion(), remote.Completion()
	switch {
	case lc != nil && rc == nil:
		return local, Local
	case rc != nil && lc == nil:
		if e, ok := any(local).(Edited); ok {
			latest := remote.ModifiedAt()
			if rc.After(latest) {
				latest = *rc
			}
			if at := e.EditedAt(); at != nil && at.After(latest) {
				return local, Local
			}
		}
		return remote, Remote
	}
	if local.ModifiedAt().After(remote.ModifiedAt()) {
		return local, Local
	}
	return remote, Remote
}
