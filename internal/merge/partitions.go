package merge

import (
	"bytes"
	"sort"
)

// Change is one remote partition write. Delete means the partition is now
// empty and should be removed.
type Change struct {
	Path    string
	Content []byte
	Delete  bool
}

// DirtyPartitions compares freshly encoded partitions with what was fetched.
// encoded maps a path to its new content, or to nil when it should not exist.
// Paths absent from encoded are left alone.
func DirtyPartitions(fetched, encoded map[string][]byte) []Change {
	var changes []Change
	for path, content := range encoded {
		old, existed := fetched[path]
		switch {
		case content == nil:
			if existed {
				changes = append(changes, Change{Path: path, Delete: true})
			}
		case !existed || !bytes.Equal(old, content):
			changes = append(changes, Change{Path: path, Content: content})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}
