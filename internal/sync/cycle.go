package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joescharf/daybook/internal/codec"
	"github.com/joescharf/daybook/internal/merge"
	"github.com/joescharf/daybook/internal/models"
	"github.com/joescharf/daybook/internal/remote"
	"github.com/joescharf/daybook/internal/store"
)

// ops binds one collection's codec to its local storage.
type ops[T merge.Record] struct {
	codec codec.Codec[T]
	list  func(ctx context.Context) ([]T, error)
	// replace swaps in records unless the collection no longer equals expected.
	replace func(ctx context.Context, expected, records []T) error
	combine func(local, remote, winner T) T
	// normalize fixes up the merged set before it is committed.
	normalize func(local, merged []T) []T
	// pushed runs after a successful remote commit with the written paths.
	pushed func(ctx context.Context, paths []string, at time.Time) error
}

type fetched struct {
	tag     string
	content []byte
}

func runCycle[T merge.Record](ctx context.Context, e *Engine, client remote.Client, res *Result, o ops[T]) error {
	c := o.codec.Collection()
	cycleStart := e.now().UTC()
	log := e.log.With("collection", c, "run_id", res.RunID)

	// Fetching
	e.setState(c, res.RunID, StateFetching)
	parts, cacheStale, err := fetchPartitions(ctx, e.store, client, o.codec)
	if err != nil {
		return err
	}

	var remoteRecs []T
	prior := make(map[string][]T)
	// Partitions holding anything unreadable are never pushed, so the
	// remote copy keeps what this cycle could not decode.
	withheld := make(map[string]bool)
	remotePaths := make(map[string][]string)
	res.DecodeErrors = 0
	for _, path := range sortedKeys(parts) {
		recs, err := o.codec.Decode(path, parts[path].content)
		if err != nil {
			var de *codec.DecodeError
			if !errors.As(err, &de) {
				return err
			}
			res.DecodeErrors++
			withheld[path] = true
			e.metrics.DecodeError(string(c))
			log.Warn("remote partition decode failed", "path", path, "dropped", de.Dropped, "error", de.Err)
		} else {
			prior[path] = recs
		}
		for _, r := range recs {
			remotePaths[r.RecordID()] = append(remotePaths[r.RecordID()], path)
		}
		remoteRecs = append(remoteRecs, recs...)
	}

	// Merging
	e.setState(c, res.RunID, StateMerging)
	local, err := o.list(ctx)
	if err != nil {
		return fmt.Errorf("list local %s: %w", c, err)
	}
	stones, err := e.store.ListTombstones(ctx, c)
	if err != nil {
		return err
	}
	tombstones := make(map[string]time.Time, len(stones))
	for _, ts := range stones {
		tombstones[ts.ID] = ts.DeletedAt
	}

	mres := merge.Reconcile(local, remoteRecs, merge.Options[T]{Tombstones: tombstones, Combine: o.combine})
	for _, d := range mres.Dropped {
		log.Warn("dropped invalid record", "id", d.ID, "side", d.Side, "error", d.Err)
		if d.Side == merge.Remote {
			for _, p := range remotePaths[d.ID] {
				withheld[p] = true
			}
		}
	}
	e.metrics.Dropped(string(c), len(mres.Dropped))
	merged := mres.Merged
	if o.normalize != nil {
		merged = o.normalize(local, merged)
	}
	res.Records = len(merged)
	res.Adopted = mres.Adopted
	res.RemoteWins = mres.RemoteWins
	res.Buried = mres.Buried
	res.Dropped = len(mres.Dropped)

	// Abandoning here leaves local data untouched.
	if err := ctx.Err(); err != nil {
		return err
	}

	// CommittingLocal
	e.setState(c, res.RunID, StateCommittingLocal)
	commitCtx := context.WithoutCancel(ctx)
	if !sameSnapshot(local, merged) {
		if err := o.replace(commitCtx, local, merged); err != nil {
			return fmt.Errorf("commit local %s: %w", c, err)
		}
		res.LocalChanged = true
	}
	res.LocalCommitted = true

	// CommittingRemote
	e.setState(c, res.RunID, StateCommittingRemote)
	encoded, err := o.codec.Encode(merged, prior, func(id string) bool {
		_, dead := tombstones[id]
		return dead
	})
	if err != nil {
		return err
	}
	current := make(map[string][]byte, len(parts))
	for p, f := range parts {
		current[p] = f.content
	}
	changes := merge.DirtyPartitions(current, encoded)

	res.Written, res.Deleted, res.Withheld = nil, nil, nil
	for _, ch := range changes {
		if withheld[ch.Path] {
			res.Withheld = append(res.Withheld, ch.Path)
			log.Warn("push withheld for partition with unreadable content", "path", ch.Path)
			continue
		}
		prev := parts[ch.Path]
		if ch.Delete {
			if err := client.DeleteFile(commitCtx, ch.Path, prev.tag); err != nil {
				return fmt.Errorf("delete %s: %w", ch.Path, err)
			}
			delete(parts, ch.Path)
			res.Deleted = append(res.Deleted, ch.Path)
			continue
		}
		tag, err := client.WriteFile(commitCtx, ch.Path, ch.Content, prev.tag)
		if err != nil {
			return fmt.Errorf("write %s: %w", ch.Path, err)
		}
		parts[ch.Path] = fetched{tag: tag, content: ch.Content}
		res.Written = append(res.Written, ch.Path)
		log.Debug("partition written", "path", ch.Path, "tag", tag)
	}

	if len(changes) > 0 || cacheStale {
		cache := make([]store.CachedPartition, 0, len(parts))
		for _, p := range sortedKeys(parts) {
			cache = append(cache, store.CachedPartition{Path: p, VersionTag: parts[p].tag, Content: parts[p].content})
		}
		if err := e.store.ReplacePartitions(commitCtx, c, cache); err != nil {
			log.Warn("update partition cache", "error", err)
		}
	}
	// A withheld partition may still hold tombstoned records.
	if len(stones) > 0 && len(withheld) == 0 {
		if err := e.store.ClearTombstones(commitCtx, c, cycleStart); err != nil {
			log.Warn("clear tombstones", "error", err)
		}
	}
	if o.pushed != nil && len(res.Written) > 0 {
		if err := o.pushed(commitCtx, res.Written, e.now().UTC()); err != nil {
			log.Warn("post-push bookkeeping", "error", err)
		}
	}
	return nil
}

// fetchPartitions lists the collection's directories and reads every owned
// partition, reusing cached content whose version tag is unchanged.
func fetchPartitions[T any](ctx context.Context, s store.Store, client remote.Client, cd codec.Codec[T]) (map[string]fetched, bool, error) {
	cached, err := s.ListPartitions(ctx, cd.Collection())
	if err != nil {
		return nil, false, err
	}
	byPath := make(map[string]store.CachedPartition, len(cached))
	for _, p := range cached {
		byPath[p.Path] = p
	}

	parts := make(map[string]fetched)
	stale := false
	for _, dir := range cd.Dirs() {
		entries, err := client.ListDirectory(ctx, dir)
		if err != nil {
			return nil, false, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, en := range entries {
			if en.IsDir || !cd.Owns(en.Path) {
				continue
			}
			if cp, ok := byPath[en.Path]; ok && en.VersionTag != "" && cp.VersionTag == en.VersionTag {
				parts[en.Path] = fetched{tag: cp.VersionTag, content: cp.Content}
				continue
			}
			stale = true
			f, err := client.ReadFile(ctx, en.Path)
			if err != nil {
				return nil, false, fmt.Errorf("read %s: %w", en.Path, err)
			}
			if f == nil {
				continue
			}
			parts[en.Path] = fetched{tag: f.VersionTag, content: f.Content}
		}
	}
	if len(parts) != len(byPath) {
		stale = true
	}
	return parts, stale, nil
}

// sameSnapshot reports whether merged holds exactly the local records.
func sameSnapshot[T merge.Record](local, merged []T) bool {
	if len(local) != len(merged) {
		return false
	}
	byID := make(map[string]T, len(local))
	for _, r := range local {
		byID[r.RecordID()] = r
	}
	for _, m := range merged {
		l, ok := byID[m.RecordID()]
		if !ok {
			return false
		}
		// JSON compares instants and values without regard to time.Location.
		a, errA := json.Marshal(l)
		b, errB := json.Marshal(m)
		if errA != nil || errB != nil || !bytes.Equal(a, b) {
			return false
		}
	}
	return true
}

func taskOps(s store.Store) ops[*models.Task] {
	return ops[*models.Task]{
		codec:   codec.Tasks{},
		list:    func(ctx context.Context) ([]*models.Task, error) { return s.ListTasks(ctx, store.TaskFilter{}) },
		replace: s.ReplaceTasks,
	}
}

func timeEntryOps(s store.Store) ops[*models.TimeEntry] {
	return ops[*models.TimeEntry]{
		codec: codec.TimeEntries{},
		list: func(ctx context.Context) ([]*models.TimeEntry, error) {
			return s.ListTimeEntries(ctx, store.TimeEntryFilter{})
		},
		replace: s.ReplaceTimeEntries,
		combine: merge.CombineTimeEntries,
	}
}

func customerOps(s store.Store) ops[*models.Customer] {
	return ops[*models.Customer]{
		codec: codec.Customers{},
		list: func(ctx context.Context) ([]*models.Customer, error) {
			return s.ListCustomers(ctx, store.CustomerFilter{IncludeArchived: true})
		},
		replace: s.ReplaceCustomers,
	}
}

func wikiOps(s store.Store) ops[*models.WikiEntry] {
	return ops[*models.WikiEntry]{
		codec:     codec.Wiki{},
		list:      s.ListWikiEntries,
		replace:   s.ReplaceWikiEntries,
		combine:   merge.CombineWiki,
		normalize: dedupeWikiIDs,
		pushed: func(ctx context.Context, paths []string, at time.Time) error {
			var names []string
			for _, p := range paths {
				if name, ok := strings.CutPrefix(p, codec.WikiDir+"/"); ok {
					names = append(names, name)
				}
			}
			return s.MarkWikiSynced(ctx, names, at)
		},
	}
}

// dedupeWikiIDs gives notes that share an id (copied files) an id derived
// from their filename, which is unique. A note already stored locally under
// its id and filename keeps that id.
func dedupeWikiIDs(local, entries []*models.WikiEntry) []*models.WikiEntry {
	owner := make(map[string]string, len(local))
	for _, w := range local {
		owner[w.ID] = w.Filename
	}
	kept := func(w *models.WikiEntry) bool {
		fn, ok := owner[w.ID]
		return ok && fn == w.Filename
	}
	seen := make(map[string]bool, len(entries))
	for _, w := range entries {
		if kept(w) {
			seen[w.ID] = true
		}
	}
	out := make([]*models.WikiEntry, len(entries))
	for i, w := range entries {
		if !kept(w) {
			if seen[w.ID] {
				w = w.Clone()
				w.ID = strings.TrimSuffix(w.Filename, ".md")
			}
			seen[w.ID] = true
		}
		out[i] = w
	}
	return out
}
