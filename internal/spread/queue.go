package spread

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// Queue holds pending follow-up fetches keyed by feed id. Mutations only mark the queue
// dirty; Persist writes it back to the configuration store.
type Queue struct {
	store   ConfigStore
	entries map[int64]int64
	dirty   bool
}

// LoadQueue reads the pending follow-ups from store, silently dropping entries with a
// non-positive id or due time.
func LoadQueue(store ConfigStore) *Queue {
	raw, _ := store.IntMap(KeyPendingFollowup)

	entries := make(map[int64]int64, len(raw))
	for feedID, dueAt := range raw {
		if feedID > 0 && dueAt > 0 {
			entries[feedID] = dueAt
		}
	}

	return &Queue{store: store, entries: entries}
}

// Schedule sets the follow-up for feedID, replacing any existing entry.
func (q *Queue) Schedule(feedID, dueAt int64) {
	if feedID <= 0 || dueAt <= 0 {
		return
	}

	q.entries[feedID] = dueAt
	q.dirty = true
}

// Clear removes the follow-up for feedID and reports whether one existed.
func (q *Queue) Clear(feedID int64) bool {
	if _, ok := q.entries[feedID]; !ok {
		return false
	}

	delete(q.entries, feedID)
	q.dirty = true

	return true
}

// IsPending reports whether feedID has a follow-up queued.
func (q *Queue) IsPending(feedID int64) bool {
	_, ok := q.entries[feedID]

	return ok
}

// DueAt returns the follow-up time of feedID, if any.
func (q *Queue) DueAt(feedID int64) (int64, bool) {
	dueAt, ok := q.entries[feedID]

	return dueAt, ok
}

// PruneOlderThan drops every entry due strictly before threshold and returns how many
// were removed.
func (q *Queue) PruneOlderThan(threshold int64) int {
	removed := 0

	for feedID, dueAt := range q.entries {
		if dueAt < threshold {
			delete(q.entries, feedID)
			removed++
		}
	}

	if removed > 0 {
		q.dirty = true
	}

	return removed
}

// Len is the number of pending follow-ups.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Dirty reports whether the queue has changes not yet persisted.
func (q *Queue) Dirty() bool {
	return q.dirty
}

// FeedIDs returns the queued feed ids in ascending order.
func (q *Queue) FeedIDs() []int64 {
	return slices.Sorted(maps.Keys(q.entries))
}

// Persist writes the queue to the store when it is dirty, or always when force is set.
func (q *Queue) Persist(ctx context.Context, force bool) error {
	if !force && !q.dirty {
		return nil
	}

	q.store.SetIntMap(KeyPendingFollowup, maps.Clone(q.entries))

	err := q.store.Save(ctx)
	if err != nil {
		return fmt.Errorf("persist pending follow-ups: %w", err)
	}

	q.dirty = false

	return nil
}
