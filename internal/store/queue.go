package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"coinsnap/internal/domain"
)

// RetryQueue is the set of (entity, date) keys whose snapshot could not be
// obtained. There is at most one item per key.
type RetryQueue struct {
	backend QueueBackend
	now     func() time.Time

	mu sync.Mutex
}

// NewRetryQueue wraps backend. now stamps first-seen and attempt times; nil
// means time.Now.
func NewRetryQueue(backend QueueBackend, now func() time.Time) *RetryQueue {
	if now == nil {
		now = time.Now
	}
	return &RetryQueue{backend: backend, now: now}
}

// Location returns the backend location.
func (q *RetryQueue) Location() string { return q.backend.Location() }

// UpsertMany merges items into the persisted queue. An incoming item
// replaces the stored one for the same key except that the earliest
// first-seen time is kept; new keys are stamped with the current time.
func (q *RetryQueue) UpsertMany(ctx context.Context, items []domain.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.backend.LoadQueue(ctx)
	if err != nil {
		return err
	}
	merged := MergeQueue(existing, items, q.now().UTC())
	return q.backend.ReplaceQueue(ctx, merged)
}

// Remove deletes the given keys from the queue and returns how many were
// present.
func (q *RetryQueue) Remove(ctx context.Context, keys []domain.Key) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.backend.LoadQueue(ctx)
	if err != nil {
		return 0, err
	}
	drop := make(map[domain.Key]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}

	kept := existing[:0:0]
	for _, it := range existing {
		if _, ok := drop[it.Key()]; ok {
			continue
		}
		kept = append(kept, it)
	}
	removed := len(existing) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	return removed, q.backend.ReplaceQueue(ctx, kept)
}

// ListPending returns all items, oldest first-seen first. Items without a
// first-seen time follow, ordered by date then id.
func (q *RetryQueue) ListPending(ctx context.Context) ([]domain.QueueItem, error) {
	q.mu.Lock()
	items, err := q.backend.LoadQueue(ctx)
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}
	SortPending(items)
	return items, nil
}

// MergeQueue applies the upsert rules of UpsertMany to in-memory slices.
// Stored order is preserved and new keys are appended in incoming order.
func MergeQueue(existing, incoming []domain.QueueItem, now time.Time) []domain.QueueItem {
	out := make([]domain.QueueItem, 0, len(existing)+len(incoming))
	pos := make(map[domain.Key]int, len(existing)+len(incoming))

	for _, it := range existing {
		it.Date = domain.DateOf(it.Date)
		if i, ok := pos[it.Key()]; ok {
			it.FirstSeen = earliest(out[i].FirstSeen, it.FirstSeen)
			out[i] = it
			continue
		}
		pos[it.Key()] = len(out)
		out = append(out, it)
	}

	for _, it := range incoming {
		it.Date = domain.DateOf(it.Date)
		if it.Status == "" {
			it.Status = domain.QueueStatusQueued
		}
		if it.LastAttempt.IsZero() {
			it.LastAttempt = now
		}
		if i, ok := pos[it.Key()]; ok {
			it.FirstSeen = earliest(out[i].FirstSeen, it.FirstSeen)
			if it.FirstSeen.IsZero() {
				it.FirstSeen = now
			}
			out[i] = it
			continue
		}
		if it.FirstSeen.IsZero() {
			it.FirstSeen = now
		}
		pos[it.Key()] = len(out)
		out = append(out, it)
	}
	return out
}

// SortPending orders items the way ListPending returns them.
func SortPending(items []domain.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		az, bz := a.FirstSeen.IsZero(), b.FirstSeen.IsZero()
		if az != bz {
			return bz
		}
		if !az && !a.FirstSeen.Equal(b.FirstSeen) {
			return a.FirstSeen.Before(b.FirstSeen)
		}
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.ID < b.ID
	})
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	}
	return a
}
