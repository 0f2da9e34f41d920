package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"coinsnap/internal/domain"
	"coinsnap/internal/snapshot"
)

// ErrKeyExists is returned by Append when the (id, date) key is already
// stored.
var ErrKeyExists = errors.New("key already exists")

// RowStore is the append-mostly set of daily market rows. It loads the
// backend at open (and on Reload) and keeps the key set and price index in
// memory so existence checks and lookback reads never touch the medium.
type RowStore struct {
	backend RowBackend

	mu     sync.RWMutex
	keys   map[domain.Key]struct{}
	prices snapshot.PriceIndex
	count  int
}

// OpenRowStore loads all rows from backend and builds the in-memory index.
func OpenRowStore(ctx context.Context, backend RowBackend) (*RowStore, error) {
	rows, err := backend.LoadRows(ctx)
	if err != nil {
		return nil, err
	}
	s := &RowStore{backend: backend}
	s.reindex(rows)
	return s, nil
}

// Reload re-reads the backend and rebuilds the key set and price index,
// picking up rows written by other processes since the store was opened.
func (s *RowStore) Reload(ctx context.Context) error {
	rows, err := s.backend.LoadRows(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reindex(rows)
	return nil
}

func (s *RowStore) reindex(rows []domain.MarketRow) {
	s.keys = make(map[domain.Key]struct{}, len(rows))
	for _, r := range rows {
		s.keys[r.Key()] = struct{}{}
	}
	s.prices = snapshot.BuildPriceIndex(rows)
	s.count = len(rows)
}

// Location returns the backend location.
func (s *RowStore) Location() string { return s.backend.Location() }

// Exists reports whether a row for (id, date) is stored.
func (s *RowStore) Exists(id string, date time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[domain.NewKey(id, date)]
	return ok
}

// Len returns the number of stored rows as seen by this store.
func (s *RowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Prices returns the price index. Callers must treat it as read-only.
func (s *RowStore) Prices() snapshot.PriceIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prices
}

// Append durably adds one row and updates the in-memory index. It refuses a
// key that is already present.
func (s *RowStore) Append(ctx context.Context, row domain.MarketRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := row.Key()
	if _, ok := s.keys[key]; ok {
		return fmt.Errorf("append %s: %w", key, ErrKeyExists)
	}
	row.Date = domain.DateOf(row.Date)
	if err := s.backend.AppendRow(ctx, row); err != nil {
		return err
	}
	s.keys[key] = struct{}{}
	s.prices.Set(row.ID, row.Date, row.Price)
	s.count++
	return nil
}

// All re-reads every row from the backend.
func (s *RowStore) All(ctx context.Context) ([]domain.MarketRow, error) {
	return s.backend.LoadRows(ctx)
}

// RewriteDeduplicated replaces the stored set with rows, keeping the last
// row per key, and rebuilds the index. It returns the number of duplicates
// dropped.
func (s *RowStore) RewriteDeduplicated(ctx context.Context, rows []domain.MarketRow) (int, error) {
	deduped := Dedup(rows)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.ReplaceRows(ctx, deduped); err != nil {
		return 0, err
	}
	s.reindex(deduped)
	return len(rows) - len(deduped), nil
}

// Dedup keeps the last row per (id, date) in arrival order and returns the
// survivors sorted by id, then date.
func Dedup(rows []domain.MarketRow) []domain.MarketRow {
	latest := make(map[domain.Key]domain.MarketRow, len(rows))
	for _, r := range rows {
		r.Date = domain.DateOf(r.Date)
		latest[r.Key()] = r
	}

	out := make([]domain.MarketRow, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	SortRows(out)
	return out
}

// SortRows orders rows by id, then date.
func SortRows(rows []domain.MarketRow) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ID != rows[j].ID {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].Date.Before(rows[j].Date)
	})
}
