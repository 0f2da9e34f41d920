package daily

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"coinsnap/internal/domain"
	"coinsnap/internal/gather"
	"coinsnap/internal/snapshot"
	"coinsnap/internal/store"
	"coinsnap/internal/util"
)

// RetryOptions configures the RetryWorker.
type RetryOptions struct {
	HistoryDays        int // minimum window fetched per entity
	BufferDays         int // days added past the oldest pending date
	RequestInterval    time.Duration
	MaxSampleDistance  time.Duration
	RecomputeAfterFill bool

	Now func() time.Time
}

// ---------------------------------------------------------------------------
// RetryWorker: reconcile the retry queue against the row store
// ---------------------------------------------------------------------------

// RetryWorker drains the retry queue. Items whose row already exists are
// removed; the rest are fetched once per entity, sampled per date and
// appended. Failures stay queued with their attempt count bumped.
type RetryWorker struct {
	fetcher gather.HistoryFetcher
	rows    *store.RowStore
	queue   *store.RetryQueue
	opts    RetryOptions
	sampler snapshot.Sampler
	pacer   *util.Pacer
	log     *slog.Logger

	last *domain.RunSummary
}

// NewRetryWorker creates a RetryWorker over the given stores.
func NewRetryWorker(fetcher gather.HistoryFetcher, rows *store.RowStore, queue *store.RetryQueue, opts RetryOptions) *RetryWorker {
	if opts.HistoryDays <= 0 {
		opts.HistoryDays = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RetryWorker{
		fetcher: fetcher,
		rows:    rows,
		queue:   queue,
		opts:    opts,
		sampler: snapshot.Sampler{MaxDistance: opts.MaxSampleDistance},
		pacer:   util.NewPacer(opts.RequestInterval),
		log:     slog.Default().With("gatherer", "retry"),
	}
}

// Name returns the gatherer identifier.
func (w *RetryWorker) Name() string { return "retry" }

// Summary returns the summary of the last Run, or nil.
func (w *RetryWorker) Summary() *domain.RunSummary { return w.last }

// Run performs one reconciliation pass over the queue.
func (w *RetryWorker) Run(ctx context.Context) error {
	sum, err := w.RunOnce(ctx)
	w.last = sum
	return err
}

// entityBatch is the pending queue items of one entity, dates ascending.
type entityBatch struct {
	entity domain.Entity
	items  []domain.QueueItem
}

// groupByEntity groups items by entity in order of first appearance and
// sorts each group's dates ascending.
func groupByEntity(items []domain.QueueItem) []entityBatch {
	var batches []entityBatch
	pos := make(map[string]int)
	for _, it := range items {
		i, ok := pos[it.ID]
		if !ok {
			i = len(batches)
			pos[it.ID] = i
			batches = append(batches, entityBatch{entity: it.Entity()})
		}
		batches[i].items = append(batches[i].items, it)
	}
	for _, b := range batches {
		sort.SliceStable(b.items, func(i, j int) bool {
			return b.items[i].Date.Before(b.items[j].Date)
		})
	}
	return batches
}

// RunOnce processes every pending item once and returns the run summary,
// which is always non-nil. The returned error is a storage failure or ctx's
// error; queue updates made so far are persisted in both cases.
func (w *RetryWorker) RunOnce(ctx context.Context) (*domain.RunSummary, error) {
	now := w.opts.Now().UTC()
	sum := &domain.RunSummary{RunID: uuid.NewString(), Kind: w.Name(), Started: now}
	log := w.log.With("run_id", sum.RunID)
	defer func() { sum.Finished = w.opts.Now().UTC() }()

	// Other processes may have written rows since the last run.
	if err := w.rows.Reload(ctx); err != nil {
		return sum, err
	}
	items, err := w.queue.ListPending(ctx)
	if err != nil {
		return sum, err
	}
	if len(items) == 0 {
		log.Info("retry queue is empty")
		return sum, nil
	}
	log.Info("starting retry run", "pending", len(items), "queue", w.queue.Location())

	var (
		resolved []domain.Key
		failures []domain.QueueItem
		filled   int
	)
	fail := func(it domain.QueueItem, cause error) {
		it.Attempts++
		it.LastError = cause.Error()
		it.LastAttempt = now
		it.Status = domain.QueueStatusError
		failures = append(failures, it)
		res := result(it.Entity(), it.Date, domain.StatusError)
		res.Error = it.LastError
		sum.Results = append(sum.Results, res)
	}

	runErr := func() error {
		for _, b := range groupByEntity(items) {
			if err := ctx.Err(); err != nil {
				return err
			}

			// Items filled by a later daily run are only cleared.
			var pending []domain.QueueItem
			for _, it := range b.items {
				if w.rows.Exists(it.ID, it.Date) {
					resolved = append(resolved, it.Key())
					sum.Results = append(sum.Results, result(it.Entity(), it.Date, domain.StatusAlreadyHave))
					continue
				}
				pending = append(pending, it)
			}
			if len(pending) == 0 {
				continue
			}

			days := windowDays(pending[0].Date, now, w.opts.BufferDays, w.opts.HistoryDays)
			if err := w.pacer.Wait(ctx); err != nil {
				return err
			}
			obs, err := w.fetcher.FetchHistory(ctx, b.entity.ID, days)
			if err != nil {
				log.Warn("retry fetch failed", "id", b.entity.ID, "dates", len(pending), "error", err)
				for _, it := range pending {
					fail(it, err)
				}
				continue
			}

			for _, it := range pending {
				row, picked, err := buildRow(it.Entity(), it.Date, obs, w.sampler, w.rows.Prices(), now)
				if err != nil {
					log.Warn("retry sample failed", "key", it.Key().String(), "error", err)
					fail(it, err)
					continue
				}
				if err := w.rows.Append(ctx, row); err != nil && !errors.Is(err, store.ErrKeyExists) {
					return err
				}
				resolved = append(resolved, it.Key())
				filled++
				res := result(it.Entity(), it.Date, domain.StatusOK)
				res.SourceTime, res.Price = picked.Timestamp, picked.Price
				sum.Results = append(sum.Results, res)
				log.Info("filled missing row", "key", it.Key().String(), "source_ts", picked.Timestamp.Format(time.RFC3339))
			}
		}
		return nil
	}()

	// Persist queue changes even when the loop stopped early.
	qctx := context.WithoutCancel(ctx)
	if err := w.queue.UpsertMany(qctx, failures); err != nil {
		return sum, errors.Join(runErr, fmt.Errorf("updating failed items: %w", err))
	}
	sum.Queued = len(failures)
	removed, err := w.queue.Remove(qctx, resolved)
	if err != nil {
		return sum, errors.Join(runErr, fmt.Errorf("removing resolved items: %w", err))
	}
	sum.Removed = removed
	if runErr != nil {
		return sum, runErr
	}

	if filled > 0 && w.opts.RecomputeAfterFill {
		if _, err := RecomputeAll(ctx, w.rows); err != nil {
			return sum, fmt.Errorf("recomputing returns: %w", err)
		}
	}

	log.Info("retry run finished", "filled", filled, "removed", removed, "still_failing", len(failures))
	return sum, nil
}

// RecomputeAll re-reads every row, keeps the last row per key, recomputes
// all returns by exact-date lookback and rewrites the store atomically. It
// returns the number of duplicate rows dropped.
func RecomputeAll(ctx context.Context, rows *store.RowStore) (int, error) {
	all, err := rows.All(ctx)
	if err != nil {
		return 0, err
	}
	recomputed := snapshot.RecomputeReturns(store.Dedup(all))
	if _, err := rows.RewriteDeduplicated(ctx, recomputed); err != nil {
		return 0, err
	}
	return len(all) - len(recomputed), nil
}
