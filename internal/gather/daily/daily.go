// Package daily implements coinsnap's gatherers: the once-a-day ingestion
// orchestrator, the retry worker that reconciles the retry queue and the
// date backfiller used for initial history and repairs.
package daily

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"coinsnap/internal/domain"
	"coinsnap/internal/gather"
	"coinsnap/internal/snapshot"
	"coinsnap/internal/store"
	"coinsnap/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ gather.Gatherer = (*Orchestrator)(nil)
var _ gather.Gatherer = (*RetryWorker)(nil)
var _ gather.Gatherer = (*Backfiller)(nil)

// Options configures the Orchestrator.
type Options struct {
	HistoryDays       int           // lookback window requested per entity
	RequestInterval   time.Duration // minimum spacing between fetches
	SecondPassSleep   time.Duration // cooldown before retrying first-pass failures
	MaxSampleDistance time.Duration // 0 accepts any distance

	// Target is the date to ingest; zero means the UTC date at run time.
	Target time.Time

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// ---------------------------------------------------------------------------
// Orchestrator: one snapshot per entity for one target date
// ---------------------------------------------------------------------------

// Orchestrator runs the daily two-pass ingestion: every tracked entity
// missing a row for the target date is fetched, sampled at midnight and
// appended; first-pass failures get a second pass after a cooldown and
// whatever still fails is pushed to the retry queue.
type Orchestrator struct {
	fetcher  gather.HistoryFetcher
	rows     *store.RowStore
	queue    *store.RetryQueue
	entities []domain.Entity
	opts     Options
	sampler  snapshot.Sampler
	pacer    *util.Pacer
	log      *slog.Logger

	last *domain.RunSummary
}

// NewOrchestrator creates an Orchestrator over the given stores and tracked
// entities.
func NewOrchestrator(fetcher gather.HistoryFetcher, rows *store.RowStore, queue *store.RetryQueue,
	entities []domain.Entity, opts Options) *Orchestrator {
	if opts.HistoryDays <= 0 {
		opts.HistoryDays = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = util.SleepContext
	}
	return &Orchestrator{
		fetcher:  fetcher,
		rows:     rows,
		queue:    queue,
		entities: entities,
		opts:     opts,
		sampler:  snapshot.Sampler{MaxDistance: opts.MaxSampleDistance},
		pacer:    util.NewPacer(opts.RequestInterval),
		log:      slog.Default().With("gatherer", "daily"),
	}
}

// Name returns the gatherer identifier.
func (o *Orchestrator) Name() string { return "daily" }

// Summary returns the summary of the last Run, or nil.
func (o *Orchestrator) Summary() *domain.RunSummary { return o.last }

// Run ingests the configured target date.
func (o *Orchestrator) Run(ctx context.Context) error {
	target := o.opts.Target
	if target.IsZero() {
		target = util.Today(o.opts.Now())
	}
	sum, err := o.RunDate(ctx, target)
	o.last = sum
	return err
}

// RunDate ingests one target date and returns the run summary. Per-entity
// failures never fail the run; the returned error is a storage or schema
// failure, or ctx's error when the run was interrupted. The summary is
// always non-nil.
func (o *Orchestrator) RunDate(ctx context.Context, target time.Time) (*domain.RunSummary, error) {
	target = domain.DateOf(target)
	runAt := o.opts.Now().UTC()
	sum := &domain.RunSummary{
		RunID:   uuid.NewString(),
		Kind:    o.Name(),
		Target:  target,
		Started: runAt,
	}
	log := o.log.With("run_id", sum.RunID, "target", domain.FormatDate(target))
	defer func() { sum.Finished = o.opts.Now().UTC() }()

	if err := o.rows.Reload(ctx); err != nil {
		return sum, err
	}
	log.Info("starting daily run", "entities", len(o.entities), "stored_rows", o.rows.Len(), "store", o.rows.Location())

	// 1. First pass.
	var failed []int
	for _, e := range o.entities {
		if err := ctx.Err(); err != nil {
			return sum, o.interrupt(ctx, log, sum, err)
		}
		if o.rows.Exists(e.ID, target) {
			log.Debug("already have row", "id", e.ID)
			sum.Results = append(sum.Results, result(e, target, domain.StatusAlreadyHave))
			continue
		}

		res, err := o.ingest(ctx, e, target, runAt, domain.StatusOK)
		if err != nil {
			if domain.IsFatal(err) {
				return sum, err
			}
			log.Warn("first pass failed", "id", e.ID, "error", err)
			res.Status, res.Error = domain.StatusErrorFirstPass, err.Error()
			failed = append(failed, len(sum.Results))
		} else {
			log.Info("appended row", "id", e.ID, "source_ts", res.SourceTime.Format(time.RFC3339), "price", res.Price)
		}
		sum.Results = append(sum.Results, res)
	}

	// 2. Second pass over exactly the first-pass failures.
	if len(failed) > 0 {
		log.Info("cooling down before second pass", "failed", len(failed), "sleep", o.opts.SecondPassSleep)
		if err := o.opts.Sleep(ctx, o.opts.SecondPassSleep); err != nil {
			return sum, o.interrupt(ctx, log, sum, err)
		}

		for _, i := range failed {
			if err := ctx.Err(); err != nil {
				return sum, o.interrupt(ctx, log, sum, err)
			}
			e := sum.Results[i].Entity
			if o.rows.Exists(e.ID, target) {
				sum.Results[i] = result(e, target, domain.StatusAlreadyHave)
				continue
			}

			res, err := o.ingest(ctx, e, target, runAt, domain.StatusOKSecondPass)
			if err != nil {
				if domain.IsFatal(err) {
					return sum, err
				}
				log.Warn("second pass failed", "id", e.ID, "error", err)
				res.Status, res.Error = domain.StatusErrorSecondPass, err.Error()
			} else {
				log.Info("appended row on second pass", "id", e.ID, "source_ts", res.SourceTime.Format(time.RFC3339))
			}
			sum.Results[i] = res
		}
	}

	// 3. Queue whatever is still missing.
	if err := o.enqueue(ctx, sum, domain.StatusErrorSecondPass); err != nil {
		return sum, err
	}

	counts := sum.Counts()
	log.Info("daily run finished",
		"ok", counts[domain.StatusOK],
		"ok_second_pass", counts[domain.StatusOKSecondPass],
		"already_have", counts[domain.StatusAlreadyHave],
		"queued", sum.Queued,
	)
	return sum, nil
}

// ingest fetches, samples and appends one entity's row for target. On
// success the result carries okStatus.
func (o *Orchestrator) ingest(ctx context.Context, e domain.Entity, target, runAt time.Time, okStatus domain.EntityStatus) (domain.EntityResult, error) {
	res := result(e, target, okStatus)
	if err := o.pacer.Wait(ctx); err != nil {
		return res, err
	}
	obs, err := o.fetcher.FetchHistory(ctx, e.ID, o.opts.HistoryDays)
	if err != nil {
		return res, err
	}
	row, picked, err := buildRow(e, target, obs, o.sampler, o.rows.Prices(), runAt)
	if err != nil {
		return res, err
	}
	if err := o.rows.Append(ctx, row); err != nil {
		if errors.Is(err, store.ErrKeyExists) {
			return result(e, target, domain.StatusAlreadyHave), nil
		}
		return res, err
	}
	res.SourceTime, res.Price = picked.Timestamp, picked.Price
	return res, nil
}

// enqueue pushes results with one of the given statuses to the retry queue
// with a single recorded attempt.
func (o *Orchestrator) enqueue(ctx context.Context, sum *domain.RunSummary, statuses ...domain.EntityStatus) error {
	want := make(map[domain.EntityStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var items []domain.QueueItem
	for _, r := range sum.Results {
		if !want[r.Status] {
			continue
		}
		items = append(items, domain.QueueItem{
			ID:        r.Entity.ID,
			Symbol:    r.Entity.Symbol,
			Name:      r.Entity.Name,
			Date:      r.Date,
			Attempts:  1,
			LastError: r.Error,
			Status:    domain.QueueStatusQueued,
		})
	}
	if len(items) == 0 {
		return nil
	}
	if err := o.queue.UpsertMany(ctx, items); err != nil {
		return fmt.Errorf("queueing %d failure(s): %w", len(items), err)
	}
	sum.Queued = len(items)
	o.log.Info("queued failures for retry", "count", len(items), "queue", o.queue.Location())
	return nil
}

// interrupt records every failure seen so far in the retry queue before the
// run stops on cause.
func (o *Orchestrator) interrupt(ctx context.Context, log *slog.Logger, sum *domain.RunSummary, cause error) error {
	log.Warn("run interrupted", "error", cause)
	// ctx is already done; the queue write must still happen.
	if err := o.enqueue(context.WithoutCancel(ctx), sum, domain.StatusErrorFirstPass, domain.StatusErrorSecondPass); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// ---------------------------------------------------------------------------
// Exit policy
// ---------------------------------------------------------------------------

// ExitCode maps a run's outcome to a process exit status. A storage, schema
// or interruption error is 1. Otherwise the run succeeds when any entity has
// data, when there was nothing to do, or when every failure was durably
// queued; it fails only when nothing was produced or recorded.
func ExitCode(sum *domain.RunSummary, err error) int {
	if err != nil {
		return 1
	}
	if sum == nil || len(sum.Results) == 0 || sum.AnySucceeded() {
		return 0
	}
	if sum.Queued > 0 {
		return 0
	}
	return 1
}
