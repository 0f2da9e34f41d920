package daily

import (
	"context"
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

// BackfillOptions configures a Backfiller.
type BackfillOptions struct {
	Dates []time.Time // dates to fill; duplicates are ignored
	IDs   []string    // restrict to these entity ids; empty means all

	// Replace refetches the selected entities and dates even when rows are
	// stored. A stored row is only replaced once its new row was built.
	Replace bool

	HistoryDays       int // minimum window fetched per entity
	BufferDays        int
	RequestInterval   time.Duration
	MaxSampleDistance time.Duration

	Now func() time.Time
}

// ---------------------------------------------------------------------------
// Backfiller: fill a set of past dates in one rewrite
// ---------------------------------------------------------------------------

// Backfiller fetches each selected entity once with a window covering the
// oldest requested date, samples every requested date and rewrites the row
// store deduplicated with all returns recomputed. Failures go to the retry
// queue when one is set.
type Backfiller struct {
	fetcher  gather.HistoryFetcher
	rows     *store.RowStore
	queue    *store.RetryQueue
	entities []domain.Entity
	opts     BackfillOptions
	sampler  snapshot.Sampler
	pacer    *util.Pacer
	log      *slog.Logger

	last *domain.RunSummary
}

// NewBackfiller creates a Backfiller. queue may be nil.
func NewBackfiller(fetcher gather.HistoryFetcher, rows *store.RowStore, queue *store.RetryQueue,
	entities []domain.Entity, opts BackfillOptions) *Backfiller {
	if opts.HistoryDays <= 0 {
		opts.HistoryDays = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Backfiller{
		fetcher:  fetcher,
		rows:     rows,
		queue:    queue,
		entities: entities,
		opts:     opts,
		sampler:  snapshot.Sampler{MaxDistance: opts.MaxSampleDistance},
		pacer:    util.NewPacer(opts.RequestInterval),
		log:      slog.Default().With("gatherer", "backfill"),
	}
}

// LastNDays returns the n calendar dates ending with the day before now.
func LastNDays(now time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	end := util.Yesterday(now)
	return util.DateRange(end.AddDate(0, 0, -(n - 1)), end)
}

// Name returns the gatherer identifier.
func (b *Backfiller) Name() string { return "backfill" }

// Summary returns the summary of the last Run, or nil.
func (b *Backfiller) Summary() *domain.RunSummary { return b.last }

// Run performs the backfill.
func (b *Backfiller) Run(ctx context.Context) error {
	sum, err := b.RunOnce(ctx)
	b.last = sum
	return err
}

func uniqueDates(in []time.Time) []time.Time {
	seen := make(map[string]struct{}, len(in))
	var out []time.Time
	for _, d := range in {
		d = domain.DateOf(d)
		k := domain.FormatDate(d)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// RunOnce fills the configured dates and returns the run summary, which is
// always non-nil.
func (b *Backfiller) RunOnce(ctx context.Context) (*domain.RunSummary, error) {
	now := b.opts.Now().UTC()
	sum := &domain.RunSummary{RunID: uuid.NewString(), Kind: b.Name(), Started: now}
	log := b.log.With("run_id", sum.RunID)
	defer func() { sum.Finished = b.opts.Now().UTC() }()

	dates := uniqueDates(b.opts.Dates)
	if len(dates) == 0 {
		return sum, fmt.Errorf("backfill: no dates given")
	}
	sum.Target = dates[len(dates)-1]

	entities, unknown := FilterEntities(b.entities, b.opts.IDs)
	if len(unknown) > 0 {
		log.Warn("ids not in universe, skipped", "ids", unknown)
	}

	existing, err := b.rows.All(ctx)
	if err != nil {
		return sum, err
	}

	selected := make(map[string]bool, len(entities))
	for _, e := range entities {
		selected[e.ID] = true
	}
	wanted := make(map[string]bool, len(dates))
	for _, d := range dates {
		wanted[domain.FormatDate(d)] = true
	}

	// Rows being replaced are set aside; the rest seeds keys and lookback
	// prices. A set-aside row is only discarded once its replacement exists.
	kept := existing[:0:0]
	replacing := make(map[domain.Key]domain.MarketRow)
	for _, r := range existing {
		if b.opts.Replace && selected[r.ID] && wanted[domain.FormatDate(r.Date)] {
			replacing[r.Key()] = r
			continue
		}
		kept = append(kept, r)
	}
	have := make(map[domain.Key]bool, len(kept))
	for _, r := range kept {
		have[r.Key()] = true
	}
	prices := snapshot.BuildPriceIndex(kept)

	log.Info("starting backfill",
		"entities", len(entities),
		"from", domain.FormatDate(dates[0]),
		"to", domain.FormatDate(dates[len(dates)-1]),
		"dates", len(dates),
		"replace", b.opts.Replace,
		"replacing", len(replacing),
	)

	var (
		added    []domain.MarketRow
		failures []domain.QueueItem
	)
	fail := func(e domain.Entity, d time.Time, cause error) {
		res := result(e, d, domain.StatusError)
		res.Error = cause.Error()
		sum.Results = append(sum.Results, res)
		if _, ok := replacing[domain.NewKey(e.ID, d)]; ok {
			// The stored row survives, so there is nothing to retry.
			return
		}
		failures = append(failures, domain.QueueItem{
			ID: e.ID, Symbol: e.Symbol, Name: e.Name, Date: d,
			Attempts: 1, LastError: res.Error, Status: domain.QueueStatusQueued,
		})
	}

	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		var todo []time.Time
		for _, d := range dates {
			if have[domain.NewKey(e.ID, d)] {
				sum.Results = append(sum.Results, result(e, d, domain.StatusAlreadyHave))
				continue
			}
			todo = append(todo, d)
		}
		if len(todo) == 0 {
			continue
		}

		if err := b.pacer.Wait(ctx); err != nil {
			return sum, err
		}
		days := windowDays(todo[0], now, b.opts.BufferDays, b.opts.HistoryDays)
		obs, err := b.fetcher.FetchHistory(ctx, e.ID, days)
		if err != nil {
			log.Warn("backfill fetch failed", "id", e.ID, "error", err)
			for _, d := range todo {
				fail(e, d, err)
			}
			continue
		}

		for _, d := range todo {
			row, picked, err := buildRow(e, d, obs, b.sampler, prices, now)
			if err != nil {
				fail(e, d, err)
				continue
			}
			prices.Set(row.ID, row.Date, row.Price)
			have[row.Key()] = true
			added = append(added, row)

			res := result(e, d, domain.StatusOK)
			res.SourceTime, res.Price = picked.Timestamp, picked.Price
			sum.Results = append(sum.Results, res)
		}
		log.Info("backfilled entity", "id", e.ID, "rows", len(todo))
	}

	for _, r := range added {
		delete(replacing, r.Key())
	}
	if len(replacing) > 0 {
		log.Warn("kept rows whose replacement failed", "rows", len(replacing))
	}

	if len(added) > 0 {
		all := append(kept, added...)
		for _, r := range replacing {
			all = append(all, r)
		}
		recomputed := snapshot.RecomputeReturns(store.Dedup(all))
		if _, err := b.rows.RewriteDeduplicated(ctx, recomputed); err != nil {
			return sum, err
		}
	}

	if b.queue != nil && len(failures) > 0 {
		if err := b.queue.UpsertMany(ctx, failures); err != nil {
			return sum, fmt.Errorf("queueing %d failure(s): %w", len(failures), err)
		}
		sum.Queued = len(failures)
	}

	log.Info("backfill finished", "added", len(added), "failed", len(failures), "queued", sum.Queued)
	return sum, nil
}
