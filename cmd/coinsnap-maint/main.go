package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coinsnap/internal/app"
	"coinsnap/internal/config"
	"coinsnap/internal/domain"
	"coinsnap/internal/gather"
	"coinsnap/internal/gather/daily"
	"coinsnap/internal/report"
	"coinsnap/internal/util"
	"coinsnap/pkg/coinsnap"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: coinsnap-maint <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  dedup      Drop duplicate rows and recompute all returns\n")
	fmt.Fprintf(os.Stderr, "  backfill   Fill past dates (-dates, -from/-to or -days)\n")
	fmt.Fprintf(os.Stderr, "  export     Write parquet/xlsx snapshots and upload when configured\n")
	fmt.Fprintf(os.Stderr, "  stats      Show per-date coverage and top movers\n")
	fmt.Fprintf(os.Stderr, "  queue      List pending retry queue items\n")
	fmt.Fprintf(os.Stderr, "  status     Query a running retry daemon (-addr)\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, closer := app.SetupLogging(cfg, "coinsnap-maint")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	var cmdErr error
	switch os.Args[1] {
	case "dedup", "recompute":
		cmdErr = dedup(ctx, cfg)
	case "backfill":
		cmdErr = backfill(ctx, cfg, os.Args[2:])
	case "export":
		cmdErr = export(ctx, cfg, os.Args[2:])
	case "stats":
		cmdErr = stats(ctx, cfg, os.Args[2:])
	case "queue":
		cmdErr = queue(ctx, cfg)
	case "status":
		cmdErr = status(ctx, cfg, os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		cancel()
		closer.Close()
		os.Exit(2)
	}

	cancel()
	if cmdErr != nil {
		logger.Error(os.Args[1]+" failed", "error", cmdErr)
		closer.Close()
		os.Exit(1)
	}
	closer.Close()
}

func dedup(ctx context.Context, cfg *config.Config) error {
	stores, err := app.OpenStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer stores.Close()

	before := stores.Rows.Len()
	dropped, err := daily.RecomputeAll(ctx, stores.Rows)
	if err != nil {
		return err
	}
	fmt.Printf("rows: %s -> %s (dropped %s duplicates), returns recomputed\n",
		report.FormatInt(before), report.FormatInt(stores.Rows.Len()), report.FormatInt(dropped))
	return nil
}

func backfill(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	dates := fs.String("dates", "", "comma-separated dates YYYY-MM-DD")
	from := fs.String("from", "", "first date of a range YYYY-MM-DD")
	to := fs.String("to", "", "last date of a range (default: yesterday, UTC)")
	days := fs.Int("days", 0, "fill the last N complete days")
	ids := fs.String("ids", "", "comma-separated entity ids (default: whole universe)")
	replace := fs.Bool("replace", false, "re-fetch dates that already have rows")
	noQueue := fs.Bool("no-queue", false, "do not push failures to the retry queue")
	_ = fs.Parse(args)

	targets, err := backfillDates(*dates, *from, *to, *days, time.Now())
	if err != nil {
		return err
	}

	entities, err := app.LoadEntities(cfg.Storage)
	if err != nil {
		return err
	}
	stores, err := app.OpenStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer stores.Close()

	queue := stores.Queue
	if *noQueue {
		queue = nil
	}
	b := daily.NewBackfiller(app.NewFetcher(cfg.CoinGecko), stores.Rows, queue, entities, daily.BackfillOptions{
		Dates:             targets,
		IDs:               splitIDs(*ids),
		Replace:           *replace,
		HistoryDays:       cfg.Retry.HistoryDays,
		BufferDays:        cfg.Retry.BufferDays,
		RequestInterval:   cfg.Retry.RequestSleep,
		MaxSampleDistance: cfg.Ingest.MaxSampleDistance,
	})
	sum, err := b.RunOnce(ctx)
	_ = report.WriteSummary(os.Stdout, sum, report.SummaryOptions{FailuresOnly: true})
	return err
}

// backfillDates resolves the date flags. Exactly one of list, range or days
// must be given.
func backfillDates(list, from, to string, days int, now time.Time) ([]time.Time, error) {
	set := 0
	for _, given := range []bool{list != "", from != "", days > 0} {
		if given {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("give exactly one of -dates, -from or -days")
	}

	switch {
	case list != "":
		var out []time.Time
		for _, s := range splitIDs(list) {
			d, err := domain.ParseDate(s)
			if err != nil {
				return nil, fmt.Errorf("invalid date %q: %w", s, err)
			}
			out = append(out, d)
		}
		return out, nil
	case from != "":
		start, err := domain.ParseDate(from)
		if err != nil {
			return nil, fmt.Errorf("invalid -from: %w", err)
		}
		end := util.Yesterday(now)
		if to != "" {
			if end, err = domain.ParseDate(to); err != nil {
				return nil, fmt.Errorf("invalid -to: %w", err)
			}
		}
		r := gather.DateRange{Start: start, End: end}
		if r.End.Before(r.Start) {
			return nil, fmt.Errorf("range end %s is before -from %s", domain.FormatDate(r.End), from)
		}
		return r.Dates(), nil
	default:
		return daily.LastNDays(now, days), nil
	}
}

func export(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	base := fs.String("name", "", "file base name (default: coingecko_markets_<today>)")
	xlsx := fs.Bool("xlsx", cfg.Export.XLSX, "write an xlsx workbook")
	parquet := fs.Bool("parquet", cfg.Export.Parquet, "write a parquet file")
	_ = fs.Parse(args)

	stores, err := app.OpenStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer stores.Close()

	exp := cfg.Export
	exp.XLSX, exp.Parquet = *xlsx, *parquet
	if *base == "" {
		*base = "coingecko_markets_" + domain.FormatDate(util.Today(time.Now()))
	}
	paths, err := app.Export(ctx, exp, stores.Rows, *base)
	for _, p := range paths {
		fmt.Println(p)
	}
	if err == nil && len(paths) == 0 {
		fmt.Println("no export format enabled")
	}
	return err
}

func stats(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	last := fs.Int("last", 7, "number of most recent dates to show")
	top := fs.Int("top", 5, "gainers and losers to list for the latest date")
	_ = fs.Parse(args)

	entities, err := app.LoadEntities(cfg.Storage)
	if err != nil {
		return err
	}
	stores, err := app.OpenStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer stores.Close()

	rows, err := stores.Rows.All(ctx)
	if err != nil {
		return err
	}
	cov := report.Coverage(rows, entities, *last)
	fmt.Printf("%s rows, %d tracked entities, store %s\n", report.FormatInt(len(rows)), len(entities), stores.Rows.Location())
	if len(cov) == 0 {
		return nil
	}
	fmt.Print(report.RenderCoverage(cov, len(entities)))
	gainers, losers := report.TopMovers(rows, cov[0].Date, *top)
	if len(gainers)+len(losers) > 0 {
		fmt.Print(report.RenderMovers(gainers, losers))
	}
	return nil
}

func queue(ctx context.Context, cfg *config.Config) error {
	stores, err := app.OpenStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer stores.Close()

	items, err := stores.Queue.ListPending(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d pending item(s) in %s\n", len(items), stores.Queue.Location())
	for _, it := range items {
		fmt.Printf("%-24s %s  attempts=%d  status=%s  first_seen=%s  %s\n",
			it.ID, domain.FormatDate(it.Date), it.Attempts, it.Status,
			it.FirstSeen.Format(time.RFC3339), report.Truncate(it.LastError, 60))
	}
	return nil
}

func status(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	def := ""
	if addr := cfg.Server.HTTPAddr(); addr != "" {
		def = "http://" + addr
	}
	addr := fs.String("addr", def, "daemon status URL")
	_ = fs.Parse(args)
	if *addr == "" {
		return fmt.Errorf("no -addr given and server.http_port is not set")
	}

	st, err := coinsnap.NewClient(*addr).GetStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("healthy=%t runs=%d up_since=%s\n", st.Healthy, st.Runs, st.Started.Format(time.RFC3339))
	if st.Next != nil {
		fmt.Printf("next run: %s\n", st.Next.Format(time.RFC3339))
	}
	if l := st.Last; l != nil {
		fmt.Printf("last run %s: %v queued=%d cleared=%d", l.RunID, l.Counts, l.Queued, l.Removed)
		if l.Error != "" {
			fmt.Printf(" error=%q", l.Error)
		}
		fmt.Println()
	}
	return nil
}

func splitIDs(s string) []string {
	var out []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
