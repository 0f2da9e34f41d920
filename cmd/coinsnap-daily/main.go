package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"coinsnap/internal/app"
	"coinsnap/internal/domain"
	"coinsnap/internal/gather/daily"
	"coinsnap/internal/report"
)

func main() {
	os.Exit(run())
}

func run() int {
	date := flag.String("date", "", "target date YYYY-MM-DD (default: today, UTC)")
	ids := flag.String("ids", "", "comma-separated entity ids to restrict the run to")
	export := flag.Bool("export", false, "export the snapshot after the run even if export.after_daily is off")
	quiet := flag.Bool("quiet", false, "only list failures in the summary table")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger, closer := app.SetupLogging(cfg, "coinsnap-daily")
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	entities, err := app.LoadEntities(cfg.Storage)
	if err != nil {
		logger.Error("loading universe", "error", err)
		return 1
	}
	if *ids != "" {
		var unknown []string
		entities, unknown = daily.FilterEntities(entities, splitIDs(*ids))
		if len(unknown) > 0 {
			logger.Warn("ids not in universe, skipped", "ids", unknown)
		}
	}

	stores, err := app.OpenStores(ctx, cfg.Storage)
	if err != nil {
		logger.Error("opening stores", "error", err)
		return 1
	}
	defer stores.Close()

	opts := daily.Options{
		HistoryDays:       cfg.Ingest.HistoryDays,
		RequestInterval:   cfg.Ingest.RequestSleep,
		SecondPassSleep:   cfg.Ingest.SecondPassSleep,
		MaxSampleDistance: cfg.Ingest.MaxSampleDistance,
	}
	if *date != "" {
		opts.Target, err = domain.ParseDate(*date)
		if err != nil {
			logger.Error("invalid -date", "value", *date, "error", err)
			return 1
		}
	}

	orch := daily.NewOrchestrator(app.NewFetcher(cfg.CoinGecko), stores.Rows, stores.Queue, entities, opts)
	runErr := orch.Run(ctx)
	sum := orch.Summary()
	if runErr != nil {
		logger.Error("daily run failed", "error", runErr)
	}
	_ = report.WriteSummary(os.Stdout, sum, report.SummaryOptions{FailuresOnly: *quiet})

	code := daily.ExitCode(sum, runErr)
	if code == 0 && (cfg.Export.AfterDaily || *export) {
		base := "coingecko_markets"
		if sum != nil {
			base += "_" + domain.FormatDate(sum.Target)
		}
		if _, err := app.Export(ctx, cfg.Export, stores.Rows, base); err != nil {
			// The rows are already durable; a failed export does not fail the run.
			slog.Error("export failed", "error", err)
		}
	}
	return code
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
