package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coinsnap/internal/api"
	"coinsnap/internal/app"
	"coinsnap/internal/config"
	"coinsnap/internal/domain"
	"coinsnap/internal/gather/daily"
	"coinsnap/internal/report"
	"coinsnap/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	every := flag.Duration("every", 0, "run repeatedly at this interval (default: retry.every, 0 runs once)")
	noRecompute := flag.Bool("no-recompute", false, "skip the returns recompute after filling rows")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger, closer := app.SetupLogging(cfg, "coinsnap-retry")
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stores, err := app.OpenStores(ctx, cfg.Storage)
	if err != nil {
		logger.Error("opening stores", "error", err)
		return 1
	}
	defer stores.Close()

	opts := daily.RetryOptions{
		HistoryDays:        cfg.Retry.HistoryDays,
		BufferDays:         cfg.Retry.BufferDays,
		RequestInterval:    cfg.Retry.RequestSleep,
		MaxSampleDistance:  cfg.Ingest.MaxSampleDistance,
		RecomputeAfterFill: cfg.Retry.RecomputeAfterFill && !*noRecompute,
	}
	worker := daily.NewRetryWorker(app.NewFetcher(cfg.CoinGecko), stores.Rows, stores.Queue, opts)

	interval := cfg.Retry.Every
	if *every > 0 {
		interval = *every
	}
	if interval <= 0 {
		sum, err := worker.RunOnce(ctx)
		_ = report.WriteSummary(os.Stdout, sum, report.SummaryOptions{})
		if err != nil {
			logger.Error("retry run failed", "error", err)
			return 1
		}
		return 0
	}
	return daemon(ctx, cfg, worker, stores.Rows, interval)
}

// daemon runs the worker every interval until ctx is cancelled, serving
// health and status when listeners are configured.
func daemon(ctx context.Context, cfg *config.Config, worker *daily.RetryWorker, rows *store.RowStore, interval time.Duration) int {
	status := api.NewStatus(time.Now().UTC())

	srvErr := make(chan error, 1)
	if cfg.Server.GRPCAddr() != "" || cfg.Server.HTTPAddr() != "" {
		srv := api.NewServer(status, cfg.Server.GRPCAddr(), cfg.Server.HTTPAddr())
		go func() { srvErr <- srv.ListenAndServe(ctx) }()
	}

	slog.Info("retry daemon started", "every", interval, "rows", rows.Len())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sum, err := worker.RunOnce(ctx)
		status.Record(sum, err)
		status.SetNext(time.Now().UTC().Add(interval))
		if err != nil && ctx.Err() == nil {
			slog.Error("retry run failed", "error", err)
			if domain.IsFatal(err) {
				return 1
			}
		}
		if sum != nil && len(sum.Results) > 0 {
			_ = report.WriteSummary(os.Stdout, sum, report.SummaryOptions{FailuresOnly: true})
		}

		select {
		case <-ctx.Done():
			slog.Info("retry daemon stopping")
			return 0
		case err := <-srvErr:
			if err != nil {
				slog.Error("status server stopped", "error", err)
				return 1
			}
		case <-ticker.C:
		}
	}
}
