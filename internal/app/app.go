// Package app wires configuration into the stores, market-data client and
// exporters shared by the coinsnap commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"coinsnap/internal/config"
	"coinsnap/internal/domain"
	"coinsnap/internal/gather/coingecko"
	"coinsnap/internal/gather/daily"
	"coinsnap/internal/store"
	"coinsnap/internal/util"
)

// DefaultConfigPath is read when COINSNAP_CONFIG is unset.
const DefaultConfigPath = "config/coinsnap.yaml"

// LoadConfig loads the file named by COINSNAP_CONFIG, or the default path.
// A missing default file yields the built-in defaults with environment
// overrides applied.
func LoadConfig() (*config.Config, error) {
	path := DefaultConfigPath
	explicit := false
	if p := os.Getenv("COINSNAP_CONFIG"); p != "" {
		path, explicit = p, true
	}
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.LoadDefaults()
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

// SetupLogging installs the configured logger as the slog default, tagged
// with the tool name. The closer flushes the log file.
func SetupLogging(cfg *config.Config, tool string) (*slog.Logger, io.Closer) {
	logger, closer := util.NewLogger(cfg.Logging.LogOptions())
	logger = logger.With("tool", tool)
	util.SetDefault(logger)
	return logger, closer
}

// Stores is the opened row store and retry queue.
type Stores struct {
	Rows  *store.RowStore
	Queue *store.RetryQueue

	closer io.Closer
}

// Close releases the backend.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// OpenStores opens the configured backend ("csv" or "sqlite") and loads
// the row store.
func OpenStores(ctx context.Context, cfg config.Storage) (*Stores, error) {
	var (
		rows   store.RowBackend
		queue  store.QueueBackend
		closer io.Closer
	)
	switch strings.ToLower(cfg.Backend) {
	case "", "csv":
		rows = store.NewCSVRows(cfg.RowsPath())
		queue = store.NewCSVQueue(cfg.QueuePath())
	case "sqlite":
		if dir := filepath.Dir(cfg.DBPath()); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, &domain.PersistenceError{Op: "mkdir", Path: dir, Err: err}
			}
		}
		sq, err := store.NewSQLiteStore(cfg.DBPath())
		if err != nil {
			return nil, err
		}
		rows, queue, closer = sq, sq, sq
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	rs, err := store.OpenRowStore(ctx, rows)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}
	return &Stores{Rows: rs, Queue: store.NewRetryQueue(queue, nil), closer: closer}, nil
}

// NewFetcher builds the CoinGecko client. Call it after SetupLogging so the
// client logs through the configured handler.
func NewFetcher(cfg config.CoinGecko) *coingecko.Client {
	return coingecko.New(coingecko.Options{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		VsCurrency: cfg.VsCurrency,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		BaseSleep:  cfg.BaseSleep,
	})
}

// LoadEntities reads the tracked universe.
func LoadEntities(cfg config.Storage) ([]domain.Entity, error) {
	entities, err := daily.LoadUniverse(cfg.Universe)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("universe %s lists no entities", cfg.Universe)
	}
	return entities, nil
}

// Exporters returns the enabled export formats.
func Exporters(cfg config.Export) []store.Exporter {
	var out []store.Exporter
	if cfg.Parquet {
		out = append(out, store.ParquetExporter{})
	}
	if cfg.XLSX {
		out = append(out, store.XLSXExporter{})
	}
	return out
}

// Export writes the full row set through the enabled formats into the
// export directory, uploading to S3 when a bucket is configured.
func Export(ctx context.Context, cfg config.Export, rows *store.RowStore, base string) ([]string, error) {
	exporters := Exporters(cfg)
	if len(exporters) == 0 {
		return nil, nil
	}
	all, err := rows.All(ctx)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, &domain.PersistenceError{Op: "mkdir", Path: cfg.Dir, Err: err}
	}

	var up store.Uploader
	if cfg.S3.Bucket != "" {
		s3up, err := store.NewS3Uploader(ctx, cfg.S3.S3Options())
		if err != nil {
			return nil, err
		}
		up = s3up
	}
	paths, err := store.ExportSnapshot(ctx, cfg.Dir, base, all, exporters, up)
	if err != nil {
		return paths, err
	}
	slog.Info("exported snapshot", "rows", len(all), "files", paths, "uploaded", up != nil)
	return paths, nil
}
