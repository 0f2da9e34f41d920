package store

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"coinsnap/internal/domain"
)

// Compile-time interface check.
var _ Exporter = (*ParquetExporter)(nil)

// ParquetExporter writes row snapshots as Parquet files.
type ParquetExporter struct{}

// Ext returns the file extension.
func (ParquetExporter) Ext() string { return ".parquet" }

// ---------------------------------------------------------------------------
// Parquet record type (on-disk schema)
// ---------------------------------------------------------------------------

// SnapshotRecord is the Parquet schema of one market row.
type SnapshotRecord struct {
	ID          string   `parquet:"id"`
	Symbol      string   `parquet:"symbol"`
	Name        string   `parquet:"name"`
	Date        string   `parquet:"date"`
	Price       float64  `parquet:"current_price"`
	MarketCap   float64  `parquet:"market_cap"`
	Volume      float64  `parquet:"total_volume"`
	Return1D    *float64 `parquet:"return_1d,optional"`
	Return7D    *float64 `parquet:"return_7d,optional"`
	Return30D   *float64 `parquet:"return_30d,optional"`
	PipelineRun int64    `parquet:"last_pipeline_run_utc,timestamp(millisecond)"` // Unix ms
}

func toSnapshotRecord(r domain.MarketRow) SnapshotRecord {
	rec := SnapshotRecord{
		ID:        r.ID,
		Symbol:    r.Symbol,
		Name:      r.Name,
		Date:      domain.FormatDate(r.Date),
		Price:     r.Price,
		MarketCap: r.MarketCap,
		Volume:    r.Volume,
		Return1D:  r.Return1D,
		Return7D:  r.Return7D,
		Return30D: r.Return30D,
	}
	if !r.PipelineRun.IsZero() {
		rec.PipelineRun = r.PipelineRun.UnixMilli()
	}
	return rec
}

func (rec SnapshotRecord) toRow() (domain.MarketRow, error) {
	date, err := domain.ParseDate(rec.Date)
	if err != nil {
		return domain.MarketRow{}, err
	}
	row := domain.MarketRow{
		ID:        rec.ID,
		Symbol:    rec.Symbol,
		Name:      rec.Name,
		Date:      date,
		Price:     rec.Price,
		MarketCap: rec.MarketCap,
		Volume:    rec.Volume,
		Return1D:  rec.Return1D,
		Return7D:  rec.Return7D,
		Return30D: rec.Return30D,
	}
	if rec.PipelineRun != 0 {
		row.PipelineRun = time.UnixMilli(rec.PipelineRun).UTC()
	}
	return row, nil
}

// Export writes rows to path, replacing any existing file atomically.
func (ParquetExporter) Export(_ context.Context, path string, rows []domain.MarketRow) error {
	records := make([]SnapshotRecord, len(rows))
	for i, r := range rows {
		records[i] = toSnapshotRecord(r)
	}

	tmp := path + ".tmp"
	if err := writeParquetFile(tmp, records); err != nil {
		os.Remove(tmp)
		return &domain.PersistenceError{Op: "write parquet", Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &domain.PersistenceError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// ReadSnapshot loads rows from a Parquet file written by Export.
func ReadSnapshot(path string) ([]domain.MarketRow, error) {
	records, err := readParquetFile[SnapshotRecord](path)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "read parquet", Path: path, Err: err}
	}
	rows := make([]domain.MarketRow, 0, len(records))
	for _, rec := range records {
		row, err := rec.toRow()
		if err != nil {
			return nil, &domain.PersistenceError{Op: "decode parquet", Path: path, Err: err}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
