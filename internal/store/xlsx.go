package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"coinsnap/internal/domain"
)

// Compile-time interface check.
var _ Exporter = (*XLSXExporter)(nil)

// XLSXSheet is the worksheet name used by XLSXExporter.
const XLSXSheet = "markets"

// XLSXExporter writes row snapshots as a single-sheet Excel workbook with the
// same columns as the CSV row file.
type XLSXExporter struct{}

// Ext returns the file extension.
func (XLSXExporter) Ext() string { return ".xlsx" }

// Export writes rows to path, replacing any existing file atomically.
func (XLSXExporter) Export(_ context.Context, path string, rows []domain.MarketRow) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", XLSXSheet); err != nil {
		return &domain.PersistenceError{Op: "xlsx sheet", Path: path, Err: err}
	}

	header := make([]any, len(RowColumns))
	for i, c := range RowColumns {
		header[i] = c
	}
	if err := f.SetSheetRow(XLSXSheet, "A1", &header); err != nil {
		return &domain.PersistenceError{Op: "xlsx header", Path: path, Err: err}
	}

	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return &domain.PersistenceError{Op: "xlsx row", Path: path, Err: err}
		}
		values := []any{
			r.ID, r.Symbol, r.Name, domain.FormatDate(r.Date),
			r.Price, r.MarketCap, r.Volume,
			optionalCell(r.Return1D), optionalCell(r.Return7D), optionalCell(r.Return30D),
			formatTime(r.PipelineRun),
		}
		if err := f.SetSheetRow(XLSXSheet, cell, &values); err != nil {
			return &domain.PersistenceError{Op: "xlsx row", Path: path, Err: err}
		}
	}
	if err := f.SetPanes(XLSXSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return &domain.PersistenceError{Op: "xlsx panes", Path: path, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &domain.PersistenceError{Op: "mkdir", Path: path, Err: err}
	}
	tmp := path + ".tmp.xlsx"
	if err := f.SaveAs(tmp); err != nil {
		os.Remove(tmp)
		return &domain.PersistenceError{Op: "write xlsx", Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &domain.PersistenceError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// optionalCell leaves the cell blank for an absent return.
func optionalCell(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
