package store

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"coinsnap/internal/domain"
)

// Compile-time interface checks.
var _ RowBackend = (*CSVRows)(nil)
var _ QueueBackend = (*CSVQueue)(nil)

// ---------------------------------------------------------------------------
// Column layouts
// ---------------------------------------------------------------------------

// RowColumns is the on-disk header of the row file.
var RowColumns = []string{
	"id", "symbol", "name", "date",
	"current_price", "market_cap", "total_volume",
	"return_1d", "return_7d", "return_30d",
	"last_pipeline_run_utc",
}

// QueueColumns is the on-disk header of the queue file.
var QueueColumns = []string{
	"id", "symbol", "name", "date",
	"attempts", "last_error", "status",
	"first_seen_utc", "last_attempt_utc",
}

var (
	requiredRowColumns   = []string{"id", "date", "current_price"}
	requiredQueueColumns = []string{"id", "date"}
)

// Older files named the returns after the market-data API's fields.
var columnAliases = map[string]string{
	"price_change_percentage_24h_in_currency": "return_1d",
	"price_change_percentage_7d_in_currency":  "return_7d",
	"price_change_percentage_30d_in_currency": "return_30d",
}

// ---------------------------------------------------------------------------
// CSVRows
// ---------------------------------------------------------------------------

// CSVRows stores market rows in a single CSV file. Appends open the file in
// append mode; replacements go through a temp file and rename.
type CSVRows struct {
	Path string
}

// NewCSVRows returns a row backend for the CSV file at path.
func NewCSVRows(path string) *CSVRows { return &CSVRows{Path: path} }

// Location returns the file path.
func (c *CSVRows) Location() string { return c.Path }

// LoadRows reads every row. A missing or empty file yields no rows.
func (c *CSVRows) LoadRows(_ context.Context) ([]domain.MarketRow, error) {
	records, cols, err := readCSV(c.Path, requiredRowColumns)
	if err != nil || records == nil {
		return nil, err
	}

	rows := make([]domain.MarketRow, 0, len(records))
	for i, rec := range records {
		row, err := decodeRow(rec, cols)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "decode", Path: fmt.Sprintf("%s:%d", c.Path, i+2), Err: err}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// AppendRow appends one record, writing the header first if the file is new.
func (c *CSVRows) AppendRow(_ context.Context, row domain.MarketRow) error {
	return appendCSV(c.Path, RowColumns, encodeRow(row))
}

// ReplaceRows rewrites the file atomically.
func (c *CSVRows) ReplaceRows(_ context.Context, rows []domain.MarketRow) error {
	records := make([][]string, len(rows))
	for i, r := range rows {
		records[i] = encodeRow(r)
	}
	return replaceCSV(c.Path, RowColumns, records)
}

func encodeRow(r domain.MarketRow) []string {
	return []string{
		r.ID, r.Symbol, r.Name, domain.FormatDate(r.Date),
		formatFloat(r.Price), formatFloat(r.MarketCap), formatFloat(r.Volume),
		formatOptional(r.Return1D), formatOptional(r.Return7D), formatOptional(r.Return30D),
		formatTime(r.PipelineRun),
	}
}

func decodeRow(rec []string, cols columnIndex) (domain.MarketRow, error) {
	var (
		row domain.MarketRow
		err error
	)
	row.ID = cols.get(rec, "id")
	row.Symbol = cols.get(rec, "symbol")
	row.Name = cols.get(rec, "name")
	if row.Date, err = domain.ParseDate(cols.get(rec, "date")); err != nil {
		return row, fmt.Errorf("date: %w", err)
	}
	if row.Price, err = parseFloat(cols.get(rec, "current_price")); err != nil {
		return row, fmt.Errorf("current_price: %w", err)
	}
	if row.MarketCap, err = parseFloat(cols.get(rec, "market_cap")); err != nil {
		return row, fmt.Errorf("market_cap: %w", err)
	}
	if row.Volume, err = parseFloat(cols.get(rec, "total_volume")); err != nil {
		return row, fmt.Errorf("total_volume: %w", err)
	}
	if row.Return1D, err = parseOptional(cols.get(rec, "return_1d")); err != nil {
		return row, fmt.Errorf("return_1d: %w", err)
	}
	if row.Return7D, err = parseOptional(cols.get(rec, "return_7d")); err != nil {
		return row, fmt.Errorf("return_7d: %w", err)
	}
	if row.Return30D, err = parseOptional(cols.get(rec, "return_30d")); err != nil {
		return row, fmt.Errorf("return_30d: %w", err)
	}
	row.PipelineRun = parseTime(cols.get(rec, "last_pipeline_run_utc"))
	return row, nil
}

// ---------------------------------------------------------------------------
// CSVQueue
// ---------------------------------------------------------------------------

// CSVQueue stores retry queue items in a CSV file. Every change rewrites the
// file atomically.
type CSVQueue struct {
	Path string
}

// NewCSVQueue returns a queue backend for the CSV file at path.
func NewCSVQueue(path string) *CSVQueue { return &CSVQueue{Path: path} }

// Location returns the file path.
func (c *CSVQueue) Location() string { return c.Path }

// LoadQueue reads every item. A missing or empty file yields no items.
func (c *CSVQueue) LoadQueue(_ context.Context) ([]domain.QueueItem, error) {
	records, cols, err := readCSV(c.Path, requiredQueueColumns)
	if err != nil || records == nil {
		return nil, err
	}

	items := make([]domain.QueueItem, 0, len(records))
	for i, rec := range records {
		it, err := decodeQueueItem(rec, cols)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "decode", Path: fmt.Sprintf("%s:%d", c.Path, i+2), Err: err}
		}
		items = append(items, it)
	}
	return items, nil
}

// ReplaceQueue rewrites the file atomically.
func (c *CSVQueue) ReplaceQueue(_ context.Context, items []domain.QueueItem) error {
	records := make([][]string, len(items))
	for i, it := range items {
		records[i] = []string{
			it.ID, it.Symbol, it.Name, domain.FormatDate(it.Date),
			strconv.Itoa(it.Attempts), it.LastError, string(it.Status),
			formatTime(it.FirstSeen), formatTime(it.LastAttempt),
		}
	}
	return replaceCSV(c.Path, QueueColumns, records)
}

func decodeQueueItem(rec []string, cols columnIndex) (domain.QueueItem, error) {
	var (
		it  domain.QueueItem
		err error
	)
	it.ID = cols.get(rec, "id")
	it.Symbol = cols.get(rec, "symbol")
	it.Name = cols.get(rec, "name")
	if it.Date, err = domain.ParseDate(cols.get(rec, "date")); err != nil {
		return it, fmt.Errorf("date: %w", err)
	}
	if s := cols.get(rec, "attempts"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return it, fmt.Errorf("attempts: %w", err)
		}
		it.Attempts = int(f)
	}
	it.LastError = cols.get(rec, "last_error")
	it.Status = domain.QueueStatus(cols.get(rec, "status"))
	if it.Status == "" {
		it.Status = domain.QueueStatusQueued
	}
	it.FirstSeen = parseTime(cols.get(rec, "first_seen_utc"))
	it.LastAttempt = parseTime(cols.get(rec, "last_attempt_utc"))
	return it, nil
}

// ---------------------------------------------------------------------------
// CSV file helpers
// ---------------------------------------------------------------------------

// columnIndex maps a column name to its position in the file's header.
type columnIndex map[string]int

func (c columnIndex) get(rec []string, name string) string {
	i, ok := c[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// canonicalColumn normalises a header cell: BOM and spaces trimmed, legacy
// names mapped to current ones.
func canonicalColumn(name string) string {
	name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
	if alias, ok := columnAliases[name]; ok {
		return alias
	}
	return name
}

// readCSV returns the data records and the header index. Records is nil
// when the file does not exist or has no header. An unterminated last line
// left by an interrupted append is kept only if it has every column.
func readCSV(path string, required []string) ([][]string, columnIndex, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, &domain.PersistenceError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, &domain.PersistenceError{Op: "stat", Path: path, Err: err}
	}
	body, tail, err := splitTail(f, info.Size())
	if err != nil {
		return nil, nil, &domain.PersistenceError{Op: "read", Path: path, Err: err}
	}

	r := csv.NewReader(io.NewSectionReader(f, 0, body))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, &domain.PersistenceError{Op: "read", Path: path, Err: err}
	}

	cols := make(columnIndex, len(header))
	for i, raw := range header {
		name := canonicalColumn(raw)
		isAlias := name != strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))
		if _, seen := cols[name]; seen && isAlias {
			continue
		}
		cols[name] = i
	}

	var missing []string
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, nil, &domain.SchemaError{Source: path, Missing: missing}
	}

	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, &domain.PersistenceError{Op: "read", Path: path, Err: err}
	}
	if records == nil {
		records = [][]string{}
	}
	if rec := completeRecord(tail, len(header)); rec != nil {
		records = append(records, rec)
	}
	return records, cols, nil
}

// splitTail returns the offset just past the last newline in f and the
// bytes after it. The tail is empty when the file ends with a newline.
func splitTail(f *os.File, size int64) (int64, []byte, error) {
	const chunk = 4096
	var tail []byte
	for end := size; end > 0; {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		buf := make([]byte, end-start)
		if _, err := f.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, nil, err
		}
		if i := bytes.LastIndexByte(buf, '\n'); i >= 0 {
			return start + int64(i) + 1, append(buf[i+1:], tail...), nil
		}
		tail = append(buf, tail...)
		end = start
	}
	return 0, tail, nil
}

// completeRecord parses an unterminated tail and returns it when it holds
// exactly fields values, nil otherwise.
func completeRecord(tail []byte, fields int) []string {
	if len(bytes.TrimSpace(tail)) == 0 {
		return nil
	}
	r := csv.NewReader(bytes.NewReader(tail))
	r.FieldsPerRecord = -1
	rec, err := r.Read()
	if err != nil || len(rec) != fields {
		return nil
	}
	return rec
}

// appendCSV appends one record to path, writing header first when the file
// is new or empty. The record is given in header order and is rewritten in
// the existing file's column order. A torn last line from an interrupted
// append is cut off first; a complete but unterminated one gets its newline.
// The file is synced before returning.
func appendCSV(path string, header, record []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &domain.PersistenceError{Op: "mkdir", Path: path, Err: err}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return &domain.PersistenceError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	fileHeader, err := prepareAppend(f)
	if err != nil {
		return &domain.PersistenceError{Op: "append", Path: path, Err: err}
	}

	w := csv.NewWriter(f)
	if fileHeader == nil {
		if err := w.Write(header); err != nil {
			return &domain.PersistenceError{Op: "append", Path: path, Err: err}
		}
	} else {
		record = alignRecord(fileHeader, header, record)
	}
	if err := w.Write(record); err != nil {
		return &domain.PersistenceError{Op: "append", Path: path, Err: err}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return &domain.PersistenceError{Op: "append", Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &domain.PersistenceError{Op: "sync", Path: path, Err: err}
	}
	return nil
}

// prepareAppend repairs the end of f and leaves the offset at the end. It
// returns the file's header, or nil when the file has no complete header.
func prepareAppend(f *os.File) ([]string, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	body, tail, err := splitTail(f, info.Size())
	if err != nil {
		return nil, err
	}
	if body == 0 {
		// No complete line, not even the header.
		if err := f.Truncate(0); err != nil {
			return nil, err
		}
		_, err := f.Seek(0, io.SeekStart)
		return nil, err
	}

	r := csv.NewReader(io.NewSectionReader(f, 0, body))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, err
	}

	switch {
	case len(tail) == 0:
	case completeRecord(tail, len(header)) != nil:
		if _, err := f.WriteAt([]byte("\n"), info.Size()); err != nil {
			return nil, err
		}
	default:
		if err := f.Truncate(body); err != nil {
			return nil, err
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return header, nil
}

// alignRecord reorders record, given in header order, into fileHeader's
// order. Columns the file lacks are dropped; columns only the file has are
// left blank.
func alignRecord(fileHeader, header, record []string) []string {
	same := len(fileHeader) == len(header)
	for i := 0; same && i < len(header); i++ {
		same = canonicalColumn(fileHeader[i]) == header[i]
	}
	if same {
		return record
	}

	pos := make(map[string]int, len(header))
	for i, name := range header {
		pos[name] = i
	}
	out := make([]string, len(fileHeader))
	for i, name := range fileHeader {
		if j, ok := pos[canonicalColumn(name)]; ok {
			out[i] = record[j]
		}
	}
	return out
}

// replaceCSV writes header and records to a temp file in the target's
// directory and renames it over path.
func replaceCSV(path string, header []string, records [][]string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &domain.PersistenceError{Op: "mkdir", Path: path, Err: err}
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &domain.PersistenceError{Op: "create", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := csv.NewWriter(tmp)
	err = w.Write(header)
	if err == nil {
		err = w.WriteAll(records)
	}
	if err != nil {
		tmp.Close()
		return &domain.PersistenceError{Op: "write", Path: tmpName, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &domain.PersistenceError{Op: "sync", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &domain.PersistenceError{Op: "close", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &domain.PersistenceError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseOptional(s string) (*float64, error) {
	if s == "" || strings.EqualFold(s, "nan") {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// parseTime accepts RFC 3339 with or without fractional seconds and returns
// the zero time for empty or unparseable values.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
