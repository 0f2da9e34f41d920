package store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xuri/excelize/v2"

	"coinsnap/internal/domain"
)

func date(s string) time.Time {
	d, err := domain.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func f64(v float64) *float64 { return &v }

func sampleRow(id, d string, price float64) domain.MarketRow {
	return domain.MarketRow{
		ID:          id,
		Symbol:      strings.ToUpper(id[:3]),
		Name:        id,
		Date:        date(d),
		Price:       price,
		MarketCap:   price * 1000,
		Volume:      price * 10,
		PipelineRun: time.Date(2025, 12, 6, 0, 10, 2, 0, time.UTC),
	}
}

// backends returns a fresh CSV and SQLite backend pair rooted in a temp dir.
func backends(t *testing.T) map[string]struct {
	rows  RowBackend
	queue QueueBackend
} {
	t.Helper()
	dir := t.TempDir()

	sq, err := NewSQLiteStore(filepath.Join(dir, "coinsnap.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sq.Close() })

	return map[string]struct {
		rows  RowBackend
		queue QueueBackend
	}{
		"csv":    {NewCSVRows(filepath.Join(dir, "rows.csv")), NewCSVQueue(filepath.Join(dir, "queue.csv"))},
		"sqlite": {sq, sq},
	}
}

// ---------------------------------------------------------------------------
// RowStore
// ---------------------------------------------------------------------------

func TestRowStoreAppendAndReload(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rs, err := OpenRowStore(ctx, b.rows)
			if err != nil {
				t.Fatalf("OpenRowStore: %v", err)
			}
			if rs.Len() != 0 {
				t.Fatalf("new store has %d rows", rs.Len())
			}

			r1 := sampleRow("bitcoin", "2025-12-04", 100)
			r2 := sampleRow("bitcoin", "2025-12-05", 110)
			r2.Return1D = f64(10)
			for _, r := range []domain.MarketRow{r1, r2} {
				if err := rs.Append(ctx, r); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			if !rs.Exists("bitcoin", date("2025-12-05")) {
				t.Error("Exists after Append = false")
			}
			if p, ok := rs.Prices().Lookup("bitcoin", date("2025-12-04")); !ok || p != 100 {
				t.Errorf("price index = %v,%v want 100,true", p, ok)
			}

			err = rs.Append(ctx, r1)
			if !errors.Is(err, ErrKeyExists) {
				t.Fatalf("duplicate Append err = %v, want ErrKeyExists", err)
			}

			reopened, err := OpenRowStore(ctx, b.rows)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			if reopened.Len() != 2 {
				t.Fatalf("reopened Len = %d, want 2", reopened.Len())
			}
			all, err := reopened.All(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if all[1].Return1D == nil || *all[1].Return1D != 10 {
				t.Errorf("return_1d after reload = %v, want 10", all[1].Return1D)
			}
			if all[0].Return1D != nil {
				t.Errorf("absent return_1d reloaded as %v", *all[0].Return1D)
			}
			if !all[0].PipelineRun.Equal(r1.PipelineRun) {
				t.Errorf("pipeline run = %v, want %v", all[0].PipelineRun, r1.PipelineRun)
			}
		})
	}
}

func TestRowStoreReloadSeesOtherWriters(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			long, err := OpenRowStore(ctx, b.rows)
			if err != nil {
				t.Fatal(err)
			}
			other, err := OpenRowStore(ctx, b.rows)
			if err != nil {
				t.Fatal(err)
			}
			if err := other.Append(ctx, sampleRow("bitcoin", "2025-12-05", 110)); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if long.Exists("bitcoin", date("2025-12-05")) {
				t.Fatal("stale store saw the row before Reload")
			}

			if err := long.Reload(ctx); err != nil {
				t.Fatalf("Reload: %v", err)
			}
			if !long.Exists("bitcoin", date("2025-12-05")) {
				t.Error("Exists after Reload = false")
			}
			if p, ok := long.Prices().Lookup("bitcoin", date("2025-12-05")); !ok || p != 110 {
				t.Errorf("price index = %v,%v want 110,true", p, ok)
			}
			if long.Len() != 1 {
				t.Errorf("Len = %d, want 1", long.Len())
			}
			err = long.Append(ctx, sampleRow("bitcoin", "2025-12-05", 111))
			if !errors.Is(err, ErrKeyExists) {
				t.Fatalf("Append after Reload err = %v, want ErrKeyExists", err)
			}
		})
	}
}

func TestRowStoreRewriteDeduplicated(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rs, err := OpenRowStore(ctx, b.rows)
			if err != nil {
				t.Fatal(err)
			}
			in := []domain.MarketRow{
				sampleRow("solana", "2025-12-05", 1),
				sampleRow("bitcoin", "2025-12-05", 2),
				sampleRow("solana", "2025-12-05", 3), // later duplicate wins
				sampleRow("bitcoin", "2025-12-04", 4),
			}
			dropped, err := rs.RewriteDeduplicated(ctx, in)
			if err != nil {
				t.Fatalf("RewriteDeduplicated: %v", err)
			}
			if dropped != 1 {
				t.Errorf("dropped = %d, want 1", dropped)
			}

			all, err := rs.All(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 3 {
				t.Fatalf("rows = %d, want 3", len(all))
			}
			want := []string{"bitcoin@2025-12-04", "bitcoin@2025-12-05", "solana@2025-12-05"}
			for i, w := range want {
				if got := all[i].Key().String(); got != w {
					t.Errorf("row %d = %s, want %s", i, got, w)
				}
			}
			if all[2].Price != 3 {
				t.Errorf("solana price = %v, want 3 (last wins)", all[2].Price)
			}
			if rs.Len() != 3 {
				t.Errorf("Len after rewrite = %d, want 3", rs.Len())
			}
		})
	}
}

// ---------------------------------------------------------------------------
// RetryQueue
// ---------------------------------------------------------------------------

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Minute)
	return c.t
}

func TestRetryQueueUpsertKeepsFirstSeen(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := &stepClock{t: time.Date(2025, 12, 6, 0, 0, 0, 0, time.UTC)}
			q := NewRetryQueue(b.queue, clock.now)

			item := domain.QueueItem{ID: "solana", Symbol: "SOL", Name: "Solana", Date: date("2025-12-05"),
				Attempts: 1, LastError: "HTTP 429", Status: domain.QueueStatusError}
			if err := q.UpsertMany(ctx, []domain.QueueItem{item}); err != nil {
				t.Fatalf("UpsertMany: %v", err)
			}
			first, err := q.ListPending(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(first) != 1 || first[0].FirstSeen.IsZero() {
				t.Fatalf("after first upsert: %+v", first)
			}

			item.Attempts = 2
			item.LastError = "HTTP 500"
			if err := q.UpsertMany(ctx, []domain.QueueItem{item}); err != nil {
				t.Fatal(err)
			}
			second, err := q.ListPending(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(second) != 1 {
				t.Fatalf("queue has %d items, want 1 per key", len(second))
			}
			got := second[0]
			if !got.FirstSeen.Equal(first[0].FirstSeen) {
				t.Errorf("first_seen changed: %v -> %v", first[0].FirstSeen, got.FirstSeen)
			}
			if got.Attempts != 2 || got.LastError != "HTTP 500" {
				t.Errorf("item not updated: %+v", got)
			}
		})
	}
}

func TestRetryQueueRemoveAndOrder(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := &stepClock{t: time.Date(2025, 12, 6, 0, 0, 0, 0, time.UTC)}
			q := NewRetryQueue(b.queue, clock.now)

			for _, id := range []string{"c-coin", "a-coin", "b-coin"} {
				err := q.UpsertMany(ctx, []domain.QueueItem{{ID: id, Date: date("2025-12-05")}})
				if err != nil {
					t.Fatal(err)
				}
			}

			items, err := q.ListPending(ctx)
			if err != nil {
				t.Fatal(err)
			}
			var ids []string
			for _, it := range items {
				ids = append(ids, it.ID)
				if it.Status != domain.QueueStatusQueued {
					t.Errorf("%s status = %q, want queued", it.ID, it.Status)
				}
			}
			if strings.Join(ids, ",") != "c-coin,a-coin,b-coin" {
				t.Errorf("pending order = %v, want first-seen order", ids)
			}

			n, err := q.Remove(ctx, []domain.Key{{ID: "a-coin", Date: "2025-12-05"}, {ID: "zzz", Date: "2025-12-05"}})
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Errorf("removed = %d, want 1", n)
			}
			items, _ = q.ListPending(ctx)
			if len(items) != 2 {
				t.Errorf("remaining = %d, want 2", len(items))
			}
		})
	}
}

func TestSortPendingFallback(t *testing.T) {
	seen := time.Date(2025, 12, 6, 1, 0, 0, 0, time.UTC)
	items := []domain.QueueItem{
		{ID: "b", Date: date("2025-12-02")},
		{ID: "a", Date: date("2025-12-02")},
		{ID: "z", Date: date("2025-12-09"), FirstSeen: seen},
		{ID: "c", Date: date("2025-12-01")},
	}
	SortPending(items)
	var got []string
	for _, it := range items {
		got = append(got, it.ID)
	}
	if strings.Join(got, ",") != "z,c,a,b" {
		t.Errorf("order = %v, want z,c,a,b", got)
	}
}

func TestMergeQueueWithinBatch(t *testing.T) {
	now := time.Date(2025, 12, 6, 0, 0, 0, 0, time.UTC)
	early := now.Add(-48 * time.Hour)
	existing := []domain.QueueItem{{ID: "x", Date: date("2025-12-01"), FirstSeen: early, Attempts: 1}}
	incoming := []domain.QueueItem{
		{ID: "x", Date: date("2025-12-01"), Attempts: 2},
		{ID: "y", Date: date("2025-12-01")},
		{ID: "y", Date: date("2025-12-01"), Attempts: 3},
	}
	out := MergeQueue(existing, incoming, now)
	if len(out) != 2 {
		t.Fatalf("merged = %d items, want 2", len(out))
	}
	if !out[0].FirstSeen.Equal(early) || out[0].Attempts != 2 {
		t.Errorf("x = %+v", out[0])
	}
	if !out[1].FirstSeen.Equal(now) || out[1].Attempts != 3 {
		t.Errorf("y = %+v", out[1])
	}
}

// ---------------------------------------------------------------------------
// CSV specifics
// ---------------------------------------------------------------------------

func TestCSVRowsHeaderWrittenOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sub", "rows.csv")
	b := NewCSVRows(path)
	for _, d := range []string{"2025-12-01", "2025-12-02"} {
		if err := b.AppendRow(ctx, sampleRow("bitcoin", d, 1)); err != nil {
			t.Fatal(err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want header + 2", len(lines))
	}
	if lines[0] != strings.Join(RowColumns, ",") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], ",2025-12-01,") {
		t.Errorf("date column should be a plain date: %q", lines[1])
	}
}

func TestCSVSchemaError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.csv")
	if err := os.WriteFile(path, []byte("id,symbol,name\nbitcoin,btc,Bitcoin\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewCSVRows(path).LoadRows(context.Background())
	var se *domain.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want SchemaError", err)
	}
	if strings.Join(se.Missing, ",") != "date,current_price" {
		t.Errorf("missing = %v", se.Missing)
	}
	if !domain.IsFatal(err) {
		t.Error("schema error should be fatal")
	}
}

func TestCSVLegacyReturnColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.csv")
	content := "id,symbol,name,date,current_price,market_cap,total_volume," +
		"price_change_percentage_24h_in_currency,price_change_percentage_7d_in_currency," +
		"price_change_percentage_30d_in_currency,last_pipeline_run_utc\n" +
		"bitcoin,btc,Bitcoin,2025-12-05,100,1,1,1.5,,NaN,2025-12-06T00:10:02.123456+00:00\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	rows, err := NewCSVRows(path).LoadRows(context.Background())
	if err != nil {
		t.Fatalf("LoadRows: %v", err)
	}
	r := rows[0]
	if r.Return1D == nil || *r.Return1D != 1.5 {
		t.Errorf("return_1d = %v, want 1.5", r.Return1D)
	}
	if r.Return7D != nil || r.Return30D != nil {
		t.Error("blank and NaN returns should load as absent")
	}
	if r.PipelineRun.IsZero() {
		t.Error("fractional-second timestamp should parse")
	}
}

func TestCSVAppendAfterTornLine(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rows.csv")
	b := NewCSVRows(path)
	if err := b.AppendRow(ctx, sampleRow("bitcoin", "2025-12-04", 100)); err != nil {
		t.Fatal(err)
	}
	// An append cut short mid-record.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("bitcoin,BIT,bitcoin,2025-12-05,11"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	rows, err := b.LoadRows(ctx)
	if err != nil {
		t.Fatalf("LoadRows with torn tail: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}

	if err := b.AppendRow(ctx, sampleRow("bitcoin", "2025-12-06", 120)); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}
	rows, err = b.LoadRows(ctx)
	if err != nil {
		t.Fatalf("LoadRows after append: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if got := domain.FormatDate(rows[1].Date); got != "2025-12-06" || rows[1].Price != 120 {
		t.Errorf("appended row = %s %v, want 2025-12-06 120", got, rows[1].Price)
	}
}

func TestCSVAppendTerminatesCompleteLine(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rows.csv")
	content := strings.Join(RowColumns, ",") + "\n" +
		"bitcoin,btc,Bitcoin,2025-12-04,100,1,1,,,,"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	b := NewCSVRows(path)
	rows, err := b.LoadRows(ctx)
	if err != nil || len(rows) != 1 {
		t.Fatalf("unterminated complete row: rows=%d err=%v", len(rows), err)
	}
	if err := b.AppendRow(ctx, sampleRow("bitcoin", "2025-12-05", 110)); err != nil {
		t.Fatal(err)
	}
	rows, err = b.LoadRows(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Price != 100 || rows[1].Price != 110 {
		t.Errorf("rows = %+v", rows)
	}
}

func TestCSVAppendFollowsFileColumnOrder(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rows.csv")
	header := "date,id,current_price,price_change_percentage_24h_in_currency,symbol,name"
	content := header + "\n" + "2025-12-04,bitcoin,100,,btc,Bitcoin\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	b := NewCSVRows(path)
	r := sampleRow("bitcoin", "2025-12-05", 110)
	r.Return1D = f64(10)
	if err := b.AppendRow(ctx, r); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if lines[0] != header {
		t.Errorf("header rewritten: %q", lines[0])
	}
	if want := "2025-12-05,bitcoin,110,10,BIT,bitcoin"; lines[2] != want {
		t.Errorf("appended line = %q, want %q", lines[2], want)
	}

	rows, err := b.LoadRows(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[1].Price != 110 || rows[1].Return1D == nil || *rows[1].Return1D != 10 {
		t.Errorf("appended row decoded as %+v", rows[1])
	}
}

func TestCSVMissingFile(t *testing.T) {
	rows, err := NewCSVRows(filepath.Join(t.TempDir(), "nope.csv")).LoadRows(context.Background())
	if err != nil || len(rows) != 0 {
		t.Errorf("missing file: rows=%d err=%v", len(rows), err)
	}
}

func TestCSVUnwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	// A path under a regular file can never be created.
	err := NewCSVRows(filepath.Join(blocker, "rows.csv")).AppendRow(context.Background(), sampleRow("bitcoin", "2025-12-01", 1))
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("err = %v, want persistence error", err)
	}
}

// ---------------------------------------------------------------------------
// Exports
// ---------------------------------------------------------------------------

type fakeS3 struct {
	keys   []string
	bodies []string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.keys = append(f.keys, *in.Key)
	f.bodies = append(f.bodies, string(b))
	return &s3.PutObjectOutput{}, nil
}

func TestExportSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rows := []domain.MarketRow{
		sampleRow("solana", "2025-12-05", 200),
		sampleRow("bitcoin", "2025-12-05", 100),
	}
	rows[1].Return7D = f64(-2.5)

	fake := &fakeS3{}
	up := newS3Uploader(fake, "bucket", "/snapshots/")

	paths, err := ExportSnapshot(ctx, dir, "coinsnap_2025-12-05", rows,
		[]Exporter{ParquetExporter{}, XLSXExporter{}}, up)
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("paths = %v", paths)
	}

	back, err := ReadSnapshot(paths[0])
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if len(back) != 2 || back[0].ID != "bitcoin" {
		t.Fatalf("parquet rows = %+v, want sorted by id", back)
	}
	if back[0].Return7D == nil || *back[0].Return7D != -2.5 {
		t.Errorf("return_7d = %v, want -2.5", back[0].Return7D)
	}
	if back[0].Return1D != nil {
		t.Error("absent return should stay absent in parquet")
	}
	if !back[0].Date.Equal(date("2025-12-05")) {
		t.Errorf("date = %v", back[0].Date)
	}

	wb, err := excelize.OpenFile(paths[1])
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer wb.Close()
	sheet, err := wb.GetRows(XLSXSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(sheet) != 3 || sheet[0][0] != "id" || sheet[1][0] != "bitcoin" {
		t.Errorf("xlsx rows = %v", sheet)
	}

	wantKeys := []string{"snapshots/coinsnap_2025-12-05.parquet", "snapshots/coinsnap_2025-12-05.xlsx"}
	if strings.Join(fake.keys, ",") != strings.Join(wantKeys, ",") {
		t.Errorf("uploaded keys = %v, want %v", fake.keys, wantKeys)
	}
	if len(fake.bodies[0]) == 0 {
		t.Error("uploaded body is empty")
	}
}
