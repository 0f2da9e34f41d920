package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"coinsnap/internal/domain"
)

// DateCoverage is how complete one date is in the row store.
type DateCoverage struct {
	Date    time.Time
	Rows    int
	Missing []string // tracked ids without a row, sorted
}

// Coverage reports, for each of the last n stored dates (newest first), how
// many rows exist and which tracked entities have none. n <= 0 means all.
func Coverage(rows []domain.MarketRow, tracked []domain.Entity, n int) []DateCoverage {
	byDate := make(map[time.Time]map[string]bool)
	for _, r := range rows {
		d := domain.DateOf(r.Date)
		if byDate[d] == nil {
			byDate[d] = make(map[string]bool)
		}
		byDate[d][r.ID] = true
	}

	dates := make([]time.Time, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].After(dates[j]) })
	if n > 0 && len(dates) > n {
		dates = dates[:n]
	}

	out := make([]DateCoverage, 0, len(dates))
	for _, d := range dates {
		ids := byDate[d]
		c := DateCoverage{Date: d, Rows: len(ids)}
		for _, e := range tracked {
			if !ids[e.ID] {
				c.Missing = append(c.Missing, e.ID)
			}
		}
		sort.Strings(c.Missing)
		out = append(out, c)
	}
	return out
}

// Mover is one entity's return on a date.
type Mover struct {
	ID     string
	Symbol string
	Price  float64
	Return float64
}

// TopMovers returns up to n gainers and n losers by 1-day return on date.
// Rows without a 1-day return are skipped.
func TopMovers(rows []domain.MarketRow, date time.Time, n int) (gainers, losers []Mover) {
	date = domain.DateOf(date)
	var all []Mover
	for _, r := range rows {
		if r.Return1D == nil || !domain.DateOf(r.Date).Equal(date) {
			continue
		}
		all = append(all, Mover{ID: r.ID, Symbol: r.Symbol, Price: r.Price, Return: *r.Return1D})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Return != all[j].Return {
			return all[i].Return > all[j].Return
		}
		return all[i].ID < all[j].ID
	})
	for i := 0; i < len(all) && len(gainers) < n; i++ {
		if all[i].Return > 0 {
			gainers = append(gainers, all[i])
		}
	}
	for i := len(all) - 1; i >= 0 && len(losers) < n; i-- {
		if all[i].Return < 0 {
			losers = append(losers, all[i])
		}
	}
	return gainers, losers
}

// RenderCoverage formats coverage as a table. Missing ids are listed up to
// a handful per date.
func RenderCoverage(cov []DateCoverage, tracked int) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("DATE", "ROWS", "MISSING", "IDS")
	for _, c := range cov {
		ids := c.Missing
		more := ""
		if len(ids) > 5 {
			more = fmt.Sprintf(" +%d", len(ids)-5)
			ids = ids[:5]
		}
		t.Row(
			domain.FormatDate(c.Date),
			fmt.Sprintf("%s/%s", FormatInt(c.Rows), FormatInt(tracked)),
			FormatInt(len(c.Missing)),
			strings.Join(ids, ",")+more,
		)
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return headerStyle.Padding(0, 1)
		}
		if col == 2 && row >= 0 && row < len(cov) && len(cov[row].Missing) > 0 {
			return errStyle.Padding(0, 1)
		}
		return cellStyle
	})
	return t.String() + "\n"
}

// RenderMovers formats gainers and losers side by side in one table.
func RenderMovers(gainers, losers []Mover) string {
	rows := len(gainers)
	if len(losers) > rows {
		rows = len(losers)
	}
	cell := func(ms []Mover, i int) (string, string) {
		if i >= len(ms) {
			return "", ""
		}
		r := ms[i].Return
		return strings.ToUpper(ms[i].Symbol), FormatReturn(&r)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("GAINER", "1D", "LOSER", "1D")
	for i := 0; i < rows; i++ {
		gs, gr := cell(gainers, i)
		ls, lr := cell(losers, i)
		t.Row(gs, gr, ls, lr)
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return headerStyle.Padding(0, 1)
		case col == 1:
			return okStyle.Padding(0, 1)
		case col == 3:
			return errStyle.Padding(0, 1)
		}
		return cellStyle
	})
	return t.String() + "\n"
}
