// Package report renders run summaries and row-store statistics for the
// terminal.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"coinsnap/internal/domain"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4")).Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// statusOrder fixes the order of the count line.
var statusOrder = []domain.EntityStatus{
	domain.StatusOK,
	domain.StatusOKSecondPass,
	domain.StatusAlreadyHave,
	domain.StatusErrorFirstPass,
	domain.StatusErrorSecondPass,
	domain.StatusError,
}

func statusStyle(s domain.EntityStatus) lipgloss.Style {
	switch s {
	case domain.StatusOK, domain.StatusOKSecondPass:
		return okStyle
	case domain.StatusAlreadyHave:
		return dimStyle
	case domain.StatusErrorFirstPass:
		return warnStyle
	default:
		return errStyle
	}
}

// SummaryOptions controls RenderSummary.
type SummaryOptions struct {
	// FailuresOnly hides successful results from the table.
	FailuresOnly bool
	// MaxErrorWidth truncates error messages; 0 means 60.
	MaxErrorWidth int
}

// RenderSummary formats a run summary as a title line, a per-status count
// line and a table with one row per result.
func RenderSummary(sum *domain.RunSummary, opts SummaryOptions) string {
	if sum == nil {
		return ""
	}
	if opts.MaxErrorWidth <= 0 {
		opts.MaxErrorWidth = 60
	}

	var b strings.Builder
	title := fmt.Sprintf("coinsnap %s  %s", sum.Kind, domain.FormatDate(sum.Target))
	b.WriteString(titleStyle.Render(title))
	b.WriteByte('\n')

	meta := fmt.Sprintf("run %s", sum.RunID)
	if !sum.Started.IsZero() && !sum.Finished.IsZero() {
		meta += "  took " + FormatDuration(sum.Finished.Sub(sum.Started))
	}
	b.WriteString(dimStyle.Render(meta))
	b.WriteByte('\n')

	b.WriteString(countLine(sum))
	b.WriteByte('\n')

	var results []domain.EntityResult
	for _, r := range sum.Results {
		if opts.FailuresOnly && r.Status.Succeeded() {
			continue
		}
		results = append(results, r)
	}
	if len(results) == 0 {
		return b.String()
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("ID", "SYMBOL", "DATE", "STATUS", "SAMPLE", "PRICE", "ERROR")
	for _, r := range results {
		sample := "-"
		if !r.SourceTime.IsZero() {
			sample = r.SourceTime.UTC().Format(time.DateTime)
		}
		t.Row(
			r.Entity.ID,
			strings.ToUpper(r.Entity.Symbol),
			domain.FormatDate(r.Date),
			string(r.Status),
			sample,
			FormatPrice(r.Price),
			Truncate(r.Error, opts.MaxErrorWidth),
		)
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return headerStyle.Padding(0, 1)
		}
		if col == 3 && row >= 0 && row < len(results) {
			return statusStyle(results[row].Status).Padding(0, 1)
		}
		return cellStyle
	})
	b.WriteString(t.String())
	b.WriteByte('\n')
	return b.String()
}

func countLine(sum *domain.RunSummary) string {
	counts := sum.Counts()
	var parts []string
	for _, s := range statusOrder {
		if n := counts[s]; n > 0 {
			parts = append(parts, statusStyle(s).Render(fmt.Sprintf("%s=%s", s, FormatInt(n))))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, dimStyle.Render("no entities processed"))
	}
	if sum.Queued > 0 {
		parts = append(parts, warnStyle.Render(fmt.Sprintf("queued=%d", sum.Queued)))
	}
	if sum.Removed > 0 {
		parts = append(parts, okStyle.Render(fmt.Sprintf("cleared=%d", sum.Removed)))
	}
	return strings.Join(parts, "  ")
}

// WriteSummary renders sum to w.
func WriteSummary(w io.Writer, sum *domain.RunSummary, opts SummaryOptions) error {
	_, err := io.WriteString(w, RenderSummary(sum, opts))
	return err
}
