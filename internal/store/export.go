package store

import (
	"context"
	"path/filepath"

	"coinsnap/internal/domain"
)

// ExportSnapshot writes rows through every exporter into dir as
// "<base><ext>" and, when up is non-nil, uploads each file under its base
// name. It returns the local paths written.
func ExportSnapshot(ctx context.Context, dir, base string, rows []domain.MarketRow, exporters []Exporter, up Uploader) ([]string, error) {
	sorted := make([]domain.MarketRow, len(rows))
	copy(sorted, rows)
	SortRows(sorted)

	var paths []string
	for _, ex := range exporters {
		name := base + ex.Ext()
		p := filepath.Join(dir, name)
		if err := ex.Export(ctx, p, sorted); err != nil {
			return paths, err
		}
		paths = append(paths, p)
		if up != nil {
			if err := up.Upload(ctx, p, name); err != nil {
				return paths, err
			}
		}
	}
	return paths, nil
}
