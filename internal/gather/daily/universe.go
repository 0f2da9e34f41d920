package daily

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"coinsnap/internal/domain"
)

var universeColumns = []string{"id", "symbol", "name"}

// LoadUniverse reads the tracked entities from a CSV file with at least the
// columns id, symbol and name. Extra columns are ignored, blank ids are
// skipped and a repeated id keeps its first row. A missing required column
// is a *domain.SchemaError.
func LoadUniverse(path string) ([]domain.Entity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening universe: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, &domain.SchemaError{Source: path, Missing: universeColumns}
	}
	if err != nil {
		return nil, fmt.Errorf("reading universe header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, col := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))] = i
	}
	var missing []string
	for _, col := range universeColumns {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &domain.SchemaError{Source: path, Missing: missing}
	}

	field := func(rec []string, col string) string {
		i := idx[col]
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var (
		entities []domain.Entity
		seen     = make(map[string]struct{})
	)
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading universe line %d: %w", line, err)
		}
		e := domain.Entity{ID: field(rec, "id"), Symbol: field(rec, "symbol"), Name: field(rec, "name")}
		if e.ID == "" {
			continue
		}
		if _, dup := seen[e.ID]; dup {
			slog.Warn("duplicate universe id ignored", "id", e.ID, "line", line)
			continue
		}
		seen[e.ID] = struct{}{}
		entities = append(entities, e)
	}
	return entities, nil
}

// FilterEntities keeps the entities whose id is in ids, in universe order.
// An empty ids returns all entities. Unknown ids are returned separately.
func FilterEntities(entities []domain.Entity, ids []string) (kept []domain.Entity, unknown []string) {
	if len(ids) == 0 {
		return entities, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = false
	}
	for _, e := range entities {
		if _, ok := want[e.ID]; ok {
			kept = append(kept, e)
			want[e.ID] = true
		}
	}
	for _, id := range ids {
		if found, ok := want[id]; ok && !found {
			unknown = append(unknown, id)
			want[id] = true
		}
	}
	return kept, unknown
}
