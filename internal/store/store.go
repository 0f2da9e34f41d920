// Package store persists daily market rows and the retry queue. Each medium
// (CSV, SQLite) implements the backend interfaces; RowStore and RetryQueue
// layer the key bookkeeping and merge rules on top of any backend.
package store

import (
	"context"

	"coinsnap/internal/domain"
)

// RowBackend is a durable medium for market rows.
type RowBackend interface {
	// LoadRows returns every persisted row in arrival order. A medium that
	// does not exist yet yields no rows and no error.
	LoadRows(ctx context.Context) ([]domain.MarketRow, error)

	// AppendRow durably adds one row without rewriting existing ones.
	AppendRow(ctx context.Context, row domain.MarketRow) error

	// ReplaceRows atomically replaces the whole row set.
	ReplaceRows(ctx context.Context, rows []domain.MarketRow) error

	// Location names the medium for logs and errors.
	Location() string
}

// QueueBackend is a durable medium for retry queue items.
type QueueBackend interface {
	// LoadQueue returns every persisted item. A missing medium yields none.
	LoadQueue(ctx context.Context) ([]domain.QueueItem, error)

	// ReplaceQueue atomically replaces the whole queue.
	ReplaceQueue(ctx context.Context, items []domain.QueueItem) error

	// Location names the medium for logs and errors.
	Location() string
}

// Exporter writes a snapshot copy of the row set to a file.
type Exporter interface {
	Export(ctx context.Context, path string, rows []domain.MarketRow) error
	Ext() string
}

// Uploader copies a local file to remote object storage.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) error
}
