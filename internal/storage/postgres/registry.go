package postgres

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// EntityEvents is notified about entities inserted for the first time.
type EntityEvents interface {
	PublishEntities(ctx context.Context, kind crawler.EntityKind, ids []int64) error
}

// DefaultTables maps each typed entity kind to its table.
var DefaultTables = map[crawler.EntityKind]string{
	crawler.KindApp:    "apps",
	crawler.KindBundle: "bundles",
	crawler.KindSub:    "subs",
}

// Registry inserts ids not yet known into per-kind tables.
type Registry struct {
	pool   querier
	tables map[crawler.EntityKind]string
	events EntityEvents
	logger *zap.Logger
}

var _ crawler.Registrar = (*Registry)(nil)

// NewRegistry builds a Registry. events may be nil.
func NewRegistry(pool querier, tables map[crawler.EntityKind]string, events EntityEvents, logger *zap.Logger) (*Registry, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if len(tables) == 0 {
		tables = DefaultTables
	}
	for kind, table := range tables {
		if !kind.IsTyped() {
			return nil, fmt.Errorf("kind %q cannot be registered", kind)
		}
		if err := checkIdentifier(table); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{pool: pool, tables: tables, events: events, logger: logger.Named("registry")}, nil
}

// RegisterUnknown inserts ids missing from kind's table and returns how many rows
// were new. Event publishing failures are logged; the rows stay inserted.
func (r *Registry) RegisterUnknown(ctx context.Context, kind crawler.EntityKind, ids []int64) (int, error) {
	table, ok := r.tables[kind]
	if !ok {
		return 0, fmt.Errorf("no table for kind %q", kind)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	for _, id := range ids {
		if id <= 0 {
			return 0, fmt.Errorf("%w: %d", crawler.ErrInvalidEntityID, id)
		}
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id)
SELECT unnest($1::bigint[])
ON CONFLICT (id) DO NOTHING
RETURNING id`, table)

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return 0, fmt.Errorf("register %s: %w", table, err)
	}
	defer rows.Close()

	var inserted []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan %s id: %w", table, err)
		}
		inserted = append(inserted, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("register %s: %w", table, err)
	}

	if len(inserted) > 0 && r.events != nil {
		if err := r.events.PublishEntities(ctx, kind, inserted); err != nil {
			r.logger.Warn("publish entity events",
				zap.String("kind", string(kind)),
				zap.Int("count", len(inserted)),
				zap.Error(err),
			)
		}
	}
	return len(inserted), nil
}
