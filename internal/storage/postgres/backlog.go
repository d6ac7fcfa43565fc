package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Backlog pages through entity ids whose processing timestamp is older than a cutoff.
type Backlog struct {
	pool   querier
	table  string
	column string
}

var _ crawler.Backlog = (*Backlog)(nil)

// NewBacklog builds a Backlog over table, tracking progress in column.
func NewBacklog(pool querier, table, column string) (*Backlog, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if err := checkIdentifier(table); err != nil {
		return nil, err
	}
	if err := checkIdentifier(column); err != nil {
		return nil, err
	}
	return &Backlog{pool: pool, table: table, column: column}, nil
}

// IDsNotProcessedSince returns one page (1-based) of ids never processed or last
// processed before cutoff.
func (b *Backlog) IDsNotProcessedSince(
	ctx context.Context,
	cutoff time.Time,
	page, pageSize int,
	dir crawler.SortDirection,
) ([]int64, error) {
	if page < 1 || pageSize < 1 {
		return nil, fmt.Errorf("invalid page %d of size %d", page, pageSize)
	}
	order := "ASC"
	switch dir {
	case crawler.SortAscending:
	case crawler.SortDescending:
		order = "DESC"
	default:
		return nil, fmt.Errorf("invalid sort direction %q", dir)
	}

	query := fmt.Sprintf(`
SELECT id FROM %s
WHERE %s IS NULL OR %s < $1
ORDER BY id %s
LIMIT $2 OFFSET $3`, b.table, b.column, b.column, order)

	rows, err := b.pool.Query(ctx, query, cutoff, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("query %s backlog: %w", b.table, err)
	}
	defer rows.Close()

	ids := make([]int64, 0, pageSize)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s id: %w", b.table, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s backlog: %w", b.table, err)
	}
	return ids, nil
}

// MarkProcessed records that id was processed at at.
func (b *Backlog) MarkProcessed(ctx context.Context, id int64, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET %s = $2 WHERE id = $1`, b.table, b.column)
	if _, err := b.pool.Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("mark %s %d processed: %w", b.table, id, err)
	}
	return nil
}
