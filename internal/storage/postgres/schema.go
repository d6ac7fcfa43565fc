package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schemaSQL string

type execer interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}

// ApplySchema creates the entity tables when they do not exist yet.
func ApplySchema(ctx context.Context, db execer) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
