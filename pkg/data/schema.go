package data

import (
	"context"
	"embed"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed sql/schema/*.sql
var schemaFS embed.FS

// InitSchema applies every schema file, in name order, inside one
// transaction. The statements are idempotent, so re-running on an existing
// database is safe.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := schemaFS.ReadDir("sql/schema")
	if err != nil {
		return fmt.Errorf("reading schema directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning schema transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, name := range names {
		content, err := schemaFS.ReadFile("sql/schema/" + name)
		if err != nil {
			return fmt.Errorf("reading schema file %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("executing schema file %s: %w", name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing schema transaction: %w", err)
	}
	return nil
}
