package database

import (
	"context"
	"embed"
	"fmt"
	"sort"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies every embedded migration file in lexical filename order.
// Statements are idempotent (CREATE TABLE IF NOT EXISTS / LIKE ... INCLUDING
// ALL) so Migrate is safe to call on every startup.
func (db *DB) Migrate(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("migrate: read migrations dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		contents, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("migrate: read %s: %w", name, err)
		}

		if _, err := db.conn.ExecContext(ctx, string(contents)); err != nil {
			return fmt.Errorf("migrate: apply %s: %w", name, err)
		}
	}

	return nil
}
