package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearNotes removes every note. The schema and the migrations record are kept.
func ClearNotes(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing notes", clearLogPrefix))

	if _, err := pool.Exec(ctx, `TRUNCATE TABLE notes`); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Notes cleared", clearLogPrefix))
	return nil
}
