package connlogdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE conns (
			id           TEXT PRIMARY KEY NOT NULL,
			started_at   INTEGER NOT NULL,
			duration_ms  INTEGER NOT NULL,
			client       TEXT NOT NULL,
			dest         TEXT NOT NULL,
			bytes_in     INTEGER NOT NULL,
			bytes_out    INTEGER NOT NULL,
			close_reason TEXT NOT NULL COLLATE NOCASE
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create conns table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX conns_started_at_idx ON conns(started_at, id)`); err != nil {
		return fmt.Errorf("create conns index: %w", err)
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX conns_started_at_idx`); err != nil {
		return fmt.Errorf("drop conns index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE conns`); err != nil {
		return fmt.Errorf("drop conns table: %w", err)
	}
	return nil
}
