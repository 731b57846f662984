package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// The events table is the compatibility contract: external tools (export,
// dashboards) read it directly. Statements are executed one at a time;
// SQLite rejects multi-statement Exec on some drivers.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts_wall TEXT NOT NULL,
		ts_mono INTEGER NOT NULL,
		kind TEXT NOT NULL,
		level TEXT NOT NULL,
		symbol TEXT,
		side TEXT,
		price REAL,
		reason TEXT,
		details TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ts_wall ON events(ts_wall)`,
	`CREATE INDEX IF NOT EXISTS idx_events_kind_ts ON events(kind, ts_wall)`,
	`CREATE INDEX IF NOT EXISTS idx_events_symbol_ts ON events(symbol, ts_wall)`,
}

// eventColumns is the projection every event read uses, in scan order.
const eventColumns = "id, ts_wall, ts_mono, kind, level, symbol, side, price, reason, details"

func ensureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
