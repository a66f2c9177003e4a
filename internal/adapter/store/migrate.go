package store

import (
	"database/sql"
	"fmt"
)

// migrate creates the schema if it doesn't exist.
func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS knowledge_entries (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_name    TEXT    NOT NULL,
			kind          TEXT    NOT NULL,
			content       TEXT    NOT NULL,
			embedding     BLOB,
			related_agent TEXT    NOT NULL DEFAULT '',
			session_id    TEXT    NOT NULL DEFAULT '',
			metadata      TEXT    NOT NULL DEFAULT '{}',
			created_at    INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_entries_agent   ON knowledge_entries(agent_name, created_at);
		CREATE INDEX IF NOT EXISTS idx_entries_session ON knowledge_entries(session_id, created_at);

		CREATE TABLE IF NOT EXISTS conversation_sessions (
			id               TEXT    PRIMARY KEY,
			objective        TEXT    NOT NULL,
			roster           TEXT    NOT NULL,
			mode             TEXT    NOT NULL,
			turns            TEXT    NOT NULL DEFAULT '[]',
			status           TEXT    NOT NULL,
			turn_budget      INTEGER NOT NULL,
			next_speaker     TEXT    NOT NULL DEFAULT '',
			failure_reason   TEXT    NOT NULL DEFAULT '',
			version          INTEGER NOT NULL,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			lease_owner      TEXT    NOT NULL DEFAULT '',
			lease_until      INTEGER NOT NULL DEFAULT 0,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_status ON conversation_sessions(status, updated_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}

	// Databases created before session leases existed.
	for _, col := range []struct{ name, def string }{
		{"lease_owner", "TEXT NOT NULL DEFAULT ''"},
		{"lease_until", "INTEGER NOT NULL DEFAULT 0"},
	} {
		if err := addColumnIfMissing(db, "conversation_sessions", col.name, col.def); err != nil {
			return err
		}
	}
	return nil
}

func addColumnIfMissing(db *sql.DB, table, column, def string) error {
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, def)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}
