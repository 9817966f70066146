// Package registry provides the SQLite-backed record of every injected
// manifest script: which app/depot pairs are tracked, where the installed
// script lives, and which manifest id it is pinned to.
package registry

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS manifests (
	filename      TEXT NOT NULL,
	app_id        INTEGER NOT NULL,
	depot_id      INTEGER NOT NULL,
	manifest      TEXT NOT NULL,
	dest_path     TEXT NOT NULL,
	registered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (app_id, depot_id)
);
`

// Entry is one registered depot: identity, installed location, and the
// last manifest id committed for it.
type Entry struct {
	Filename     string    `json:"filename"`
	AppID        int       `json:"app_id"`
	DepotID      int       `json:"depot_id"`
	Manifest     string    `json:"manifest"`
	DestPath     string    `json:"dest_path"`
	RegisteredAt time.Time `json:"registered_at"`
}

// DB wraps a sql.DB with registry operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("registry: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("registry: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("registry: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
