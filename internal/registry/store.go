package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ferrost/manifold/internal/apperr"
)

// Store defines the registry operations the engine depends on.
// Consumers should depend on this interface rather than the concrete *DB
// type to facilitate testing with mocks.
type Store interface {
	Upsert(e Entry) error
	Get(appID, depotID int) (*Entry, error)
	ListAll() ([]Entry, error)
	UpdateVersion(appID, depotID int, manifest string, at time.Time) error
	Close() error
}

// Verify *DB satisfies Store at compile time.
var _ Store = (*DB)(nil)

// Upsert inserts or fully overwrites the entry for its (app, depot) key.
// Upserting the same entry twice leaves the store unchanged after the
// first call.
func (db *DB) Upsert(e Entry) error {
	at := e.RegisteredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := db.conn.Exec(`
		INSERT INTO manifests (filename, app_id, depot_id, manifest, dest_path, registered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(app_id, depot_id) DO UPDATE SET
			filename      = excluded.filename,
			manifest      = excluded.manifest,
			dest_path     = excluded.dest_path,
			registered_at = excluded.registered_at
	`, e.Filename, e.AppID, e.DepotID, e.Manifest, e.DestPath, at)
	if err != nil {
		return fmt.Errorf("registry: upsert (%d,%d): %w", e.AppID, e.DepotID, err)
	}
	return nil
}

// Get returns the entry for (appID, depotID), or apperr.ErrNotFound.
func (db *DB) Get(appID, depotID int) (*Entry, error) {
	var e Entry
	err := db.conn.QueryRow(`
		SELECT filename, app_id, depot_id, manifest, dest_path, registered_at
		FROM manifests WHERE app_id = ? AND depot_id = ?
	`, appID, depotID).Scan(&e.Filename, &e.AppID, &e.DepotID, &e.Manifest, &e.DestPath, &e.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get (%d,%d): %w", appID, depotID, err)
	}
	return &e, nil
}

// ListAll returns every entry in insertion order. The result is a snapshot
// taken at call time.
func (db *DB) ListAll() ([]Entry, error) {
	rows, err := db.conn.Query(`
		SELECT filename, app_id, depot_id, manifest, dest_path, registered_at
		FROM manifests ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Filename, &e.AppID, &e.DepotID, &e.Manifest, &e.DestPath, &e.RegisteredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateVersion moves the entry for (appID, depotID) to a new manifest id.
// Returns apperr.ErrNotFound when no such entry exists.
func (db *DB) UpdateVersion(appID, depotID int, manifest string, at time.Time) error {
	res, err := db.conn.Exec(`
		UPDATE manifests SET manifest = ?, registered_at = ?
		WHERE app_id = ? AND depot_id = ?
	`, manifest, at, appID, depotID)
	if err != nil {
		return fmt.Errorf("registry: update version (%d,%d): %w", appID, depotID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: rows affected: %w", err)
	}
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}
