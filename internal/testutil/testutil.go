// Package testutil provides shared test helpers for setting up library,
// archive, and registry fixtures.
package testutil

import (
	"os"
	"testing"

	"github.com/ferrost/manifold/internal/registry"
	"github.com/ferrost/manifold/internal/storage"
)

// Env bundles the stores an engine test needs: a temporary library
// directory, archive directory, and SQLite registry, all cleaned up
// automatically.
type Env struct {
	Library  *storage.FS
	Archive  *storage.FS
	Registry *registry.DB
}

// NewEnv creates a fully wired temporary environment.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	return &Env{
		Library:  TempFS(t),
		Archive:  TempFS(t),
		Registry: TestDB(t),
	}
}

// TempFS creates a storage.FS rooted at a fresh temp directory.
func TempFS(t *testing.T) *storage.FS {
	t.Helper()
	fs, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

// TestDB creates a temporary SQLite registry that is automatically cleaned up.
func TestDB(t *testing.T) *registry.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "manifold-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := registry.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
