// Package storage implements traversal-safe, atomically-published file
// access for the script directories the engine owns: the Steam plug-in
// directory and the local archive.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FS provides file operations rooted at a single directory.
type FS struct {
	root string // absolute path
}

// NewFS creates a new FS rooted at the given directory.
// The directory must already exist.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute root directory.
func (f *FS) Root() string { return f.root }

// safePath resolves a relative path against the root and rejects any
// result that escapes it (directory traversal).
func (f *FS) safePath(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("storage: empty name")
	}
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: absolute paths not allowed: %s", rel)
	}
	joined := filepath.Join(f.root, cleaned)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("storage: resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) && abs != f.root {
		return "", fmt.Errorf("storage: path escapes root: %s", rel)
	}
	return abs, nil
}

// Path returns the absolute on-disk path a name resolves to.
func (f *FS) Path(name string) (string, error) {
	return f.safePath(name)
}

// Exists reports whether a regular file exists at name.
func (f *FS) Exists(name string) bool {
	abs, err := f.safePath(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && info.Mode().IsRegular()
}

// Read returns the raw bytes of a file under the root.
func (f *FS) Read(name string) ([]byte, error) {
	abs, err := f.safePath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", name, err)
	}
	return data, nil
}

// Write atomically publishes content: tmp file → fsync → rename. A reader
// observes either the previous file, unchanged, or the complete new file,
// never a truncated intermediate.
func (f *FS) Write(name string, content []byte) error {
	abs, err := f.safePath(name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifold-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}

// BackupAside moves an existing file at name out of the way, to
// "<stem>.backup<ext>" (or "<stem>.backup.N<ext>" when that is taken),
// and returns the backup name. User data is renamed, never overwritten or
// deleted. Returns "" when no file exists at name.
func (f *FS) BackupAside(name string) (string, error) {
	abs, err := f.safePath(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return "", nil
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	backup := fmt.Sprintf("%s.backup%s", stem, ext)
	for idx := 1; f.Exists(backup); idx++ {
		backup = fmt.Sprintf("%s.backup.%d%s", stem, idx, ext)
	}
	backupAbs, err := f.safePath(backup)
	if err != nil {
		return "", err
	}
	if err := os.Rename(abs, backupAbs); err != nil {
		return "", fmt.Errorf("storage: backup %s: %w", name, err)
	}
	return backup, nil
}

// ArchiveName returns the timestamped name an archived copy of name gets,
// "<stem>.<yyyymmdd_hhmmss><ext>".
func ArchiveName(name string, at time.Time) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(filepath.Base(name), ext)
	return fmt.Sprintf("%s.%s%s", stem, at.Format("20060102_150405"), ext)
}
