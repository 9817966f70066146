// Package inject implements the injection pipeline: a raw manifest script
// is parsed, validated, canonicalized, installed into the library
// directory, archived, and registered, as one logical unit.
package inject

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ferrost/manifold/internal/keylock"
	"github.com/ferrost/manifold/internal/manifest"
	"github.com/ferrost/manifold/internal/registry"
	"github.com/ferrost/manifold/internal/storage"
)

// Pipeline coordinates filesystem and registry writes for one injection.
// The library FS is the destination the engine owns; the archive FS keeps
// a timestamped copy of everything ever injected.
type Pipeline struct {
	library storage.Provider
	archive storage.Provider
	reg     registry.Store
	locks   *keylock.Set
	logger  *slog.Logger

	now func() time.Time
}

// New creates an injection pipeline.
func New(library, archive storage.Provider, reg registry.Store, locks *keylock.Set, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		library: library,
		archive: archive,
		reg:     reg,
		locks:   locks,
		logger:  logger,
		now:     time.Now,
	}
}

// Result describes a completed (or partially completed) injection.
type Result struct {
	Filename    string            `json:"filename"`
	Records     []manifest.Record `json:"records"`
	DestPath    string            `json:"dest_path"`
	BackupName  string            `json:"backup_name,omitempty"`
	ArchiveName string            `json:"archive_name"`
}

// PartialError reports the one tolerated inconsistency window: the script
// was installed and archived, but registering some records failed. It
// carries enough state to retry registration without re-copying.
type PartialError struct {
	Result     *Result
	Registered []manifest.Record
	Pending    []manifest.Record
	Err        error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("inject: %s installed but %d of %d records unregistered: %v",
		e.Result.Filename, len(e.Pending), len(e.Registered)+len(e.Pending), e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// Inject runs the full pipeline for the raw script at rawPath:
//
//  1. parse and validate; invalid input aborts with zero side effects
//  2. move any existing destination file aside to a backup name
//  3. write the canonical form atomically to the destination
//  4. archive a timestamped copy
//  5. upsert one registry entry per depot
//
// Injecting the same valid input twice yields one registry entry per
// depot, not two, with identical final state.
func (p *Pipeline) Inject(ctx context.Context, rawPath string) (*Result, error) {
	raw, err := os.ReadFile(rawPath)
	if err != nil {
		return nil, fmt.Errorf("inject: read %s: %w", rawPath, err)
	}

	records, err := p.parseAndValidate(rawPath, raw)
	if err != nil {
		return nil, err
	}

	filename := canonicalFilename(rawPath)

	// Serialize against concurrent injection/apply on any of the keys.
	for _, r := range records {
		unlock := p.locks.Lock(keylock.Key(r.AppID, r.DepotID))
		defer unlock()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{Filename: filename, Records: records}

	backup, err := p.library.BackupAside(filename)
	if err != nil {
		return nil, fmt.Errorf("inject: backup existing %s: %w", filename, err)
	}
	res.BackupName = backup
	if backup != "" {
		p.logger.Info("inject: existing script moved aside",
			slog.String("file", filename), slog.String("backup", backup))
	}

	canonical := manifest.Render(records)
	if err := p.library.Write(filename, canonical); err != nil {
		return nil, fmt.Errorf("inject: write %s: %w", filename, err)
	}
	destPath, err := p.library.Path(filename)
	if err != nil {
		return nil, err
	}
	res.DestPath = destPath

	archiveName := storage.ArchiveName(filename, p.now())
	if err := p.archive.Write(archiveName, canonical); err != nil {
		return nil, fmt.Errorf("inject: archive %s: %w", filename, err)
	}
	res.ArchiveName = archiveName

	if err := p.register(res, records); err != nil {
		return res, err
	}

	p.logger.Info("inject: registered",
		slog.String("file", filename),
		slog.Int("records", len(records)),
		slog.String("dest", destPath))
	return res, nil
}

// Register retries registration for records that a previous Inject left
// pending (see PartialError). Filesystem state is not touched.
func (p *Pipeline) Register(res *Result, pending []manifest.Record) error {
	for _, r := range pending {
		unlock := p.locks.Lock(keylock.Key(r.AppID, r.DepotID))
		defer unlock()
	}
	return p.register(res, pending)
}

func (p *Pipeline) register(res *Result, records []manifest.Record) error {
	at := p.now().UTC()
	for i, r := range records {
		err := p.reg.Upsert(registry.Entry{
			Filename:     res.Filename,
			AppID:        r.AppID,
			DepotID:      r.DepotID,
			Manifest:     r.Manifest,
			DestPath:     res.DestPath,
			RegisteredAt: at,
		})
		if err != nil {
			return &PartialError{
				Result:     res,
				Registered: records[:i],
				Pending:    records[i:],
				Err:        err,
			}
		}
	}
	return nil
}

// parseAndValidate extracts all records from the raw script, overlaying
// the sidecar and, failing that, an app id inferred from the filename.
// Every record must be complete; no field is defaulted.
func (p *Pipeline) parseAndValidate(rawPath string, raw []byte) ([]manifest.Record, error) {
	sidecar := manifest.LoadSidecar(rawPath)
	if sidecar == nil {
		stem := strings.TrimSuffix(filepath.Base(rawPath), filepath.Ext(rawPath))
		if inferred := manifest.InferAppID(stem); inferred != 0 {
			sidecar = &manifest.Sidecar{AppID: inferred}
		}
	}

	records := manifest.Parse(raw, sidecar)
	if len(records) == 0 {
		return nil, &manifest.IncompleteRecordError{Missing: []string{"AppID", "DepotID", "Token", "Manifest"}}
	}
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("inject: %s depot %d: %w", filepath.Base(rawPath), r.DepotID, err)
		}
	}
	return records, nil
}

// canonicalFilename maps a raw source path to the installed filename.
// The base name is kept; only the extension is normalized.
func canonicalFilename(rawPath string) string {
	base := filepath.Base(rawPath)
	if strings.EqualFold(filepath.Ext(base), ".lua") {
		return base
	}
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".lua"
}
