// Package reconcile compares every registered manifest against the
// latest version published upstream and applies updates on confirmation.
// Checking is read-only and parallel; applying is serialized per key and
// atomic per file.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ferrost/manifold/internal/keylock"
	"github.com/ferrost/manifold/internal/manifest"
	"github.com/ferrost/manifold/internal/registry"
	"github.com/ferrost/manifold/internal/resolver"
	"github.com/ferrost/manifold/internal/storage"
)

// State is the terminal classification of one entry in a reconciliation
// pass.
type State string

const (
	StateUpToDate        State = "up_to_date"
	StateUpdateAvailable State = "update_available"
	StateUpdated         State = "updated"
	StateFailed          State = "failed"
	StateSkipped         State = "skipped"
)

// Outcome is the result of checking (and optionally applying) one
// registered entry. Versions are opaque tags compared by equality only.
type Outcome struct {
	Entry   registry.Entry `json:"entry"`
	State   State          `json:"state"`
	Current string         `json:"current"`
	Latest  string         `json:"latest,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// Summary aggregates one full reconciliation pass.
type Summary struct {
	Outcomes  []Outcome `json:"outcomes"`
	Checked   int       `json:"checked"`
	Updated   int       `json:"updated"`
	UpToDate  int       `json:"up_to_date"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at"`
	Elapsed   string    `json:"elapsed"`
}

// Confirmer decides whether a pending update should be applied. The CLI
// implements it with a prompt, the HTTP surface with an explicit apply
// call, and report-only passes with DeclineAll.
type Confirmer interface {
	Confirm(o Outcome) bool
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(o Outcome) bool

func (f ConfirmerFunc) Confirm(o Outcome) bool { return f(o) }

// ConfirmAll approves every pending update.
var ConfirmAll = ConfirmerFunc(func(Outcome) bool { return true })

// DeclineAll approves none; the pass becomes report-only.
var DeclineAll = ConfirmerFunc(func(Outcome) bool { return false })

// ConflictError reports that the registry entry changed between check and
// apply, so the staged update no longer describes reality.
type ConflictError struct {
	AppID    int
	DepotID  int
	Expected string
	Stored   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("apply %d/%d: stored version %q is no longer %q, re-check required",
		e.AppID, e.DepotID, e.Stored, e.Expected)
}

// PartialApplyError reports that the library file was rewritten but the
// registry update failed. The file already carries the new version; only
// the registry lags, and the next check pass reports the entry as
// update_available against its own file until registration catches up.
type PartialApplyError struct {
	AppID   int
	DepotID int
	Latest  string
	Err     error
}

func (e *PartialApplyError) Error() string {
	return fmt.Sprintf("apply %d/%d: file updated to %q but registry update failed: %v",
		e.AppID, e.DepotID, e.Latest, e.Err)
}

func (e *PartialApplyError) Unwrap() error { return e.Err }

// Engine runs reconciliation passes over the registry.
type Engine struct {
	reg      registry.Store
	library  storage.Provider
	resolver resolver.Resolver
	locks    *keylock.Set
	logger   *slog.Logger
	workers  int

	now func() time.Time
}

// New creates an engine. workers bounds concurrent upstream resolutions;
// values below 1 fall back to 1.
func New(reg registry.Store, library storage.Provider, res resolver.Resolver, locks *keylock.Set, logger *slog.Logger, workers int) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		reg:      reg,
		library:  library,
		resolver: res,
		locks:    locks,
		logger:   logger,
		workers:  workers,
		now:      time.Now,
	}
}

// Check resolves the latest upstream version for every registered entry
// and classifies each one. One entry's failure never aborts the pass;
// it is recorded as StateFailed and the rest continue. Outcomes come
// back in registry order regardless of resolution order.
func (e *Engine) Check(ctx context.Context) ([]Outcome, error) {
	entries, err := e.reg.ListAll()
	if err != nil {
		return nil, fmt.Errorf("check: list registry: %w", err)
	}

	outcomes := make([]Outcome, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for i, entry := range entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				outcomes[i] = Outcome{Entry: entry, State: StateSkipped,
					Current: entry.Manifest, Reason: err.Error()}
				return err
			}
			outcomes[i] = e.checkOne(gctx, entry)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Cancellation: outcomes computed so far are still valid.
		if ctx.Err() != nil {
			return outcomes, ctx.Err()
		}
	}
	return outcomes, nil
}

func (e *Engine) checkOne(ctx context.Context, entry registry.Entry) Outcome {
	out := Outcome{Entry: entry, Current: entry.Manifest}

	res, err := e.resolver.ResolveLatest(ctx, entry.DepotID)
	if err != nil {
		e.logger.Warn("check: resolution failed",
			slog.Int("app_id", entry.AppID),
			slog.Int("depot_id", entry.DepotID),
			slog.String("error", err.Error()))
		out.State = StateFailed
		out.Reason = err.Error()
		return out
	}

	out.Latest = res.Manifest
	if res.Manifest == entry.Manifest {
		out.State = StateUpToDate
	} else {
		out.State = StateUpdateAvailable
	}
	return out
}

// Apply installs a pending update: the library file's version statement
// is replaced, the file rewritten atomically, and the registry entry
// updated, all under the entry's key lock. The registry is re-read first
// and a mismatch against the checked version aborts with ConflictError.
func (e *Engine) Apply(ctx context.Context, o Outcome) (Outcome, error) {
	if o.State != StateUpdateAvailable {
		return o, fmt.Errorf("apply %d/%d: state is %q, not %q",
			o.Entry.AppID, o.Entry.DepotID, o.State, StateUpdateAvailable)
	}

	unlock := e.locks.Lock(keylock.Key(o.Entry.AppID, o.Entry.DepotID))
	defer unlock()

	if err := ctx.Err(); err != nil {
		return o, err
	}

	// Another actor may have moved the entry since the check.
	stored, err := e.reg.Get(o.Entry.AppID, o.Entry.DepotID)
	if err != nil {
		return o, fmt.Errorf("apply %d/%d: %w", o.Entry.AppID, o.Entry.DepotID, err)
	}
	if stored.Manifest != o.Current {
		return o, &ConflictError{
			AppID:    o.Entry.AppID,
			DepotID:  o.Entry.DepotID,
			Expected: o.Current,
			Stored:   stored.Manifest,
		}
	}

	content, err := e.library.Read(stored.Filename)
	if err != nil {
		return o, fmt.Errorf("apply %d/%d: read %s: %w",
			o.Entry.AppID, o.Entry.DepotID, stored.Filename, err)
	}
	updated, err := manifest.ReplaceVersion(content, o.Entry.DepotID, o.Latest)
	if err != nil {
		return o, fmt.Errorf("apply %d/%d: %w", o.Entry.AppID, o.Entry.DepotID, err)
	}
	if err := e.library.Write(stored.Filename, updated); err != nil {
		return o, fmt.Errorf("apply %d/%d: write %s: %w",
			o.Entry.AppID, o.Entry.DepotID, stored.Filename, err)
	}

	if err := e.reg.UpdateVersion(o.Entry.AppID, o.Entry.DepotID, o.Latest, e.now().UTC()); err != nil {
		return o, &PartialApplyError{
			AppID:   o.Entry.AppID,
			DepotID: o.Entry.DepotID,
			Latest:  o.Latest,
			Err:     err,
		}
	}

	e.logger.Info("apply: updated",
		slog.Int("app_id", o.Entry.AppID),
		slog.Int("depot_id", o.Entry.DepotID),
		slog.String("from", o.Current),
		slog.String("to", o.Latest))

	o.State = StateUpdated
	stored.Manifest = o.Latest
	o.Entry = *stored
	return o, nil
}

// Run performs a full pass: check everything, then apply each pending
// update the confirmer approves. Apply failures downgrade the outcome to
// StateFailed without stopping the pass.
func (e *Engine) Run(ctx context.Context, confirm Confirmer) (*Summary, error) {
	started := e.now()
	outcomes, err := e.Check(ctx)
	if err != nil {
		return nil, err
	}

	for i, o := range outcomes {
		if o.State != StateUpdateAvailable {
			continue
		}
		if !confirm.Confirm(o) {
			outcomes[i].State = StateSkipped
			outcomes[i].Reason = "declined"
			continue
		}
		applied, err := e.Apply(ctx, o)
		if err != nil {
			applied.State = StateFailed
			applied.Reason = err.Error()
		}
		outcomes[i] = applied
	}

	return summarize(outcomes, started, e.now()), nil
}

func summarize(outcomes []Outcome, started, finished time.Time) *Summary {
	s := &Summary{
		Outcomes:  outcomes,
		Checked:   len(outcomes),
		StartedAt: started.UTC(),
		Elapsed:   finished.Sub(started).Round(time.Millisecond).String(),
	}
	for _, o := range outcomes {
		switch o.State {
		case StateUpdated:
			s.Updated++
		case StateUpToDate:
			s.UpToDate++
		case StateSkipped, StateUpdateAvailable:
			s.Skipped++
		case StateFailed:
			s.Failed++
		}
	}
	return s
}

// SortOutcomes orders outcomes by app then depot, for stable reports.
func SortOutcomes(outcomes []Outcome) {
	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].Entry.AppID != outcomes[j].Entry.AppID {
			return outcomes[i].Entry.AppID < outcomes[j].Entry.AppID
		}
		return outcomes[i].Entry.DepotID < outcomes[j].Entry.DepotID
	})
}
