package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ferrost/manifold/internal/keylock"
	"github.com/ferrost/manifold/internal/registry"
	"github.com/ferrost/manifold/internal/resolver"
	"github.com/ferrost/manifold/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubResolver maps depot id to either a manifest id or an error.
type stubResolver struct {
	latest map[int]string
	errs   map[int]error
	calls  atomic.Int32
}

func (s *stubResolver) ResolveLatest(_ context.Context, depotID int) (resolver.Result, error) {
	s.calls.Add(1)
	if err, ok := s.errs[depotID]; ok {
		return resolver.Result{}, err
	}
	if m, ok := s.latest[depotID]; ok {
		return resolver.Result{Manifest: m, FetchedAt: time.Now()}, nil
	}
	return resolver.Result{}, &resolver.Error{Kind: resolver.NotFound, DepotID: depotID}
}

func seedEntry(t *testing.T, env *testutil.Env, appID, depotID int, manifestID string) {
	t.Helper()
	filename := fmt.Sprintf("%d.lua", appID)
	content := fmt.Sprintf("addappid(%d)\naddappid(%d,1,\"T\")\nsetManifestid(%d,%q,0)\n",
		appID, depotID, depotID, manifestID)
	if err := env.Library.Write(filename, []byte(content)); err != nil {
		t.Fatal(err)
	}
	dest, _ := env.Library.Path(filename)
	err := env.Registry.Upsert(registry.Entry{
		Filename: filename,
		AppID:    appID,
		DepotID:  depotID,
		Manifest: manifestID,
		DestPath: dest,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func newEngine(t *testing.T, env *testutil.Env, res resolver.Resolver) *Engine {
	t.Helper()
	return New(env.Registry, env.Library, res, keylock.New(), discardLogger(), 4)
}

func TestCheck_ClassifiesEntries(t *testing.T) {
	env := testutil.NewEnv(t)
	seedEntry(t, env, 10, 20, "M1")
	seedEntry(t, env, 11, 30, "M2")

	res := &stubResolver{latest: map[int]string{20: "M2", 30: "M2"}}
	outcomes, err := newEngine(t, env, res).Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}
	if outcomes[0].State != StateUpdateAvailable || outcomes[0].Latest != "M2" {
		t.Errorf("outcome[0] = %+v", outcomes[0])
	}
	if outcomes[1].State != StateUpToDate {
		t.Errorf("outcome[1] = %+v", outcomes[1])
	}
}

func TestCheck_FailureIsolated(t *testing.T) {
	env := testutil.NewEnv(t)
	seedEntry(t, env, 10, 20, "M1")
	seedEntry(t, env, 11, 30, "M1")

	res := &stubResolver{
		latest: map[int]string{30: "M2"},
		errs:   map[int]error{20: &resolver.Error{Kind: resolver.Blocked, DepotID: 20}},
	}
	outcomes, err := newEngine(t, env, res).Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if outcomes[0].State != StateFailed || outcomes[0].Reason == "" {
		t.Errorf("outcome[0] = %+v", outcomes[0])
	}
	if outcomes[1].State != StateUpdateAvailable {
		t.Errorf("failure leaked into outcome[1] = %+v", outcomes[1])
	}
}

func TestRun_ConfirmedUpdateApplied(t *testing.T) {
	env := testutil.NewEnv(t)
	seedEntry(t, env, 10, 20, "M1")

	res := &stubResolver{latest: map[int]string{20: "M2"}}
	sum, err := newEngine(t, env, res).Run(context.Background(), ConfirmAll)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Updated != 1 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}

	// File and registry agree on the new version.
	data, err := env.Library.Read("10.lua")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `setManifestid(20,"M2",0)`) {
		t.Errorf("file content:\n%s", data)
	}
	entry, err := env.Registry.Get(10, 20)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Manifest != "M2" {
		t.Errorf("registry manifest = %q", entry.Manifest)
	}
}

func TestRun_DeclinedUpdateUntouched(t *testing.T) {
	env := testutil.NewEnv(t)
	seedEntry(t, env, 10, 20, "M1")

	res := &stubResolver{latest: map[int]string{20: "M2"}}
	sum, err := newEngine(t, env, res).Run(context.Background(), DeclineAll)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Skipped != 1 || sum.Updated != 0 {
		t.Fatalf("summary = %+v", sum)
	}

	data, _ := env.Library.Read("10.lua")
	if !strings.Contains(string(data), `setManifestid(20,"M1",0)`) {
		t.Errorf("declined update modified the file:\n%s", data)
	}
	entry, _ := env.Registry.Get(10, 20)
	if entry.Manifest != "M1" {
		t.Errorf("declined update modified the registry: %q", entry.Manifest)
	}
}

func TestApply_ConflictWhenRegistryMoved(t *testing.T) {
	env := testutil.NewEnv(t)
	seedEntry(t, env, 10, 20, "M1")
	eng := newEngine(t, env, &stubResolver{latest: map[int]string{20: "M3"}})

	outcomes, err := eng.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// Someone else re-injects with a different version between check and
	// apply.
	seedEntry(t, env, 10, 20, "M2")

	_, err = eng.Apply(context.Background(), outcomes[0])
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if conflict.Expected != "M1" || conflict.Stored != "M2" {
		t.Errorf("conflict = %+v", conflict)
	}
}

func TestApply_WrongStateRejected(t *testing.T) {
	env := testutil.NewEnv(t)
	eng := newEngine(t, env, &stubResolver{})
	_, err := eng.Apply(context.Background(), Outcome{State: StateUpToDate})
	if err == nil {
		t.Fatal("expected error for non-pending outcome")
	}
}

// failingUpdateStore fails UpdateVersion while delegating everything else.
type failingUpdateStore struct {
	registry.Store
}

func (f *failingUpdateStore) UpdateVersion(int, int, string, time.Time) error {
	return errors.New("registry unavailable")
}

func TestApply_PartialWhenRegistryFails(t *testing.T) {
	env := testutil.NewEnv(t)
	seedEntry(t, env, 10, 20, "M1")
	eng := New(&failingUpdateStore{Store: env.Registry}, env.Library,
		&stubResolver{latest: map[int]string{20: "M2"}}, keylock.New(), discardLogger(), 1)

	outcomes, err := eng.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_, err = eng.Apply(context.Background(), outcomes[0])
	var partial *PartialApplyError
	if !errors.As(err, &partial) {
		t.Fatalf("err = %v, want PartialApplyError", err)
	}
	// The file carries the new version even though the registry lags.
	data, _ := env.Library.Read("10.lua")
	if !strings.Contains(string(data), `setManifestid(20,"M2",0)`) {
		t.Errorf("file content:\n%s", data)
	}
	entry, _ := env.Registry.Get(10, 20)
	if entry.Manifest != "M1" {
		t.Errorf("registry manifest = %q, want old version", entry.Manifest)
	}
}

func TestCheck_CancelledContext(t *testing.T) {
	env := testutil.NewEnv(t)
	seedEntry(t, env, 10, 20, "M1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newEngine(t, env, &stubResolver{latest: map[int]string{20: "M2"}}).Check(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRun_Summary(t *testing.T) {
	env := testutil.NewEnv(t)
	seedEntry(t, env, 10, 20, "M1")
	seedEntry(t, env, 11, 30, "M2")
	seedEntry(t, env, 12, 40, "M1")

	res := &stubResolver{
		latest: map[int]string{20: "M9", 30: "M2"},
		errs:   map[int]error{40: &resolver.Error{Kind: resolver.Unreachable, DepotID: 40}},
	}
	sum, err := newEngine(t, env, res).Run(context.Background(), ConfirmAll)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Checked != 3 || sum.Updated != 1 || sum.UpToDate != 1 || sum.Failed != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Elapsed == "" || sum.StartedAt.IsZero() {
		t.Errorf("timing missing: %+v", sum)
	}
}

func TestSortOutcomes(t *testing.T) {
	outcomes := []Outcome{
		{Entry: registry.Entry{AppID: 11, DepotID: 30}},
		{Entry: registry.Entry{AppID: 10, DepotID: 21}},
		{Entry: registry.Entry{AppID: 10, DepotID: 20}},
	}
	SortOutcomes(outcomes)
	if outcomes[0].Entry.DepotID != 20 || outcomes[1].Entry.DepotID != 21 || outcomes[2].Entry.AppID != 11 {
		t.Errorf("order = %+v", outcomes)
	}
}
