package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ferrost/manifold/internal/inject"
	"github.com/ferrost/manifold/internal/keylock"
	"github.com/ferrost/manifold/internal/reconcile"
	"github.com/ferrost/manifold/internal/registry"
	"github.com/ferrost/manifold/internal/resolver"
	"github.com/ferrost/manifold/internal/sse"
	"github.com/ferrost/manifold/internal/testutil"
)

const validScript = "addappid(10)\naddappid(20,1,\"T\")\nsetManifestid(20,\"M1\",0)\n"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubResolver struct {
	latest map[int]string
}

func (s *stubResolver) ResolveLatest(_ context.Context, depotID int) (resolver.Result, error) {
	if m, ok := s.latest[depotID]; ok {
		return resolver.Result{Manifest: m, FetchedAt: time.Now()}, nil
	}
	return resolver.Result{}, &resolver.Error{Kind: resolver.NotFound, DepotID: depotID}
}

type testServer struct {
	srv *httptest.Server
	env *testutil.Env
	res *stubResolver
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	env := testutil.NewEnv(t)
	res := &stubResolver{latest: map[int]string{}}
	locks := keylock.New()

	pipeline := inject.New(env.Library, env.Archive, env.Registry, locks, discardLogger())
	engine := reconcile.New(env.Registry, env.Library, res, locks, discardLogger(), 2)
	svc := NewService(env.Registry, pipeline, engine)

	srv := httptest.NewServer(NewRouter(svc, false, "", nil))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, env: env, res: res}
}

func (ts *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestInjectEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/manifests", InjectRequest{
		Filename: "game.lua",
		Content:  validScript,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	res := decode[inject.Result](t, resp)
	if res.Filename != "game.lua" || len(res.Records) != 1 {
		t.Errorf("result = %+v", res)
	}
	if _, err := ts.env.Registry.Get(10, 20); err != nil {
		t.Errorf("registry entry missing: %v", err)
	}
}

func TestInjectEndpoint_SidecarOverride(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/manifests", InjectRequest{
		Filename: "game.lua",
		Content:  "addappid(20,1,\"T\")\nsetManifestid(20,\"M1\",0)\n",
		AppID:    777,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if _, err := ts.env.Registry.Get(777, 20); err != nil {
		t.Errorf("override app id not used: %v", err)
	}
}

func TestInjectEndpoint_IncompleteIs422(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/manifests", InjectRequest{
		Filename: "broken.lua",
		Content:  "setManifestid(20,\"M1\",0)\n",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[errResponse](t, resp)
	if body.Error == "" {
		t.Error("missing error message")
	}
}

func TestInjectEndpoint_ByPath(t *testing.T) {
	ts := newTestServer(t)
	rawPath := filepath.Join(t.TempDir(), "game.lua")
	if err := os.WriteFile(rawPath, []byte(validScript), 0o644); err != nil {
		t.Fatal(err)
	}

	resp := ts.post(t, "/manifests", InjectRequest{Path: rawPath})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if _, err := ts.env.Registry.Get(10, 20); err != nil {
		t.Errorf("registry entry missing: %v", err)
	}
}

func TestInjectEndpoint_BadRequest(t *testing.T) {
	ts := newTestServer(t)
	cases := []InjectRequest{
		{Filename: "", Content: "x"},
		{Filename: "a.lua", Content: ""},
	}
	for _, req := range cases {
		resp := ts.post(t, "/manifests", req)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%+v: status = %d", req, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestListManifests(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/manifests")
	if err != nil {
		t.Fatal(err)
	}
	list := decode[ManifestListResponse](t, resp)
	if list.Total != 0 || len(list.Manifests) != 0 {
		t.Errorf("list = %+v", list)
	}

	ts.post(t, "/manifests", InjectRequest{Filename: "game.lua", Content: validScript}).Body.Close()

	resp, err = http.Get(ts.srv.URL + "/manifests")
	if err != nil {
		t.Fatal(err)
	}
	list = decode[ManifestListResponse](t, resp)
	if list.Total != 1 || list.Manifests[0].AppID != 10 {
		t.Errorf("list = %+v", list)
	}
}

func TestGetManifest(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "/manifests", InjectRequest{Filename: "game.lua", Content: validScript}).Body.Close()

	resp, err := http.Get(ts.srv.URL + "/manifests/10/20")
	if err != nil {
		t.Fatal(err)
	}
	entry := decode[registry.Entry](t, resp)
	if entry.Manifest != "M1" {
		t.Errorf("entry = %+v", entry)
	}

	resp, err = http.Get(ts.srv.URL + "/manifests/99/99")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCheckAndApplyFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "/manifests", InjectRequest{Filename: "game.lua", Content: validScript}).Body.Close()
	ts.res.latest[20] = "M2"

	resp := ts.post(t, "/check", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check status = %d", resp.StatusCode)
	}
	check := decode[CheckResponse](t, resp)
	if len(check.Outcomes) != 1 {
		t.Fatalf("outcomes = %+v", check.Outcomes)
	}
	o := check.Outcomes[0]
	if o.State != reconcile.StateUpdateAvailable || o.Latest != "M2" {
		t.Fatalf("outcome = %+v", o)
	}

	resp = ts.post(t, "/apply", ApplyRequest{
		AppID: 10, DepotID: 20, Current: o.Current, Latest: o.Latest,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("apply status = %d", resp.StatusCode)
	}
	applied := decode[reconcile.Outcome](t, resp)
	if applied.State != reconcile.StateUpdated {
		t.Errorf("applied = %+v", applied)
	}
	entry, _ := ts.env.Registry.Get(10, 20)
	if entry.Manifest != "M2" {
		t.Errorf("registry manifest = %q", entry.Manifest)
	}
}

func TestApply_StaleIs409(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "/manifests", InjectRequest{Filename: "game.lua", Content: validScript}).Body.Close()

	// The stored version is M1; claiming the check saw M9 is stale.
	resp := ts.post(t, "/apply", ApplyRequest{
		AppID: 10, DepotID: 20, Current: "M9", Latest: "M10",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestApply_UnknownEntryIs404(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.post(t, "/apply", ApplyRequest{
		AppID: 5, DepotID: 6, Current: "M1", Latest: "M2",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := testutil.NewEnv(t)
	locks := keylock.New()
	pipeline := inject.New(env.Library, env.Archive, env.Registry, locks, discardLogger())
	engine := reconcile.New(env.Registry, env.Library, &stubResolver{}, locks, discardLogger(), 1)
	svc := NewService(env.Registry, pipeline, engine)

	srv := httptest.NewServer(NewRouter(svc, true, "secret", nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/manifests")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/manifests", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token: status = %d", resp.StatusCode)
	}

	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d", resp.StatusCode)
	}
}

func TestInjectPublishesEvent(t *testing.T) {
	env := testutil.NewEnv(t)
	locks := keylock.New()
	pipeline := inject.New(env.Library, env.Archive, env.Registry, locks, discardLogger())
	engine := reconcile.New(env.Registry, env.Library, &stubResolver{}, locks, discardLogger(), 1)
	svc := NewService(env.Registry, pipeline, engine)

	broker := sse.NewBroker(time.Second)
	defer broker.Close()
	svc.SetNotifier(broker)
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	srv := httptest.NewServer(NewRouter(svc, false, "", broker))
	defer srv.Close()

	data, _ := json.Marshal(InjectRequest{Filename: "game.lua", Content: validScript})
	resp, err := http.Post(srv.URL+"/manifests", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	select {
	case msg := <-ch:
		if !strings.Contains(string(msg), "manifest.injected") {
			t.Errorf("event = %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
	}
}

func TestGetManifest_BadParams(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(fmt.Sprintf("%s/manifests/abc/def", ts.srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
