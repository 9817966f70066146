package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func depotPage(manifestID string) string {
	return fmt.Sprintf(`<html><body>
<h1>Previously seen manifests</h1>
<table id="manifests" class="table">
<thead><tr><th>Seen Date</th><th>Branch</th><th>Manifest ID</th></tr></thead>
<tbody>
<tr><td>2025-06-01</td><td>public</td><td><a href="/x/">%s</a></td></tr>
<tr><td>2025-05-01</td><td>public</td><td><a href="/y/">1111111111</a></td></tr>
</tbody>
</table>
</body></html>`, manifestID)
}

// fakeFetcher returns scripted responses in sequence and counts calls.
type fakeFetcher struct {
	calls     atomic.Int32
	responses []fakeResponse
}

type fakeResponse struct {
	status int
	body   string
	err    error
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (int, []byte, error) {
	n := int(f.calls.Add(1)) - 1
	if n >= len(f.responses) {
		n = len(f.responses) - 1
	}
	r := f.responses[n]
	return r.status, []byte(r.body), r.err
}

func newTestResolver(f Fetcher) *SteamDB {
	return NewSteamDB(f, "https://example.test",
		WithMaxAttempts(4), WithBackoff(time.Millisecond))
}

func TestResolveLatest_Success(t *testing.T) {
	f := &fakeFetcher{responses: []fakeResponse{
		{status: 200, body: depotPage("9876543210123")},
	}}
	res, err := newTestResolver(f).ResolveLatest(context.Background(), 20)
	if err != nil {
		t.Fatalf("ResolveLatest: %v", err)
	}
	if res.Manifest != "9876543210123" {
		t.Errorf("manifest = %q", res.Manifest)
	}
	if res.FetchedAt.IsZero() {
		t.Error("FetchedAt not set")
	}
}

func TestResolveLatest_RetriesTransientThenSucceeds(t *testing.T) {
	f := &fakeFetcher{responses: []fakeResponse{
		{err: errors.New("connection refused")},
		{status: 503, body: "unavailable"},
		{err: errors.New("timeout")},
		{status: 200, body: depotPage("9876543210123")},
	}}
	res, err := newTestResolver(f).ResolveLatest(context.Background(), 20)
	if err != nil {
		t.Fatalf("ResolveLatest: %v", err)
	}
	if res.Manifest != "9876543210123" {
		t.Errorf("manifest = %q", res.Manifest)
	}
	if got := f.calls.Load(); got != 4 {
		t.Errorf("fetch calls = %d, want 4", got)
	}
}

func TestResolveLatest_UnreachableAfterCap(t *testing.T) {
	f := &fakeFetcher{responses: []fakeResponse{
		{err: errors.New("connection refused")},
	}}
	_, err := newTestResolver(f).ResolveLatest(context.Background(), 20)
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != Unreachable {
		t.Fatalf("err = %v, want Unreachable", err)
	}
	if got := f.calls.Load(); got != 4 {
		t.Errorf("fetch calls = %d, want 4 (attempt cap)", got)
	}
}

func TestResolveLatest_BlockedNoRetry(t *testing.T) {
	cases := map[string]fakeResponse{
		"forbidden":      {status: 403, body: "forbidden"},
		"rate_limited":   {status: 429, body: "slow down"},
		"challenge_page": {status: 200, body: "<html><title>Just a moment...</title></html>"},
	}
	for name, resp := range cases {
		t.Run(name, func(t *testing.T) {
			f := &fakeFetcher{responses: []fakeResponse{resp}}
			_, err := newTestResolver(f).ResolveLatest(context.Background(), 20)
			var rerr *Error
			if !errors.As(err, &rerr) || rerr.Kind != Blocked {
				t.Fatalf("err = %v, want Blocked", err)
			}
			if got := f.calls.Load(); got != 1 {
				t.Errorf("fetch calls = %d, want 1 (no retry on refusal)", got)
			}
		})
	}
}

func TestResolveLatest_NotFound(t *testing.T) {
	f := &fakeFetcher{responses: []fakeResponse{{status: 404, body: "nope"}}}
	_, err := newTestResolver(f).ResolveLatest(context.Background(), 20)
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != NotFound {
		t.Fatalf("err = %v, want NotFound", err)
	}
	if rerr.DepotID != 20 {
		t.Errorf("depot = %d", rerr.DepotID)
	}
}

func TestResolveLatest_ParseFailure(t *testing.T) {
	cases := map[string]string{
		"no_table":   "<html><body>nothing here</body></html>",
		"empty_body": `<table id="manifests"><tbody></tbody></table>`,
		"short_row":  `<table id="manifests"><tbody><tr><td>only one</td></tr></tbody></table>`,
		"no_id":      `<table id="manifests"><tbody><tr><td>a</td><td>b</td><td>123</td></tr></tbody></table>`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			f := &fakeFetcher{responses: []fakeResponse{{status: 200, body: body}}}
			_, err := newTestResolver(f).ResolveLatest(context.Background(), 20)
			var rerr *Error
			if !errors.As(err, &rerr) || rerr.Kind != ParseFailure {
				t.Fatalf("err = %v, want ParseFailure", err)
			}
		})
	}
}

func TestResolveLatest_CancelDuringBackoff(t *testing.T) {
	f := &fakeFetcher{responses: []fakeResponse{
		{err: errors.New("connection refused")},
	}}
	r := NewSteamDB(f, "https://example.test",
		WithMaxAttempts(4), WithBackoff(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.ResolveLatest(ctx, 20)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resolver did not return after cancel")
	}
}

func TestHTTPFetcher_SendsHeaders(t *testing.T) {
	var gotUA, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCookie = r.Header.Get("Cookie")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	f := NewHTTPFetcher("Mozilla/5.0 test", "session=abc", 5*time.Second)
	status, body, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if status != 200 || string(body) != "ok" {
		t.Errorf("status=%d body=%q", status, body)
	}
	if gotUA != "Mozilla/5.0 test" {
		t.Errorf("user agent = %q", gotUA)
	}
	if gotCookie != "session=abc" {
		t.Errorf("cookie = %q", gotCookie)
	}
}

func TestHTTPFetcher_ErrorStatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewHTTPFetcher("ua", "", 5*time.Second)
	status, _, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if status != 503 {
		t.Errorf("status = %d", status)
	}
}

func TestExtractLatestManifest_PicksFirstRow(t *testing.T) {
	id, err := extractLatestManifest(depotPage("5555555555555"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if id != "5555555555555" {
		t.Errorf("id = %q, want first row's manifest, not an older one", id)
	}
}
