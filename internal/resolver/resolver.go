// Package resolver fetches the latest published manifest id for a depot
// from SteamDB. The source is uncontrolled and anti-automation hardened;
// every failure is classified so callers can decide what is worth
// retrying. Only transient network failures are retried here, with
// bounded exponential backoff; the source's refusals are never retried.
package resolver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies a resolution failure.
type Kind string

const (
	// Unreachable: network error, timeout, or server-side failure.
	// Transient; the resolver retries these with backoff.
	Unreachable Kind = "unreachable"
	// Blocked: the source actively rejected the request (challenge page,
	// 403/429). Retrying immediately makes things worse; surfaced once.
	Blocked Kind = "blocked"
	// NotFound: the depot has no published manifest data. Terminal for
	// this depot.
	NotFound Kind = "not_found"
	// ParseFailure: the page structure changed and extraction failed.
	// Terminal until the extraction logic is updated.
	ParseFailure Kind = "parse_failure"
)

// Error is a classified resolution failure for one depot.
type Error struct {
	Kind    Kind
	DepotID int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve depot %d: %s: %v", e.DepotID, e.Kind, e.Err)
	}
	return fmt.Sprintf("resolve depot %d: %s", e.DepotID, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Result is a successful resolution.
type Result struct {
	Manifest  string    `json:"manifest"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Resolver produces the latest published manifest id for a depot.
type Resolver interface {
	ResolveLatest(ctx context.Context, depotID int) (Result, error)
}

// Fetcher is the transport seam: given a URL it returns the HTTP status
// and page body. The default implementation is a plain HTTP client; a
// headless-browser collaborator satisfies the same contract.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (status int, body []byte, err error)
}

// SteamDB resolves depots against steamdb.info depot manifest pages.
type SteamDB struct {
	fetcher     Fetcher
	baseURL     string
	maxAttempts int
	backoff     time.Duration
}

// Option configures a SteamDB resolver.
type Option func(*SteamDB)

// WithMaxAttempts bounds the total tries per resolution (first attempt
// included). Values below 1 are treated as 1.
func WithMaxAttempts(n int) Option {
	return func(s *SteamDB) {
		if n < 1 {
			n = 1
		}
		s.maxAttempts = n
	}
}

// WithBackoff sets the initial retry delay; it doubles per retry.
func WithBackoff(d time.Duration) Option {
	return func(s *SteamDB) { s.backoff = d }
}

// NewSteamDB creates a resolver over the given fetcher and base URL
// (e.g. "https://steamdb.info").
func NewSteamDB(fetcher Fetcher, baseURL string, opts ...Option) *SteamDB {
	s := &SteamDB{
		fetcher:     fetcher,
		baseURL:     strings.TrimRight(baseURL, "/"),
		maxAttempts: 4,
		backoff:     time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveLatest fetches the depot page and extracts the newest manifest
// id. Unreachable failures are retried with exponential backoff up to the
// attempt cap; Blocked, NotFound, and ParseFailure surface immediately
// with no further requests.
func (s *SteamDB) ResolveLatest(ctx context.Context, depotID int) (Result, error) {
	url := fmt.Sprintf("%s/depot/%d/manifests/", s.baseURL, depotID)

	backoff := s.backoff
	var lastErr *Error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Result{}, &Error{Kind: Unreachable, DepotID: depotID, Err: ctx.Err()}
			}
			backoff *= 2
		}

		status, body, err := s.fetcher.Fetch(ctx, url)
		if err != nil {
			lastErr = &Error{Kind: Unreachable, DepotID: depotID, Err: err}
			continue
		}

		if rerr := classifyStatus(status, body, depotID); rerr != nil {
			if rerr.Kind == Unreachable {
				lastErr = rerr
				continue
			}
			return Result{}, rerr
		}

		manifest, err := extractLatestManifest(string(body))
		if err != nil {
			return Result{}, &Error{Kind: ParseFailure, DepotID: depotID, Err: err}
		}
		return Result{Manifest: manifest, FetchedAt: time.Now().UTC()}, nil
	}
	return Result{}, lastErr
}

// classifyStatus maps an HTTP response to a resolution error, or nil for
// a usable page.
func classifyStatus(status int, body []byte, depotID int) *Error {
	switch {
	case status == http.StatusNotFound:
		return &Error{Kind: NotFound, DepotID: depotID}
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return &Error{Kind: Blocked, DepotID: depotID, Err: fmt.Errorf("status %d", status)}
	case status >= 500:
		return &Error{Kind: Unreachable, DepotID: depotID, Err: fmt.Errorf("status %d", status)}
	case status != http.StatusOK:
		return &Error{Kind: Unreachable, DepotID: depotID, Err: fmt.Errorf("status %d", status)}
	}
	if isChallengePage(body) {
		return &Error{Kind: Blocked, DepotID: depotID, Err: fmt.Errorf("challenge page served")}
	}
	return nil
}

// isChallengePage detects an interstitial bot check served with a 200.
func isChallengePage(body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "just a moment") ||
		strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-chl")
}
