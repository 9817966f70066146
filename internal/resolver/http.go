package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPFetcher fetches pages with a plain HTTP client. A browser-like
// user agent and optional session cookies keep the request from being
// trivially fingerprinted as a script.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	cookies   string
}

// NewHTTPFetcher creates a fetcher with the given user agent and raw
// Cookie header value (may be empty).
func NewHTTPFetcher(userAgent, cookies string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		cookies:   cookies,
	}
}

// Fetch performs a GET and returns the status code and body. Transport
// failures return an error; HTTP error statuses do not.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	if f.cookies != "" {
		req.Header.Set("Cookie", f.cookies)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, nil
}
