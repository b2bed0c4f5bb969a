package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// Kind classifies a failed fetch so callers can decide between marking the
// field failed and falling back to a degraded path.
type Kind int

const (
	KindOther Kind = iota
	KindTimeout
	KindNotFound
	KindRefused
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not found"
	case KindRefused:
		return "refused"
	}
	return "other"
}

type FetchError struct {
	Kind   Kind
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.Status)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Origin sites commonly reject non-browser agents, so requests carry a
// realistic browser header set.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

type Fetcher struct {
	client        *http.Client
	blockedHosts  []string
	referrerHosts []string
}

func New(timeout time.Duration, blockedHosts, referrerHosts []string) *Fetcher {
	return &Fetcher{
		client:        &http.Client{Timeout: timeout},
		blockedHosts:  blockedHosts,
		referrerHosts: referrerHosts,
	}
}

// Blocked reports whether the URL's host is on the known-restrictive list.
// Callers short-circuit such URLs to a blocked terminal state without a
// network attempt.
func (f *Fetcher) Blocked(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return hostMatches(u.Hostname(), f.blockedHosts)
}

// Fetch retrieves the raw media bytes from the origin. No retry: failure is
// classified and reported to the caller. Returns the body and the reported
// Content-Type.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", &FetchError{Kind: KindOther, URL: rawURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", &FetchError{Kind: KindOther, URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,video/*,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if hostMatches(u.Hostname(), f.referrerHosts) {
		req.Header.Set("Referer", fmt.Sprintf("%s://%s/", u.Scheme, u.Host))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", &FetchError{Kind: classifyErr(err), URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if kind, ok := classifyStatus(resp.StatusCode); ok {
		return nil, "", &FetchError{Kind: kind, URL: rawURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &FetchError{Kind: classifyErr(err), URL: rawURL, Err: err}
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func classifyErr(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return KindTimeout
	}
	var nerr interface{ Timeout() bool }
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindRefused
	}
	return KindOther
}

func classifyStatus(code int) (Kind, bool) {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return KindNotFound, true
	case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusTooManyRequests:
		return KindRefused, true
	case code < 200 || code > 299:
		return KindOther, true
	}
	return KindOther, false
}

// hostMatches does a suffix match so "tiktok.com" covers "www.tiktok.com".
func hostMatches(host string, patterns []string) bool {
	host = strings.ToLower(host)
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}
