// Package scraper walks supplier catalogues: category discovery, paginated
// listing pages, per-product field extraction, and detail-page enrichment.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	fetchRetryMax    = 3
	minSaneBodySize  = 1000
)

// ErrInsaneResponse marks a body too small or too un-HTML-like to be a real
// page. Retried like a transport failure.
var ErrInsaneResponse = errors.New("scraper: response failed sanity check")

// Fetcher retrieves supplier pages with retries, per-domain rate limiting,
// and response sanity checks.
type Fetcher struct {
	client *retryablehttp.Client
	logger *slog.Logger

	mu        sync.Mutex
	interval  map[string]time.Duration
	lastStart map[string]time.Time
}

// NewFetcher creates a Fetcher. Per-domain spacing is registered with
// SetDomainDelay; unregistered domains get one second.
func NewFetcher(logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{
		logger:    logger.With("component", "fetcher"),
		interval:  make(map[string]time.Duration),
		lastStart: make(map[string]time.Time),
	}

	client := retryablehttp.NewClient()
	client.RetryMax = fetchRetryMax
	client.Logger = nil
	client.Backoff = retryBackoff
	client.CheckRetry = sanityCheckRetry
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		f.throttle(req.URL.Host)
		if attempt > 0 {
			f.logger.Debug("retrying fetch", "url", req.URL.String(), "attempt", attempt)
		}
	}
	if jar, err := cookiejar.New(nil); err == nil {
		client.HTTPClient.Jar = jar
	}
	f.client = client
	return f
}

// SetDomainDelay registers the request spacing for one domain. The delay is
// measured from request start, not completion.
func (f *Fetcher) SetDomainDelay(domain string, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interval[domain] = delay
}

func (f *Fetcher) throttle(domain string) {
	f.mu.Lock()
	interval, ok := f.interval[domain]
	if !ok {
		interval = time.Second
	}
	wait := time.Until(f.lastStart[domain].Add(interval))
	f.lastStart[domain] = time.Now()
	if wait > 0 {
		f.lastStart[domain] = f.lastStart[domain].Add(wait)
	}
	f.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
}

// Fetch retrieves one URL and returns its body. Transport failures, retry
// status codes, and insane bodies are each retried up to the limit.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("scraper: build request for %s: %w", pageURL, err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-GB,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scraper: fetch %s: %w", pageURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scraper: fetch %s: status %d", pageURL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("scraper: read %s: %w", pageURL, err)
	}
	if !saneHTML(body) {
		return nil, fmt.Errorf("scraper: fetch %s: %w", pageURL, ErrInsaneResponse)
	}
	f.logger.Debug("page fetched", "url", pageURL, "body_size", len(body))
	return body, nil
}

// PostForm submits a URL-encoded form and returns the final page body.
// The shared cookie jar carries any session cookies into later fetches, so
// this doubles as the supplier login primitive.
func (f *Fetcher) PostForm(ctx context.Context, pageURL string, form url.Values) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, pageURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("scraper: build form post for %s: %w", pageURL, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scraper: post %s: %w", pageURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("scraper: post %s: status %d", pageURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// FetchDocument fetches and parses one URL.
func (f *Fetcher) FetchDocument(ctx context.Context, pageURL string) (*Document, error) {
	body, err := f.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return ParseDocument(body, pageURL)
}

// saneHTML rejects bodies too small or too un-HTML-like to be a real page.
func saneHTML(body []byte) bool {
	if len(body) < minSaneBodySize {
		return false
	}
	lower := bytes.ToLower(body)
	return bytes.Contains(lower, []byte("<html")) && bytes.Contains(lower, []byte("<body"))
}

// retryBackoff waits 2^attempt + 1 seconds, honouring a server-provided
// Retry-After when it is longer.
func retryBackoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	wait := time.Duration(math.Pow(2, float64(attemptNum))+1) * time.Second

	if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) {
		if after := resp.Header.Get("Retry-After"); after != "" {
			if seconds, err := time.ParseDuration(strings.TrimSpace(after) + "s"); err == nil && seconds > wait {
				wait = seconds
			}
		}
	}

	if min > 0 && wait < min {
		wait = min
	}
	if max > 0 && wait > max {
		wait = max
	}
	return wait
}

// sanityCheckRetry retries transport errors and retryable status codes, and
// additionally re-reads the body so an insane page triggers a retry instead
// of being handed to the extractor.
func sanityCheckRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	retry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	if retry || checkErr != nil || resp == nil {
		return retry, checkErr
	}
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if readErr != nil {
		return true, nil
	}
	if !saneHTML(body) {
		return true, ErrInsaneResponse
	}
	return false, nil
}

// Host extracts the lowercase host of a URL, for per-domain settings.
func Host(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Host)
}
