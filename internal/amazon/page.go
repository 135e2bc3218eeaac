// Package amazon resolves supplier products to Amazon listings: EAN and
// title search with sponsored filtering, product-page extraction, and the
// Keepa overlay fallbacks.
package amazon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/svarley/fbascout/internal/config"
	"github.com/svarley/fbascout/internal/scraper"
)

// Page is the navigation surface a lookup runs against. A browser-backed
// implementation can click and wait; the HTTP implementation is static.
type Page interface {
	// Navigate loads a URL.
	Navigate(ctx context.Context, url string) error
	// Content returns the current page markup.
	Content(ctx context.Context) (string, error)
	// URL returns the current page URL, after any redirects.
	URL(ctx context.Context) (string, error)
	// Click activates the first element matching a CSS selector.
	Click(ctx context.Context, selector string) error
	// WaitVisible blocks until a selector is present, or times out.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
}

// ErrNotInteractive is returned by HTTPPage for operations that need a real
// browser. Callers treat it as "feature unavailable", not failure.
var ErrNotInteractive = errors.New("amazon: page is not interactive")

// HTTPPage is the default Page over plain HTTP fetches. Dynamic content
// (Keepa overlay, captcha solving) is unavailable; static selectors work.
type HTTPPage struct {
	fetcher *scraper.Fetcher
	content string
	url     string
}

// NewHTTPPage creates an HTTPPage over a fetcher.
func NewHTTPPage(fetcher *scraper.Fetcher) *HTTPPage {
	return &HTTPPage{fetcher: fetcher}
}

// Navigate fetches the URL and retains its body as the current content.
func (p *HTTPPage) Navigate(ctx context.Context, url string) error {
	body, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		return err
	}
	p.content = string(body)
	p.url = url
	return nil
}

// Content returns the last fetched body.
func (p *HTTPPage) Content(_ context.Context) (string, error) {
	if p.content == "" {
		return "", errors.New("amazon: no page loaded")
	}
	return p.content, nil
}

// URL returns the last fetched URL.
func (p *HTTPPage) URL(_ context.Context) (string, error) {
	return p.url, nil
}

// Click is unavailable without a browser.
func (p *HTTPPage) Click(_ context.Context, selector string) error {
	return fmt.Errorf("click %q: %w", selector, ErrNotInteractive)
}

// WaitVisible succeeds immediately when the selector already matches the
// static content, and reports ErrNotInteractive otherwise: nothing will
// ever appear on a static page.
func (p *HTTPPage) WaitVisible(ctx context.Context, selector string, _ time.Duration) error {
	doc, err := p.document(ctx)
	if err != nil {
		return err
	}
	if docHasSelector(doc, selector) {
		return nil
	}
	return fmt.Errorf("wait for %q: %w", selector, ErrNotInteractive)
}

func (p *HTTPPage) document(ctx context.Context) (*scraper.Document, error) {
	content, err := p.Content(ctx)
	if err != nil {
		return nil, err
	}
	return scraper.ParseDocument([]byte(content), p.url)
}

func docHasSelector(doc *scraper.Document, selector string) bool {
	els := doc.Elements([]config.Selector{{Type: config.SelectorCSS, Value: selector}})
	return len(els) > 0
}
