package scraper

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/svarley/fbascout/internal/config"
)

// Category is a discovered category listing page.
type Category struct {
	URL   string
	Name  string
	Depth int
}

// Discoverer finds category pages on a supplier site.
type Discoverer struct {
	logger *slog.Logger
}

// NewDiscoverer creates a category discoverer.
func NewDiscoverer(logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{logger: logger.With("component", "discovery")}
}

// DiscoverCategories crawls from the supplier base URL following the
// configured category selectors, same-domain only, bounded by the supplier's
// subpage depth. Results keep discovery order.
func (d *Discoverer) DiscoverCategories(ctx context.Context, supplierCfg config.SupplierConfig) ([]Category, error) {
	baseURL := supplierCfg.BaseURL
	parsedBase, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	maxDepth := supplierCfg.SubpageMaxDepth
	if maxDepth <= 0 {
		maxDepth = 2
	}

	linkSelector := categoryLinkSelector(supplierCfg.CategorySelectors)

	var mu sync.Mutex
	var categories []Category
	seen := make(map[string]bool)

	c := colly.NewCollector(
		colly.MaxDepth(maxDepth),
		colly.AllowedDomains(parsedBase.Host),
	)
	_ = c.Limit(&colly.LimitRule{
		DomainGlob: "*",
		Delay:      supplierCfg.RateLimitDelay(),
	})

	c.OnHTML(linkSelector, func(e *colly.HTMLElement) {
		select {
		case <-ctx.Done():
			return
		default:
		}

		href := e.Attr("href")
		if href == "" {
			return
		}
		absolute := e.Request.AbsoluteURL(href)
		if absolute == "" {
			return
		}
		normalized := normalizeURL(absolute)

		mu.Lock()
		defer mu.Unlock()
		if seen[normalized] || normalized == normalizeURL(baseURL) {
			return
		}
		seen[normalized] = true
		depth := e.Request.Depth
		categories = append(categories, Category{
			URL:   absolute,
			Name:  strings.TrimSpace(e.Text),
			Depth: depth,
		})
		d.logger.Debug("category discovered", "url", absolute, "name", strings.TrimSpace(e.Text), "depth", depth)

		if depth < maxDepth {
			_ = e.Request.Visit(absolute)
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		d.logger.Warn("category discovery error", "url", r.Request.URL.String(), "error", err)
	})

	if err := visitWithTimeout(ctx, c, baseURL, 5*time.Minute); err != nil {
		mu.Lock()
		defer mu.Unlock()
		if len(categories) == 0 {
			return nil, err
		}
		d.logger.Warn("category discovery ended early", "error", err, "categories", len(categories))
	}

	d.logger.Info("category discovery completed", "base_url", baseURL, "categories", len(categories))
	return categories, nil
}

// DiscoverSubpages crawls outward from one category page following the same
// category selectors, same-domain only, bounded by the supplier's subpage
// depth. The seed page itself is excluded. Used to expand a top-level
// category into the sub-category listings nested beneath it.
func (d *Discoverer) DiscoverSubpages(ctx context.Context, supplierCfg config.SupplierConfig, categoryURL string) ([]Category, error) {
	parsedSeed, err := url.Parse(categoryURL)
	if err != nil {
		return nil, err
	}

	maxDepth := supplierCfg.SubpageMaxDepth
	if maxDepth <= 0 {
		maxDepth = 2
	}

	linkSelector := categoryLinkSelector(supplierCfg.CategorySelectors)

	var mu sync.Mutex
	var subpages []Category
	seen := make(map[string]bool)

	c := colly.NewCollector(
		colly.MaxDepth(maxDepth),
		colly.AllowedDomains(parsedSeed.Hostname()),
	)
	_ = c.Limit(&colly.LimitRule{
		DomainGlob: "*",
		Delay:      supplierCfg.RateLimitDelay(),
	})

	c.OnHTML(linkSelector, func(e *colly.HTMLElement) {
		select {
		case <-ctx.Done():
			return
		default:
		}

		href := e.Attr("href")
		if href == "" {
			return
		}
		absolute := e.Request.AbsoluteURL(href)
		if absolute == "" {
			return
		}
		normalized := normalizeURL(absolute)

		mu.Lock()
		defer mu.Unlock()
		if seen[normalized] || normalized == normalizeURL(categoryURL) {
			return
		}
		seen[normalized] = true
		depth := e.Request.Depth
		subpages = append(subpages, Category{
			URL:   absolute,
			Name:  strings.TrimSpace(e.Text),
			Depth: depth,
		})
		d.logger.Debug("subpage discovered", "url", absolute, "parent", categoryURL, "depth", depth)

		if depth < maxDepth {
			_ = e.Request.Visit(absolute)
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		d.logger.Warn("subpage discovery error", "url", r.Request.URL.String(), "error", err)
	})

	if err := visitWithTimeout(ctx, c, categoryURL, 2*time.Minute); err != nil {
		mu.Lock()
		defer mu.Unlock()
		if len(subpages) == 0 {
			return nil, err
		}
		d.logger.Warn("subpage discovery ended early", "error", err, "subpages", len(subpages))
	}

	d.logger.Debug("subpage discovery completed", "category_url", categoryURL, "subpages", len(subpages))
	return subpages, nil
}

// categoryLinkSelector joins the CSS category selectors into one comma list.
// Non-CSS entries are ignored; colly takes CSS only.
func categoryLinkSelector(sels []config.Selector) string {
	var parts []string
	for _, sel := range sels {
		if sel.Type == config.SelectorCSS && strings.TrimSpace(sel.Value) != "" {
			parts = append(parts, strings.TrimSpace(sel.Value))
		}
	}
	if len(parts) == 0 {
		return "a[href]"
	}
	return strings.Join(parts, ", ")
}

// normalizeURL canonicalises a URL for deduplication: no fragment, lowercase
// scheme and host, no trailing slash.
func normalizeURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	parsed.Fragment = ""
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	if parsed.Path != "/" {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	}
	return parsed.String()
}

// visitWithTimeout guards a colly crawl with an overall deadline; colly has
// no native context support.
func visitWithTimeout(ctx context.Context, c *colly.Collector, seedURL string, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		err := c.Visit(seedURL)
		c.Wait()
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}
