package amazon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/svarley/fbascout/internal/config"
	"github.com/svarley/fbascout/internal/models"
	"github.com/svarley/fbascout/internal/protection"
	"github.com/svarley/fbascout/internal/scraper"
)

// DefaultBaseURL is the marketplace the pipeline targets.
const DefaultBaseURL = "https://www.amazon.co.uk"

const (
	cookieDismissMax  = 2
	manualCaptchaWait = 20 * time.Second
)

// Lookup errors surfaced to the orchestrator.
var (
	ErrCaptchaUnsolved = errors.New("amazon: captcha could not be solved")
	ErrBlocked         = errors.New("amazon: navigation blocked")
)

// CaptchaSolver attempts to clear a captcha interstitial on a live page.
// Nil means no solver: the extractor falls back to one manual wait.
type CaptchaSolver interface {
	Solve(ctx context.Context, page Page) error
}

// Extractor drives single-listing lookups against a Page.
type Extractor struct {
	baseURL       string
	detector      *protection.Detector
	solver        CaptchaSolver
	stabilizeWait time.Duration
	manualWait    time.Duration
	logger        *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithBaseURL overrides the marketplace base URL.
func WithBaseURL(u string) Option { return func(e *Extractor) { e.baseURL = strings.TrimRight(u, "/") } }

// WithCaptchaSolver installs a solver for captcha interstitials.
func WithCaptchaSolver(s CaptchaSolver) Option { return func(e *Extractor) { e.solver = s } }

// WithStabilizeWait sets the settle time after navigation.
func WithStabilizeWait(d time.Duration) Option { return func(e *Extractor) { e.stabilizeWait = d } }

// WithManualCaptchaWait sets the single manual-solve wait (tests shorten it).
func WithManualCaptchaWait(d time.Duration) Option { return func(e *Extractor) { e.manualWait = d } }

// NewExtractor creates an Extractor.
func NewExtractor(logger *slog.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Extractor{
		baseURL:    DefaultBaseURL,
		detector:   protection.NewDetector(),
		manualWait: manualCaptchaWait,
		logger:     logger.With("component", "amazon"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExtractByASIN navigates to a listing and extracts it.
func (e *Extractor) ExtractByASIN(ctx context.Context, page Page, asin string) (*models.AmazonProduct, error) {
	if !models.ValidASIN(asin) {
		return nil, fmt.Errorf("amazon: invalid ASIN %q", asin)
	}
	doc, err := e.navigate(ctx, page, e.baseURL+"/dp/"+asin)
	if err != nil {
		return nil, err
	}
	return e.extractListing(ctx, page, doc, asin)
}

// ExtractCurrentListing extracts the listing the page is already on, used
// after an EAN search redirects straight to a detail page.
func (e *Extractor) ExtractCurrentListing(ctx context.Context, page Page, asinQueried string) (*models.AmazonProduct, error) {
	doc, err := currentDocument(ctx, page)
	if err != nil {
		return nil, err
	}
	return e.extractListing(ctx, page, doc, asinQueried)
}

// navigate runs the challenge state machine: load, solve or wait out a
// captcha (retry once), dismiss the cookie banner (max twice), stabilize.
func (e *Extractor) navigate(ctx context.Context, page Page, url string) (*scraper.Document, error) {
	captchaAttempts := 0
	cookieDismissals := 0

	for {
		if err := page.Navigate(ctx, url); err != nil {
			return nil, err
		}
		content, err := page.Content(ctx)
		if err != nil {
			return nil, err
		}

		result := e.detector.DetectFromContent(content)
		switch result.Signal {
		case protection.SignalCaptcha:
			if captchaAttempts >= 1 {
				return nil, ErrCaptchaUnsolved
			}
			captchaAttempts++
			if e.solver != nil {
				if err := e.solver.Solve(ctx, page); err == nil {
					e.logger.Info("captcha solved", "url", url)
					continue
				}
				e.logger.Warn("captcha solver failed, waiting for manual solve", "url", url)
			}
			select {
			case <-time.After(e.manualWait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue

		case protection.SignalCookieBanner:
			if cookieDismissals < cookieDismissMax {
				cookieDismissals++
				if err := page.Click(ctx, "#sp-cc-accept"); err == nil {
					e.logger.Debug("cookie banner dismissed", "url", url)
					continue
				}
			}
			// Banner survives dismissal or the page is static: it overlays
			// but does not block extraction.

		case protection.SignalRobotCheck, protection.SignalAccessDenied, protection.SignalRateLimited:
			return nil, fmt.Errorf("%w: %s", ErrBlocked, result.Description)

		case protection.SignalEmptyContent:
			return nil, fmt.Errorf("%w: %s", ErrBlocked, result.Description)
		}

		if e.stabilizeWait > 0 {
			select {
			case <-time.After(e.stabilizeWait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			refreshed, err := page.Content(ctx)
			if err == nil {
				content = refreshed
			}
		}

		pageURL, _ := page.URL(ctx)
		return scraper.ParseDocument([]byte(content), pageURL)
	}
}

func (e *Extractor) extractListing(ctx context.Context, page Page, doc *scraper.Document, asinQueried string) (*models.AmazonProduct, error) {
	p := &models.AmazonProduct{
		ASIN:                asinQueried,
		ASINQueried:         asinQueried,
		ExtractionTimestamp: time.Now().UTC(),
		Source:              models.SourceFresh,
	}

	pageURL, _ := page.URL(ctx)
	if asin := ASINFromURL(pageURL); asin != "" && asin != asinQueried {
		p.ASIN = asin
		p.ASINFromDetails = asin
	}

	title, ok := firstCSS(doc, "#productTitle", "span#title")
	if !ok {
		return nil, fmt.Errorf("amazon: no title on %s", pageURL)
	}
	p.Title = title

	if raw, ok := firstCSS(doc,
		"#corePrice_feature_div span.a-offscreen",
		"span.a-price span.a-offscreen",
		"#priceblock_ourprice",
		"#priceblock_dealprice",
	); ok {
		if price, err := scraper.NormalizePrice(raw); err == nil {
			p.CurrentPrice = &price
			p.CurrentPriceSource = "page"
		}
	}

	if raw, ok := firstAttr(doc, "#acrPopover", "title"); ok {
		p.Rating = parseRating(raw)
	} else if raw, ok := firstCSS(doc, "span[data-hook=rating-out-of-text]"); ok {
		p.Rating = parseRating(raw)
	}
	if raw, ok := firstCSS(doc, "#acrCustomerReviewText", "span[data-hook=total-review-count]"); ok {
		p.ReviewCount = firstInt(raw)
	}
	if src, ok := firstAttr(doc, "#landingImage", "src"); ok {
		p.MainImage = src
	} else if src, ok := firstAttr(doc, "#imgBlkFront", "src"); ok {
		p.MainImage = src
	}

	availability, _ := firstCSS(doc, "#availability")
	p.InStock = availabilityInStock(availability)

	merchant, _ := firstCSS(doc, "#merchant-info", "#sellerProfileTriggerId")
	p.SoldByAmazon = soldByAmazon(merchant)

	details := detailsTable(doc)
	applyDetails(p, details)

	e.mergeKeepa(ctx, page, doc, p)
	return p, nil
}

// detailsTable flattens the product-details tables and bullet list into a
// key/value map with normalised keys.
func detailsTable(doc *scraper.Document) map[string]string {
	out := make(map[string]string)

	rows := doc.Elements([]config.Selector{
		{Type: config.SelectorCSS, Value: "#productDetails_detailBullets_sections1 tr"},
		{Type: config.SelectorCSS, Value: "#productDetails_techSpec_section_1 tr"},
	})
	for _, row := range rows {
		key := strings.TrimSpace(row.Find("th").First().Text())
		value := strings.TrimSpace(row.Find("td").First().Text())
		if key != "" && value != "" {
			out[normalizeDetailKey(key)] = value
		}
	}

	bullets := doc.Elements([]config.Selector{
		{Type: config.SelectorCSS, Value: "#detailBullets_feature_div li"},
	})
	for _, li := range bullets {
		text := strings.TrimSpace(li.Text())
		parts := strings.SplitN(text, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := normalizeDetailKey(parts[0])
		value := strings.TrimSpace(parts[1])
		if key != "" && value != "" {
			if _, exists := out[key]; !exists {
				out[key] = value
			}
		}
	}
	return out
}

var detailKeyJunk = regexp.MustCompile(`[\s\x{200e}\x{200f}\x{feff}:]+`)

func normalizeDetailKey(key string) string {
	key = detailKeyJunk.ReplaceAllString(key, " ")
	return strings.ToLower(strings.TrimSpace(key))
}

func applyDetails(p *models.AmazonProduct, details map[string]string) {
	if v, ok := details["asin"]; ok && models.ValidASIN(v) {
		if p.ASINFromDetails == "" && v != p.ASINQueried {
			p.ASINFromDetails = v
		}
		p.ASIN = v
	}
	for key, value := range details {
		switch {
		case strings.Contains(key, "best sellers rank"):
			if rank := firstInt(value); rank > 0 && p.SalesRank == 0 {
				p.SalesRank = rank
				p.SalesRankSource = "details_table"
			}
			if cat := rankCategory(value); cat != "" && p.Category == "" {
				p.Category = cat
			}
		case key == "ean" || strings.HasPrefix(key, "ean ") || key == "european article number":
			for _, raw := range strings.Fields(value) {
				if digits, ok := models.NormalizeBarcode(raw); ok {
					p.EANsOnPage = appendUnique(p.EANsOnPage, digits)
				}
			}
		case key == "upc" || strings.HasPrefix(key, "upc "):
			for _, raw := range strings.Fields(value) {
				if models.ValidUPC(raw) {
					digits, _ := models.NormalizeBarcode(raw)
					p.UPCsOnPage = appendUnique(p.UPCsOnPage, digits)
				}
			}
		}
	}
}

var (
	intRe    = regexp.MustCompile(`\d[\d,]*`)
	ratingRe = regexp.MustCompile(`(\d(?:\.\d)?)\s+out of\s+5`)
	// "1,234 in Toys & Games (See Top 100 ...)"
	rankCategoryRe = regexp.MustCompile(`\d[\d,]*\s+in\s+([^(\n]+)`)
)

func firstInt(s string) int {
	m := intRe.FindString(s)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m, ",", ""))
	if err != nil {
		return 0
	}
	return n
}

func parseRating(s string) float64 {
	if m := ratingRe.FindStringSubmatch(s); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			return v
		}
	}
	return 0
}

func rankCategory(s string) string {
	if m := rankCategoryRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func availabilityInStock(s string) bool {
	lower := strings.ToLower(s)
	if lower == "" {
		return false
	}
	if strings.Contains(lower, "unavailable") || strings.Contains(lower, "out of stock") {
		return false
	}
	return strings.Contains(lower, "in stock") || strings.Contains(lower, "only") || strings.Contains(lower, "dispatch")
}

func soldByAmazon(merchant string) bool {
	lower := strings.ToLower(merchant)
	return strings.Contains(lower, "sold by amazon") ||
		strings.Contains(lower, "dispatched from and sold by amazon") ||
		strings.Contains(lower, "ships from and sold by amazon")
}

var asinURLRe = regexp.MustCompile(`/(?:dp|gp/product)/([A-Z0-9]{10})`)

// ASINFromURL extracts the ASIN from a detail-page URL.
func ASINFromURL(pageURL string) string {
	if m := asinURLRe.FindStringSubmatch(pageURL); m != nil && models.ValidASIN(m[1]) {
		return m[1]
	}
	return ""
}

func firstCSS(doc *scraper.Document, selectors ...string) (string, bool) {
	sels := make([]config.Selector, len(selectors))
	for i, s := range selectors {
		sels[i] = config.Selector{Type: config.SelectorCSS, Value: s}
	}
	return doc.First(sels)
}

func firstAttr(doc *scraper.Document, selector, attr string) (string, bool) {
	return doc.First([]config.Selector{{Type: config.SelectorAttr, Value: selector, Attr: attr}})
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func currentDocument(ctx context.Context, page Page) (*scraper.Document, error) {
	content, err := page.Content(ctx)
	if err != nil {
		return nil, err
	}
	pageURL, _ := page.URL(ctx)
	return scraper.ParseDocument([]byte(content), pageURL)
}
