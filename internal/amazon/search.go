package amazon

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/svarley/fbascout/internal/config"
	"github.com/svarley/fbascout/internal/matcher"
	"github.com/svarley/fbascout/internal/models"
	"github.com/svarley/fbascout/internal/scraper"
)

// ErrNoOrganicResults means the search page had results but every one was
// sponsored. Callers fall back to a title search.
var ErrNoOrganicResults = errors.New("amazon: no organic search results")

const (
	searchScanLimit    = 15
	searchOrganicLimit = 5
)

// Candidate is one organic search result.
type Candidate struct {
	ASIN  string
	Title string
	URL   string
}

// SearchResult is the outcome of a search: either the search redirected
// straight to a listing, or a candidate was chosen from the result grid.
type SearchResult struct {
	ASIN string
	// DirectRedirect is set when Amazon skipped the result grid and landed
	// on the listing itself, the usual shape for an exact EAN hit.
	DirectRedirect bool
	// LowConfidence is set when no candidate cleared the similarity floor
	// and the first organic result was taken anyway.
	LowConfidence bool
	Candidates    []Candidate
}

// SearchByEAN searches the marketplace for a barcode and picks the listing
// most similar to the supplier title.
func (e *Extractor) SearchByEAN(ctx context.Context, page Page, ean, supplierTitle, supplierBrand string) (*SearchResult, error) {
	digits, ok := models.NormalizeBarcode(ean)
	if !ok {
		return nil, fmt.Errorf("amazon: %q is not a searchable barcode", ean)
	}
	return e.search(ctx, page, digits, supplierTitle, supplierBrand)
}

// SearchByTitle searches the marketplace by supplier title, the fallback when
// there is no EAN or the EAN search came back all-sponsored.
func (e *Extractor) SearchByTitle(ctx context.Context, page Page, supplierTitle, supplierBrand string) (*SearchResult, error) {
	query := strings.TrimSpace(supplierTitle)
	if query == "" {
		return nil, errors.New("amazon: empty title query")
	}
	return e.search(ctx, page, query, supplierTitle, supplierBrand)
}

func (e *Extractor) search(ctx context.Context, page Page, query, supplierTitle, supplierBrand string) (*SearchResult, error) {
	searchURL := e.baseURL + "/s?k=" + url.QueryEscape(query)
	doc, err := e.navigate(ctx, page, searchURL)
	if err != nil {
		return nil, err
	}

	pageURL, _ := page.URL(ctx)
	if asin := directListingASIN(doc, pageURL); asin != "" {
		e.logger.Debug("search redirected to listing", "query", query, "asin", asin)
		return &SearchResult{ASIN: asin, DirectRedirect: true}, nil
	}

	candidates := organicCandidates(doc)
	if len(candidates) == 0 {
		return nil, ErrNoOrganicResults
	}

	result := &SearchResult{Candidates: candidates}
	titles := make([]string, len(candidates))
	for i, c := range candidates {
		titles[i] = c.Title
	}
	idx, score, ok := matcher.PickBestCandidate(supplierTitle, supplierBrand, titles)
	if !ok {
		// Nothing cleared the floor: take the top organic hit but flag it so
		// the match validator weighs it accordingly.
		result.ASIN = candidates[0].ASIN
		result.LowConfidence = true
		e.logger.Debug("no candidate cleared similarity floor", "query", query, "taken", result.ASIN)
		return result, nil
	}
	result.ASIN = candidates[idx].ASIN
	e.logger.Debug("candidate chosen", "query", query, "asin", result.ASIN, "similarity", score)
	return result, nil
}

// directListingASIN reports the ASIN when the current page is already a
// product listing rather than a result grid.
func directListingASIN(doc *scraper.Document, pageURL string) string {
	asin := ASINFromURL(pageURL)
	if asin == "" {
		return ""
	}
	for _, sel := range []string{"#dp-container", "#ppd", "#productTitle"} {
		if docHasSelector(doc, sel) {
			return asin
		}
	}
	return ""
}

// organicCandidates walks the result grid, skipping sponsored tiles. At most
// searchScanLimit tiles are inspected and searchOrganicLimit organics kept.
func organicCandidates(doc *scraper.Document) []Candidate {
	tiles := doc.Elements([]config.Selector{
		{Type: config.SelectorCSS, Value: "div[data-component-type=s-search-result]"},
		{Type: config.SelectorCSS, Value: "div.s-result-item[data-asin]"},
	})

	var out []Candidate
	for i, tile := range tiles {
		if i >= searchScanLimit || len(out) >= searchOrganicLimit {
			break
		}
		asin, _ := tile.Attr("data-asin")
		if !models.ValidASIN(asin) {
			continue
		}
		if tileSponsored(tile) {
			continue
		}
		title, ok := scraper.SelectionFirst(tile, []config.Selector{
			{Type: config.SelectorCSS, Value: "h2 a span"},
			{Type: config.SelectorCSS, Value: "h2 span"},
			{Type: config.SelectorCSS, Value: "h2"},
		})
		if !ok {
			continue
		}
		href, _ := scraper.SelectionFirst(tile, []config.Selector{
			{Type: config.SelectorAttr, Value: "h2 a", Attr: "href"},
			{Type: config.SelectorAttr, Value: "a.a-link-normal", Attr: "href"},
		})
		out = append(out, Candidate{ASIN: asin, Title: title, URL: href})
	}
	return out
}

var sponsoredTextRe = regexp.MustCompile(`(?i)\b(sponsored|advertisement|ad for)\b`)

// tileSponsored recognises the markers Amazon uses for paid placements.
func tileSponsored(tile *goquery.Selection) bool {
	if tile.Find("[data-component-type=sp-sponsored-result]").Length() > 0 {
		return true
	}
	if tile.Find(`a[aria-label=Sponsored], span[aria-label=Sponsored]`).Length() > 0 {
		return true
	}
	if tile.Find(".s-sponsored-label-text, .puis-sponsored-label-text, .AdHolder, .ad-marker").Length() > 0 {
		return true
	}
	label := tile.Find(".a-color-secondary, .s-label-popover-default").First().Text()
	return sponsoredTextRe.MatchString(strings.TrimSpace(label))
}
