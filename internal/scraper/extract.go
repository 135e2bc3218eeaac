package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"github.com/svarley/fbascout/internal/config"
	"github.com/svarley/fbascout/internal/models"
)

// maxAIContextChars bounds the HTML handed to the AI selector fallback.
const maxAIContextChars = 6000

// Completer is the AI fallback used when every selector for a field comes
// up empty. Nil disables the fallback.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Extractor turns listing tiles and detail pages into SupplierProducts.
type Extractor struct {
	supplier string
	cfg      config.SupplierConfig
	ai       Completer
	logger   *slog.Logger
}

// NewExtractor creates an Extractor for one supplier. ai may be nil.
func NewExtractor(supplier string, cfg config.SupplierConfig, ai Completer, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		supplier: supplier,
		cfg:      cfg,
		ai:       ai,
		logger:   logger.With("component", "extractor", "supplier", supplier),
	}
}

// Products extracts every product tile on a listing page. Tiles missing a
// title or URL are skipped with a debug log; a missing price keeps the
// product (the detail page may fill it in).
func (e *Extractor) Products(doc *Document, categoryURL string) []models.SupplierProduct {
	tiles := doc.Elements(e.cfg.ProductSelectors)
	products := make([]models.SupplierProduct, 0, len(tiles))

	for _, tile := range tiles {
		p, ok := e.productFromTile(tile, doc.URL(), categoryURL)
		if !ok {
			continue
		}
		products = append(products, p)
	}
	e.logger.Debug("listing page extracted", "category_url", categoryURL, "tiles", len(tiles), "products", len(products))
	return products
}

func (e *Extractor) productFromTile(tile *goquery.Selection, pageURL, categoryURL string) (models.SupplierProduct, bool) {
	title, _ := SelectionFirst(tile, e.fieldSelectors("title"))
	productURL := e.tileURL(tile, pageURL)
	if title == "" || productURL == "" {
		e.logger.Debug("tile skipped", "has_title", title != "", "has_url", productURL != "")
		return models.SupplierProduct{}, false
	}

	p := models.SupplierProduct{
		Title:               title,
		URL:                 productURL,
		SourceSupplier:      e.supplier,
		SourceCategoryURL:   categoryURL,
		ExtractionTimestamp: time.Now().UTC(),
	}
	if raw, ok := SelectionFirst(tile, e.fieldSelectors("price")); ok {
		if price, err := NormalizePrice(raw); err == nil {
			p.Price = price
		}
	}
	if img, ok := SelectionFirst(tile, e.fieldSelectors("image")); ok {
		p.ImageURL = resolveURL(pageURL, img)
	}
	if raw, ok := SelectionFirst(tile, e.fieldSelectors("ean")); ok {
		if ean, valid := models.NormalizeBarcode(raw); valid {
			p.EAN = ean
		}
	}
	p.Identifier = identify(p)
	return p, true
}

// EnrichFromDetailPage appends detail-page fields to a listing product:
// brand, description, a price when the tile had none, and the identifier
// fields. Existing values are never overwritten.
func (e *Extractor) EnrichFromDetailPage(ctx context.Context, p *models.SupplierProduct, doc *Document) {
	if p.Brand == "" {
		p.Brand, _ = e.extractField(ctx, doc, "brand")
	}
	if p.Description == "" {
		p.Description, _ = e.extractField(ctx, doc, "description")
	}
	if p.Price.IsZero() {
		if raw, ok := e.extractField(ctx, doc, "price"); ok {
			if price, err := NormalizePrice(raw); err == nil {
				p.Price = price
			}
		}
	}
	if p.EAN == "" {
		if raw, ok := e.extractField(ctx, doc, "ean"); ok {
			if ean, valid := models.NormalizeBarcode(raw); valid {
				p.EAN = ean
			}
		}
	}
	if p.SKU == "" {
		p.SKU, _ = e.extractField(ctx, doc, "sku")
	}
	p.Identifier = identify(*p)
}

// extractField runs the selector list for a field, falling back to the AI
// callback with bounded HTML context when every selector misses.
func (e *Extractor) extractField(ctx context.Context, doc *Document, field string) (string, bool) {
	if v, ok := doc.First(e.fieldSelectors(field)); ok {
		return v, true
	}
	if e.ai == nil {
		return "", false
	}

	htmlContext := doc.HTML()
	if len(htmlContext) > maxAIContextChars {
		htmlContext = htmlContext[:maxAIContextChars]
	}
	prompt := fmt.Sprintf(
		"Extract the product %s from this HTML fragment. Reply with the value only, or NONE if absent.\n\n%s",
		field, htmlContext,
	)
	reply, err := e.ai.Complete(ctx, prompt)
	if err != nil {
		e.logger.Debug("AI field fallback failed", "field", field, "error", err)
		return "", false
	}
	reply = strings.TrimSpace(reply)
	if reply == "" || strings.EqualFold(reply, "NONE") {
		return "", false
	}
	e.logger.Debug("AI field fallback used", "field", field)
	return reply, true
}

func (e *Extractor) fieldSelectors(field string) []config.Selector {
	return e.cfg.FieldSelectors[field]
}

func (e *Extractor) tileURL(tile *goquery.Selection, pageURL string) string {
	if href, ok := SelectionFirst(tile, e.fieldSelectors("url")); ok {
		return resolveURL(pageURL, href)
	}
	if href, ok := tile.Find("a[href]").First().Attr("href"); ok {
		return resolveURL(pageURL, href)
	}
	if href, ok := tile.Attr("href"); ok {
		return resolveURL(pageURL, href)
	}
	return ""
}

// identify picks the product identifier: a valid EAN wins, the absolute
// product URL is the fallback.
func identify(p models.SupplierProduct) models.ProductIdentifier {
	if ean, valid := models.NormalizeBarcode(p.EAN); valid {
		return models.ProductIdentifier{Kind: models.IdentifierEAN, Value: ean}
	}
	return models.ProductIdentifier{Kind: models.IdentifierURL, Value: p.URL}
}

var priceRe = regexp.MustCompile(`(\d+(?:[.,]\d{1,2})?)`)

// NormalizePrice extracts a decimal price from scraped text like "£4.99",
// "4,99 €", or "Now: £12.50 was £19.99" (first amount wins).
func NormalizePrice(raw string) (decimal.Decimal, error) {
	m := priceRe.FindString(strings.TrimSpace(raw))
	if m == "" {
		return decimal.Zero, fmt.Errorf("scraper: no price in %q", raw)
	}
	m = strings.ReplaceAll(m, ",", ".")
	price, err := decimal.NewFromString(m)
	if err != nil {
		return decimal.Zero, fmt.Errorf("scraper: parse price %q: %w", raw, err)
	}
	return price, nil
}

func resolveURL(base, href string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return href
	}
	hrefURL, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	return baseURL.ResolveReference(hrefURL).String()
}
