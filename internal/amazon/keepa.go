package amazon

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/svarley/fbascout/internal/config"
	"github.com/svarley/fbascout/internal/models"
	"github.com/svarley/fbascout/internal/scraper"
)

// KeepaPriceSource marks a price recovered from the Keepa overlay rather
// than the listing itself.
const KeepaPriceSource = "Keepa_Product_Details_Fallback"

const (
	keepaStatusTimeout = "Product details tab timeout"
	keepaGridWait      = 12 * time.Second
	keepaGridRetryWait = 5 * time.Second
	keepaGridSelector  = "#keepaTabsWrapper [role=row]"
	keepaGridFallback  = "[role=row] [role=rowheader]"
)

// keepa price keys, in preference order, for the price fallback.
var keepaPriceKeys = []string{"Buy Box - Current", "Amazon - Current", "New - Current"}

// mergeKeepa scrapes the Keepa overlay tables when present and backfills
// price and sales rank the listing itself did not yield. Overlay absence is
// recorded, never an error: the listing data stands on its own.
func (e *Extractor) mergeKeepa(ctx context.Context, page Page, doc *scraper.Document, p *models.AmazonProduct) {
	if ready, refreshed := e.waitForKeepaGrid(ctx, page); !ready {
		p.Keepa = &models.KeepaData{
			ProductDetailsTabData: map[string]any{"status": keepaStatusTimeout},
		}
		return
	} else if refreshed != nil {
		doc = refreshed
	}

	keepa := ParseKeepaData(doc)
	if len(keepa.ProductDetailsTabData) == 0 && len(keepa.SalesRankDetailsTable) == 0 {
		p.Keepa = &models.KeepaData{
			ProductDetailsTabData: map[string]any{"status": keepaStatusTimeout},
		}
		return
	}
	p.Keepa = keepa

	if p.CurrentPrice == nil {
		for _, key := range keepaPriceKeys {
			raw, ok := keepa.ProductDetailsTabData[key]
			if !ok {
				continue
			}
			price, err := scraper.NormalizePrice(keepaString(raw))
			if err != nil {
				continue
			}
			p.CurrentPrice = &price
			p.CurrentPriceSource = KeepaPriceSource
			e.logger.Debug("price recovered from overlay", "asin", p.ASIN, "key", key)
			break
		}
	}

	if p.SalesRank == 0 {
		if raw, ok := keepa.SalesRankDetailsTable["Sales Rank - Current"]; ok {
			if rank := firstInt(keepaString(raw)); rank > 0 {
				p.SalesRank = rank
				p.SalesRankSource = "keepa_sales_rank_table"
			}
		}
	}
	if p.SalesRank == 0 {
		// Some listings render the rank as an ordinary product-details row
		// ("Best Sellers Rank") instead of the dedicated rank table.
		keys := make([]string, 0, len(keepa.ProductDetailsTabData))
		for key := range keepa.ProductDetailsTabData {
			if strings.Contains(strings.ToLower(key), "rank") {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		for _, key := range keys {
			if rank := firstInt(keepaString(keepa.ProductDetailsTabData[key])); rank > 0 {
				p.SalesRank = rank
				p.SalesRankSource = "keepa_product_details_table"
				break
			}
		}
	}
}

// waitForKeepaGrid waits for the overlay to render: a long primary wait, then
// a short retry on a looser selector. Static pages answer immediately. The
// returned document reflects any content that appeared while waiting.
func (e *Extractor) waitForKeepaGrid(ctx context.Context, page Page) (bool, *scraper.Document) {
	err := page.WaitVisible(ctx, keepaGridSelector, keepaGridWait)
	if err != nil && !errors.Is(err, ErrNotInteractive) {
		err = page.WaitVisible(ctx, keepaGridFallback, keepaGridRetryWait)
	}
	if err != nil {
		if errors.Is(err, ErrNotInteractive) {
			// Static page: the grid is either in the markup already or never
			// will be. Check the markup directly.
			doc, derr := currentDocument(ctx, page)
			if derr == nil && (docHasSelector(doc, keepaGridSelector) || docHasSelector(doc, "[role=row]")) {
				return true, doc
			}
		}
		return false, nil
	}
	doc, derr := currentDocument(ctx, page)
	if derr != nil {
		return false, nil
	}
	return true, doc
}

// ParseKeepaData reads the overlay's role="row" grids into the two persisted
// tables. Rows whose header mentions a sales rank land in the rank table,
// everything else in the product-details table.
func ParseKeepaData(doc *scraper.Document) *models.KeepaData {
	keepa := &models.KeepaData{
		ProductDetailsTabData: make(map[string]any),
		SalesRankDetailsTable: make(map[string]any),
	}

	rows := doc.Elements([]config.Selector{
		{Type: config.SelectorCSS, Value: keepaGridSelector},
		{Type: config.SelectorCSS, Value: "[role=row]"},
	})
	for _, row := range rows {
		header := strings.TrimSpace(row.Find(`[role=rowheader]`).First().Text())
		cells := row.Find(`[role=gridcell]`)
		if header == "" {
			if cells.Length() < 2 {
				continue
			}
			header = strings.TrimSpace(cells.First().Text())
			cells = cells.Slice(1, cells.Length())
		}
		if header == "" || cells.Length() == 0 {
			continue
		}
		value := strings.TrimSpace(cells.First().Text())
		if value == "" {
			continue
		}

		coerced := coerceKeepaValue(value)
		if strings.Contains(strings.ToLower(header), "sales rank") {
			keepa.SalesRankDetailsTable[header] = coerced
		} else {
			keepa.ProductDetailsTabData[header] = coerced
		}
	}
	return keepa
}

// coerceKeepaValue types a cell: plain integers and decimals become numbers,
// anything carrying a currency symbol, percentage or text stays a string.
func coerceKeepaValue(value string) any {
	plain := strings.ReplaceAll(value, ",", "")
	if n, err := strconv.Atoi(plain); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(plain, 64); err == nil {
		return f
	}
	return value
}

func keepaString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}
