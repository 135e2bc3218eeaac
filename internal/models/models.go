// Package models defines the domain types shared across the pipeline:
// supplier listings, resolved Amazon products, match validations, financial
// metrics, and the persistent linking-map record format.
package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// IdentifierKind distinguishes how a supplier product is keyed.
type IdentifierKind string

const (
	IdentifierEAN IdentifierKind = "EAN"
	IdentifierURL IdentifierKind = "URL"
)

// ProductIdentifier is the tagged union keying a supplier product.
// EAN is preferred when present and of a valid barcode length; the product
// URL is the fallback.
type ProductIdentifier struct {
	Kind  IdentifierKind `json:"kind"`
	Value string         `json:"value"`
}

// Key renders the identifier in the persistent linking-map form:
// "EAN_<digits>" or "URL_<absolute>".
func (id ProductIdentifier) Key() string {
	return fmt.Sprintf("%s_%s", id.Kind, id.Value)
}

// IsZero reports whether the identifier is unset.
func (id ProductIdentifier) IsZero() bool {
	return id.Value == ""
}

// SupplierProduct is a supplier listing after extraction.
type SupplierProduct struct {
	Identifier          ProductIdentifier `json:"identifier"`
	Title               string            `json:"title"`
	Price               decimal.Decimal   `json:"price"`
	URL                 string            `json:"url"`
	ImageURL            string            `json:"image_url,omitempty"`
	EAN                 string            `json:"ean,omitempty"`
	UPC                 string            `json:"upc,omitempty"`
	SKU                 string            `json:"sku,omitempty"`
	Brand               string            `json:"brand,omitempty"`
	Description         string            `json:"description,omitempty"`
	SourceSupplier      string            `json:"source_supplier"`
	SourceCategoryURL   string            `json:"source_category_url"`
	ExtractionTimestamp time.Time         `json:"extraction_timestamp"`
}

// ProductSource records whether an Amazon product came from cache or a
// fresh extraction.
type ProductSource string

const (
	SourceCache ProductSource = "cache"
	SourceFresh ProductSource = "fresh"
)

// KeepaData holds the two Keepa overlay tables scraped from the product page.
type KeepaData struct {
	ProductDetailsTabData map[string]any `json:"product_details_tab_data"`
	SalesRankDetailsTable map[string]any `json:"sales_rank_details_table"`
}

// AmazonProduct is a resolved Amazon listing.
//
// ASINQueried and ASINFromDetails are both set only when the ASIN derived
// from the page URL disagrees with the ASIN that was looked up.
type AmazonProduct struct {
	ASIN                string           `json:"asin"`
	ASINQueried         string           `json:"asin_queried,omitempty"`
	ASINFromDetails     string           `json:"asin_from_details,omitempty"`
	Title               string           `json:"title"`
	CurrentPrice        *decimal.Decimal `json:"current_price,omitempty"`
	CurrentPriceSource  string           `json:"current_price_source,omitempty"`
	SalesRank           int              `json:"sales_rank,omitempty"`
	SalesRankSource     string           `json:"sales_rank_source,omitempty"`
	Category            string           `json:"category,omitempty"`
	Rating              float64          `json:"rating,omitempty"`
	ReviewCount         int              `json:"review_count,omitempty"`
	InStock             bool             `json:"in_stock"`
	SoldByAmazon        bool             `json:"sold_by_amazon"`
	MainImage           string           `json:"main_image,omitempty"`
	EANsOnPage          []string         `json:"eans_on_page,omitempty"`
	UPCsOnPage          []string         `json:"upcs_on_page,omitempty"`
	Keepa               *KeepaData       `json:"keepa,omitempty"`
	ExtractionTimestamp time.Time        `json:"extraction_timestamp"`
	Source              ProductSource    `json:"source"`
}

// MatchMethod records how a supplier product was resolved to an ASIN.
type MatchMethod string

const (
	MatchMethodEANSearch    MatchMethod = "EAN_search"
	MatchMethodTitleSearch  MatchMethod = "title_search"
	MatchMethodHybridSearch MatchMethod = "hybrid_search"
	MatchMethodManual       MatchMethod = "manual_match"
)

// LinkingRecord is one entry in the persistent linking map. Field order is
// load-bearing: the on-disk array must round-trip without reordering or key
// renaming, so tags and ordering here must not change.
type LinkingRecord struct {
	SupplierProductIdentifier string      `json:"supplier_product_identifier"`
	SupplierTitleSnippet      string      `json:"supplier_title_snippet"`
	ChosenAmazonASIN          string      `json:"chosen_amazon_asin"`
	AmazonTitleSnippet        string      `json:"amazon_title_snippet"`
	AmazonEANOnPage           string      `json:"amazon_ean_on_page,omitempty"`
	MatchMethod               MatchMethod `json:"match_method"`
}

// MatchQuality buckets the matcher's confidence score.
type MatchQuality string

const (
	MatchQualityHigh   MatchQuality = "high"
	MatchQualityMedium MatchQuality = "medium"
	MatchQualityLow    MatchQuality = "low"
)

// AIDecision is the tie-breaker verdict for medium-confidence matches.
type AIDecision string

const (
	AIDecisionMatch     AIDecision = "MATCH"
	AIDecisionMismatch  AIDecision = "MISMATCH"
	AIDecisionUncertain AIDecision = "UNCERTAIN"
)

// MatchValidation is the matcher's output for one (supplier, amazon) pair.
type MatchValidation struct {
	MatchQuality         MatchQuality `json:"match_quality"`
	ConfidenceScore      float64      `json:"confidence_score"`
	Reasons              []string     `json:"reasons,omitempty"`
	ChecksPerformed      []string     `json:"checks_performed,omitempty"`
	TitleSimilarityScore float64      `json:"title_similarity_score,omitempty"`
	AIValidationDecision AIDecision   `json:"ai_validation_decision,omitempty"`
}

// FinancialMetrics holds the evaluator's output. All prices are
// VAT-inclusive in the supplier's currency.
type FinancialMetrics struct {
	SupplierCostPrice      decimal.Decimal `json:"supplier_cost_price"`
	AmazonSellingPrice     decimal.Decimal `json:"amazon_selling_price"`
	EstimatedAmazonFees    decimal.Decimal `json:"estimated_amazon_fees"`
	EstimatedProfitPerUnit decimal.Decimal `json:"estimated_profit_per_unit"`
	ROIPercentCalculated   decimal.Decimal `json:"roi_percent_calculated"`
	VATOnPurchaseEstimated decimal.Decimal `json:"vat_on_purchase_estimated"`
	VATOnSaleEstimated     decimal.Decimal `json:"vat_on_sale_estimated"`
	EstimatedMonthlySales  int             `json:"estimated_monthly_sales"`
	EstimatedMonthlyProfit decimal.Decimal `json:"estimated_monthly_profit"`
	MonthlySalesSource     string          `json:"monthly_sales_source,omitempty"`
	FBAFeeSource           string          `json:"fba_fee_source,omitempty"`
}

// ExtractionProgress tracks where the supplier walk is, for resumability.
type ExtractionProgress struct {
	CurrentCategoryIndex          int      `json:"current_category_index"`
	CurrentProductIndexInCategory int      `json:"current_product_index_in_category"`
	TotalCategories               int      `json:"total_categories"`
	CategoriesCompleted           []string `json:"categories_completed"`
}

// ProcessingState is the per-supplier resumability record. The index is
// monotonically non-decreasing within a session and writes are atomic.
type ProcessingState struct {
	LastProcessedIndex         int                `json:"last_processed_index"`
	SupplierExtractionProgress ExtractionProgress `json:"supplier_extraction_progress"`
	LinkingMapBatchPosition    int                `json:"linking_map_batch_position"`
	LastCheckpoint             time.Time          `json:"last_checkpoint"`
}

// ResultTuple is the in-memory unit the criteria gate evaluates.
type ResultTuple struct {
	Supplier  SupplierProduct  `json:"supplier_product"`
	Amazon    AmazonProduct    `json:"amazon_product"`
	Match     MatchValidation  `json:"match_validation"`
	Financial FinancialMetrics `json:"financial_metrics"`
}

var (
	asinPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^B[0-9A-Z]{9}$`),
		regexp.MustCompile(`^[0-9X]{10}$`),
		regexp.MustCompile(`^[A-Z0-9]{10}$`),
	}
	nonDigits = regexp.MustCompile(`[^0-9]`)
)

// ValidASIN reports whether s is a plausible Amazon ASIN.
func ValidASIN(s string) bool {
	for _, p := range asinPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// NormalizeBarcode strips non-digits and returns the digits plus whether the
// result is an accepted EAN/GTIN length (8, 12, 13 or 14 digits).
func NormalizeBarcode(s string) (string, bool) {
	digits := nonDigits.ReplaceAllString(s, "")
	switch len(digits) {
	case 8, 12, 13, 14:
		return digits, true
	}
	return digits, false
}

// ValidUPC reports whether s normalises to a 12-digit UPC.
func ValidUPC(s string) bool {
	digits := nonDigits.ReplaceAllString(s, "")
	return len(digits) == 12
}

// Snippet shortens a title for the linking map: at most 63 characters,
// ellipsed when truncated.
func Snippet(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= 63 {
		return s
	}
	return string(runes[:60]) + "..."
}
