package finance

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/svarley/fbascout/internal/config"
	"github.com/svarley/fbascout/internal/models"
)

// Rejection reason labels, also used as counter keys.
const (
	RejectROI          = "roi_below_minimum"
	RejectProfit       = "profit_below_minimum"
	RejectRating       = "rating_below_minimum"
	RejectReviews      = "reviews_below_minimum"
	RejectSalesRank    = "sales_rank_out_of_range"
	RejectOutOfStock   = "out_of_stock"
	RejectSoldByAmazon = "sold_by_amazon"
	RejectNoMainImage  = "no_main_image"
	RejectMatchQuality = "match_quality_low"
)

// Gate applies the sourcing criteria to evaluated tuples and counts
// rejections by reason.
type Gate struct {
	criteria config.Criteria

	mu       sync.Mutex
	passed   int
	rejected map[string]int
}

// NewGate creates a Gate with the configured thresholds.
func NewGate(criteria config.Criteria) *Gate {
	return &Gate{
		criteria: criteria,
		rejected: make(map[string]int),
	}
}

// Check evaluates one tuple against every criterion. All failures are
// reported, not just the first, so rejection counters stay meaningful.
func (g *Gate) Check(t models.ResultTuple) (bool, []string) {
	var reasons []string

	minROI := decimal.NewFromFloat(g.criteria.MinROIPercent)
	if t.Financial.ROIPercentCalculated.LessThan(minROI) {
		reasons = append(reasons, RejectROI)
	}
	minProfit := decimal.NewFromFloat(g.criteria.MinProfitPerUnit)
	if t.Financial.EstimatedProfitPerUnit.LessThan(minProfit) {
		reasons = append(reasons, RejectProfit)
	}
	if t.Amazon.Rating < g.criteria.MinRating {
		reasons = append(reasons, RejectRating)
	}
	if t.Amazon.ReviewCount < g.criteria.MinReviews {
		reasons = append(reasons, RejectReviews)
	}
	if t.Amazon.SalesRank <= 0 || t.Amazon.SalesRank > g.criteria.MaxSalesRank {
		reasons = append(reasons, RejectSalesRank)
	}
	if !t.Amazon.InStock {
		reasons = append(reasons, RejectOutOfStock)
	}
	if t.Amazon.SoldByAmazon {
		reasons = append(reasons, RejectSoldByAmazon)
	}
	if t.Amazon.MainImage == "" {
		reasons = append(reasons, RejectNoMainImage)
	}
	if t.Match.MatchQuality != models.MatchQualityHigh && t.Match.MatchQuality != models.MatchQualityMedium {
		reasons = append(reasons, RejectMatchQuality)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(reasons) == 0 {
		g.passed++
		return true, nil
	}
	for _, r := range reasons {
		g.rejected[r]++
	}
	return false, reasons
}

// Passed is the number of tuples that cleared the gate.
func (g *Gate) Passed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.passed
}

// RejectionCounts returns a copy of the per-reason rejection counters.
func (g *Gate) RejectionCounts() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int, len(g.rejected))
	for k, v := range g.rejected {
		out[k] = v
	}
	return out
}

// Summary renders the counters as stable "reason=n" pairs for logging.
func (g *Gate) Summary() []string {
	counts := g.RejectionCounts()
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return out
}
