package finance

import (
	"math"
	"strings"
)

// salesMultipliers scales the base curve per category. Unlisted categories
// use 1.0.
var salesMultipliers = map[string]float64{
	"books":       0.5,
	"electronics": 1.2,
	"toys":        1.5,
	"grocery":     2.0,
	"beauty":      1.8,
	"home":        1.3,
}

// bsrBands maps a rank ceiling to a base monthly-sales estimate. Bands are
// checked in order.
var bsrBands = []struct {
	maxRank int
	sales   int
}{
	{100, 1000},
	{500, 500},
	{1000, 300},
	{5000, 150},
	{10000, 100},
	{25000, 50},
	{50000, 25},
	{100000, 10},
	{200000, 5},
}

// EstimateSalesFromBSR estimates monthly unit sales from a Best Sellers
// Rank. Ranks below 1 mean the rank is unknown and yield 0.
func EstimateSalesFromBSR(rank int, category string) int {
	if rank < 1 {
		return 0
	}

	base := 2
	for _, band := range bsrBands {
		if rank <= band.maxRank {
			base = band.sales
			break
		}
	}

	mult := 1.0
	if m, ok := salesMultipliers[category]; ok {
		mult = m
	}
	return int(math.Round(float64(base) * mult))
}

// CategoryKey maps a marketplace display category ("Toys & Games",
// "Home & Kitchen") to the keys the fee and sales tables use. Unrecognised
// categories map to "" and take the default multipliers.
func CategoryKey(displayCategory string) string {
	c := strings.ToLower(displayCategory)
	switch {
	case strings.Contains(c, "book"):
		return "books"
	case strings.Contains(c, "electronic"):
		return "electronics"
	case strings.Contains(c, "toy"):
		return "toys"
	case strings.Contains(c, "grocery"), strings.Contains(c, "food"):
		return "grocery"
	case strings.Contains(c, "beauty"), strings.Contains(c, "health"):
		return "beauty"
	case strings.Contains(c, "home"), strings.Contains(c, "kitchen"), strings.Contains(c, "garden"):
		return "home"
	}
	return ""
}
