// Package finance computes per-unit economics for a matched product pair
// and applies the sourcing criteria gate. All money math uses decimals;
// floats appear only at the config boundary.
package finance

import (
	"github.com/shopspring/decimal"

	"github.com/svarley/fbascout/internal/models"
)

var (
	vatRate      = decimal.NewFromFloat(0.20)
	vatDivisor   = decimal.NewFromFloat(1.20)
	referralRate = decimal.NewFromFloat(0.15)
	minFBAFee    = decimal.NewFromFloat(1.50)
	hundred      = decimal.NewFromInt(100)
)

// Fee and sales source labels recorded in FinancialMetrics.
const (
	FeeSourceKeepa    = "keepa"
	FeeSourceEstimate = "size_tier_estimate"

	SalesSourceOverlay  = "overlay_text"
	SalesSourceAIVision = "ai_vision"
	SalesSourceBSRCurve = "bsr_curve"
)

// Inputs collects everything the evaluator needs for one pair. Prices are
// VAT-inclusive. KeepaFBAFee, when present, overrides the size-tier
// estimate. Overlay and AI-vision monthly sales take precedence over the
// BSR curve, in that order.
type Inputs struct {
	SupplierPrice        decimal.Decimal
	AmazonPrice          decimal.Decimal
	KeepaFBAFee          *decimal.Decimal
	WeightKg             float64
	Category             string
	SalesRank            int
	OverlayMonthlySales  *int
	AIVisionMonthlySales *int
}

// Evaluate computes the financial metrics for one pair.
func Evaluate(in Inputs) models.FinancialMetrics {
	psEx := in.SupplierPrice.Div(vatDivisor)
	paEx := in.AmazonPrice.Div(vatDivisor)

	referralFee := paEx.Mul(referralRate)

	var fbaFee decimal.Decimal
	feeSource := FeeSourceEstimate
	if in.KeepaFBAFee != nil {
		fbaFee = *in.KeepaFBAFee
		feeSource = FeeSourceKeepa
	} else {
		fbaFee = EstimateFBAFee(in.WeightKg, in.Category)
	}

	feesTotal := referralFee.Add(fbaFee)
	profit := paEx.Sub(psEx).Sub(feesTotal)

	roi := decimal.Zero
	if psEx.IsPositive() {
		roi = profit.Div(psEx).Mul(hundred)
	}

	monthlySales, salesSource := monthlySales(in)

	return models.FinancialMetrics{
		SupplierCostPrice:      in.SupplierPrice.Round(2),
		AmazonSellingPrice:     in.AmazonPrice.Round(2),
		EstimatedAmazonFees:    feesTotal.Round(2),
		EstimatedProfitPerUnit: profit.Round(2),
		ROIPercentCalculated:   roi.Round(2),
		VATOnPurchaseEstimated: in.SupplierPrice.Sub(psEx).Round(2),
		VATOnSaleEstimated:     in.AmazonPrice.Sub(paEx).Round(2),
		EstimatedMonthlySales:  monthlySales,
		EstimatedMonthlyProfit: profit.Mul(decimal.NewFromInt(int64(monthlySales))).Round(2),
		MonthlySalesSource:     salesSource,
		FBAFeeSource:           feeSource,
	}
}

// monthlySales resolves the sales-velocity precedence chain.
func monthlySales(in Inputs) (int, string) {
	if in.OverlayMonthlySales != nil {
		return *in.OverlayMonthlySales, SalesSourceOverlay
	}
	if in.AIVisionMonthlySales != nil {
		return *in.AIVisionMonthlySales, SalesSourceAIVision
	}
	return EstimateSalesFromBSR(in.SalesRank, in.Category), SalesSourceBSRCurve
}

// feeMultipliers adjusts the size-tier base fee for categories with heavier
// or bulkier typical items.
var feeMultipliers = map[string]float64{
	"electronics": 1.10,
	"home":        1.20,
	"toys":        1.05,
}

// EstimateFBAFee is the fallback pick-pack fee estimate when Keepa data is
// unavailable: size tier from weight, weight surcharge, category multiplier,
// floored at 1.50. An unknown weight assumes a standard parcel.
func EstimateFBAFee(weightKg float64, category string) decimal.Decimal {
	var base decimal.Decimal
	switch {
	case weightKg > 0 && weightKg <= 0.1:
		base = decimal.NewFromFloat(1.71) // small letter
	case weightKg > 0 && weightKg <= 0.25:
		base = decimal.NewFromFloat(2.07) // large letter
	case weightKg > 0 && weightKg <= 0.5:
		base = decimal.NewFromFloat(2.90) // small parcel
	default:
		base = decimal.NewFromFloat(3.80) // standard parcel
	}

	if weightKg > 2 {
		surcharge := decimal.NewFromFloat((weightKg - 2) * 0.25)
		base = base.Add(surcharge)
	}
	if mult, ok := feeMultipliers[category]; ok {
		base = base.Mul(decimal.NewFromFloat(mult))
	}

	if base.LessThan(minFBAFee) {
		return minFBAFee
	}
	return base.Round(2)
}
