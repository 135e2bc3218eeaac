// Package matcher decides whether a supplier product and an Amazon listing
// are the same physical product. It layers identifier equality, brand
// evidence, and weighted title similarity into a confidence score, with an
// AI tie-breaker reserved for the ambiguous middle band.
package matcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/svarley/fbascout/internal/models"
)

// Confidence deltas and classification thresholds.
const (
	deltaEANEqual   = 0.60
	deltaEANDiffers = -0.20
	deltaBrand      = 0.25
	deltaTitleHigh  = 0.15
	deltaTitleMid   = 0.05
	deltaTitleLow   = -0.10

	brandAgreeAt   = 0.85
	titleHighAt    = 0.75
	titleMidAt     = 0.50
	thresholdHigh  = 0.75
	thresholdMed   = 0.45
	promotedScore  = 0.80
	demotedScore   = 0.20
)

// TieBreaker resolves medium-confidence matches. Implemented by the llm
// package; nil disables the AI pass.
type TieBreaker interface {
	JudgeMatch(ctx context.Context, supplier models.SupplierProduct, amazon models.AmazonProduct) (models.AIDecision, error)
}

// Matcher validates (supplier, amazon) pairs.
type Matcher struct {
	tieBreaker TieBreaker
	logger     *slog.Logger
}

// New creates a Matcher. tieBreaker may be nil.
func New(tieBreaker TieBreaker, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{tieBreaker: tieBreaker, logger: logger.With("component", "matcher")}
}

// Validate scores one pair and classifies it. Medium-band results are
// re-judged by the AI tie-breaker when one is configured; AI failure leaves
// the deterministic verdict untouched.
func (m *Matcher) Validate(ctx context.Context, supplier models.SupplierProduct, amazon models.AmazonProduct) models.MatchValidation {
	v := models.MatchValidation{}

	// Confidence is seeded by the composite title score, then adjusted by
	// identifier and brand evidence.
	titleScore := TitleSimilarity(supplier.Title, amazon.Title, supplier.Brand)
	v.TitleSimilarityScore = titleScore
	score := titleScore

	// A shared EAN dominates every other signal.
	supplierEAN, supplierHasEAN := models.NormalizeBarcode(supplier.EAN)
	if supplierHasEAN {
		v.ChecksPerformed = append(v.ChecksPerformed, "EAN/GTIN")
		switch {
		case containsBarcode(amazon.EANsOnPage, supplierEAN) || containsBarcode(amazon.UPCsOnPage, supplierEAN):
			score += deltaEANEqual
			v.Reasons = append(v.Reasons, "EAN matches Amazon page")
		case len(amazon.EANsOnPage) == 0 && len(amazon.UPCsOnPage) == 0:
			v.Reasons = append(v.Reasons, "supplier EAN present, none found on Amazon page")
		default:
			score += deltaEANDiffers
			v.Reasons = append(v.Reasons, "EAN differs from Amazon page")
		}
	}

	brandScore, bothBranded := BrandSimilarity(supplier.Title, amazon.Title, supplier.Brand)
	if bothBranded {
		v.ChecksPerformed = append(v.ChecksPerformed, "Brand")
		if brandScore >= brandAgreeAt {
			score += deltaBrand
			v.Reasons = append(v.Reasons, "brand agreement")
		} else {
			v.Reasons = append(v.Reasons, fmt.Sprintf("brand mismatch (similarity %.3f)", brandScore))
		}
	}

	v.ChecksPerformed = append(v.ChecksPerformed, "Title")
	switch {
	case titleScore >= titleHighAt:
		score += deltaTitleHigh
		v.Reasons = append(v.Reasons, fmt.Sprintf("strong title similarity %.3f", titleScore))
	case titleScore >= titleMidAt:
		score += deltaTitleMid
		v.Reasons = append(v.Reasons, fmt.Sprintf("moderate title similarity %.3f", titleScore))
	default:
		score += deltaTitleLow
		v.Reasons = append(v.Reasons, fmt.Sprintf("weak title similarity %.3f", titleScore))
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	v.ConfidenceScore = quantize3(score)
	v.MatchQuality = classify(v.ConfidenceScore)

	if v.MatchQuality == models.MatchQualityMedium && m.tieBreaker != nil {
		decision, err := m.tieBreaker.JudgeMatch(ctx, supplier, amazon)
		if err != nil {
			m.logger.Warn("AI tie-breaker failed, keeping deterministic verdict",
				"asin", amazon.ASIN, "error", err)
			return v
		}
		v.AIValidationDecision = decision
		switch decision {
		case models.AIDecisionMatch:
			v.MatchQuality = models.MatchQualityHigh
			if v.ConfidenceScore < promotedScore {
				v.ConfidenceScore = promotedScore
			}
			v.Reasons = append(v.Reasons, "AI tie-breaker confirmed match")
		case models.AIDecisionMismatch:
			v.MatchQuality = models.MatchQualityLow
			if v.ConfidenceScore > demotedScore {
				v.ConfidenceScore = demotedScore
			}
			v.Reasons = append(v.Reasons, "AI tie-breaker rejected match")
		}
	}
	return v
}

func classify(score float64) models.MatchQuality {
	switch {
	case score >= thresholdHigh:
		return models.MatchQualityHigh
	case score >= thresholdMed:
		return models.MatchQualityMedium
	default:
		return models.MatchQualityLow
	}
}

func containsBarcode(haystack []string, normalized string) bool {
	for _, h := range haystack {
		if got, ok := models.NormalizeBarcode(h); ok && got == normalized {
			return true
		}
	}
	return false
}

// PickBestCandidate scores search candidates against the supplier title and
// returns the index of the best, its overlap score, and whether the best
// cleared the acceptance floor of 0.25. Used for EAN-search disambiguation.
func PickBestCandidate(supplierTitle, supplierBrand string, candidateTitles []string) (int, float64, bool) {
	best, bestScore := -1, -1.0
	for i, title := range candidateTitles {
		s := TitleSimilarity(supplierTitle, title, supplierBrand)
		if s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return -1, 0, false
	}
	return best, bestScore, bestScore >= 0.25
}
