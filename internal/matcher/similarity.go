package matcher

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Layer weights for the composite title score.
const (
	weightBrand    = 0.40
	weightModel    = 0.30
	weightPackage  = 0.20
	weightResidual = 0.10
)

// minModelDigits is the shortest pure-digit run treated as a model number.
const minModelDigits = 4

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"with": true, "for": true, "in": true, "on": true, "at": true,
	"by": true, "from": true,
	// Promotional fluff that carries no product identity.
	"new": true, "sale": true, "offer": true, "deal": true, "hot": true,
	"best": true, "top": true, "premium": true, "quality": true,
	"great": true, "amazing": true, "perfect": true, "ultimate": true,
	"professional": true, "classic": true, "original": true,
	"genuine": true, "authentic": true, "official": true, "branded": true,
}

// brandVocabulary is the built-in brand-indicator word list. Supplier brand
// fields extend it per comparison.
var brandVocabulary = map[string]bool{
	"lego": true, "disney": true, "mattel": true, "hasbro": true,
	"barbie": true, "playmobil": true, "nerf": true, "fisher": true,
	"nivea": true, "loreal": true, "dove": true, "garnier": true,
	"gillette": true, "colgate": true, "maybelline": true,
	"revlon": true, "rimmel": true, "olay": true, "vaseline": true,
	"nescafe": true, "cadbury": true, "nestle": true, "kelloggs": true,
	"heinz": true, "walkers": true, "pringles": true, "haribo": true,
	"fairy": true, "persil": true, "ariel": true, "dettol": true,
	"duracell": true, "energizer": true, "philips": true, "braun": true,
	"remington": true, "tefal": true, "russell": true, "morphy": true,
	"yankee": true, "airwick": true, "febreze": true, "glade": true,
	"crayola": true, "tommee": true, "pampers": true,
	"huggies": true, "johnson": true, "aveeno": true, "cerave": true,
}

var (
	wordRe      = regexp.MustCompile(`[a-z0-9]+`)
	modelRe     = regexp.MustCompile(`\b[A-Z0-9]+\b`)
	hasDigitRe  = regexp.MustCompile(`[0-9]`)
	hasLetterRe = regexp.MustCompile(`[A-Z]`)
	packRe      = regexp.MustCompile(`(?:(\d+)\s*[-x ]?\s*(pack|set|box|pcs|pieces|pairs?|tablets|capsules|sachets|bags|rolls))|(?:(pack|set|box)\s+of\s+(\d+))`)
)

func tokens(title string) []string {
	return wordRe.FindAllString(strings.ToLower(title), -1)
}

func nonStopTokens(title string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range tokens(title) {
		if !stopWords[t] {
			out[t] = true
		}
	}
	return out
}

// brandTokens picks out the words of a title that appear in the brand
// vocabulary. extra adds supplier-declared brand words for this comparison.
func brandTokens(title string, extra map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for _, t := range tokens(title) {
		if brandVocabulary[t] || extra[t] {
			out[t] = true
		}
	}
	return out
}

// modelTokens are uppercased alphanumeric runs shaped like product codes:
// letter-digit mixes ("XJ500", "A2100", "200G") and long pure-digit runs
// ("60312"). Short digit runs are quantities, not models, and pure-letter
// runs belong to the brand and residual layers.
func modelTokens(title string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range modelRe.FindAllString(strings.ToUpper(title), -1) {
		switch {
		case hasDigitRe.MatchString(t) && hasLetterRe.MatchString(t):
			out[t] = true
		case !hasLetterRe.MatchString(t) && len(t) >= minModelDigits:
			out[t] = true
		}
	}
	return out
}

// packageTokens normalises pack-size phrasings to a canonical `<n>_<unit>`
// form so "3 Pack", "3-pack" and "Pack of 3" all compare equal.
func packageTokens(title string) map[string]bool {
	out := make(map[string]bool)
	for _, m := range packRe.FindAllStringSubmatch(strings.ToLower(title), -1) {
		var n, unit string
		if m[1] != "" {
			n, unit = m[1], m[2]
		} else {
			n, unit = m[4], m[3]
		}
		unit = strings.TrimSuffix(unit, "s")
		if unit == "piece" || unit == "pc" {
			unit = "pcs"
		}
		out[n+"_"+unit] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// overlapOverMax is |a ∩ b| / max(|a|, |b|).
func overlapOverMax(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	return float64(inter) / math.Max(float64(len(a)), float64(len(b)))
}

func sharedCount(a, b map[string]bool) int {
	n := 0
	for t := range a {
		if b[t] {
			n++
		}
	}
	return n
}

func quantize3(f float64) float64 {
	s := strconv.FormatFloat(f, 'f', 3, 64)
	out, _ := strconv.ParseFloat(s, 64)
	return out
}

// TitleSimilarity scores two product titles in [0,1] using four weighted
// layers: brand, model codes, pack size, and residual word overlap. The
// score is symmetric in its title arguments. supplierBrand, when known,
// extends the brand vocabulary for this comparison.
func TitleSimilarity(supplierTitle, amazonTitle, supplierBrand string) float64 {
	extra := make(map[string]bool)
	for _, t := range tokens(supplierBrand) {
		extra[t] = true
	}

	brandA := brandTokens(supplierTitle, extra)
	brandB := brandTokens(amazonTitle, extra)
	score := weightBrand * overlapOverMax(brandA, brandB)

	score += weightModel * jaccard(modelTokens(supplierTitle), modelTokens(amazonTitle))

	packA := packageTokens(supplierTitle)
	packB := packageTokens(amazonTitle)
	if len(packA) == 0 && len(packB) == 0 {
		// No pack-size claim on either side is agreement, not absence.
		score += weightPackage
	} else {
		score += weightPackage * jaccard(packA, packB)
	}

	residA := nonStopTokens(supplierTitle)
	residB := nonStopTokens(amazonTitle)
	score += weightResidual * jaccard(residA, residB)

	if sharedCount(residA, residB) >= 3 && score >= 0.7 {
		score = math.Min(0.95, score+0.15)
	}
	if score > 1 {
		score = 1
	}
	return quantize3(score)
}

// BrandSimilarity compares the brand evidence of two titles in isolation.
// Returns the overlap score and whether both sides carry brand evidence.
func BrandSimilarity(supplierTitle, amazonTitle, supplierBrand string) (float64, bool) {
	extra := make(map[string]bool)
	for _, t := range tokens(supplierBrand) {
		extra[t] = true
	}
	a := brandTokens(supplierTitle, extra)
	b := brandTokens(amazonTitle, extra)
	if len(a) == 0 || len(b) == 0 {
		return 0, false
	}
	return quantize3(overlapOverMax(a, b)), true
}
