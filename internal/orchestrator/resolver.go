package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/svarley/fbascout/internal/amazon"
	"github.com/svarley/fbascout/internal/cache"
	"github.com/svarley/fbascout/internal/models"
	"github.com/svarley/fbascout/internal/scraper"
)

// Resolution is a supplier product resolved to an Amazon listing.
type Resolution struct {
	Amazon        *models.AmazonProduct
	Method        models.MatchMethod
	LowConfidence bool
}

// Resolver finds the Amazon listing for a supplier product.
type Resolver interface {
	Resolve(ctx context.Context, p models.SupplierProduct) (*Resolution, error)
}

// AmazonResolver is the production Resolver: EAN search with title fallback,
// a per-ASIN extraction cache, and fresh extraction on misses.
type AmazonResolver struct {
	page   amazon.Page
	ex     *amazon.Extractor
	store  *cache.Store
	logger *slog.Logger
}

// NewAmazonResolver creates an AmazonResolver. store may be nil to disable
// the per-ASIN cache.
func NewAmazonResolver(page amazon.Page, ex *amazon.Extractor, store *cache.Store, logger *slog.Logger) *AmazonResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &AmazonResolver{page: page, ex: ex, store: store, logger: logger.With("component", "resolver")}
}

// Resolve searches by EAN when the product has one, falling back to a title
// search when the EAN search yields only sponsored results. Extractions are
// cached per (ASIN, EAN) and reused within the cache TTL.
func (r *AmazonResolver) Resolve(ctx context.Context, p models.SupplierProduct) (*Resolution, error) {
	sr, method, err := r.search(ctx, p)
	if err != nil {
		return nil, err
	}

	key := asinCacheKey(sr.ASIN, p.EAN)
	if r.store != nil {
		var cached models.AmazonProduct
		if err := r.store.GetInto(cache.FamilyAmazonASIN, key, &cached); err == nil {
			cached.Source = models.SourceCache
			r.logger.Debug("amazon cache hit", "asin", sr.ASIN)
			return &Resolution{Amazon: &cached, Method: method, LowConfidence: sr.LowConfidence}, nil
		}
	}

	var product *models.AmazonProduct
	if sr.DirectRedirect {
		product, err = r.ex.ExtractCurrentListing(ctx, r.page, sr.ASIN)
	} else {
		product, err = r.ex.ExtractByASIN(ctx, r.page, sr.ASIN)
	}
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", sr.ASIN, err)
	}

	if r.store != nil {
		if err := r.store.Put(cache.FamilyAmazonASIN, key, product); err != nil {
			r.logger.Warn("amazon cache write failed", "asin", product.ASIN, "error", err)
		}
	}
	return &Resolution{Amazon: product, Method: method, LowConfidence: sr.LowConfidence}, nil
}

func (r *AmazonResolver) search(ctx context.Context, p models.SupplierProduct) (*amazon.SearchResult, models.MatchMethod, error) {
	if _, hasEAN := models.NormalizeBarcode(p.EAN); hasEAN {
		sr, err := r.ex.SearchByEAN(ctx, r.page, p.EAN, p.Title, p.Brand)
		if err == nil {
			return sr, models.MatchMethodEANSearch, nil
		}
		if !errors.Is(err, amazon.ErrNoOrganicResults) {
			return nil, "", err
		}
		// EAN search came back all-sponsored; fall through to the title path.
		sr, err = r.ex.SearchByTitle(ctx, r.page, p.Title, p.Brand)
		if err != nil {
			return nil, "", err
		}
		return sr, models.MatchMethodHybridSearch, nil
	}

	sr, err := r.ex.SearchByTitle(ctx, r.page, p.Title, p.Brand)
	if err != nil {
		return nil, "", err
	}
	return sr, models.MatchMethodTitleSearch, nil
}

// asinCacheKey names the cache entry: amazon_<ASIN>[_<EAN>].
func asinCacheKey(asin, ean string) string {
	key := "amazon_" + asin
	if digits, ok := models.NormalizeBarcode(ean); ok {
		key += "_" + digits
	}
	return key
}

// keepaFBAFee pulls an explicit FBA fee out of the Keepa overlay data when
// one was scraped.
func keepaFBAFee(amz *models.AmazonProduct) *decimal.Decimal {
	if amz.Keepa == nil {
		return nil
	}
	for _, key := range []string{"FBA Pick&Pack Fee", "FBA Fees", "Pick & Pack Fee"} {
		raw, ok := amz.Keepa.ProductDetailsTabData[key]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		fee, err := scraper.NormalizePrice(s)
		if err != nil {
			continue
		}
		return &fee
	}
	return nil
}
