package scraper

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/svarley/fbascout/internal/config"
	"github.com/svarley/fbascout/internal/models"
)

// Walker drives a full category walk: listing pages via the pagination
// strategies, then detail-page enrichment with a bounded worker pool.
type Walker struct {
	fetcher     *Fetcher
	extractor   *Extractor
	cfg         config.SupplierConfig
	concurrency int
	batchSize   int
	logger      *slog.Logger
}

// NewWalker creates a Walker. concurrency bounds parallel detail fetches;
// batchSize is the number of products enriched and emitted per sub-batch.
func NewWalker(fetcher *Fetcher, extractor *Extractor, cfg config.SupplierConfig, concurrency, batchSize int, logger *slog.Logger) *Walker {
	if concurrency <= 0 {
		concurrency = 5
	}
	if batchSize <= 0 {
		batchSize = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{
		fetcher:     fetcher,
		extractor:   extractor,
		cfg:         cfg,
		concurrency: concurrency,
		batchSize:   batchSize,
		logger:      logger.With("component", "walker"),
	}
}

// WalkCategory streams up to limit products from one category, walking
// listing pages until the pagination runs out. Products are enriched from
// their detail pages and handed to emit in sub-batches, so the caller can
// checkpoint between batches instead of waiting for the whole category.
// A fetch failure mid-walk keeps what was already emitted; a failure on the
// first page is an error. An emit error aborts the walk.
func (w *Walker) WalkCategory(ctx context.Context, categoryURL string, limit int, emit func([]models.SupplierProduct) error) error {
	var pending []models.SupplierProduct
	emitted := 0

	flush := func(force bool) error {
		for len(pending) >= w.batchSize || (force && len(pending) > 0) {
			n := w.batchSize
			if n > len(pending) {
				n = len(pending)
			}
			batch := pending[:n]
			pending = pending[n:]
			w.enrich(ctx, batch)
			if err := emit(batch); err != nil {
				return err
			}
			emitted += n
		}
		return nil
	}

	pageURL := categoryURL
	for pageNum := 1; ; pageNum++ {
		doc, err := w.fetcher.FetchDocument(ctx, pageURL)
		if err != nil {
			if emitted == 0 && len(pending) == 0 {
				return err
			}
			w.logger.Warn("category walk stopped early", "url", pageURL, "error", err)
			break
		}

		page := w.extractor.Products(doc, categoryURL)
		if len(page) == 0 {
			break
		}
		pending = append(pending, page...)
		if limit > 0 && emitted+len(pending) >= limit {
			pending = pending[:limit-emitted]
			break
		}
		if err := flush(false); err != nil {
			return err
		}

		next := NextPageURL(w.cfg, doc, pageURL, pageNum)
		if next == "" || next == pageURL {
			break
		}
		pageURL = next
	}

	return flush(true)
}

// CategoryProducts collects up to limit products from one category in a
// single slice. Convenience wrapper over WalkCategory.
func (w *Walker) CategoryProducts(ctx context.Context, categoryURL string, limit int) ([]models.SupplierProduct, error) {
	var products []models.SupplierProduct
	err := w.WalkCategory(ctx, categoryURL, limit, func(batch []models.SupplierProduct) error {
		products = append(products, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return products, nil
}

// enrich fills brand, description, price, and identifier fields from each
// product's detail page. Failures are per-product, never fatal to the walk.
func (w *Walker) enrich(ctx context.Context, products []models.SupplierProduct) {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(w.concurrency))
	for i := range products {
		p := &products[i]
		if p.URL == "" {
			continue
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			doc, err := w.fetcher.FetchDocument(gctx, p.URL)
			if err != nil {
				w.logger.Warn("detail enrichment failed", "url", p.URL, "error", err)
				return nil
			}
			w.extractor.EnrichFromDetailPage(gctx, p, doc)
			return nil
		})
	}
	_ = g.Wait()
}
