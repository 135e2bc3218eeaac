// Package orchestrator runs the end-to-end pipeline for one supplier: guard
// check, session login, category discovery, chunked supplier extraction
// interleaved with Amazon matching, financial evaluation, artifact
// verification, and the final ready mark.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/svarley/fbascout/internal/cache"
	"github.com/svarley/fbascout/internal/config"
	"github.com/svarley/fbascout/internal/finance"
	"github.com/svarley/fbascout/internal/guard"
	"github.com/svarley/fbascout/internal/linkmap"
	"github.com/svarley/fbascout/internal/models"
	"github.com/svarley/fbascout/internal/paths"
	"github.com/svarley/fbascout/internal/scraper"
	"github.com/svarley/fbascout/internal/verifier"
)

// ErrNeedsIntervention means artifact verification failed and the supplier
// was left unmarked for a human to inspect.
var ErrNeedsIntervention = errors.New("orchestrator: artifacts need intervention")

// CategoryLister enumerates a supplier's category pages and the listing
// pages nested beneath them.
type CategoryLister interface {
	DiscoverCategories(ctx context.Context, cfg config.SupplierConfig) ([]scraper.Category, error)
	DiscoverSubpages(ctx context.Context, cfg config.SupplierConfig, categoryURL string) ([]scraper.Category, error)
}

// CategoryWalker streams the products of one category in sub-batches.
type CategoryWalker interface {
	WalkCategory(ctx context.Context, categoryURL string, limit int, emit func([]models.SupplierProduct) error) error
}

// Validator scores a (supplier, amazon) pair.
type Validator interface {
	Validate(ctx context.Context, supplier models.SupplierProduct, amazon models.AmazonProduct) models.MatchValidation
}

// Session is the auth coordinator surface the run drives.
type Session interface {
	EnsureStartupLogin(ctx context.Context) error
	RecordPriceOutcome(ctx context.Context, priceOK bool) (bool, error)
	RecordProductProcessed(ctx context.Context) error
}

// ArtifactVerifier checks the run's persistent artifacts.
type ArtifactVerifier interface {
	VerifySupplier(supplier string) *verifier.Result
}

// Options are the per-run knobs, mostly CLI-driven.
type Options struct {
	Supplier        string
	ForceRegenerate bool
	// MaxProducts caps total extraction; 0 uses the config value.
	MaxProducts int
	// RunID overrides the generated ULID, for tests.
	RunID string
}

// Deps are the run collaborators. Session may be nil when the supplier
// needs no login; Ranker may be nil when no AI client is configured.
type Deps struct {
	Paths    *paths.Manager
	Guard    *guard.Guard
	Lister   CategoryLister
	Walker   CategoryWalker
	Resolver Resolver
	Matcher  Validator
	Session  Session
	Verifier ArtifactVerifier
	Ranker   *CategoryRanker
	Logger   *slog.Logger
}

// RunReport summarises one run.
type RunReport struct {
	RunID             string         `json:"run_id"`
	Supplier          string         `json:"supplier"`
	Skipped           bool           `json:"skipped,omitempty"`
	SkipReason        string         `json:"skip_reason,omitempty"`
	Categories        int            `json:"categories"`
	ProductsExtracted int            `json:"products_extracted"`
	ProductsMatched   int            `json:"products_matched"`
	PreviouslyVisited int            `json:"previously_visited,omitempty"`
	LinkCacheHits     int            `json:"link_cache_hits"`
	ProfitableMatches int            `json:"profitable_matches"`
	RejectionCounts   map[string]int `json:"rejection_counts,omitempty"`
	NeedsIntervention bool           `json:"needs_intervention,omitempty"`
	ReportPath        string         `json:"report_path,omitempty"`
}

// Orchestrator runs the pipeline for one supplier. One instance per run.
type Orchestrator struct {
	cfg         *config.Config
	supplierCfg config.SupplierConfig
	opts        Options
	runID       string
	deps        Deps
	logger      *slog.Logger

	linkMap   *linkmap.Map
	gate      *finance.Gate
	results   []models.ResultTuple
	evaluated int
	report    *RunReport

	// position is the absolute index of the current product in the match
	// stream; products at or before resumeCursor were handled by an earlier
	// session. processed counts resolutions this session, prevStage the
	// record count of the last completed stage.
	position     int
	resumeCursor int
	processed    int
	prevStage    int
}

// New creates an Orchestrator for one supplier run.
func New(cfg *config.Config, deps Deps, opts Options) (*Orchestrator, error) {
	supplierCfg, ok := cfg.SupplierFor(opts.Supplier)
	if !ok {
		return nil, fmt.Errorf("orchestrator: supplier %q not configured", opts.Supplier)
	}
	runID := opts.RunID
	if runID == "" {
		runID = ulid.Make().String()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:         cfg,
		supplierCfg: supplierCfg,
		opts:        opts,
		runID:       runID,
		deps:        deps,
		logger:      logger.With("component", "orchestrator", "supplier", opts.Supplier, "run_id", runID),
	}, nil
}

// Run executes the pipeline. Cancellation flushes pending state before
// returning, so an interrupted run resumes where it stopped.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	o.report = &RunReport{RunID: o.runID, Supplier: o.opts.Supplier}
	supplier := o.opts.Supplier

	if o.opts.ForceRegenerate {
		if err := o.deps.Guard.ArchiveForRegenerate(supplier); err != nil {
			return o.report, err
		}
	} else if ready, _ := o.deps.Guard.IsReady(supplier); ready {
		o.report.Skipped = true
		o.report.SkipReason = "supplier already marked ready"
		o.logger.Info("skipping run", "reason", o.report.SkipReason)
		return o.report, nil
	}

	if err := o.deps.Paths.EnsureLayout(supplier); err != nil {
		return o.report, err
	}

	statePath := o.deps.Paths.ProcessingStateFile(supplier)
	st := loadState(statePath, o.logger)
	if o.opts.ForceRegenerate {
		st = &models.ProcessingState{}
	}

	lm, err := linkmap.Load(o.deps.Paths.LinkingMapFile(), o.logger)
	if err != nil {
		return o.report, err
	}
	o.linkMap = lm
	o.gate = finance.NewGate(o.cfg.Criteria)

	if o.deps.Session != nil && o.supplierCfg.PriceAccessRequiresLogin {
		if err := o.deps.Session.EnsureStartupLogin(ctx); err != nil {
			return o.report, err
		}
	}

	categories, err := o.deps.Lister.DiscoverCategories(ctx, o.supplierCfg)
	if err != nil {
		return o.report, fmt.Errorf("category discovery: %w", err)
	}
	categories = o.expandSubpages(ctx, categories)
	o.stageComplete("category_discovery", len(categories))
	o.report.Categories = len(categories)
	if len(categories) == 0 {
		return o.report, errors.New("orchestrator: no categories discovered, aborting")
	}
	st.SupplierExtractionProgress.TotalCategories = len(categories)

	if o.deps.Ranker != nil {
		if top := o.deps.Ranker.Rank(ctx, supplier, categories, o.deps.Paths.AICategoryCacheFile(supplier)); len(top) > 0 {
			categories = prioritize(categories, top)
		}
	}

	products, err := o.extractAndMatch(ctx, categories, st)

	// Best-effort flush on every exit path, including cancellation: the next
	// run resumes from whatever made it to disk.
	o.flush(statePath, st, supplier, products)
	if err != nil {
		return o.report, err
	}

	if err := o.finalize(supplier, products); err != nil {
		return o.report, err
	}
	return o.report, nil
}

// extractAndMatch walks categories from the resume point, filtering by price
// band and handing the backlog to the match phase every K categories. On a
// resumed run the cached products re-enter the match stream first, so their
// positions stay stable and unlinked ones still get matched.
func (o *Orchestrator) extractAndMatch(ctx context.Context, categories []scraper.Category, st *models.ProcessingState) ([]models.SupplierProduct, error) {
	supplier := o.opts.Supplier
	cachePath := o.deps.Paths.SupplierCacheFile(supplier)
	statePath := o.deps.Paths.ProcessingStateFile(supplier)

	maxProducts := o.opts.MaxProducts
	if maxProducts == 0 {
		maxProducts = o.cfg.System.MaxProducts
	}
	switchAfter := o.cfg.HybridProcessing.SwitchToAmazonAfterCategories
	chunkSize := o.cfg.HybridProcessing.ProcessingModes.Chunked.ChunkSizeCategories
	flushEvery := o.cfg.SupplierCacheControl.UpdateFrequencyProducts

	startIdx := st.SupplierExtractionProgress.CurrentCategoryIndex
	if startIdx > len(categories) {
		startIdx = len(categories)
	}
	var products []models.SupplierProduct
	if startIdx > 0 || st.LastProcessedIndex > 0 {
		// Resumed run: earlier categories' products are already on disk.
		products = loadSupplierCache(cachePath)
	}
	o.resumeCursor = st.LastProcessedIndex
	if o.resumeCursor > len(products) {
		// Cursor beyond the cache means the cache was lost or truncated;
		// only cached positions can safely be skipped.
		o.resumeCursor = len(products)
	}
	if startIdx >= len(categories) && o.resumeCursor >= len(products) {
		// Every cached product was handled by earlier sessions: the cache is
		// exhausted, so walk the supplier fresh from the top.
		o.logger.Info("supplier cache exhausted, starting a fresh walk")
		*st = models.ProcessingState{}
		st.SupplierExtractionProgress.TotalCategories = len(categories)
		o.resumeCursor = 0
		startIdx = 0
		products = nil
	}

	backlog := append([]models.SupplierProduct(nil), products...)
	matched := 0
	sinceSwitch := 0
	sinceFlush := 0

	checkpoint := func() {
		if err := writeSupplierCache(cachePath, supplier, products); err != nil {
			o.logger.Warn("supplier cache write failed", "error", err)
		}
		o.checkpointState(statePath, st)
	}

	for ci := startIdx; ci < len(categories); ci++ {
		if err := ctx.Err(); err != nil {
			return products, err
		}
		cat := categories[ci]

		limit := o.cfg.System.MaxProductsPerCategory
		if maxProducts > 0 {
			remaining := maxProducts - len(products)
			if remaining <= 0 {
				break
			}
			if limit == 0 || remaining < limit {
				limit = remaining
			}
		}

		raw, kept := 0, 0
		err := o.deps.Walker.WalkCategory(ctx, cat.URL, limit, func(batch []models.SupplierProduct) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			raw += len(batch)
			inBand := o.priceFilter(batch)
			kept += len(inBand)
			products = append(products, inBand...)
			backlog = append(backlog, inBand...)
			sinceFlush += len(inBand)
			st.SupplierExtractionProgress.CurrentProductIndexInCategory = raw
			if flushEvery > 0 && sinceFlush >= flushEvery {
				sinceFlush = 0
				checkpoint()
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return products, ctx.Err()
			}
			o.logger.Warn("category walk failed, skipping", "category", cat.URL, "error", err)
			continue
		}
		o.logger.Info("category extracted",
			"category", cat.URL, "products", raw, "within_price_band", kept)

		sinceSwitch++
		st.SupplierExtractionProgress.CurrentCategoryIndex = ci + 1
		st.SupplierExtractionProgress.CurrentProductIndexInCategory = 0
		st.SupplierExtractionProgress.CategoriesCompleted = append(
			st.SupplierExtractionProgress.CategoriesCompleted, cat.URL)

		if flushEvery > 0 && sinceFlush >= flushEvery {
			sinceFlush = 0
			checkpoint()
		}

		if switchAfter > 0 && sinceSwitch >= switchAfter && len(backlog) > 0 {
			sinceSwitch = 0
			if chunkSize > 0 {
				// First drain sits at the hybrid switch point, later drains
				// run every chunk of categories.
				switchAfter = chunkSize
			}
			n, err := o.matchPhase(ctx, backlog, st)
			matched += n
			backlog = backlog[:0]
			if err != nil {
				o.report.ProductsExtracted = len(products)
				o.report.ProductsMatched = matched
				return products, err
			}
		}
	}

	o.stageComplete("supplier_extraction", len(products))
	o.report.ProductsExtracted = len(products)
	if len(products) == 0 {
		return products, errors.New("orchestrator: supplier extraction produced zero products, aborting")
	}

	n, err := o.matchPhase(ctx, backlog, st)
	matched += n
	o.stageComplete("amazon_matching", matched)
	o.report.ProductsMatched = matched
	return products, err
}

// matchPhase resolves, validates, evaluates, and records one backlog of
// supplier products. Every product advances the stream position and the
// durable cursor; products an earlier session already handled are skipped
// before any network work. Per-product failures are skipped; auth exhaustion
// and cancellation abort.
func (o *Orchestrator) matchPhase(ctx context.Context, batch []models.SupplierProduct, st *models.ProcessingState) (int, error) {
	saveEvery := o.cfg.SupplierExtractionProgress.StatePersistence.BatchSaveFrequency
	batchSize := o.cfg.HybridProcessing.LinkingMapBatchSize
	perCycle := o.cfg.System.MaxProductsPerCycle
	statePath := o.deps.Paths.ProcessingStateFile(o.opts.Supplier)

	n := 0
	for _, p := range batch {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		o.position++
		advance := func() {
			if o.position > st.LastProcessedIndex {
				st.LastProcessedIndex = o.position
			}
			if saveEvery > 0 && o.position%saveEvery == 0 {
				o.checkpointState(statePath, st)
			}
		}

		if o.position <= o.resumeCursor {
			o.report.PreviouslyVisited++
			advance()
			continue
		}
		key := p.Identifier.Key()
		if o.linkMap.Has(key) {
			o.report.LinkCacheHits++
			advance()
			continue
		}

		res, err := o.deps.Resolver.Resolve(ctx, p)
		if err != nil {
			o.logger.Warn("amazon resolution failed", "identifier", key, "error", err)
			advance()
			continue
		}
		amz := res.Amazon
		priceOK := amz.CurrentPrice != nil

		if o.deps.Session != nil {
			if _, err := o.deps.Session.RecordPriceOutcome(ctx, priceOK); err != nil {
				return n, err
			}
			if err := o.deps.Session.RecordProductProcessed(ctx); err != nil {
				return n, err
			}
		}

		validation := o.deps.Matcher.Validate(ctx, p, *amz)
		if res.LowConfidence {
			validation.Reasons = append(validation.Reasons, "search candidate below similarity floor")
		}

		rec := models.LinkingRecord{
			SupplierProductIdentifier: key,
			SupplierTitleSnippet:      models.Snippet(p.Title),
			ChosenAmazonASIN:          amz.ASIN,
			AmazonTitleSnippet:        models.Snippet(amz.Title),
			MatchMethod:               res.Method,
		}
		if len(amz.EANsOnPage) > 0 {
			rec.AmazonEANOnPage = amz.EANsOnPage[0]
		}
		o.linkMap.Append(rec)
		if batchSize > 0 && o.linkMap.Pending() >= batchSize {
			if err := o.linkMap.Flush(); err != nil {
				o.logger.Warn("linking map flush failed", "error", err)
			}
		}

		if priceOK {
			category := finance.CategoryKey(amz.Category)
			metrics := finance.Evaluate(finance.Inputs{
				SupplierPrice: p.Price,
				AmazonPrice:   *amz.CurrentPrice,
				KeepaFBAFee:   keepaFBAFee(amz),
				Category:      category,
				SalesRank:     amz.SalesRank,
			})
			tuple := models.ResultTuple{Supplier: p, Amazon: *amz, Match: validation, Financial: metrics}
			o.evaluated++
			if passed, reasons := o.gate.Check(tuple); passed {
				o.results = append(o.results, tuple)
			} else {
				o.logger.Debug("rejected by criteria gate", "identifier", key, "reasons", reasons)
			}
		}

		n++
		o.processed++
		if perCycle > 0 && o.processed%perCycle == 0 {
			// Cycle boundary: make everything pending durable.
			if err := o.linkMap.Flush(); err != nil {
				o.logger.Warn("linking map flush failed", "error", err)
			}
			o.checkpointState(statePath, st)
		}
		advance()
	}
	return n, nil
}

// checkpointState persists the processing state, recording how far the
// linking map has grown alongside the cursor.
func (o *Orchestrator) checkpointState(path string, st *models.ProcessingState) {
	if o.linkMap != nil {
		st.LinkingMapBatchPosition = o.linkMap.Len()
	}
	if err := saveState(path, st); err != nil {
		o.logger.Warn("state checkpoint failed", "error", err)
	}
}

// expandSubpages walks each discovered category for listing pages nested
// beneath it, inserting them after their parent. Duplicates across the whole
// list are dropped; discovery failures skip the category's subpages only.
func (o *Orchestrator) expandSubpages(ctx context.Context, categories []scraper.Category) []scraper.Category {
	seen := make(map[string]bool, len(categories))
	for _, c := range categories {
		seen[c.URL] = true
	}
	out := make([]scraper.Category, 0, len(categories))
	for _, c := range categories {
		out = append(out, c)
		subs, err := o.deps.Lister.DiscoverSubpages(ctx, o.supplierCfg, c.URL)
		if err != nil {
			o.logger.Warn("subpage discovery failed", "category", c.URL, "error", err)
			continue
		}
		for _, s := range subs {
			if seen[s.URL] {
				continue
			}
			seen[s.URL] = true
			out = append(out, s)
		}
	}
	return out
}

// flush persists everything that can be persisted, regardless of how the run
// is ending.
func (o *Orchestrator) flush(statePath string, st *models.ProcessingState, supplier string, products []models.SupplierProduct) {
	if o.linkMap != nil {
		if err := o.linkMap.Flush(); err != nil {
			o.logger.Warn("final linking map flush failed", "error", err)
		}
	}
	if len(products) > 0 {
		if err := writeSupplierCache(o.deps.Paths.SupplierCacheFile(supplier), supplier, products); err != nil {
			o.logger.Warn("final supplier cache write failed", "error", err)
		}
	}
	o.checkpointState(statePath, st)
}

// finalize writes the financial report, verifies the artifacts, and marks
// the supplier ready.
func (o *Orchestrator) finalize(supplier string, products []models.SupplierProduct) error {
	o.report.ProfitableMatches = len(o.results)
	o.report.RejectionCounts = o.gate.RejectionCounts()

	reportPath := o.deps.Paths.FinancialReportFile(supplier, o.runID)
	if err := o.writeFinancialReport(reportPath, supplier); err != nil {
		return err
	}
	o.report.ReportPath = reportPath
	o.stageComplete("financial_report", len(o.results))

	vres := o.deps.Verifier.VerifySupplier(supplier)
	if vres.NeedsIntervention() {
		o.report.NeedsIntervention = true
		return ErrNeedsIntervention
	}

	perCategory := make(map[string]int)
	for _, p := range products {
		perCategory[p.SourceCategoryURL]++
	}
	summary := guard.Summary{
		TotalProducts:       len(products),
		ProductsPerCategory: perCategory,
		LinkedProducts:      o.linkMap.Len(),
		ProfitableMatches:   len(o.results),
		RunID:               o.runID,
	}
	if err := o.deps.Guard.MarkReady(supplier, summary); err != nil {
		return err
	}
	o.stageComplete("mark_ready", 1)
	return nil
}

// financialReport is the persisted result set for one run.
type financialReport struct {
	RunID             string               `json:"run_id"`
	Supplier          string               `json:"supplier"`
	GeneratedAt       time.Time            `json:"generated_at"`
	Currency          string               `json:"currency"`
	Criteria          config.Criteria      `json:"criteria"`
	ProductsEvaluated int                  `json:"products_evaluated"`
	ProfitableCount   int                  `json:"profitable_count"`
	RejectionSummary  []string             `json:"rejection_summary,omitempty"`
	Results           []models.ResultTuple `json:"results"`
}

func (o *Orchestrator) writeFinancialReport(path, supplier string) error {
	doc := financialReport{
		RunID:             o.runID,
		Supplier:          supplier,
		GeneratedAt:       time.Now().UTC(),
		Currency:          o.cfg.Currency,
		Criteria:          o.cfg.Criteria,
		ProductsEvaluated: o.evaluated,
		ProfitableCount:   len(o.results),
		RejectionSummary:  o.gate.Summary(),
		Results:           o.results,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal financial report: %w", err)
	}
	return cache.WriteFileAtomic(path, data)
}

// priceFilter keeps products inside the configured supplier price band.
func (o *Orchestrator) priceFilter(products []models.SupplierProduct) []models.SupplierProduct {
	min := o.cfg.ProcessingLimits.MinPriceGBP
	max := o.cfg.ProcessingLimits.MaxPriceGBP
	var out []models.SupplierProduct
	for _, p := range products {
		price, _ := p.Price.Float64()
		if price < min || price > max {
			continue
		}
		out = append(out, p)
	}
	return out
}

// prioritize moves the suggested category URLs to the front, keeping
// discovery order otherwise.
func prioritize(categories []scraper.Category, top []string) []scraper.Category {
	rank := make(map[string]int, len(top))
	for i, u := range top {
		rank[u] = i + 1
	}
	var front, rest []scraper.Category
	for _, c := range categories {
		if rank[c.URL] > 0 {
			front = append(front, c)
		} else {
			rest = append(rest, c)
		}
	}
	for i := 0; i < len(front); i++ {
		for j := i + 1; j < len(front); j++ {
			if rank[front[j].URL] < rank[front[i].URL] {
				front[i], front[j] = front[j], front[i]
			}
		}
	}
	return append(front, rest...)
}

// stageComplete logs the stage marker and warns when a stage comes up empty
// after a stage that produced records, the usual signature of broken
// selectors or a blocked session.
func (o *Orchestrator) stageComplete(stage string, records int) {
	o.logger.Info(fmt.Sprintf("STAGE-COMPLETE: %s - %d records", stage, records))
	if records == 0 && o.prevStage > 0 {
		o.logger.Warn("stage produced zero records after a non-empty stage",
			"stage", stage, "previous_stage_records", o.prevStage)
	}
	o.prevStage = records
}
