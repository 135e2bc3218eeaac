package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/svarley/fbascout/internal/config"
	"github.com/svarley/fbascout/internal/guard"
	"github.com/svarley/fbascout/internal/linkmap"
	"github.com/svarley/fbascout/internal/models"
	"github.com/svarley/fbascout/internal/paths"
	"github.com/svarley/fbascout/internal/scraper"
	"github.com/svarley/fbascout/internal/verifier"
)

const testSupplier = "acme-wholesale"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLister struct {
	categories []scraper.Category
	subpages   map[string][]scraper.Category
	err        error
}

func (f *fakeLister) DiscoverCategories(_ context.Context, _ config.SupplierConfig) ([]scraper.Category, error) {
	return f.categories, f.err
}

func (f *fakeLister) DiscoverSubpages(_ context.Context, _ config.SupplierConfig, categoryURL string) ([]scraper.Category, error) {
	return f.subpages[categoryURL], nil
}

type fakeWalker struct {
	byCategory map[string][]models.SupplierProduct
	walked     []string
	// batchSize splits a category into emitted sub-batches; 0 emits all at
	// once. between runs after each non-final emit.
	batchSize int
	between   func()
}

func (f *fakeWalker) WalkCategory(_ context.Context, categoryURL string, limit int, emit func([]models.SupplierProduct) error) error {
	f.walked = append(f.walked, categoryURL)
	products := f.byCategory[categoryURL]
	if limit > 0 && len(products) > limit {
		products = products[:limit]
	}
	size := f.batchSize
	if size <= 0 {
		size = len(products)
	}
	for start := 0; start < len(products); start += size {
		end := start + size
		if end > len(products) {
			end = len(products)
		}
		if err := emit(products[start:end]); err != nil {
			return err
		}
		if f.between != nil && end < len(products) {
			f.between()
		}
	}
	return nil
}

type fakeResolver struct {
	resolved []string
	errFor   map[string]error
	noPrice  map[string]bool
}

func (f *fakeResolver) Resolve(_ context.Context, p models.SupplierProduct) (*Resolution, error) {
	key := p.Identifier.Key()
	if err := f.errFor[key]; err != nil {
		return nil, err
	}
	f.resolved = append(f.resolved, key)

	amz := &models.AmazonProduct{
		ASIN:                "B0" + pad8(len(f.resolved)),
		Title:               p.Title,
		SalesRank:           5000,
		Category:            "Toys & Games",
		Rating:              4.5,
		ReviewCount:         120,
		InStock:             true,
		MainImage:           "https://m.media-amazon.com/x.jpg",
		ExtractionTimestamp: time.Now().UTC(),
		Source:              models.SourceFresh,
	}
	if !f.noPrice[key] {
		price := decimal.RequireFromString("19.99")
		amz.CurrentPrice = &price
		amz.CurrentPriceSource = "page"
	}
	return &Resolution{Amazon: amz, Method: models.MatchMethodEANSearch}, nil
}

// pad8 widens a counter to the 8 characters an ASIN suffix needs.
func pad8(n int) string {
	s := ""
	for i := 0; i < 8; i++ {
		s = string(rune('A'+(n%26))) + s
	}
	return s
}

type fakeValidator struct{ quality models.MatchQuality }

func (f *fakeValidator) Validate(_ context.Context, _ models.SupplierProduct, _ models.AmazonProduct) models.MatchValidation {
	q := f.quality
	if q == "" {
		q = models.MatchQualityHigh
	}
	return models.MatchValidation{MatchQuality: q, ConfidenceScore: 0.9}
}

type fakeVerifier struct{ fail bool }

func (f *fakeVerifier) VerifySupplier(supplier string) *verifier.Result {
	check := verifier.FileCheck{OK: !f.fail}
	if f.fail {
		check.Errors = []string{"schema violation"}
	}
	return &verifier.Result{Supplier: supplier, Checks: []verifier.FileCheck{check}}
}

type fakeSession struct {
	logins      int
	prices      int
	processed   int
	onProcessed func(count int)
}

func (f *fakeSession) EnsureStartupLogin(_ context.Context) error { f.logins++; return nil }
func (f *fakeSession) RecordPriceOutcome(_ context.Context, _ bool) (bool, error) {
	f.prices++
	return false, nil
}
func (f *fakeSession) RecordProductProcessed(_ context.Context) error {
	f.processed++
	if f.onProcessed != nil {
		f.onProcessed(f.processed)
	}
	return nil
}

func product(ean, title, price string) models.SupplierProduct {
	p := models.SupplierProduct{
		Title:               title,
		Price:               decimal.RequireFromString(price),
		URL:                 "https://acme.test/p/" + ean,
		EAN:                 ean,
		SourceSupplier:      testSupplier,
		ExtractionTimestamp: time.Now().UTC(),
	}
	p.Identifier = models.ProductIdentifier{Kind: models.IdentifierEAN, Value: ean}
	return p
}

type fixture struct {
	cfg      *config.Config
	pm       *paths.Manager
	guard    *guard.Guard
	lister   *fakeLister
	walker   *fakeWalker
	resolver *fakeResolver
	session  *fakeSession
	verifier *fakeVerifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.HybridProcessing.SwitchToAmazonAfterCategories = 1
	cfg.Suppliers = map[string]config.SupplierConfig{
		testSupplier: {BaseURL: "https://acme.test", PriceAccessRequiresLogin: true},
	}
	pm := paths.New(t.TempDir())

	cat1 := scraper.Category{URL: "https://acme.test/toys", Name: "Toys"}
	cat2 := scraper.Category{URL: "https://acme.test/home", Name: "Home"}
	return &fixture{
		cfg:    cfg,
		pm:     pm,
		guard:  guard.New(pm, guard.DefaultTTL, testLogger()),
		lister: &fakeLister{categories: []scraper.Category{cat1, cat2}},
		walker: &fakeWalker{byCategory: map[string][]models.SupplierProduct{
			cat1.URL: {
				product("5000000000012", "LEGO City Police Car 60312", "4.99"),
				product("5000000000029", "Crayola Washable Markers 12 Pack", "2.99"),
			},
			cat2.URL: {
				product("5000000000036", "Yankee Candle Lavender 200g", "6.50"),
			},
		}},
		resolver: &fakeResolver{errFor: map[string]error{}, noPrice: map[string]bool{}},
		session:  &fakeSession{},
		verifier: &fakeVerifier{},
	}
}

func (f *fixture) orchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	if opts.Supplier == "" {
		opts.Supplier = testSupplier
	}
	if opts.RunID == "" {
		opts.RunID = "01TESTRUN0000000000000000"
	}
	o, err := New(f.cfg, Deps{
		Paths:    f.pm,
		Guard:    f.guard,
		Lister:   f.lister,
		Walker:   f.walker,
		Resolver: f.resolver,
		Matcher:  &fakeValidator{},
		Session:  f.session,
		Verifier: f.verifier,
		Logger:   testLogger(),
	}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, Options{})

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Skipped {
		t.Fatal("run should not skip")
	}
	if report.ProductsExtracted != 3 || report.ProductsMatched != 3 {
		t.Errorf("extracted=%d matched=%d, want 3/3", report.ProductsExtracted, report.ProductsMatched)
	}
	if report.ProfitableMatches != 3 {
		t.Errorf("profitable = %d, want 3", report.ProfitableMatches)
	}
	if f.session.logins != 1 {
		t.Errorf("startup logins = %d, want 1", f.session.logins)
	}
	if f.session.processed != 3 {
		t.Errorf("products recorded = %d", f.session.processed)
	}

	// Artifacts on disk.
	if _, err := os.Stat(f.pm.SupplierCacheFile(testSupplier)); err != nil {
		t.Errorf("supplier cache missing: %v", err)
	}
	if _, err := os.Stat(report.ReportPath); err != nil {
		t.Errorf("financial report missing: %v", err)
	}
	lm, err := linkmap.Load(f.pm.LinkingMapFile(), testLogger())
	if err != nil || lm.Len() != 3 {
		t.Errorf("linking map len = %d err = %v, want 3", lm.Len(), err)
	}
	if ready, _ := f.guard.IsReady(testSupplier); !ready {
		t.Error("supplier should be marked ready")
	}
}

func TestRunSkipsWhenReady(t *testing.T) {
	f := newFixture(t)
	if err := f.guard.MarkReady(testSupplier, guard.Summary{TotalProducts: 1}); err != nil {
		t.Fatal(err)
	}
	o := f.orchestrator(t, Options{})

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Skipped {
		t.Fatal("expected skip")
	}
	if len(f.walker.walked) != 0 {
		t.Errorf("walker should not run on skip, walked %v", f.walker.walked)
	}
}

func TestRunForceRegenerateArchives(t *testing.T) {
	f := newFixture(t)
	if err := f.guard.MarkReady(testSupplier, guard.Summary{TotalProducts: 1}); err != nil {
		t.Fatal(err)
	}
	o := f.orchestrator(t, Options{ForceRegenerate: true})

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Skipped {
		t.Fatal("force-regenerate must not skip")
	}
	if report.ProductsExtracted != 3 {
		t.Errorf("extracted = %d", report.ProductsExtracted)
	}
}

func TestRunAbortsOnZeroExtraction(t *testing.T) {
	f := newFixture(t)
	f.walker.byCategory = map[string][]models.SupplierProduct{}
	o := f.orchestrator(t, Options{})

	_, err := o.Run(context.Background())
	if err == nil {
		t.Fatal("zero extraction must abort")
	}
	if ready, _ := f.guard.IsReady(testSupplier); ready {
		t.Error("aborted run must not mark ready")
	}
}

func TestRunPriceFilter(t *testing.T) {
	f := newFixture(t)
	f.cfg.ProcessingLimits.MinPriceGBP = 3.0
	f.cfg.ProcessingLimits.MaxPriceGBP = 5.0
	o := f.orchestrator(t, Options{})

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Only the 4.99 product survives the band.
	if report.ProductsExtracted != 1 || report.ProductsMatched != 1 {
		t.Errorf("extracted=%d matched=%d, want 1/1", report.ProductsExtracted, report.ProductsMatched)
	}
}

func TestRunResumeSkipsCompletedWork(t *testing.T) {
	f := newFixture(t)

	// A previous session finished category 1 and linked its products.
	st := &models.ProcessingState{LastProcessedIndex: 2}
	st.SupplierExtractionProgress.CurrentCategoryIndex = 1
	st.SupplierExtractionProgress.CategoriesCompleted = []string{"https://acme.test/toys"}
	if err := f.pm.EnsureLayout(testSupplier); err != nil {
		t.Fatal(err)
	}
	if err := saveState(f.pm.ProcessingStateFile(testSupplier), st); err != nil {
		t.Fatal(err)
	}
	cat1Products := f.walker.byCategory["https://acme.test/toys"]
	if err := writeSupplierCache(f.pm.SupplierCacheFile(testSupplier), testSupplier, cat1Products); err != nil {
		t.Fatal(err)
	}
	lm, err := linkmap.Load(f.pm.LinkingMapFile(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range cat1Products {
		lm.Append(models.LinkingRecord{
			SupplierProductIdentifier: p.Identifier.Key(),
			SupplierTitleSnippet:      models.Snippet(p.Title),
			ChosenAmazonASIN:          "B0PREVIOUS",
			AmazonTitleSnippet:        models.Snippet(p.Title),
			MatchMethod:               models.MatchMethodEANSearch,
		})
	}
	if err := lm.Flush(); err != nil {
		t.Fatal(err)
	}

	o := f.orchestrator(t, Options{})
	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(f.walker.walked) != 1 || f.walker.walked[0] != "https://acme.test/home" {
		t.Errorf("walked %v, want only the unfinished category", f.walker.walked)
	}
	// Cached category-1 products still count toward the totals.
	if report.ProductsExtracted != 3 {
		t.Errorf("extracted = %d, want 3 (2 cached + 1 fresh)", report.ProductsExtracted)
	}
	// Only the fresh product hits the resolver; the linked ones are skipped.
	if len(f.resolver.resolved) != 1 {
		t.Errorf("resolved %v, want only the category-2 product", f.resolver.resolved)
	}
}

func TestRunResumeMatchesUnlinkedCachedProducts(t *testing.T) {
	f := newFixture(t)

	// The previous session extracted category 1 but crashed after matching
	// only its first product: both are cached, only one is linked.
	st := &models.ProcessingState{LastProcessedIndex: 1}
	st.SupplierExtractionProgress.CurrentCategoryIndex = 1
	if err := f.pm.EnsureLayout(testSupplier); err != nil {
		t.Fatal(err)
	}
	if err := saveState(f.pm.ProcessingStateFile(testSupplier), st); err != nil {
		t.Fatal(err)
	}
	cat1Products := f.walker.byCategory["https://acme.test/toys"]
	if err := writeSupplierCache(f.pm.SupplierCacheFile(testSupplier), testSupplier, cat1Products); err != nil {
		t.Fatal(err)
	}
	lm, err := linkmap.Load(f.pm.LinkingMapFile(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	lm.Append(models.LinkingRecord{
		SupplierProductIdentifier: cat1Products[0].Identifier.Key(),
		SupplierTitleSnippet:      models.Snippet(cat1Products[0].Title),
		ChosenAmazonASIN:          "B0PREVIOUS",
		AmazonTitleSnippet:        models.Snippet(cat1Products[0].Title),
		MatchMethod:               models.MatchMethodEANSearch,
	})
	if err := lm.Flush(); err != nil {
		t.Fatal(err)
	}

	o := f.orchestrator(t, Options{})
	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The cached-but-unmatched product and the fresh one both resolve.
	want := []string{"EAN_5000000000029", "EAN_5000000000036"}
	if len(f.resolver.resolved) != len(want) {
		t.Fatalf("resolved %v, want %v", f.resolver.resolved, want)
	}
	for i := range want {
		if f.resolver.resolved[i] != want[i] {
			t.Errorf("resolved[%d] = %q, want %q", i, f.resolver.resolved[i], want[i])
		}
	}
	if report.PreviouslyVisited != 1 {
		t.Errorf("previously visited = %d, want 1", report.PreviouslyVisited)
	}
}

func TestRunFreshWalkWhenCacheExhausted(t *testing.T) {
	f := newFixture(t)

	// Every category walked, every cached product processed and linked.
	all := append(append([]models.SupplierProduct(nil),
		f.walker.byCategory["https://acme.test/toys"]...),
		f.walker.byCategory["https://acme.test/home"]...)
	st := &models.ProcessingState{LastProcessedIndex: 3}
	st.SupplierExtractionProgress.CurrentCategoryIndex = 2
	if err := f.pm.EnsureLayout(testSupplier); err != nil {
		t.Fatal(err)
	}
	if err := saveState(f.pm.ProcessingStateFile(testSupplier), st); err != nil {
		t.Fatal(err)
	}
	if err := writeSupplierCache(f.pm.SupplierCacheFile(testSupplier), testSupplier, all); err != nil {
		t.Fatal(err)
	}
	lm, err := linkmap.Load(f.pm.LinkingMapFile(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range all {
		lm.Append(models.LinkingRecord{
			SupplierProductIdentifier: p.Identifier.Key(),
			SupplierTitleSnippet:      models.Snippet(p.Title),
			ChosenAmazonASIN:          "B0PREVIOUS",
			AmazonTitleSnippet:        models.Snippet(p.Title),
			MatchMethod:               models.MatchMethodEANSearch,
		})
	}
	if err := lm.Flush(); err != nil {
		t.Fatal(err)
	}

	o := f.orchestrator(t, Options{})
	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Cache exhausted: the run starts a fresh walk from the top.
	if len(f.walker.walked) != 2 {
		t.Errorf("walked %v, want a full fresh walk", f.walker.walked)
	}
	if report.ProductsExtracted != 3 {
		t.Errorf("extracted = %d, want 3", report.ProductsExtracted)
	}
	if report.PreviouslyVisited != 0 {
		t.Errorf("previously visited = %d, want 0 after cursor reset", report.PreviouslyVisited)
	}
	// Already-linked products short-circuit on the linking map.
	if report.LinkCacheHits != 3 || len(f.resolver.resolved) != 0 {
		t.Errorf("link cache hits = %d, resolved = %v", report.LinkCacheHits, f.resolver.resolved)
	}
	got := loadState(f.pm.ProcessingStateFile(testSupplier), testLogger())
	if got.LastProcessedIndex != 3 {
		t.Errorf("LastProcessedIndex = %d, want 3 rebuilt by the fresh pass", got.LastProcessedIndex)
	}
	if len(got.SupplierExtractionProgress.CategoriesCompleted) != 2 {
		t.Errorf("CategoriesCompleted = %v, want the fresh walk only", got.SupplierExtractionProgress.CategoriesCompleted)
	}
}

func TestRunMidCategoryCheckpoints(t *testing.T) {
	f := newFixture(t)
	f.cfg.SupplierCacheControl.UpdateFrequencyProducts = 1
	f.walker.batchSize = 1

	checked := false
	f.walker.between = func() {
		if checked {
			return
		}
		checked = true
		// Mid-category, after the first emitted product: cache and state
		// must already be durable.
		cached := loadSupplierCache(f.pm.SupplierCacheFile(testSupplier))
		if len(cached) != 1 {
			t.Errorf("cached products mid-category = %d, want 1", len(cached))
		}
		st := loadState(f.pm.ProcessingStateFile(testSupplier), testLogger())
		if st.SupplierExtractionProgress.CurrentCategoryIndex != 0 {
			t.Errorf("CurrentCategoryIndex = %d, want 0 mid-category", st.SupplierExtractionProgress.CurrentCategoryIndex)
		}
		if st.SupplierExtractionProgress.CurrentProductIndexInCategory != 1 {
			t.Errorf("CurrentProductIndexInCategory = %d, want 1", st.SupplierExtractionProgress.CurrentProductIndexInCategory)
		}
	}

	o := f.orchestrator(t, Options{})
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !checked {
		t.Fatal("walker never paused between batches")
	}
	// Back at a category boundary the in-category index resets.
	st := loadState(f.pm.ProcessingStateFile(testSupplier), testLogger())
	if st.SupplierExtractionProgress.CurrentProductIndexInCategory != 0 {
		t.Errorf("CurrentProductIndexInCategory = %d after run, want 0", st.SupplierExtractionProgress.CurrentProductIndexInCategory)
	}
}

func TestRunWalksDiscoveredSubpages(t *testing.T) {
	f := newFixture(t)
	sub := scraper.Category{URL: "https://acme.test/toys/outdoor", Name: "Outdoor", Depth: 1}
	f.lister.subpages = map[string][]scraper.Category{
		"https://acme.test/toys": {sub, {URL: "https://acme.test/home", Name: "Home"}},
	}
	f.walker.byCategory[sub.URL] = []models.SupplierProduct{
		product("5000000000043", "Frisbee Classic 27cm", "3.25"),
	}

	o := f.orchestrator(t, Options{})
	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The subpage slots in after its parent; the duplicate of an already
	// discovered category is dropped.
	want := []string{"https://acme.test/toys", sub.URL, "https://acme.test/home"}
	if len(f.walker.walked) != len(want) {
		t.Fatalf("walked %v, want %v", f.walker.walked, want)
	}
	for i := range want {
		if f.walker.walked[i] != want[i] {
			t.Errorf("walked[%d] = %q, want %q", i, f.walker.walked[i], want[i])
		}
	}
	if report.Categories != 3 || report.ProductsExtracted != 4 {
		t.Errorf("categories=%d extracted=%d, want 3/4", report.Categories, report.ProductsExtracted)
	}
}

func TestRunCycleCheckpointFlushesLinkingMap(t *testing.T) {
	f := newFixture(t)
	f.cfg.System.MaxProductsPerCycle = 2
	// Batch threshold too high to flush on its own: only the cycle
	// checkpoint makes records durable before the run ends.
	f.cfg.HybridProcessing.LinkingMapBatchSize = 100

	var durableAtThird int
	f.session.onProcessed = func(count int) {
		if count != 3 {
			return
		}
		lm, err := linkmap.Load(f.pm.LinkingMapFile(), testLogger())
		if err != nil {
			t.Errorf("loading linking map mid-run: %v", err)
			return
		}
		durableAtThird = lm.Len()
	}

	o := f.orchestrator(t, Options{})
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if durableAtThird != 2 {
		t.Errorf("durable linking records at third product = %d, want 2 from the cycle checkpoint", durableAtThird)
	}
	st := loadState(f.pm.ProcessingStateFile(testSupplier), testLogger())
	if st.LinkingMapBatchPosition != 3 {
		t.Errorf("LinkingMapBatchPosition = %d, want 3", st.LinkingMapBatchPosition)
	}
}

func TestRunChunkedMatchCadence(t *testing.T) {
	f := newFixture(t)
	f.cfg.HybridProcessing.SwitchToAmazonAfterCategories = 1
	f.cfg.HybridProcessing.ProcessingModes.Chunked.ChunkSizeCategories = 2

	var events []string
	cats := make([]scraper.Category, 0, 5)
	byCategory := make(map[string][]models.SupplierProduct, 5)
	eans := []string{"5000000000012", "5000000000029", "5000000000036", "5000000000043", "5000000000050"}
	for i, ean := range eans {
		u := "https://acme.test/cat" + string(rune('1'+i))
		cats = append(cats, scraper.Category{URL: u})
		byCategory[u] = []models.SupplierProduct{product(ean, "Widget "+ean, "4.00")}
	}
	f.lister.categories = cats
	f.walker.byCategory = byCategory

	o := f.orchestrator(t, Options{})
	o.deps.Walker = &recordingWalker{fakeWalker: f.walker, events: &events}
	o.deps.Resolver = &recordingResolver{fakeResolver: f.resolver, events: &events}

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// First drain at the switch point, then every two categories.
	want := []string{
		"walk https://acme.test/cat1",
		"resolve EAN_5000000000012",
		"walk https://acme.test/cat2",
		"walk https://acme.test/cat3",
		"resolve EAN_5000000000029",
		"resolve EAN_5000000000036",
		"walk https://acme.test/cat4",
		"walk https://acme.test/cat5",
		"resolve EAN_5000000000043",
		"resolve EAN_5000000000050",
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

type recordingWalker struct {
	*fakeWalker
	events *[]string
}

func (r *recordingWalker) WalkCategory(ctx context.Context, categoryURL string, limit int, emit func([]models.SupplierProduct) error) error {
	*r.events = append(*r.events, "walk "+categoryURL)
	return r.fakeWalker.WalkCategory(ctx, categoryURL, limit, emit)
}

type recordingResolver struct {
	*fakeResolver
	events *[]string
}

func (r *recordingResolver) Resolve(ctx context.Context, p models.SupplierProduct) (*Resolution, error) {
	*r.events = append(*r.events, "resolve "+p.Identifier.Key())
	return r.fakeResolver.Resolve(ctx, p)
}

func TestRunWarnsWhenStageYieldsNothing(t *testing.T) {
	f := newFixture(t)
	for _, ean := range []string{"5000000000012", "5000000000029", "5000000000036"} {
		f.resolver.noPrice["EAN_"+ean] = true
	}

	var buf bytes.Buffer
	o, err := New(f.cfg, Deps{
		Paths:    f.pm,
		Guard:    f.guard,
		Lister:   f.lister,
		Walker:   f.walker,
		Resolver: f.resolver,
		Matcher:  &fakeValidator{},
		Session:  f.session,
		Verifier: f.verifier,
		Logger:   slog.New(slog.NewTextHandler(&buf, nil)),
	}, Options{Supplier: testSupplier, RunID: "01TESTRUN0000000000000000"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	logs := buf.String()
	if !strings.Contains(logs, "STAGE-COMPLETE: financial_report - 0 records") {
		t.Error("financial_report stage marker missing")
	}
	if !strings.Contains(logs, "stage produced zero records after a non-empty stage") {
		t.Error("expected a stage-guard warning for the empty financial report")
	}
	if !strings.Contains(logs, "stage=financial_report") {
		t.Errorf("stage-guard warning should name the empty stage, logs:\n%s", logs)
	}
}

func TestRunVerificationBlocksMarkReady(t *testing.T) {
	f := newFixture(t)
	f.verifier.fail = true
	o := f.orchestrator(t, Options{})

	report, err := o.Run(context.Background())
	if !errors.Is(err, ErrNeedsIntervention) {
		t.Fatalf("err = %v, want ErrNeedsIntervention", err)
	}
	if !report.NeedsIntervention {
		t.Error("report should flag intervention")
	}
	if ready, _ := f.guard.IsReady(testSupplier); ready {
		t.Error("failed verification must not mark ready")
	}
}

func TestRunMaxProductsCap(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, Options{MaxProducts: 2})

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ProductsExtracted != 2 {
		t.Errorf("extracted = %d, want 2 (capped)", report.ProductsExtracted)
	}
	if len(f.walker.walked) != 1 {
		t.Errorf("walked %d categories, cap should stop after the first", len(f.walker.walked))
	}
}

func TestRunNoPriceSkipsEvaluation(t *testing.T) {
	f := newFixture(t)
	key := "EAN_5000000000012"
	f.resolver.noPrice[key] = true
	o := f.orchestrator(t, Options{})

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ProductsMatched != 3 {
		t.Errorf("matched = %d", report.ProductsMatched)
	}
	// The priceless product is linked but not evaluated.
	if report.ProfitableMatches != 2 {
		t.Errorf("profitable = %d, want 2", report.ProfitableMatches)
	}
	lm, _ := linkmap.Load(f.pm.LinkingMapFile(), testLogger())
	if !lm.Has(key) {
		t.Error("priceless product should still be linked")
	}
}

func TestRunUnknownSupplier(t *testing.T) {
	f := newFixture(t)
	_, err := New(f.cfg, Deps{Paths: f.pm, Guard: f.guard}, Options{Supplier: "nope"})
	if err == nil {
		t.Fatal("unknown supplier must fail fast")
	}
}
