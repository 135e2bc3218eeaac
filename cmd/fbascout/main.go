// Package main is the fbascout entry point: one supplier run per invocation,
// wiring the scraper, Amazon matcher, and financial evaluator behind a cobra
// CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/svarley/fbascout/internal/amazon"
	"github.com/svarley/fbascout/internal/authcoord"
	"github.com/svarley/fbascout/internal/cache"
	"github.com/svarley/fbascout/internal/config"
	"github.com/svarley/fbascout/internal/guard"
	"github.com/svarley/fbascout/internal/llm"
	"github.com/svarley/fbascout/internal/logging"
	"github.com/svarley/fbascout/internal/matcher"
	"github.com/svarley/fbascout/internal/orchestrator"
	"github.com/svarley/fbascout/internal/paths"
	"github.com/svarley/fbascout/internal/scraper"
	"github.com/svarley/fbascout/internal/verifier"
	"github.com/svarley/fbascout/internal/version"
)

const (
	defaultConfigPath    = "config/system_config.json"
	amazonRequestSpacing = 2 * time.Second
)

const (
	exitOK           = 0
	exitFailed       = 1
	exitIntervention = 2
	exitInterrupted  = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := rootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		return exitCode(err)
	}
	return exitOK
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fbascout",
		Short:         "fbascout - supplier-to-Amazon FBA arbitrage scanner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), versionCmd())
	return root
}

// runFlags are the per-run CLI knobs.
type runFlags struct {
	configPath      string
	supplierURL     string
	supplierEmail   string
	supplierPass    string
	headed          bool
	maxProducts     int
	forceRegenerate bool
	enableTracing   bool
}

func runCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the extraction pipeline for one supplier",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", defaultConfigPath, "path to the system configuration document")
	cmd.Flags().StringVar(&flags.supplierURL, "supplier-url", "", "supplier site URL (required)")
	cmd.Flags().StringVar(&flags.supplierEmail, "supplier-email", "", "supplier account email")
	cmd.Flags().StringVar(&flags.supplierPass, "supplier-password", "", "supplier account password")
	cmd.Flags().BoolVar(&flags.headed, "headed", false, "run the browser headed instead of headless")
	cmd.Flags().IntVar(&flags.maxProducts, "max-products", 0, "cap total products extracted (0 = config value)")
	cmd.Flags().BoolVar(&flags.forceRegenerate, "force-regenerate", false, "archive existing supplier data and rebuild")
	cmd.Flags().BoolVar(&flags.enableTracing, "enable-langgraph-tracing", false, "enable verbose pipeline tracing")
	_ = cmd.MarkFlagRequired("supplier-url")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
		},
	}
}

func runPipeline(ctx context.Context, flags runFlags) error {
	if flags.enableTracing {
		_ = os.Setenv("LOG_LEVEL", "debug")
	}
	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting fbascout",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	supplier, supplierCfg, err := resolveSupplier(cfg, flags.supplierURL)
	if err != nil {
		return err
	}
	logger = logger.With("supplier", supplier)

	pm := paths.New(cfg.OutputRoot)
	g := guard.New(pm, cfg.CacheTTL(), logger)

	store := cache.New(cache.Options{
		Dirs:       map[cache.Family]string{cache.FamilyAmazonASIN: pm.AmazonCacheDir()},
		DefaultTTL: cfg.CacheTTL(),
		Logger:     logger,
	})
	if cfg.Cache.MaxSizeMB > 0 {
		store.Rotate(cache.FamilyAmazonASIN, int64(cfg.Cache.MaxSizeMB)<<20)
	}

	fetcher := scraper.NewFetcher(logger)
	fetcher.SetDomainDelay(scraper.Host(supplierCfg.BaseURL), supplierCfg.RateLimitDelay())
	fetcher.SetDomainDelay(scraper.Host(amazon.DefaultBaseURL), amazonRequestSpacing)

	// The AI client is optional everywhere it is used: extraction selector
	// fallback, match tie-breaking, and category ranking all degrade to
	// their deterministic paths without it.
	var llmClient *llm.Client
	if cfg.AI.Provider != "" {
		llmClient, err = llm.NewFromConfig(cfg.AI, logger)
		if err != nil {
			logger.Warn("AI client unavailable, continuing without it", "error", err)
			llmClient = nil
		}
	}
	var extractAI scraper.Completer
	var tieBreaker matcher.TieBreaker
	var ranker *orchestrator.CategoryRanker
	if llmClient != nil {
		extractAI = llmClient
		tieBreaker = matcher.NewAIJudge(llmClient)
		ranker = orchestrator.NewCategoryRanker(llmClient, logger)
	}

	extractor := scraper.NewExtractor(supplier, supplierCfg, extractAI, logger)
	walker := scraper.NewWalker(fetcher, extractor, supplierCfg,
		cfg.Performance.MaxConcurrentRequests, cfg.System.SupplierExtractionBatchSize, logger)
	lister := scraper.NewDiscoverer(logger)

	page := amazon.NewHTTPPage(fetcher)
	if flags.headed {
		logger.Warn("no browser backend in this build, --headed ignored")
	}
	amazonExtractor := amazon.NewExtractor(logger)
	resolver := orchestrator.NewAmazonResolver(page, amazonExtractor, store, logger)

	var session orchestrator.Session
	if supplierCfg.PriceAccessRequiresLogin {
		if flags.supplierEmail == "" || flags.supplierPass == "" {
			return fmt.Errorf("supplier %s requires login: --supplier-email and --supplier-password are required", supplier)
		}
		login := &formLogin{
			fetcher:  fetcher,
			loginURL: strings.TrimRight(supplierCfg.BaseURL, "/") + "/login",
			email:    flags.supplierEmail,
			password: flags.supplierPass,
		}
		session = authcoord.New(login, cfg, logger)
	}

	ver, err := verifier.New(pm, logger)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(cfg, orchestrator.Deps{
		Paths:    pm,
		Guard:    g,
		Lister:   lister,
		Walker:   walker,
		Resolver: resolver,
		Matcher:  matcher.New(tieBreaker, logger),
		Session:  session,
		Verifier: ver,
		Ranker:   ranker,
		Logger:   logger,
	}, orchestrator.Options{
		Supplier:        supplier,
		ForceRegenerate: flags.forceRegenerate,
		MaxProducts:     flags.maxProducts,
	})
	if err != nil {
		return err
	}

	report, runErr := orch.Run(ctx)
	if report != nil {
		// Logs go to stderr; the run summary is the stdout contract.
		if data, err := json.MarshalIndent(report, "", "  "); err == nil {
			fmt.Println(string(data))
		}
	}
	return runErr
}

// resolveSupplier maps the supplier URL to its configuration entry. The
// suppliers map is keyed by host, with and without the www prefix accepted.
func resolveSupplier(cfg *config.Config, supplierURL string) (string, config.SupplierConfig, error) {
	host := scraper.Host(supplierURL)
	if host == "" {
		return "", config.SupplierConfig{}, fmt.Errorf("invalid --supplier-url %q", supplierURL)
	}
	for _, key := range []string{host, strings.TrimPrefix(host, "www.")} {
		if sc, ok := cfg.SupplierFor(key); ok {
			return key, sc, nil
		}
	}
	return "", config.SupplierConfig{}, fmt.Errorf("supplier %q not present in configuration", host)
}

// formLogin authenticates against the supplier's login form over the shared
// fetcher, so the session cookies apply to every later page fetch.
type formLogin struct {
	fetcher  *scraper.Fetcher
	loginURL string
	email    string
	password string
}

func (l *formLogin) Login(ctx context.Context) error {
	form := url.Values{
		"email":    {l.email},
		"password": {l.password},
	}
	body, err := l.fetcher.PostForm(ctx, l.loginURL, form)
	if err != nil {
		return fmt.Errorf("supplier login: %w", err)
	}
	// A login page served back with its form intact means rejection, not a
	// transport failure.
	lower := strings.ToLower(string(body))
	if strings.Contains(lower, `type="password"`) {
		return errors.New("supplier login: credentials rejected")
	}
	return nil
}

// exitCode maps run errors to the process exit contract.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, orchestrator.ErrNeedsIntervention):
		return exitIntervention
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitFailed
	}
}
