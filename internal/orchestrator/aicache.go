package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/svarley/fbascout/internal/cache"
	"github.com/svarley/fbascout/internal/scraper"
)

// Completer is the LLM surface the category ranker needs.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type aiSuggestions struct {
	Top3URLs []string `json:"top_3_urls"`
}

type categorySuggestion struct {
	Timestamp      time.Time      `json:"timestamp"`
	SessionContext map[string]any `json:"session_context,omitempty"`
	AISuggestions  aiSuggestions  `json:"ai_suggestions"`
}

// aiCategoryCache is the on-disk suggestion history for one supplier.
type aiCategoryCache struct {
	Supplier    string               `json:"supplier"`
	Created     time.Time            `json:"created"`
	LastUpdated time.Time            `json:"last_updated,omitempty"`
	History     []categorySuggestion `json:"ai_suggestion_history"`
}

// CategoryRanker asks the LLM which discovered categories look most
// productive and persists the suggestion history beside the supplier cache.
type CategoryRanker struct {
	ai     Completer
	logger *slog.Logger
}

// NewCategoryRanker creates a ranker. ai must be non-nil.
func NewCategoryRanker(ai Completer, logger *slog.Logger) *CategoryRanker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CategoryRanker{ai: ai, logger: logger.With("component", "category-ranker")}
}

const maxRankedCategories = 40

// Rank returns up to three category URLs in suggested processing order and
// appends the suggestion to the cache file at cachePath. Ranking is advisory:
// any failure returns nil and the caller keeps discovery order.
func (r *CategoryRanker) Rank(ctx context.Context, supplier string, categories []scraper.Category, cachePath string) []string {
	if len(categories) == 0 {
		return nil
	}
	reply, err := r.ai.Complete(ctx, buildRankPrompt(categories))
	if err != nil {
		r.logger.Warn("category ranking failed, keeping discovery order", "error", err)
		return nil
	}
	urls := parseRankedURLs(reply, categories)
	if len(urls) == 0 {
		return nil
	}
	if err := appendSuggestion(cachePath, supplier, urls, len(categories)); err != nil {
		r.logger.Warn("could not persist category suggestions", "path", cachePath, "error", err)
	}
	return urls
}

func buildRankPrompt(categories []scraper.Category) string {
	var b strings.Builder
	b.WriteString("These are product category pages discovered on a wholesale supplier site. ")
	b.WriteString("Pick the 3 most promising for resale arbitrage (broad product ranges, consumables, branded goods). ")
	b.WriteString("Reply with exactly 3 URLs, one per line, nothing else.\n\n")
	for i, c := range categories {
		if i >= maxRankedCategories {
			break
		}
		fmt.Fprintf(&b, "%s (%s)\n", c.URL, c.Name)
	}
	return b.String()
}

// parseRankedURLs keeps only replies that name actually-discovered category
// URLs, at most three.
func parseRankedURLs(reply string, categories []scraper.Category) []string {
	known := make(map[string]bool, len(categories))
	for _, c := range categories {
		known[c.URL] = true
	}
	var out []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*1234567890. "))
		if line == "" || !known[line] {
			continue
		}
		out = append(out, line)
		if len(out) == 3 {
			break
		}
	}
	return out
}

func appendSuggestion(path, supplier string, urls []string, totalCategories int) error {
	doc := aiCategoryCache{Supplier: supplier, Created: time.Now().UTC()}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &doc)
	}
	if doc.Supplier == "" {
		doc.Supplier = supplier
	}
	if doc.Created.IsZero() {
		doc.Created = time.Now().UTC()
	}
	doc.LastUpdated = time.Now().UTC()
	doc.History = append(doc.History, categorySuggestion{
		Timestamp:      time.Now().UTC(),
		SessionContext: map[string]any{"categories_discovered": totalCategories},
		AISuggestions:  aiSuggestions{Top3URLs: urls},
	})

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return cache.WriteFileAtomic(path, data)
}
