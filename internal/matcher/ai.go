package matcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/svarley/fbascout/internal/models"
)

// Completer is the single LLM operation the tie-breaker needs.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// AIJudge asks an LLM whether two listings describe the same product. It
// satisfies TieBreaker.
type AIJudge struct {
	llm Completer
}

// NewAIJudge wraps an LLM completer as a tie-breaker.
func NewAIJudge(llm Completer) *AIJudge {
	return &AIJudge{llm: llm}
}

const (
	maxPromptTitle       = 200
	maxPromptDescription = 400
)

// JudgeMatch returns MATCH, MISMATCH, or UNCERTAIN. Any response that does
// not contain a recognisable verdict is treated as UNCERTAIN.
func (j *AIJudge) JudgeMatch(ctx context.Context, supplier models.SupplierProduct, amazon models.AmazonProduct) (models.AIDecision, error) {
	prompt := buildJudgePrompt(supplier, amazon)
	reply, err := j.llm.Complete(ctx, prompt)
	if err != nil {
		return models.AIDecisionUncertain, fmt.Errorf("tie-breaker completion: %w", err)
	}
	return parseDecision(reply), nil
}

func buildJudgePrompt(supplier models.SupplierProduct, amazon models.AmazonProduct) string {
	var b strings.Builder
	b.WriteString("You are comparing two retail listings. Answer with exactly one word: MATCH if they describe the same physical product, MISMATCH if they do not, UNCERTAIN if you cannot tell.\n\n")
	fmt.Fprintf(&b, "Supplier listing title: %s\n", truncate(supplier.Title, maxPromptTitle))
	if supplier.Brand != "" {
		fmt.Fprintf(&b, "Supplier brand: %s\n", truncate(supplier.Brand, maxPromptTitle))
	}
	if supplier.EAN != "" {
		fmt.Fprintf(&b, "Supplier EAN: %s\n", supplier.EAN)
	}
	if supplier.Description != "" {
		fmt.Fprintf(&b, "Supplier description: %s\n", truncate(supplier.Description, maxPromptDescription))
	}
	fmt.Fprintf(&b, "\nAmazon listing title: %s\n", truncate(amazon.Title, maxPromptTitle))
	if len(amazon.EANsOnPage) > 0 {
		fmt.Fprintf(&b, "EANs on Amazon page: %s\n", strings.Join(amazon.EANsOnPage, ", "))
	}
	b.WriteString("\nVerdict:")
	return b.String()
}

func parseDecision(reply string) models.AIDecision {
	upper := strings.ToUpper(reply)
	// MISMATCH first: it contains "MATCH" as a substring.
	switch {
	case strings.Contains(upper, "MISMATCH"):
		return models.AIDecisionMismatch
	case strings.Contains(upper, "MATCH"):
		return models.AIDecisionMatch
	default:
		return models.AIDecisionUncertain
	}
}

func truncate(s string, n int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= n {
		return string(runes)
	}
	return string(runes[:n]) + "..."
}
