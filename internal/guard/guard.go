// Package guard manages the per-supplier `.supplier_ready` flag: a plain
// file whose age decides whether a supplier package is fresh enough to skip
// login and re-extraction.
package guard

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/svarley/fbascout/internal/cache"
	"github.com/svarley/fbascout/internal/paths"
)

// DefaultTTL is how long a ready flag stays valid.
const DefaultTTL = 7 * 24 * time.Hour

// Summary is written beside the flag as ready_summary.json.
type Summary struct {
	Supplier            string         `json:"supplier"`
	TotalProducts       int            `json:"total_products"`
	ProductsPerCategory map[string]int `json:"products_per_category,omitempty"`
	LinkedProducts      int            `json:"linked_products"`
	ProfitableMatches   int            `json:"profitable_matches"`
	MarkedReadyAt       time.Time      `json:"marked_ready_at"`
	RunID               string         `json:"run_id,omitempty"`
}

// Guard owns the ready-flag lifecycle for supplier packages.
type Guard struct {
	paths  *paths.Manager
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a Guard. A zero ttl means DefaultTTL.
func New(pm *paths.Manager, ttl time.Duration, logger *slog.Logger) *Guard {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{paths: pm, ttl: ttl, logger: logger.With("component", "guard")}
}

// IsReady reports whether the supplier's flag exists, is readable, and is
// younger than the TTL. The reason string explains a false result.
func (g *Guard) IsReady(supplier string) (bool, string) {
	path := g.paths.ReadyFlagFile(supplier)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, "ready flag not present"
		}
		return false, fmt.Sprintf("ready flag unreadable: %v", err)
	}
	age := time.Since(info.ModTime())
	if age >= g.ttl {
		return false, fmt.Sprintf("ready flag expired (age %s, ttl %s)", age.Round(time.Minute), g.ttl)
	}
	if _, err := os.ReadFile(path); err != nil {
		return false, fmt.Sprintf("ready flag unreadable: %v", err)
	}
	return true, ""
}

// MarkReady creates the flag and writes the sibling summary.
func (g *Guard) MarkReady(supplier string, summary Summary) error {
	if err := os.MkdirAll(g.paths.SupplierDir(supplier), 0o755); err != nil {
		return fmt.Errorf("create supplier dir: %w", err)
	}

	summary.Supplier = supplier
	if summary.MarkedReadyAt.IsZero() {
		summary.MarkedReadyAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ready summary: %w", err)
	}
	if err := cache.WriteFileAtomic(g.paths.ReadySummaryFile(supplier), data); err != nil {
		return err
	}

	flag := fmt.Sprintf("ready %s\n", summary.MarkedReadyAt.Format(time.RFC3339))
	if err := cache.WriteFileAtomic(g.paths.ReadyFlagFile(supplier), []byte(flag)); err != nil {
		return err
	}

	g.logger.Info("supplier marked ready",
		"supplier", supplier,
		"total_products", summary.TotalProducts,
		"profitable_matches", summary.ProfitableMatches,
	)
	return nil
}

// ArchiveForRegenerate renames the supplier directory to
// `<supplier>.archived.<ts>` and creates a fresh empty one. A missing
// directory is not an error: the fresh directory is still created.
func (g *Guard) ArchiveForRegenerate(supplier string) error {
	dir := g.paths.SupplierDir(supplier)
	if _, err := os.Stat(dir); err == nil {
		dst := fmt.Sprintf("%s.archived.%d", dir, time.Now().Unix())
		if err := os.Rename(dir, dst); err != nil {
			return fmt.Errorf("archive supplier dir: %w", err)
		}
		g.logger.Info("archived supplier package", "supplier", supplier, "archived_to", dst)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat supplier dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create fresh supplier dir: %w", err)
	}
	return nil
}
