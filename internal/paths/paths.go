// Package paths owns the per-run output directory layout. Every component
// that touches disk gets its file locations from here, so the layout is
// defined in exactly one place.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Manager resolves file locations under a single output root:
//
//	<root>/FBA_ANALYSIS/amazon_cache/amazon_<ASIN>[_<EAN>].json
//	<root>/FBA_ANALYSIS/financial_reports/<supplier>/*.json
//	<root>/FBA_ANALYSIS/Linking map/linking_map.json
//	<root>/cached_products/<supplier>_products_cache.json
//	<root>/processing_states/<supplier>_processing_state.json
//	<root>/suppliers/<supplier>/.supplier_ready
type Manager struct {
	root string
}

// New creates a Manager rooted at outputRoot.
func New(outputRoot string) *Manager {
	return &Manager{root: outputRoot}
}

// Root returns the output root directory.
func (m *Manager) Root() string { return m.root }

// EnsureLayout creates the directory skeleton for a supplier's run.
func (m *Manager) EnsureLayout(supplier string) error {
	dirs := []string{
		m.AmazonCacheDir(),
		m.LinkingMapDir(),
		m.SupplierCacheDir(),
		m.ProcessingStateDir(),
		m.SupplierDir(supplier),
		m.FinancialReportsDir(supplier),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create output dir %s: %w", d, err)
		}
	}
	return nil
}

// AmazonCacheDir is the per-ASIN Amazon product cache directory.
func (m *Manager) AmazonCacheDir() string {
	return filepath.Join(m.root, "FBA_ANALYSIS", "amazon_cache")
}

// AmazonCacheFile names the cache file for an ASIN, optionally suffixed
// with the EAN it was searched under.
func (m *Manager) AmazonCacheFile(asin, ean string) string {
	name := "amazon_" + asin
	if ean != "" {
		name += "_" + ean
	}
	return filepath.Join(m.AmazonCacheDir(), name+".json")
}

// LinkingMapDir is the directory holding the linking map.
func (m *Manager) LinkingMapDir() string {
	return filepath.Join(m.root, "FBA_ANALYSIS", "Linking map")
}

// LinkingMapFile is the persistent linking map location.
func (m *Manager) LinkingMapFile() string {
	return filepath.Join(m.LinkingMapDir(), "linking_map.json")
}

// SupplierCacheDir holds the per-supplier product caches.
func (m *Manager) SupplierCacheDir() string {
	return filepath.Join(m.root, "cached_products")
}

// SupplierCacheFile is the supplier products cache for one supplier.
func (m *Manager) SupplierCacheFile(supplier string) string {
	return filepath.Join(m.SupplierCacheDir(), supplier+"_products_cache.json")
}

// AICategoryCacheFile records AI category-ranking suggestions per supplier.
func (m *Manager) AICategoryCacheFile(supplier string) string {
	return filepath.Join(m.SupplierCacheDir(), supplier+"_ai_category_cache.json")
}

// ProcessingStateDir holds resumability records.
func (m *Manager) ProcessingStateDir() string {
	return filepath.Join(m.root, "processing_states")
}

// ProcessingStateFile is the resumability record for one supplier.
func (m *Manager) ProcessingStateFile(supplier string) string {
	return filepath.Join(m.ProcessingStateDir(), supplier+"_processing_state.json")
}

// SuppliersDir is the root of per-supplier package directories.
func (m *Manager) SuppliersDir() string {
	return filepath.Join(m.root, "suppliers")
}

// SupplierDir is one supplier's package directory.
func (m *Manager) SupplierDir(supplier string) string {
	return filepath.Join(m.SuppliersDir(), supplier)
}

// ReadyFlagFile is the supplier's `.supplier_ready` flag.
func (m *Manager) ReadyFlagFile(supplier string) string {
	return filepath.Join(m.SupplierDir(supplier), ".supplier_ready")
}

// ReadySummaryFile sits beside the ready flag with counts and timestamps.
func (m *Manager) ReadySummaryFile(supplier string) string {
	return filepath.Join(m.SupplierDir(supplier), "ready_summary.json")
}

// FinancialReportsDir holds the run result sets for one supplier.
func (m *Manager) FinancialReportsDir(supplier string) string {
	return filepath.Join(m.root, "FBA_ANALYSIS", "financial_reports", supplier)
}

// FinancialReportFile names one run's result set.
func (m *Manager) FinancialReportFile(supplier, runID string) string {
	return filepath.Join(m.FinancialReportsDir(supplier), runID+".json")
}
