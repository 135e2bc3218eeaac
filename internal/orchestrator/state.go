package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/svarley/fbascout/internal/cache"
	"github.com/svarley/fbascout/internal/models"
)

// loadState reads the per-supplier resumability record. A missing or
// unreadable file yields a zero state: the walk starts from the beginning.
func loadState(path string, logger *slog.Logger) *models.ProcessingState {
	st := &models.ProcessingState{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("processing state unreadable, starting fresh", "path", path, "error", err)
		}
		return st
	}
	if err := json.Unmarshal(data, st); err != nil {
		logger.Warn("processing state corrupt, starting fresh", "path", path, "error", err)
		return &models.ProcessingState{}
	}
	return st
}

// saveState checkpoints the resumability record atomically.
func saveState(path string, st *models.ProcessingState) error {
	st.LastCheckpoint = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal processing state: %w", err)
	}
	return cache.WriteFileAtomic(path, data)
}

// supplierCacheFile is the on-disk shape of the supplier products cache.
type supplierCacheFile struct {
	Supplier    string                   `json:"supplier"`
	LastUpdated time.Time                `json:"last_updated"`
	Products    []models.SupplierProduct `json:"products"`
}

func writeSupplierCache(path, supplier string, products []models.SupplierProduct) error {
	doc := supplierCacheFile{
		Supplier:    supplier,
		LastUpdated: time.Now().UTC(),
		Products:    products,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal supplier cache: %w", err)
	}
	return cache.WriteFileAtomic(path, data)
}

// loadSupplierCache reads a previous run's product cache, for resumed runs
// that skip already-walked categories. Missing file yields nil.
func loadSupplierCache(path string) []models.SupplierProduct {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var doc supplierCacheFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	return doc.Products
}
