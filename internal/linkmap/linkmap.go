// Package linkmap persists the supplier-to-Amazon linking map: a JSON array
// of linking records keyed by supplier product identifier. The map is the
// run's skip-list on resume, so appends are idempotent and flushes atomic.
package linkmap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/svarley/fbascout/internal/cache"
	"github.com/svarley/fbascout/internal/models"
)

// Map is the in-memory linking map with write-behind persistence. Records
// keep their append order so flushed files diff cleanly between runs.
type Map struct {
	mu      sync.Mutex
	path    string
	records []models.LinkingRecord
	index   map[string]int
	pending int
	logger  *slog.Logger
}

// Load reads the linking map at path. A missing file yields an empty map.
// A corrupt file is renamed to `linking_map.corrupt.<ts>` and treated as
// empty, so one bad flush never strands a run.
func Load(path string, logger *slog.Logger) (*Map, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Map{
		path:   path,
		index:  make(map[string]int),
		logger: logger.With("component", "linkmap"),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("linkmap: read %s: %w", path, err)
	}

	var records []models.LinkingRecord
	if err := json.Unmarshal(data, &records); err != nil {
		dst := fmt.Sprintf("%s.corrupt.%d", path, time.Now().Unix())
		if renameErr := os.Rename(path, dst); renameErr != nil {
			return nil, fmt.Errorf("linkmap: quarantine corrupt map: %w", renameErr)
		}
		m.logger.Warn("linking map corrupt, starting empty", "path", path, "renamed_to", dst, "error", err)
		return m, nil
	}

	m.records = records
	for i, r := range records {
		if _, seen := m.index[r.SupplierProductIdentifier]; !seen {
			m.index[r.SupplierProductIdentifier] = i
		}
	}
	m.logger.Info("linking map loaded", "path", path, "records", len(records))
	return m, nil
}

// Append records a link. The first record for an identifier wins; later
// appends for the same identifier are ignored and report false.
func (m *Map) Append(rec models.LinkingRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.index[rec.SupplierProductIdentifier]; seen {
		return false
	}
	m.index[rec.SupplierProductIdentifier] = len(m.records)
	m.records = append(m.records, rec)
	m.pending++
	return true
}

// Has reports whether an identifier already has a link.
func (m *Map) Has(identifier string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.index[identifier]
	return ok
}

// Get returns the record for an identifier, if present.
func (m *Map) Get(identifier string) (models.LinkingRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index[identifier]
	if !ok {
		return models.LinkingRecord{}, false
	}
	return m.records[i], true
}

// Len is the number of linked identifiers.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Pending is the number of appends since the last successful flush.
func (m *Map) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Records returns a copy of the map in append order.
func (m *Map) Records() []models.LinkingRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.LinkingRecord, len(m.records))
	copy(out, m.records)
	return out
}

// Flush writes the whole map atomically, preserving append order. A no-op
// when nothing is pending and the file already exists.
func (m *Map) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == 0 {
		if _, err := os.Stat(m.path); err == nil {
			return nil
		}
	}

	records := m.records
	if records == nil {
		records = []models.LinkingRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("linkmap: marshal: %w", err)
	}
	if err := cache.WriteFileAtomic(m.path, data); err != nil {
		return fmt.Errorf("linkmap: flush: %w", err)
	}
	m.logger.Debug("linking map flushed", "path", m.path, "records", len(records), "pending_written", m.pending)
	m.pending = 0
	return nil
}
