// Package cache implements the content-addressed JSON cache store: atomic
// tmp+rename writes, per-family TTLs, and quarantine of corrupt files.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Family identifies a cache namespace with its own directory and TTL.
type Family string

const (
	FamilySupplierProducts Family = "supplier_products"
	FamilyAmazonASIN       Family = "amazon_asin"
	FamilyLinkingMap       Family = "linking_map"
)

// ErrMiss is returned when a key is absent, expired, or quarantined.
var ErrMiss = errors.New("cache: miss")

const lockStripes = 64

// Store is the on-disk JSON cache. Writers serialize per key via striped
// mutexes; readers treat `.tmp` files as absent.
type Store struct {
	dirs   map[Family]string
	ttls   map[Family]time.Duration
	locks  [lockStripes]sync.Mutex
	logger *slog.Logger
}

// Options configures a Store.
type Options struct {
	// Dirs maps each family to its directory.
	Dirs map[Family]string
	// DefaultTTL applies to families without an explicit TTL.
	DefaultTTL time.Duration
	// TTLs overrides the TTL per family.
	TTLs   map[Family]time.Duration
	Logger *slog.Logger
}

// New creates a Store. Directories are created lazily on first write.
func New(opts Options) *Store {
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = 168 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ttls := make(map[Family]time.Duration, len(opts.Dirs))
	for fam := range opts.Dirs {
		if ttl, ok := opts.TTLs[fam]; ok {
			ttls[fam] = ttl
		} else {
			ttls[fam] = opts.DefaultTTL
		}
	}
	return &Store{
		dirs:   opts.Dirs,
		ttls:   ttls,
		logger: opts.Logger.With("component", "cache"),
	}
}

func (s *Store) lockFor(path string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *Store) path(fam Family, key string) (string, error) {
	dir, ok := s.dirs[fam]
	if !ok {
		return "", fmt.Errorf("cache: unknown family %q", fam)
	}
	if key == "" || strings.Contains(key, "..") || strings.ContainsRune(key, filepath.Separator) {
		return "", fmt.Errorf("cache: invalid key %q", key)
	}
	if !strings.HasSuffix(key, ".json") {
		key += ".json"
	}
	return filepath.Join(dir, key), nil
}

// Get returns the raw JSON for a key, or ErrMiss when the file is absent,
// older than its family TTL, or fails to decode. Corrupt files are renamed
// with a `.corrupt.<unix-ts>` suffix rather than deleted.
func (s *Store) Get(fam Family, key string) (json.RawMessage, error) {
	path, err := s.path(fam, key)
	if err != nil {
		return nil, err
	}

	mu := s.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("cache: stat %s: %w", path, err)
	}
	if ttl := s.ttls[fam]; ttl > 0 && time.Since(info.ModTime()) > ttl {
		return nil, ErrMiss
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cache: read %s: %w", path, err)
	}
	if !json.Valid(data) {
		s.quarantine(path)
		return nil, ErrMiss
	}
	return data, nil
}

// GetInto decodes a cached value into v.
func (s *Store) GetInto(fam Family, key string, v any) error {
	raw, err := s.Get(fam, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		// Valid JSON that does not fit the target shape is a caller bug,
		// not corruption; surface it.
		return fmt.Errorf("cache: decode %s/%s: %w", fam, key, err)
	}
	return nil
}

// Put writes a value atomically: marshal, write `<path>.tmp`, rename.
func (s *Store) Put(fam Family, key string, v any) error {
	path, err := s.path(fam, key)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshal %s/%s: %w", fam, key, err)
	}

	mu := s.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	return WriteFileAtomic(path, data)
}

// Clear removes every file in a family whose name starts with prefix.
// An empty prefix clears the whole family.
func (s *Store) Clear(fam Family, prefix string) error {
	dir, ok := s.dirs[fam]
	if !ok {
		return fmt.Errorf("cache: unknown family %q", fam)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cache: read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("cache: remove %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Rotate enforces the max-size hint on a family by deleting oldest files
// first. Best effort: errors are logged, not returned.
func (s *Store) Rotate(fam Family, maxBytes int64) {
	dir, ok := s.dirs[fam]
	if !ok || maxBytes <= 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	type fileInfo struct {
		path string
		size int64
		mod  time.Time
	}
	var files []fileInfo
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || e.IsDir() {
			continue
		}
		files = append(files, fileInfo{filepath.Join(dir, e.Name()), info.Size(), info.ModTime()})
		total += info.Size()
	}
	if total <= maxBytes {
		return
	}
	// Oldest first.
	for i := 0; i < len(files); i++ {
		for j := i + 1; j < len(files); j++ {
			if files[j].mod.Before(files[i].mod) {
				files[i], files[j] = files[j], files[i]
			}
		}
	}
	for _, f := range files {
		if total <= maxBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			s.logger.Warn("cache rotation failed to remove file", "path", f.path, "error", err)
			continue
		}
		total -= f.size
		s.logger.Info("cache rotation removed file", "path", f.path, "size", f.size)
	}
}

func (s *Store) quarantine(path string) {
	dst := fmt.Sprintf("%s.corrupt.%d", path, time.Now().Unix())
	if err := os.Rename(path, dst); err != nil {
		s.logger.Error("failed to quarantine corrupt cache file", "path", path, "error", err)
		return
	}
	s.logger.Warn("quarantined corrupt cache file", "path", path, "renamed_to", dst)
}

// WriteFileAtomic writes data to path via a sibling `.tmp` file and rename,
// creating parent directories as needed. Readers either see the old content
// or the new, never a partial file.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
