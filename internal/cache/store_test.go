package cache

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s := New(Options{
		Dirs: map[Family]string{
			FamilyAmazonASIN:       filepath.Join(dir, "amazon"),
			FamilySupplierProducts: filepath.Join(dir, "supplier"),
		},
		DefaultTTL: ttl,
	})
	return s, dir
}

func TestPutGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)

	in := map[string]any{"asin": "B01ABCDEFG", "title": "Acme Widget"}
	if err := s.Put(FamilyAmazonASIN, "amazon_B01ABCDEFG", in); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	var out map[string]any
	if err := s.GetInto(FamilyAmazonASIN, "amazon_B01ABCDEFG", &out); err != nil {
		t.Fatalf("GetInto() error: %v", err)
	}
	if out["asin"] != "B01ABCDEFG" || out["title"] != "Acme Widget" {
		t.Errorf("round trip mismatch: %v", out)
	}
}

func TestGetMissForAbsentKey(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	if _, err := s.Get(FamilyAmazonASIN, "amazon_NOPE"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get() = %v, want ErrMiss", err)
	}
}

func TestTTLExpiryIsMiss(t *testing.T) {
	s, dir := newTestStore(t, time.Hour)

	if err := s.Put(FamilyAmazonASIN, "amazon_OLD", map[string]int{"n": 1}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	path := filepath.Join(dir, "amazon", "amazon_OLD.json")
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if _, err := s.Get(FamilyAmazonASIN, "amazon_OLD"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get() after TTL = %v, want ErrMiss", err)
	}
	// File must survive the expiry: TTL is a read-side policy.
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expired file should remain on disk: %v", err)
	}
}

func TestCorruptFileQuarantined(t *testing.T) {
	s, dir := newTestStore(t, time.Hour)
	famDir := filepath.Join(dir, "amazon")
	if err := os.MkdirAll(famDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(famDir, "amazon_BAD.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get(FamilyAmazonASIN, "amazon_BAD"); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get() corrupt = %v, want ErrMiss", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt file should have been renamed away")
	}
	entries, err := os.ReadDir(famDir)
	if err != nil {
		t.Fatal(err)
	}
	var quarantined bool
	for _, e := range entries {
		if strings.Contains(e.Name(), ".corrupt.") {
			quarantined = true
		}
	}
	if !quarantined {
		t.Error("no .corrupt.<ts> file found after decoding failure")
	}
}

func TestTmpFilesInvisibleToReaders(t *testing.T) {
	s, dir := newTestStore(t, time.Hour)
	famDir := filepath.Join(dir, "amazon")
	if err := os.MkdirAll(famDir, 0o755); err != nil {
		t.Fatal(err)
	}
	// A crashed writer leaves a .tmp behind; the key itself must read as a miss.
	if err := os.WriteFile(filepath.Join(famDir, "amazon_HALF.json.tmp"), []byte(`{"partial":`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(FamilyAmazonASIN, "amazon_HALF"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get() with only .tmp present = %v, want ErrMiss", err)
	}
}

func TestClearPrefix(t *testing.T) {
	s, dir := newTestStore(t, time.Hour)
	for _, key := range []string{"acme_products_cache", "acme_ai_category_cache", "other_products_cache"} {
		if err := s.Put(FamilySupplierProducts, key, map[string]int{"n": 1}); err != nil {
			t.Fatalf("Put(%s): %v", key, err)
		}
	}

	if err := s.Clear(FamilySupplierProducts, "acme_"); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "supplier"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "other_products_cache.json" {
		t.Errorf("Clear left %v, want only other_products_cache.json", entries)
	}
}

func TestInvalidKeyRejected(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	for _, key := range []string{"", "../escape", "a/b"} {
		if err := s.Put(FamilyAmazonASIN, key, 1); err == nil {
			t.Errorf("Put(%q) should be rejected", key)
		}
	}
}

func TestRotateRemovesOldestFirst(t *testing.T) {
	s, dir := newTestStore(t, time.Hour)
	famDir := filepath.Join(dir, "amazon")

	payload := map[string]string{"pad": strings.Repeat("x", 100)}
	for i, key := range []string{"amazon_A", "amazon_B", "amazon_C"} {
		if err := s.Put(FamilyAmazonASIN, key, payload); err != nil {
			t.Fatal(err)
		}
		// Stagger mtimes so A is oldest.
		mt := time.Now().Add(time.Duration(i-3) * time.Minute)
		if err := os.Chtimes(filepath.Join(famDir, key+".json"), mt, mt); err != nil {
			t.Fatal(err)
		}
	}

	s.Rotate(FamilyAmazonASIN, 300)

	if _, err := os.Stat(filepath.Join(famDir, "amazon_A.json")); !os.IsNotExist(err) {
		t.Error("oldest file should be rotated out first")
	}
	if _, err := os.Stat(filepath.Join(famDir, "amazon_C.json")); err != nil {
		t.Error("newest file should survive rotation")
	}
}
