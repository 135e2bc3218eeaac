// Package config loads the single JSON configuration document the pipeline
// consumes and exposes it as a typed view with defaults applied.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the typed view over the system configuration document.
type Config struct {
	System                     SystemConfig               `json:"system"`
	ProcessingLimits           ProcessingLimits           `json:"processing_limits"`
	SupplierCacheControl       SupplierCacheControl       `json:"supplier_cache_control"`
	SupplierExtractionProgress SupplierExtractionProgress `json:"supplier_extraction_progress"`
	HybridProcessing           HybridProcessing           `json:"hybrid_processing"`
	Authentication             Authentication             `json:"authentication"`
	Performance                Performance                `json:"performance"`
	Cache                      CacheConfig                `json:"cache"`
	Criteria                   Criteria                   `json:"criteria"`
	AI                         AIConfig                   `json:"ai"`
	OutputRoot                 string                     `json:"output_root"`
	Currency                   string                     `json:"currency"`
	Suppliers                  map[string]SupplierConfig  `json:"suppliers"`
}

// SystemConfig caps the run volume.
type SystemConfig struct {
	MaxProducts                 int `json:"max_products"`
	MaxProductsPerCategory      int `json:"max_products_per_category"`
	MaxProductsPerCycle         int `json:"max_products_per_cycle"`
	SupplierExtractionBatchSize int `json:"supplier_extraction_batch_size"`
}

// ProcessingLimits is the supplier price band filter.
type ProcessingLimits struct {
	MinPriceGBP float64 `json:"min_price_gbp"`
	MaxPriceGBP float64 `json:"max_price_gbp"`
}

// SupplierCacheControl sets the supplier cache flush cadence.
type SupplierCacheControl struct {
	UpdateFrequencyProducts int `json:"update_frequency_products"`
}

// StatePersistence sets the processing-state flush cadence.
type StatePersistence struct {
	BatchSaveFrequency int `json:"batch_save_frequency"`
}

// SupplierExtractionProgress configures resumability.
type SupplierExtractionProgress struct {
	StatePersistence StatePersistence `json:"state_persistence"`
	RecoveryMode     string           `json:"recovery_mode"`
}

// ChunkedMode sets the backlog drain size for chunked interleaving.
type ChunkedMode struct {
	ChunkSizeCategories int `json:"chunk_size_categories"`
}

// ProcessingModes groups the hybrid processing mode settings.
type ProcessingModes struct {
	Chunked ChunkedMode `json:"chunked"`
}

// HybridProcessing controls supplier/Amazon interleaving.
type HybridProcessing struct {
	SwitchToAmazonAfterCategories int             `json:"switch_to_amazon_after_categories"`
	ProcessingModes               ProcessingModes `json:"processing_modes"`
	LinkingMapBatchSize           int             `json:"linking_map_batch_size"`
}

// Authentication holds the auth-coordinator thresholds.
type Authentication struct {
	ConsecutiveFailureThreshold int `json:"consecutive_failure_threshold"`
	PrimaryPeriodicInterval     int `json:"primary_periodic_interval"`
	SecondaryPeriodicInterval   int `json:"secondary_periodic_interval"`
	MaxConsecutiveAuthFailures  int `json:"max_consecutive_auth_failures"`
	AuthFailureDelaySeconds     int `json:"auth_failure_delay_seconds"`
}

// Performance bounds concurrency.
type Performance struct {
	MaxConcurrentRequests int `json:"max_concurrent_requests"`
}

// CacheConfig sets cache TTL and the rotation hint.
type CacheConfig struct {
	TTLHours  int `json:"ttl_hours"`
	MaxSizeMB int `json:"max_size_mb"`
}

// Criteria holds the financial gate thresholds.
type Criteria struct {
	MinROIPercent    float64 `json:"min_roi_percent"`
	MinProfitPerUnit float64 `json:"min_profit_per_unit"`
	MinRating        float64 `json:"min_rating"`
	MinReviews       int     `json:"min_reviews"`
	MaxSalesRank     int     `json:"max_sales_rank"`
}

// AIConfig configures the optional AI disambiguation client. The API key is
// read from the named environment variable, never from the document itself.
type AIConfig struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	APIKeyEnv string `json:"api_key_env"`
	BaseURL   string `json:"base_url,omitempty"`
}

// SelectorType tags one entry in a selector list.
type SelectorType string

const (
	SelectorCSS   SelectorType = "css"
	SelectorXPath SelectorType = "xpath"
	SelectorAttr  SelectorType = "attr"
)

// Selector is one tagged entry in a per-field selector list. For
// SelectorAttr, Value locates the element and Attr names the attribute.
type Selector struct {
	Type  SelectorType `json:"type"`
	Value string       `json:"value"`
	Attr  string       `json:"attr,omitempty"`
}

// SupplierConfig is the per-domain scraping configuration.
type SupplierConfig struct {
	BaseURL                  string                `json:"base_url"`
	CategorySelectors        []Selector            `json:"category_selectors"`
	ProductSelectors         []Selector            `json:"product_selectors"`
	FieldSelectors           map[string][]Selector `json:"field_selectors"`
	NextPageSelectors        []Selector            `json:"next_page_selectors"`
	PaginationPattern        string                `json:"pagination_pattern"` // contains {page_num}
	RateLimitDelaySecs       float64               `json:"rate_limit_delay_seconds"`
	SubpageMaxDepth          int                   `json:"subpage_max_depth"`
	PriceAccessRequiresLogin bool                  `json:"price_access_requires_login"`
}

// RateLimitDelay returns the per-domain request spacing.
func (s SupplierConfig) RateLimitDelay() time.Duration {
	if s.RateLimitDelaySecs <= 0 {
		return time.Second
	}
	return time.Duration(s.RateLimitDelaySecs * float64(time.Second))
}

// RecoveryModeProductResume is the only supported recovery mode.
const RecoveryModeProductResume = "product_resume"

// Load reads and validates the configuration document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// suppliers configured. Used by tests and as the base for partial documents.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.System.MaxProductsPerCategory == 0 {
		c.System.MaxProductsPerCategory = 50
	}
	if c.System.MaxProductsPerCycle == 0 {
		c.System.MaxProductsPerCycle = 25
	}
	if c.System.SupplierExtractionBatchSize == 0 {
		c.System.SupplierExtractionBatchSize = 3
	}
	if c.ProcessingLimits.MinPriceGBP == 0 {
		c.ProcessingLimits.MinPriceGBP = 0.1
	}
	if c.ProcessingLimits.MaxPriceGBP == 0 {
		c.ProcessingLimits.MaxPriceGBP = 20.0
	}
	if c.SupplierCacheControl.UpdateFrequencyProducts == 0 {
		c.SupplierCacheControl.UpdateFrequencyProducts = 5
	}
	if c.SupplierExtractionProgress.StatePersistence.BatchSaveFrequency == 0 {
		c.SupplierExtractionProgress.StatePersistence.BatchSaveFrequency = 5
	}
	if c.SupplierExtractionProgress.RecoveryMode == "" {
		c.SupplierExtractionProgress.RecoveryMode = RecoveryModeProductResume
	}
	if c.HybridProcessing.SwitchToAmazonAfterCategories == 0 {
		c.HybridProcessing.SwitchToAmazonAfterCategories = 3
	}
	if c.HybridProcessing.ProcessingModes.Chunked.ChunkSizeCategories == 0 {
		c.HybridProcessing.ProcessingModes.Chunked.ChunkSizeCategories = 3
	}
	if c.HybridProcessing.LinkingMapBatchSize == 0 {
		c.HybridProcessing.LinkingMapBatchSize = 10
	}
	if c.Authentication.ConsecutiveFailureThreshold == 0 {
		c.Authentication.ConsecutiveFailureThreshold = 3
	}
	if c.Authentication.PrimaryPeriodicInterval == 0 {
		c.Authentication.PrimaryPeriodicInterval = 100
	}
	if c.Authentication.SecondaryPeriodicInterval == 0 {
		c.Authentication.SecondaryPeriodicInterval = 200
	}
	if c.Authentication.MaxConsecutiveAuthFailures == 0 {
		c.Authentication.MaxConsecutiveAuthFailures = 3
	}
	if c.Authentication.AuthFailureDelaySeconds == 0 {
		c.Authentication.AuthFailureDelaySeconds = 30
	}
	if c.Performance.MaxConcurrentRequests == 0 {
		c.Performance.MaxConcurrentRequests = 5
	}
	if c.Cache.TTLHours == 0 {
		c.Cache.TTLHours = 168
	}
	if c.Criteria.MinROIPercent == 0 {
		c.Criteria.MinROIPercent = 35
	}
	if c.Criteria.MinProfitPerUnit == 0 {
		c.Criteria.MinProfitPerUnit = 3.0
	}
	if c.Criteria.MinRating == 0 {
		c.Criteria.MinRating = 4.0
	}
	if c.Criteria.MinReviews == 0 {
		c.Criteria.MinReviews = 50
	}
	if c.Criteria.MaxSalesRank == 0 {
		c.Criteria.MaxSalesRank = 150000
	}
	if c.OutputRoot == "" {
		c.OutputRoot = "OUTPUTS"
	}
	if c.Currency == "" {
		c.Currency = "GBP"
	}
}

// Validate rejects unsupported values. The pipeline fails fast at load time
// rather than mid-run.
func (c *Config) Validate() error {
	if c.SupplierExtractionProgress.RecoveryMode != RecoveryModeProductResume {
		return fmt.Errorf("unsupported recovery_mode %q (only %q is supported)",
			c.SupplierExtractionProgress.RecoveryMode, RecoveryModeProductResume)
	}
	if c.ProcessingLimits.MinPriceGBP > c.ProcessingLimits.MaxPriceGBP {
		return fmt.Errorf("min_price_gbp %.2f exceeds max_price_gbp %.2f",
			c.ProcessingLimits.MinPriceGBP, c.ProcessingLimits.MaxPriceGBP)
	}
	if c.System.MaxProducts < 0 {
		return fmt.Errorf("system.max_products must be >= 0")
	}
	return nil
}

// CacheTTL returns the cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// AuthFailureDelay returns the circuit-breaker open interval.
func (c *Config) AuthFailureDelay() time.Duration {
	return time.Duration(c.Authentication.AuthFailureDelaySeconds) * time.Second
}

// SupplierFor returns the supplier config for a domain, if present.
func (c *Config) SupplierFor(domain string) (SupplierConfig, bool) {
	sc, ok := c.Suppliers[domain]
	return sc, ok
}
