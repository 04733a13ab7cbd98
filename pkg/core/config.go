package core

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// BandwidthConfig bounds the estimated bytes a single bulk step may touch.
type BandwidthConfig struct {
	// SoftLimit stops a step at the next chunk order boundary once crossed.
	SoftLimit int `json:"softLimit" yaml:"soft_limit"`
	// HardLimit stops a step immediately, even in the middle of an order.
	HardLimit int `json:"hardLimit" yaml:"hard_limit"`
}

// DefaultBandwidthConfig returns the default per-transaction budgets
func DefaultBandwidthConfig() BandwidthConfig {
	return BandwidthConfig{
		SoftLimit: 4 << 20,
		HardLimit: 8 << 20,
	}
}

// SearchConfig holds retrieval defaults
type SearchConfig struct {
	DefaultLimit int     `json:"defaultLimit" yaml:"default_limit"`
	MaxLimit     int     `json:"maxLimit" yaml:"max_limit"`
	RRFK         float64 `json:"rrfK" yaml:"rrf_k"` // Reciprocal rank fusion constant
}

// DefaultSearchConfig returns default search configuration
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		DefaultLimit: 10,
		MaxLimit:     256,
		RRFK:         10,
	}
}

// Config represents configuration options for the store
type Config struct {
	Path            string                `json:"path" yaml:"path"`                             // Database file path
	Bandwidth       BandwidthConfig       `json:"bandwidth" yaml:"bandwidth"`                   // Bulk step budgets
	Search          SearchConfig          `json:"search" yaml:"search"`                         // Retrieval defaults
	MaxChunksPerAdd int                   `json:"maxChunksPerAdd" yaml:"max_chunks_per_add"`    // Chunks accepted by one insert call
	MaxOpenConns    int                   `json:"maxOpenConns,omitempty" yaml:"max_open_conns"` // database/sql pool size
	Logger          Logger                `json:"-" yaml:"-"`                                   // Defaults to NopLogger
	Registerer      prometheus.Registerer `json:"-" yaml:"-"`                                   // Optional metrics registry
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Bandwidth:       DefaultBandwidthConfig(),
		Search:          DefaultSearchConfig(),
		MaxChunksPerAdd: 100,
		MaxOpenConns:    8,
	}
}

func (c Config) validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: database path cannot be empty", ErrInvalidConfig)
	}
	if c.Bandwidth.SoftLimit <= 0 || c.Bandwidth.HardLimit <= 0 {
		return fmt.Errorf("%w: bandwidth limits must be positive", ErrInvalidConfig)
	}
	if c.Bandwidth.SoftLimit > c.Bandwidth.HardLimit {
		return fmt.Errorf("%w: soft limit %d exceeds hard limit %d", ErrInvalidConfig, c.Bandwidth.SoftLimit, c.Bandwidth.HardLimit)
	}
	if c.MaxChunksPerAdd <= 0 {
		return fmt.Errorf("%w: max chunks per add must be positive", ErrInvalidConfig)
	}
	if c.Search.MaxLimit <= 0 || c.Search.DefaultLimit <= 0 {
		return fmt.Errorf("%w: search limits must be positive", ErrInvalidConfig)
	}
	return nil
}
