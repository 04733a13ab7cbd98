package rag

import (
	"fmt"
	"time"

	"github.com/liliang-cn/sqrag/pkg/core"
	"github.com/liliang-cn/sqrag/pkg/embed"
)

// EmbeddingConfig describes the embedding model and how it is called.
// Dimension is only used when the client has no embedder. A zero
// RequestsPerSecond disables rate limiting.
type EmbeddingConfig struct {
	Model             string  `json:"model" yaml:"model"`
	Dimension         int     `json:"dimension,omitempty" yaml:"dimension"`
	BatchSize         int     `json:"batchSize" yaml:"batch_size"`
	Concurrency       int     `json:"concurrency" yaml:"concurrency"`
	RequestsPerSecond float64 `json:"requestsPerSecond,omitempty" yaml:"requests_per_second"`
	Burst             int     `json:"burst,omitempty" yaml:"burst"`
}

// JobsConfig configures the background job pool used when no queue is given.
type JobsConfig struct {
	Workers        int           `json:"workers" yaml:"workers"`
	Retries        int           `json:"retries" yaml:"retries"`
	InitialBackoff time.Duration `json:"initialBackoff" yaml:"initial_backoff"`
}

// Config holds the client configuration
type Config struct {
	Store     core.Config     `json:"store" yaml:"store"`
	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding"`
	Jobs      JobsConfig      `json:"jobs" yaml:"jobs"`
	Chunking  ChunkerOptions  `json:"chunking" yaml:"chunking"`
}

// DefaultConfig returns the default configuration for a database at path
func DefaultConfig(path string) Config {
	store := core.DefaultConfig()
	store.Path = path
	return Config{
		Store: store,
		Embedding: EmbeddingConfig{
			Model:       "default",
			BatchSize:   embed.DefaultBatchSize,
			Concurrency: 4,
		},
		Jobs: JobsConfig{
			Workers:        4,
			Retries:        3,
			InitialBackoff: 500 * time.Millisecond,
		},
		Chunking: DefaultChunkerOptions(),
	}
}

func (c Config) validate() error {
	if c.Embedding.Model == "" {
		return fmt.Errorf("%w: embedding model cannot be empty", core.ErrInvalidConfig)
	}
	if c.Jobs.Retries < 0 {
		return fmt.Errorf("%w: job retries cannot be negative", core.ErrInvalidConfig)
	}
	return c.Chunking.validate()
}
