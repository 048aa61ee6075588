// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the kbase service configuration.
//
// Configuration is read from a YAML file; zero values are replaced by
// defaults. A .env file next to the working directory is loaded into the
// process environment first, so secrets such as the embedding API key can be
// kept out of the YAML file and referenced by variable name.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Vector store types.
const (
	VectorStoreBadger = "badger"
	VectorStoreQdrant = "qdrant"
)

var (
	// ErrInvalidConfig is returned when a loaded configuration cannot be used.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// EmbedderConfig configures the OpenAI-compatible embedding endpoint.
type EmbedderConfig struct {
	Host              string  `yaml:"host"`
	Model             string  `yaml:"model"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	Dimensions        int     `yaml:"dimensions"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// APIKey resolves the key from the environment variable named by APIKeyEnv.
func (e EmbedderConfig) APIKey() string {
	if e.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(e.APIKeyEnv)
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	Addr       string `yaml:"addr"`
	Collection string `yaml:"collection"`
}

// VectorStoreConfig selects the vector index implementation.
type VectorStoreConfig struct {
	Type   string       `yaml:"type"`
	Qdrant QdrantConfig `yaml:"qdrant"`
}

// IngestionConfig tunes the ingestion pipeline.
type IngestionConfig struct {
	MaxBatchSize      int           `yaml:"max_batch_size"`
	DefaultTTL        time.Duration `yaml:"default_ttl"`
	Concurrency       int           `yaml:"concurrency"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	ChunkSize         int           `yaml:"chunk_size"`    // bytes
	ChunkOverlap      int           `yaml:"chunk_overlap"` // characters
	MaxDepth          int           `yaml:"max_depth"`
	MaxPropertyLength int           `yaml:"max_property_length"` // characters
	EmbedBatchSize    int           `yaml:"embed_batch_size"`
	GraphBatchSize    int           `yaml:"graph_batch_size"`
	StoreTimeout      time.Duration `yaml:"store_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	MaxJobMessages    int           `yaml:"max_job_messages"`
}

// FreshnessConfig configures the periodic freshness sweep.
type FreshnessConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Mode     string        `yaml:"mode"`
	Interval time.Duration `yaml:"interval"`
}

// SearchConfig tunes query retrieval.
type SearchConfig struct {
	CandidateMultiplier int `yaml:"candidate_multiplier"`
}

// Config is the root configuration.
type Config struct {
	Listen      string            `yaml:"listen"`
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"`
	Embedder    EmbedderConfig    `yaml:"embedder"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Freshness   FreshnessConfig   `yaml:"freshness"`
	Search      SearchConfig      `yaml:"search"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{Freshness: FreshnessConfig{Enabled: true}}
	ApplyDefaults(cfg)
	return cfg
}

// Load reads a config from path. If the file does not exist, defaults are returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Freshness: FreshnessConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads KEY=VALUE pairs from the given .env files into the process
// environment. Missing files are ignored; existing variables are kept.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Save writes the config to path, creating directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./kbase_data"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}

	e := &cfg.Embedder
	if e.Host == "" {
		e.Host = "http://localhost:11434/v1"
	}
	if e.Model == "" {
		e.Model = "embeddinggemma"
	}
	if e.APIKeyEnv == "" {
		e.APIKeyEnv = "KBASE_EMBEDDING_API_KEY"
	}
	if e.Dimensions == 0 {
		e.Dimensions = 768
	}

	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = VectorStoreBadger
	}
	if cfg.VectorStore.Qdrant.Collection == "" {
		cfg.VectorStore.Qdrant.Collection = "kbase_chunks"
	}

	in := &cfg.Ingestion
	setInt(&in.MaxBatchSize, 1000)
	setInt(&in.Concurrency, max(runtime.NumCPU()/2, 1))
	setInt(&in.MaxConcurrentJobs, 4)
	setInt(&in.ChunkSize, 60000)
	setInt(&in.ChunkOverlap, 200)
	setInt(&in.MaxDepth, 10)
	setInt(&in.MaxPropertyLength, 250)
	setInt(&in.EmbedBatchSize, 16)
	setInt(&in.GraphBatchSize, 1000)
	setInt(&in.MaxRetries, 3)
	setInt(&in.MaxJobMessages, 1000)
	setDuration(&in.StoreTimeout, 30*time.Second)
	setDuration(&in.RetryDelay, 200*time.Millisecond)

	if cfg.Freshness.Mode == "" {
		cfg.Freshness.Mode = "prune"
	}
	setDuration(&cfg.Freshness.Interval, time.Hour)

	setInt(&cfg.Search.CandidateMultiplier, 3)
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.VectorStore.Type {
	case VectorStoreBadger:
	case VectorStoreQdrant:
		if c.VectorStore.Qdrant.Addr == "" {
			return fmt.Errorf("%w: vector_store.qdrant.addr is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown vector store %q", ErrInvalidConfig, c.VectorStore.Type)
	}
	if c.Ingestion.ChunkOverlap >= c.Ingestion.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be smaller than chunk_size", ErrInvalidConfig)
	}
	if c.Freshness.Mode != "prune" && c.Freshness.Mode != "flag" {
		return fmt.Errorf("%w: freshness mode must be prune or flag", ErrInvalidConfig)
	}
	return nil
}

// BadgerPath is the directory of the embedded badger stores.
func (c *Config) BadgerPath() string {
	return filepath.Join(c.DataDir, "badger")
}

// GraphPath is the sqlite graph database file.
func (c *Config) GraphPath() string {
	return filepath.Join(c.DataDir, "graph.db")
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
