// Package config provides configuration loading and structs for the clipdex index.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug   bool          `yaml:"debug"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Index   IndexConfig   `yaml:"index"`
	Search  SearchConfig  `yaml:"search"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Watch   WatchConfig   `yaml:"watch"`
	Review  ReviewConfig  `yaml:"review"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths of the feature store and the durable logs of the derived indexes.
type StorageConfig struct {
	DatabasePath     string `yaml:"database_path"`
	GroupJournalPath string `yaml:"group_journal_path"`
	VectorLogPath    string `yaml:"vector_log_path"`
	TagIndexPath     string `yaml:"tag_index_path"`
}

// Canonical policies for duplicate groups.
const (
	CanonicalFirst   = "first"
	CanonicalQuality = "quality"
)

// IndexConfig holds fingerprint and vector index parameters.
type IndexConfig struct {
	Dimensions      int    `yaml:"dimensions"`
	FingerprintBits int    `yaml:"fingerprint_bits"`
	DupThreshold    *int   `yaml:"dup_threshold"`
	CanonicalPolicy string `yaml:"canonical_policy"`
	VectorIndexType string `yaml:"vector_index_type"`
	MemoryBudget    *int   `yaml:"memory_budget"` // 0 keeps every vector resident
	LSHPlanes       int    `yaml:"lsh_planes"`
	LSHTables       int    `yaml:"lsh_tables"`
}

// SearchConfig holds query planner settings.
type SearchConfig struct {
	DefaultTopK     int `yaml:"default_top_k"`
	MaxTopK         int `yaml:"max_top_k"`
	OverfetchFactor int `yaml:"overfetch_factor"`
}

// IngestConfig holds ingestion worker and extractor settings.
type IngestConfig struct {
	Workers          int           `yaml:"workers"`
	Extensions       []string      `yaml:"extensions"`
	ExtractorCommand []string      `yaml:"extractor_command"`
	ExtractTimeout   time.Duration `yaml:"extract_timeout"`
	// ExtractorRate limits how many extractor processes may start per second (0 = unlimited).
	ExtractorRate float64 `yaml:"extractor_rate"`
}

// WatchConfig holds directory watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Review timeout actions. There is deliberately no default.
const (
	TimeoutApprove = "approve"
	TimeoutReject  = "reject"
)

// ReviewConfig holds the human review workflow settings.
type ReviewConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Timeout       time.Duration `yaml:"timeout"`
	TimeoutAction string        `yaml:"timeout_action"`
}

// Load reads and parses the config file at path, expands paths, applies defaults and validates.
// Returns an error if the file cannot be read, parsed, or is invalid.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.GroupJournalPath = expandPath(cfg.Storage.GroupJournalPath, configDir)
	cfg.Storage.VectorLogPath = expandPath(cfg.Storage.VectorLogPath, configDir)
	cfg.Storage.TagIndexPath = expandPath(cfg.Storage.TagIndexPath, configDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path. Used for persisting watch directory changes.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks values that have no safe default.
func (c *Config) Validate() error {
	if c.Index.FingerprintBits < 1 || c.Index.FingerprintBits > 64 {
		return fmt.Errorf("index.fingerprint_bits must be within [1,64], got %d", c.Index.FingerprintBits)
	}
	if c.Index.DupThreshold == nil {
		return fmt.Errorf("index.dup_threshold is required")
	}
	if t := *c.Index.DupThreshold; t < 0 || t >= c.Index.FingerprintBits {
		return fmt.Errorf("index.dup_threshold must be within [0,%d), got %d", c.Index.FingerprintBits, t)
	}
	if c.Index.MemoryBudget != nil && *c.Index.MemoryBudget < 0 {
		return fmt.Errorf("index.memory_budget must not be negative, got %d", *c.Index.MemoryBudget)
	}
	switch c.Index.CanonicalPolicy {
	case CanonicalFirst, CanonicalQuality:
	default:
		return fmt.Errorf("index.canonical_policy must be %q or %q, got %q", CanonicalFirst, CanonicalQuality, c.Index.CanonicalPolicy)
	}
	if c.Search.OverfetchFactor < 1 {
		return fmt.Errorf("search.overfetch_factor must be at least 1, got %d", c.Search.OverfetchFactor)
	}
	if c.Review.Enabled {
		switch c.Review.TimeoutAction {
		case TimeoutApprove, TimeoutReject:
		case "":
			return fmt.Errorf("review.timeout_action is required when review is enabled (%q or %q)", TimeoutApprove, TimeoutReject)
		default:
			return fmt.Errorf("review.timeout_action must be %q or %q, got %q", TimeoutApprove, TimeoutReject, c.Review.TimeoutAction)
		}
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
