package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/clipdex/data/features.db"
	}
	if cfg.Storage.GroupJournalPath == "" {
		cfg.Storage.GroupJournalPath = "/usr/local/var/clipdex/data/groups.jsonl"
	}
	if cfg.Storage.VectorLogPath == "" {
		cfg.Storage.VectorLogPath = "/usr/local/var/clipdex/data/vectors.log"
	}
	if cfg.Storage.TagIndexPath == "" {
		cfg.Storage.TagIndexPath = "/usr/local/var/clipdex/data/tags.bleve"
	}
	if cfg.Index.Dimensions == 0 {
		cfg.Index.Dimensions = 512
	}
	if cfg.Index.FingerprintBits == 0 {
		cfg.Index.FingerprintBits = 64
	}
	// One bit of tolerance per eight bits of hash. An explicit 0 keeps exact matching.
	if cfg.Index.DupThreshold == nil {
		t := cfg.Index.FingerprintBits / 8
		cfg.Index.DupThreshold = &t
	}
	if cfg.Index.CanonicalPolicy == "" {
		cfg.Index.CanonicalPolicy = CanonicalFirst
	}
	if cfg.Index.VectorIndexType == "" {
		cfg.Index.VectorIndexType = "flat"
	}
	if cfg.Index.MemoryBudget == nil {
		b := 100000
		cfg.Index.MemoryBudget = &b
	}
	if cfg.Index.LSHPlanes == 0 {
		cfg.Index.LSHPlanes = 12
	}
	if cfg.Index.LSHTables == 0 {
		cfg.Index.LSHTables = 4
	}
	if cfg.Search.DefaultTopK == 0 {
		cfg.Search.DefaultTopK = 10
	}
	if cfg.Search.MaxTopK == 0 {
		cfg.Search.MaxTopK = 100
	}
	if cfg.Search.OverfetchFactor == 0 {
		cfg.Search.OverfetchFactor = 3
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Ingest.Extensions == nil {
		cfg.Ingest.Extensions = []string{".mp4", ".mov", ".avi", ".mkv"}
	}
	if cfg.Ingest.ExtractTimeout == 0 {
		cfg.Ingest.ExtractTimeout = 10 * time.Minute
	}
	if cfg.Review.Timeout == 0 {
		cfg.Review.Timeout = 10 * time.Minute
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
