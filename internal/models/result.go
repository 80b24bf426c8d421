package models

// SearchResult is one canonical segment returned by a search.
type SearchResult struct {
	SegmentID       string    `json:"segment_id"`
	FilePath        string    `json:"file_path"`
	TimeRange       TimeRange `json:"time_range"`
	SimilarityScore float64   `json:"similarity_score"`
	Tags            []string  `json:"tags"`
	QualityScore    float64   `json:"quality_score"`
	GroupID         uint64    `json:"group_id,omitempty"`
	Rank            int       `json:"rank"`
}

// SearchResponse is the answer to a SearchRequest. UnderFilled is set when fewer than
// top_k results survived filtering and duplicate collapsing; it is not an error.
type SearchResponse struct {
	Results             []*SearchResult `json:"results"`
	UnderFilled         bool            `json:"under_filled"`
	TopK                int             `json:"top_k"`
	Candidates          int             `json:"candidates"`
	DuplicatesCollapsed int             `json:"duplicates_collapsed"`
	QueryTime           int64           `json:"query_time_ms"`
}

// DuplicateGroup describes a cluster of near-identical segments.
type DuplicateGroup struct {
	ID          uint64      `json:"group_id"`
	Canonical   string      `json:"canonical_segment_id"`
	Fingerprint Fingerprint `json:"canonical_fingerprint"`
	Members     []string    `json:"members"`
}

// IndexStatus summarizes the index for status reporting.
type IndexStatus struct {
	Segments        int64              `json:"segments"`
	Groups          int                `json:"groups"`
	DuplicateGroups int                `json:"duplicate_groups"`
	VectorEntries   int                `json:"vector_entries"`
	SpilledVectors  int                `json:"spilled_vectors"`
	TagDocuments    uint64             `json:"tag_documents"`
	Files           map[FileStatus]int `json:"files"`
	DiskUsageBytes  int64              `json:"disk_usage_bytes,omitempty"`
	Config          map[string]any     `json:"config,omitempty"`
}
