// Package models defines core data structures for segments, duplicate groups, queries, and results.
package models

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/bits"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimeRange is a span of a source file in seconds.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns End - Start (never negative).
func (r TimeRange) Duration() float64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// Valid reports whether the range is non-empty and starts at or after zero.
func (r TimeRange) Valid() bool {
	return r.Start >= 0 && r.End > r.Start && !math.IsInf(r.End, 0) && !math.IsNaN(r.End)
}

func (r TimeRange) String() string {
	return fmt.Sprintf("%.3f-%.3f", r.Start, r.End)
}

// Fingerprint is a 64-bit perceptual hash. It encodes as a 16-digit hex string in JSON
// so that values above 2^53 survive JavaScript clients.
type Fingerprint uint64

// Distance returns the Hamming distance between two fingerprints.
func (f Fingerprint) Distance(other Fingerprint) int {
	return bits.OnesCount64(uint64(f ^ other))
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText accepts hex with or without a 0x prefix.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	v, err := ParseFingerprint(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// ParseFingerprint parses a hex fingerprint ("00ff", "0x00FF").
func ParseFingerprint(s string) (Fingerprint, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if s == "" {
		return 0, fmt.Errorf("%w: empty fingerprint", ErrInvalidInput)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: fingerprint %q: %v", ErrInvalidInput, s, err)
	}
	return Fingerprint(v), nil
}

// Segment is the immutable unit of indexed content: a time-bounded span of one source file.
// Tags and Quality are versioned metadata; Version is the version number Get returned.
type Segment struct {
	ID          string      `json:"segment_id"`
	FilePath    string      `json:"file_path"`
	TimeRange   TimeRange   `json:"time_range"`
	Fingerprint Fingerprint `json:"fingerprint"`
	Embedding   []float32   `json:"embedding,omitempty"`
	Tags        []string    `json:"tags"`
	Quality     float64     `json:"quality_score"`
	Version     int         `json:"version"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Duration returns the segment length in seconds.
func (s *Segment) Duration() float64 {
	return s.TimeRange.Duration()
}

// HasTags reports whether every tag in required is present on the segment.
func (s *Segment) HasTags(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(s.Tags))
	for _, t := range s.Tags {
		have[t] = struct{}{}
	}
	for _, t := range required {
		if _, ok := have[NormalizeTag(t)]; !ok {
			return false
		}
	}
	return true
}

// ContentHash returns a hex sha256 over the immutable part of the segment
// (path, range, fingerprint, embedding). Metadata is excluded.
func (s *Segment) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(s.FilePath))
	h.Write([]byte{0})
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(s.TimeRange.Start))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(s.TimeRange.End))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(s.Fingerprint))
	h.Write(buf[:])
	for _, v := range s.Embedding {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
		h.Write(buf[:4])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Clone returns a deep copy.
func (s *Segment) Clone() *Segment {
	c := *s
	c.Embedding = append([]float32(nil), s.Embedding...)
	c.Tags = append([]string(nil), s.Tags...)
	return &c
}

// NormalizeTag lowercases and trims a tag.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// NormalizeTags returns the sorted, de-duplicated, normalized tag set. Empty tags are dropped.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		n := NormalizeTag(t)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ExtractedSegment is one record produced by the feature extraction collaborator.
type ExtractedSegment struct {
	TimeRange   TimeRange   `json:"time_range"`
	Fingerprint Fingerprint `json:"fingerprint"`
	Embedding   []float32   `json:"embedding"`
	Tags        []string    `json:"tags"`
	Quality     float64     `json:"quality_score"`
}

// FileStatus is the ingestion state of a source file.
type FileStatus string

const (
	FileComplete FileStatus = "complete"
	FilePartial  FileStatus = "partial"
	FileFailed   FileStatus = "failed"
)

// FileRecord tracks the last ingestion of a source file for incremental sync.
type FileRecord struct {
	Path         string     `json:"file_path"`
	ContentHash  string     `json:"content_hash"`
	Size         int64      `json:"size"`
	ModTime      int64      `json:"mtime_unix_nano"`
	Status       FileStatus `json:"status"`
	SegmentCount int        `json:"segment_count"`
	Error        string     `json:"error,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
