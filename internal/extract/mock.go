package extract

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hyperjump/clipdex/internal/models"
)

// MockExtractor derives deterministic features from file bytes, for tests and demos.
// A file whose content is extractor JSON is parsed as such, which lets fixtures
// spell out exact fingerprints and embeddings.
type MockExtractor struct {
	Dimensions int
	// ChunkSize is the number of bytes per synthetic segment (default 4096).
	ChunkSize int
	// SegmentSeconds is the synthetic duration of each segment (default 5).
	SegmentSeconds float64
	// MaxSegments caps segments per file (default 16).
	MaxSegments int
}

// NewMockExtractor returns a MockExtractor producing dims-wide embeddings.
func NewMockExtractor(dims int) *MockExtractor {
	return &MockExtractor{Dimensions: dims}
}

func (m *MockExtractor) Extract(ctx context.Context, path string) ([]models.ExtractedSegment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	if gjson.ValidBytes(data) {
		return ParseOutput(data)
	}

	chunk := m.ChunkSize
	if chunk <= 0 {
		chunk = 4096
	}
	seconds := m.SegmentSeconds
	if seconds <= 0 {
		seconds = 5
	}
	maxSegs := m.MaxSegments
	if maxSegs <= 0 {
		maxSegs = 16
	}
	n := (len(data) + chunk - 1) / chunk
	if n > maxSegs {
		n = maxSegs
		chunk = (len(data) + n - 1) / n
	}

	tags := nameTags(path)
	out := make([]models.ExtractedSegment, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lo := i * chunk
		hi := min(lo+chunk, len(data))
		sum := sha256.Sum256(data[lo:hi])
		rng := rand.New(rand.NewPCG(binary.LittleEndian.Uint64(sum[8:16]), binary.LittleEndian.Uint64(sum[16:24])))
		emb := make([]float32, m.Dimensions)
		for d := range emb {
			emb[d] = float32(rng.NormFloat64())
		}
		out = append(out, models.ExtractedSegment{
			TimeRange:   models.TimeRange{Start: float64(i) * seconds, End: float64(i+1) * seconds},
			Fingerprint: models.Fingerprint(binary.LittleEndian.Uint64(sum[0:8])),
			Embedding:   emb,
			Tags:        tags,
			Quality:     float64(sum[24]) / 255,
		})
	}
	return out, nil
}

// nameTags turns "beach_sunset.mp4" into [beach sunset].
func nameTags(path string) []string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return models.NormalizeTags(strings.FieldsFunc(base, func(r rune) bool {
		return r == '_' || r == '-' || r == ' ' || r == '.'
	}))
}
