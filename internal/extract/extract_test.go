package extract

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/clipdex/internal/models"
)

const sampleOutput = `{"segments": [
  {"start": 0, "end": 4.5, "fingerprint": "0x00ff", "embedding": [1, 0], "tags": ["Beach"], "quality": 0.8},
  {"time_range": {"start": 4.5, "end": 9}, "fingerprint": 254, "embedding": [0.99, 0.1], "quality_score": 0.3}
]}`

func TestParseOutput(t *testing.T) {
	segs, err := ParseOutput([]byte(sampleOutput))
	require.NoError(t, err)
	require.Len(t, segs, 2)

	assert.Equal(t, models.TimeRange{Start: 0, End: 4.5}, segs[0].TimeRange)
	assert.Equal(t, models.Fingerprint(0x00FF), segs[0].Fingerprint)
	assert.Equal(t, []float32{1, 0}, segs[0].Embedding)
	assert.Equal(t, []string{"Beach"}, segs[0].Tags)
	assert.Equal(t, 0.8, segs[0].Quality)

	assert.Equal(t, models.TimeRange{Start: 4.5, End: 9}, segs[1].TimeRange)
	assert.Equal(t, models.Fingerprint(0x00FE), segs[1].Fingerprint)
	assert.Equal(t, 0.3, segs[1].Quality)
}

func TestParseOutput_BareArray(t *testing.T) {
	segs, err := ParseOutput([]byte(`[{"start":1,"end":2,"fingerprint":"ffffffffffffffff","embedding":[0.5]}]`))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, models.Fingerprint(^uint64(0)), segs[0].Fingerprint)
}

func TestParseOutput_Invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"not json", `{"segments": [`},
		{"no array", `{"items": []}`},
		{"missing end", `[{"start":0,"fingerprint":"1","embedding":[1]}]`},
		{"reversed range", `[{"start":5,"end":1,"fingerprint":"1","embedding":[1]}]`},
		{"bad fingerprint", `[{"start":0,"end":1,"fingerprint":"xyz","embedding":[1]}]`},
		{"missing fingerprint", `[{"start":0,"end":1,"embedding":[1]}]`},
		{"missing embedding", `[{"start":0,"end":1,"fingerprint":"1"}]`},
		{"empty embedding", `[{"start":0,"end":1,"fingerprint":"1","embedding":[]}]`},
		{"non numeric embedding", `[{"start":0,"end":1,"fingerprint":"1","embedding":["a"]}]`},
		{"quality out of range", `[{"start":0,"end":1,"fingerprint":"1","embedding":[1],"quality":1.5}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOutput([]byte(tt.json))
			assert.Error(t, err)
		})
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandExtractor_Success(t *testing.T) {
	requireShell(t)
	path := filepath.Join(t.TempDir(), "clip.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleOutput), 0600))

	ex, err := NewCommandExtractor([]string{"sh", "-c", `cat "$1"`, "extractor"}, WithRate(100), WithTimeout(5*time.Second))
	require.NoError(t, err)
	segs, err := ex.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, segs, 2)
}

func TestCommandExtractor_FailureCarriesStderr(t *testing.T) {
	requireShell(t)
	ex, err := NewCommandExtractor([]string{"sh", "-c", "echo corrupt stream >&2; exit 3", "extractor"})
	require.NoError(t, err)
	_, err = ex.Extract(context.Background(), "/does/not/matter.mp4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt stream")
}

func TestCommandExtractor_Timeout(t *testing.T) {
	requireShell(t)
	ex, err := NewCommandExtractor([]string{"sh", "-c", "sleep 5", "extractor"}, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	start := time.Now()
	_, err = ex.Extract(context.Background(), "clip.mp4")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestNewCommandExtractor_Empty(t *testing.T) {
	_, err := NewCommandExtractor(nil)
	assert.Error(t, err)
	_, err = NewCommandExtractor([]string{" "})
	assert.Error(t, err)
}

func TestMockExtractor_Deterministic(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 10000)
	for i := range content {
		content[i] = byte(i * 7)
	}
	a := filepath.Join(dir, "beach_sunset.mp4")
	b := filepath.Join(dir, "copy.mp4")
	require.NoError(t, os.WriteFile(a, content, 0600))
	require.NoError(t, os.WriteFile(b, content, 0600))

	m := NewMockExtractor(8)
	first, err := m.Extract(context.Background(), a)
	require.NoError(t, err)
	again, err := m.Extract(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	require.Len(t, first, 3)
	assert.Equal(t, []string{"beach", "sunset"}, first[0].Tags)
	assert.Equal(t, models.TimeRange{Start: 5, End: 10}, first[1].TimeRange)
	assert.Len(t, first[0].Embedding, 8)

	copied, err := m.Extract(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, first[0].Fingerprint, copied[0].Fingerprint, "same bytes, same fingerprint")
	assert.Equal(t, first[0].Embedding, copied[0].Embedding)
}

func TestMockExtractor_MaxSegments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "long.mp4")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0600))
	m := &MockExtractor{Dimensions: 2, ChunkSize: 1, MaxSegments: 4}
	segs, err := m.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, segs, 4)
}

func TestMockExtractor_JSONFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.mp4")
	require.NoError(t, os.WriteFile(path, []byte(sampleOutput), 0600))
	segs, err := NewMockExtractor(2).Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, segs, 2)
	assert.Equal(t, models.Fingerprint(0x00FF), segs[0].Fingerprint)
}

func TestMockExtractor_Failures(t *testing.T) {
	m := NewMockExtractor(2)
	_, err := m.Extract(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	empty := filepath.Join(t.TempDir(), "empty.mp4")
	require.NoError(t, os.WriteFile(empty, nil, 0600))
	_, err = m.Extract(context.Background(), empty)
	assert.Error(t, err)
}

func TestExtractorFunc(t *testing.T) {
	var ex Extractor = ExtractorFunc(func(ctx context.Context, path string) ([]models.ExtractedSegment, error) {
		return []models.ExtractedSegment{{TimeRange: models.TimeRange{End: 1}}}, nil
	})
	segs, err := ex.Extract(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, segs, 1)
}
