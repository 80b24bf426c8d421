package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/clipdex/internal/indexer"
	"github.com/hyperjump/clipdex/internal/models"
	"github.com/hyperjump/clipdex/internal/review"
)

func sampleResponse() *models.SearchResponse {
	return &models.SearchResponse{
		TopK:                3,
		Candidates:          9,
		DuplicatesCollapsed: 2,
		UnderFilled:         true,
		QueryTime:           7,
		Results: []*models.SearchResult{
			{
				SegmentID:       "seg-1",
				FilePath:        "/media/shoot/" + strings.Repeat("long/", 20) + "beach.mp4",
				TimeRange:       models.TimeRange{Start: 1, End: 4.5},
				SimilarityScore: 0.9876,
				Tags:            []string{"beach", "sunset"},
				QualityScore:    0.8,
				GroupID:         4,
				Rank:            1,
			},
		},
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"text", OutputText, false},
		{"", OutputText, false},
		{"JSON", OutputJSON, false},
		{" compact ", OutputCompact, false},
		{"yaml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOutputFormat(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestWriteSearchResults_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSearchResults(&buf, sampleResponse(), OutputJSON))

	var decoded models.SearchResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded.Results, 1)
	assert.Equal(t, "seg-1", decoded.Results[0].SegmentID)
	assert.Equal(t, 2, decoded.DuplicatesCollapsed)
	assert.True(t, decoded.UnderFilled)
}

func TestWriteSearchResults_Text(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSearchResults(&buf, sampleResponse(), OutputText))
	out := buf.String()

	assert.Contains(t, out, "Found 1 of 3 results in 7ms (9 candidates, 2 duplicates collapsed)")
	assert.Contains(t, out, "Fewer matches than requested")
	assert.Contains(t, out, "Similarity: 0.9876")
	assert.Contains(t, out, "Segment: seg-1 (group 4)")
	assert.Contains(t, out, "...")
	assert.Contains(t, out, "beach.mp4 [1.000-4.500]")
	assert.Contains(t, out, "Tags: beach, sunset")
}

func TestWriteSearchResults_Compact(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSearchResults(&buf, sampleResponse(), OutputCompact))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	fields := strings.Split(lines[0], "\t")
	require.Len(t, fields, 5)
	assert.Equal(t, "1", fields[0])
	assert.Equal(t, "seg-1", fields[2])
}

func TestWriteRunReport(t *testing.T) {
	report := &indexer.RunReport{
		RunID:    "run-1",
		Duration: 1500 * time.Millisecond,
		Indexed:  1,
		Skipped:  1,
		Failed:   1,
		Files: []*indexer.FileReport{
			{Path: "/m/a.mp4", Outcome: indexer.OutcomeIndexed, Segments: 3},
			{Path: "/m/b.mp4", Outcome: indexer.OutcomeSkipped, Segments: 2},
			{Path: "/m/c.mp4", Outcome: indexer.OutcomeFailed, Error: "extraction failed"},
		},
	}

	var text bytes.Buffer
	require.NoError(t, WriteRunReport(&text, report, OutputText))
	out := text.String()
	assert.Contains(t, out, "/m/a.mp4")
	assert.NotContains(t, out, "/m/b.mp4", "skipped files are omitted from text output")
	assert.Contains(t, out, "(extraction failed)")
	assert.Contains(t, out, "run run-1: 1 indexed, 1 skipped, 0 partial, 1 failed in 1.5s")

	var compact bytes.Buffer
	require.NoError(t, WriteRunReport(&compact, report, OutputCompact))
	assert.Contains(t, compact.String(), "/m/b.mp4")

	var js bytes.Buffer
	require.NoError(t, WriteRunReport(&js, report, OutputJSON))
	var decoded indexer.RunReport
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Len(t, decoded.Files, 3)
}

func TestWriteReconcileReport(t *testing.T) {
	report := &indexer.ReconcileReport{
		Segments: 10,
		Repaired: 2,
		Pruned:   1,
		Errors:   []string{"seg-9: vector insert failed"},
		Files: &indexer.RunReport{
			RunID:   "r",
			Indexed: 1,
			Files:   []*indexer.FileReport{{Path: "/m/p.mp4", Outcome: indexer.OutcomeIndexed, Segments: 1}},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteReconcileReport(&buf, report, OutputText))
	out := buf.String()
	assert.Contains(t, out, "segments checked: 10")
	assert.Contains(t, out, "segments repaired: 2")
	assert.Contains(t, out, "orphans pruned: 1")
	assert.Contains(t, out, "error: seg-9: vector insert failed")
	assert.Contains(t, out, "/m/p.mp4")
}

func TestWriteStatus(t *testing.T) {
	st := &models.IndexStatus{
		Segments:        12,
		Groups:          9,
		DuplicateGroups: 2,
		VectorEntries:   12,
		SpilledVectors:  4,
		TagDocuments:    12,
		Files:           map[models.FileStatus]int{models.FileComplete: 3, models.FilePartial: 1},
		DiskUsageBytes:  2048,
		Config:          map[string]any{"vector_index_type": "flat", "dimensions": 512},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteStatus(&buf, st, OutputText))
	out := buf.String()
	assert.Contains(t, out, "segments:          12")
	assert.Contains(t, out, "# 2 with duplicates")
	assert.Contains(t, out, "# 4 spilled to disk")
	assert.Contains(t, out, "files_complete:")
	assert.Contains(t, out, "disk_usage_bytes:  2048")
	assert.Less(t, strings.Index(out, "dimensions:"), strings.Index(out, "vector_index_type:"), "config keys are sorted")
}

func TestWriteDuplicates(t *testing.T) {
	groups := []*models.DuplicateGroup{
		{ID: 3, Canonical: "a", Fingerprint: 0xff, Members: []string{"a", "b", "c"}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteDuplicates(&buf, groups, OutputText))
	out := buf.String()
	assert.Contains(t, out, "group 3")
	assert.Contains(t, out, "3 members")
	assert.Contains(t, out, "  * a\n")
	assert.Contains(t, out, "    b\n")

	buf.Reset()
	require.NoError(t, WriteDuplicates(&buf, nil, OutputText))
	assert.Contains(t, buf.String(), "No duplicate groups.")

	buf.Reset()
	require.NoError(t, WriteDuplicates(&buf, nil, OutputJSON))
	assert.JSONEq(t, `{"groups":[],"count":0}`, buf.String())

	buf.Reset()
	require.NoError(t, WriteDuplicates(&buf, groups, OutputCompact))
	assert.Equal(t, "3\ta\ta,b,c\n", buf.String())
}

func TestWriteSessions(t *testing.T) {
	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sessions := []*review.Session{
		{ID: "s1", Title: "cut A", SegmentIDs: []string{"a", "b"}, Stage: review.StageMaterialReview, Deadline: &due},
		{ID: "s2", Title: "cut B", Stage: review.StageApproved},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteSessions(&buf, sessions, OutputText))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "material_review")
	assert.Contains(t, lines[0], "2026-03-01T12:00:00Z")
	assert.Contains(t, lines[1], "due -")

	buf.Reset()
	require.NoError(t, WriteSessions(&buf, nil, OutputText))
	assert.Equal(t, "No review sessions.\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteSessions(&buf, nil, OutputJSON))
	assert.JSONEq(t, `[]`, buf.String())
}
