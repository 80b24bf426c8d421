// Package extract adapts the external feature extraction collaborator: something
// that turns a media file into per-segment fingerprints, embeddings and metadata.
package extract

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/hyperjump/clipdex/internal/models"
)

// Extractor produces the segments of one file. It must be deterministic for a
// given file content and return an error when the file is unreadable or corrupt.
type Extractor interface {
	Extract(ctx context.Context, path string) ([]models.ExtractedSegment, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, path string) ([]models.ExtractedSegment, error)

func (f ExtractorFunc) Extract(ctx context.Context, path string) ([]models.ExtractedSegment, error) {
	return f(ctx, path)
}

// ParseOutput decodes extractor JSON. It accepts either a bare array of segments
// or an object with a "segments" array. Each segment looks like:
//
//	{"start": 0, "end": 4.5, "fingerprint": "00ff00ff00ff00ff",
//	 "embedding": [0.1, ...], "tags": ["beach"], "quality": 0.8}
//
// The fingerprint may also be a JSON number. "time_range" {start,end} and
// "quality_score" are accepted as alternative spellings.
func ParseOutput(data []byte) ([]models.ExtractedSegment, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("extractor output is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	if root.IsObject() {
		root = root.Get("segments")
	}
	if !root.IsArray() {
		return nil, fmt.Errorf("extractor output has no segments array")
	}
	items := root.Array()
	out := make([]models.ExtractedSegment, 0, len(items))
	for i, item := range items {
		seg, err := parseSegment(item)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		out = append(out, seg)
	}
	return out, nil
}

func parseSegment(item gjson.Result) (models.ExtractedSegment, error) {
	var seg models.ExtractedSegment

	start, end := item.Get("start"), item.Get("end")
	if tr := item.Get("time_range"); tr.Exists() {
		start, end = tr.Get("start"), tr.Get("end")
	}
	if !start.Exists() || !end.Exists() {
		return seg, fmt.Errorf("missing start/end")
	}
	seg.TimeRange = models.TimeRange{Start: start.Float(), End: end.Float()}
	if !seg.TimeRange.Valid() {
		return seg, fmt.Errorf("invalid time range %s", seg.TimeRange)
	}

	fp := item.Get("fingerprint")
	switch fp.Type {
	case gjson.String:
		v, err := models.ParseFingerprint(fp.Str)
		if err != nil {
			return seg, err
		}
		seg.Fingerprint = v
	case gjson.Number:
		seg.Fingerprint = models.Fingerprint(fp.Uint())
	default:
		return seg, fmt.Errorf("missing fingerprint")
	}

	emb := item.Get("embedding")
	if !emb.IsArray() {
		return seg, fmt.Errorf("missing embedding")
	}
	values := emb.Array()
	if len(values) == 0 {
		return seg, fmt.Errorf("empty embedding")
	}
	seg.Embedding = make([]float32, len(values))
	for i, v := range values {
		if v.Type != gjson.Number {
			return seg, fmt.Errorf("embedding[%d] is not a number", i)
		}
		seg.Embedding[i] = float32(v.Float())
	}

	for _, tag := range item.Get("tags").Array() {
		seg.Tags = append(seg.Tags, tag.String())
	}

	q := item.Get("quality")
	if !q.Exists() {
		q = item.Get("quality_score")
	}
	seg.Quality = q.Float()
	if seg.Quality < 0 || seg.Quality > 1 {
		return seg, fmt.Errorf("quality %v outside [0,1]", seg.Quality)
	}
	return seg, nil
}
