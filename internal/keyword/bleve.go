package keyword

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	keywordanalyzer "github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/clipdex/internal/models"
)

const defaultSearchLimit = 20

// tagDocument is what gets indexed per segment.
type tagDocument struct {
	Tags      []string `json:"tags"`
	TagWords  string   `json:"tag_words"`
	FileWords string   `json:"file_words"`
	FilePath  string   `json:"file_path"`
}

// BleveIndex implements TagIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

// NewBleveIndex creates or opens a Bleve index at path. An existing index is reused
// so unchanged files are not re-indexed after a restart.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create tag index dir: %w", err)
	}
	index, err := bleve.New(path, buildMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// NewMemoryBleveIndex creates an index that lives only in memory.
func NewMemoryBleveIndex() (*BleveIndex, error) {
	index, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

func buildMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keywordanalyzer.Name
	docMapping.AddFieldMappingsAt("tags", exact)
	docMapping.AddFieldMappingsAt("file_path", exact)

	words := bleve.NewTextFieldMapping()
	words.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("tag_words", words)
	docMapping.AddFieldMappingsAt("file_words", words)

	im.AddDocumentMapping("segment", docMapping)
	im.DefaultType = "segment"
	im.DefaultMapping = docMapping
	return im
}

// splitWords breaks a name like "beach_day-02.mp4" into "beach day 02 mp4".
func splitWords(s string) string {
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}

// Index indexes a segment's tags and file name under its id.
func (b *BleveIndex) Index(ctx context.Context, seg *models.Segment) error {
	tags := models.NormalizeTags(seg.Tags)
	doc := tagDocument{
		Tags:      tags,
		TagWords:  splitWords(strings.Join(tags, " ")),
		FileWords: splitWords(filepath.Base(seg.FilePath)),
		FilePath:  seg.FilePath,
	}
	if err := b.index.Index(seg.ID, doc); err != nil {
		return fmt.Errorf("index segment %s tags: %w", seg.ID, err)
	}
	return nil
}

// Search matches query terms against tags (exact and word-wise) and file name words.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error) {
	terms := tokenizeQuery(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	fileBoost := 1.0
	fuzzy, fuzziness := false, 1
	if opts != nil {
		if opts.FileNameBoost > 0 {
			fileBoost = opts.FileNameBoost
		}
		fuzzy = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
	}

	var clauses []blevequery.Query
	for _, term := range terms {
		tq := bleve.NewTermQuery(term)
		tq.SetField("tags")
		tq.SetBoost(2)
		clauses = append(clauses, tq)
	}
	clauses = append(clauses,
		b.wordQuery(terms, "tag_words", 1, fuzzy, fuzziness),
		b.wordQuery(terms, "file_words", fileBoost, fuzzy, fuzziness))

	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(clauses...))
	req.Size = limit
	res, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*KeywordResult, len(res.Hits))
	for i, hit := range res.Hits {
		out[i] = &KeywordResult{ID: hit.ID, Score: hit.Score}
	}
	return out, nil
}

// wordQuery ORs the terms against one analyzed field, optionally with fuzzy matching.
func (b *BleveIndex) wordQuery(terms []string, field string, boost float64, fuzzy bool, fuzziness int) blevequery.Query {
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		if fuzzy {
			fq := bleve.NewFuzzyQuery(term)
			fq.SetFuzziness(fuzziness)
			fq.SetField(field)
			queries = append(queries, fq)
			continue
		}
		mq := bleve.NewMatchQuery(term)
		mq.SetField(field)
		queries = append(queries, mq)
	}
	q := bleve.NewDisjunctionQuery(queries...)
	q.SetBoost(boost)
	return q
}

// tokenizeQuery splits query into lowercase terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// Delete removes a segment from the index.
func (b *BleveIndex) Delete(ctx context.Context, id string) error {
	return b.index.Delete(id)
}

// DocCount returns the number of indexed segments.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
