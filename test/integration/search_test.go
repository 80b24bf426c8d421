// Package integration provides end-to-end tests over durable storage and indexes.
package integration

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/clipdex/internal/config"
	"github.com/hyperjump/clipdex/internal/dedup"
	"github.com/hyperjump/clipdex/internal/extract"
	"github.com/hyperjump/clipdex/internal/indexer"
	"github.com/hyperjump/clipdex/internal/keyword"
	"github.com/hyperjump/clipdex/internal/models"
	"github.com/hyperjump/clipdex/internal/search"
	"github.com/hyperjump/clipdex/internal/storage"
	"github.com/hyperjump/clipdex/internal/vector"
)

const dims = 16

type stack struct {
	store   *storage.SQLiteStore
	grouper *dedup.Grouper
	vectors vector.VectorIndex
	tags    *keyword.BleveIndex
	indexer *indexer.Indexer
	engine  *search.Engine
}

func (s *stack) close(t *testing.T) {
	t.Helper()
	require.NoError(t, s.tags.Close())
	require.NoError(t, s.vectors.Close())
	require.NoError(t, s.grouper.Close())
	require.NoError(t, s.store.Close())
}

func testConfig(dir string) *config.Config {
	cfg := &config.Config{}
	cfg.Storage = config.StorageConfig{
		DatabasePath:     filepath.Join(dir, "features.db"),
		GroupJournalPath: filepath.Join(dir, "groups.jsonl"),
		VectorLogPath:    filepath.Join(dir, "vectors.log"),
		TagIndexPath:     filepath.Join(dir, "tags.bleve"),
	}
	cfg.Index.Dimensions = dims
	cfg.Index.VectorIndexType = "lsh"
	budget := 10
	cfg.Index.MemoryBudget = &budget
	cfg.Ingest.Workers = 3
	cfg.Ingest.Extensions = []string{".mp4"}
	config.ApplyDefaults(cfg)
	return cfg
}

// openStack opens every component over the durable files named by cfg, replaying their logs.
func openStack(t *testing.T, cfg *config.Config) *stack {
	t.Helper()
	store, err := storage.NewSQLiteStore(cfg.Storage.DatabasePath)
	require.NoError(t, err)
	grouper, err := dedup.NewGrouper(cfg.Index.FingerprintBits, *cfg.Index.DupThreshold, cfg.Index.CanonicalPolicy,
		dedup.WithJournal(cfg.Storage.GroupJournalPath))
	require.NoError(t, err)
	vectors, err := vector.NewVectorIndex(cfg.Index.VectorIndexType, cfg.Index.Dimensions,
		vector.WithLogPath(cfg.Storage.VectorLogPath),
		vector.WithMemoryBudget(*cfg.Index.MemoryBudget),
		vector.WithLSH(cfg.Index.LSHPlanes, cfg.Index.LSHTables, 7))
	require.NoError(t, err)
	tags, err := keyword.NewBleveIndex(cfg.Storage.TagIndexPath)
	require.NoError(t, err)

	ext := extract.NewMockExtractor(dims)
	ext.ChunkSize = 1024
	return &stack{
		store:   store,
		grouper: grouper,
		vectors: vectors,
		tags:    tags,
		indexer: indexer.NewIndexer(store, grouper, vectors, ext, &cfg.Ingest, indexer.WithTagIndex(tags)),
		engine:  search.NewEngine(store, grouper, vectors, &cfg.Search, search.WithTagIndex(tags)),
	}
}

// writeMedia writes n random clips plus one byte-identical copy of the first.
func writeMedia(t *testing.T, dir string, n int) {
	t.Helper()
	rng := rand.New(rand.NewPCG(1, 2))
	var first []byte
	for i := 0; i < n; i++ {
		data := make([]byte, 1024*(2+i%3))
		for j := range data {
			data[j] = byte(rng.UintN(256))
		}
		if i == 0 {
			first = data
		}
		sub := filepath.Join(dir, []string{"day1", "day2"}[i%2])
		require.NoError(t, os.MkdirAll(sub, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(sub, "clip"+string(rune('a'+i))+".mp4"), data, 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "copy.mp4"), first, 0644))
}

// queryOf returns the embedding of the first segment of the duplicated clip, so every
// search has at least one duplicate to collapse.
func queryOf(t *testing.T, s *stack, media string) []float32 {
	t.Helper()
	segs, err := s.store.SegmentsByFile(context.Background(), filepath.Join(media, "copy.mp4"))
	require.NoError(t, err)
	require.NotEmpty(t, segs)
	return segs[0].Embedding
}

func resultIDs(resp *models.SearchResponse) []string {
	ids := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		ids[i] = r.SegmentID
	}
	return ids
}

func assertNoSharedGroups(t *testing.T, s *stack, resp *models.SearchResponse) {
	t.Helper()
	seen := map[uint64]bool{}
	for _, r := range resp.Results {
		gid, ok := s.grouper.GroupOf(r.SegmentID)
		require.True(t, ok, r.SegmentID)
		assert.False(t, seen[gid], "group %d returned twice", gid)
		seen[gid] = true
	}
}

func TestIntegration_IngestSearchRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	media := filepath.Join(dir, "media")
	writeMedia(t, media, 8)
	cfg := testConfig(filepath.Join(dir, "data"))

	s := openStack(t, cfg)
	run, err := s.indexer.IngestDirectory(ctx, media, true)
	require.NoError(t, err)
	assert.Equal(t, 9, run.Indexed)
	assert.Zero(t, run.Failed)

	count, err := s.store.Count(ctx)
	require.NoError(t, err)
	require.Greater(t, s.vectors.Spilled(), 0, "memory budget forces spilling")
	assert.NotEmpty(t, s.grouper.Duplicates(), "the copied clip duplicates every segment of its source")

	req := &models.SearchRequest{QueryEmbedding: queryOf(t, s, media), TopK: 5}
	before, err := s.engine.Search(ctx, req)
	require.NoError(t, err)
	require.Len(t, before.Results, 5)
	assert.Positive(t, before.DuplicatesCollapsed)
	assertNoSharedGroups(t, s, before)
	for i := 1; i < len(before.Results); i++ {
		assert.GreaterOrEqual(t, before.Results[i-1].SimilarityScore, before.Results[i].SimilarityScore)
	}
	statusBefore, err := s.indexer.Status(ctx)
	require.NoError(t, err)
	s.close(t)

	s = openStack(t, cfg)
	defer s.close(t)
	after, err := s.engine.Search(ctx, &models.SearchRequest{QueryEmbedding: req.QueryEmbedding, TopK: 5})
	require.NoError(t, err)
	assert.Equal(t, resultIDs(before), resultIDs(after), "replayed indexes answer identically")

	statusAfter, err := s.indexer.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, statusBefore.Groups, statusAfter.Groups)
	assert.Equal(t, statusBefore.VectorEntries, statusAfter.VectorEntries)
	assert.Equal(t, statusBefore.SpilledVectors, statusAfter.SpilledVectors)

	rerun, err := s.indexer.IngestDirectory(ctx, media, true)
	require.NoError(t, err)
	assert.Equal(t, 9, rerun.Skipped)
	again, err := s.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, count, again)
}

func TestIntegration_ReconcileRebuildsLostDerivedIndexes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	media := filepath.Join(dir, "media")
	writeMedia(t, media, 4)
	cfg := testConfig(filepath.Join(dir, "data"))

	s := openStack(t, cfg)
	_, err := s.indexer.IngestDirectory(ctx, media, true)
	require.NoError(t, err)
	req := &models.SearchRequest{QueryEmbedding: queryOf(t, s, media), TopK: 3}
	before, err := s.engine.Search(ctx, req)
	require.NoError(t, err)
	groups := s.grouper.Groups()
	s.close(t)

	// Only the feature store survives.
	require.NoError(t, os.Remove(cfg.Storage.VectorLogPath))
	require.NoError(t, os.Remove(cfg.Storage.GroupJournalPath))

	s = openStack(t, cfg)
	defer s.close(t)
	assert.Zero(t, s.vectors.Size())
	lost, err := s.engine.Search(ctx, &models.SearchRequest{QueryEmbedding: req.QueryEmbedding, TopK: 3})
	require.NoError(t, err)
	assert.Empty(t, lost.Results)
	assert.True(t, lost.UnderFilled)

	rec, err := s.indexer.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec.Segments, rec.Repaired)
	assert.Equal(t, groups, s.grouper.Groups())

	after, err := s.engine.Search(ctx, &models.SearchRequest{QueryEmbedding: req.QueryEmbedding, TopK: 3})
	require.NoError(t, err)
	assert.Len(t, after.Results, len(before.Results))
	assertNoSharedGroups(t, s, after)
}

func TestIntegration_ReconcilePrunesReplayedOrphans(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	media := filepath.Join(dir, "media")
	writeMedia(t, media, 3)
	cfg := testConfig(filepath.Join(dir, "data"))

	s := openStack(t, cfg)
	_, err := s.indexer.IngestDirectory(ctx, media, true)
	require.NoError(t, err)
	total := s.vectors.Size()
	require.Positive(t, total)
	// Drop every segment from the feature store only; journals still hold them.
	var ids []string
	for seg, err := range s.store.Scan(ctx, models.Filter{}) {
		require.NoError(t, err)
		ids = append(ids, seg.ID)
	}
	for _, id := range ids {
		require.NoError(t, s.store.Delete(ctx, id))
	}
	s.close(t)

	s = openStack(t, cfg)
	require.Equal(t, total, s.vectors.Size(), "vector log replays the orphans")
	require.Equal(t, total, s.grouper.Segments(), "group journal replays the orphans")

	rec, err := s.indexer.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, rec.Segments)
	assert.Equal(t, total, rec.Pruned)
	assert.Zero(t, s.grouper.Segments())
	assert.Zero(t, s.grouper.Groups())
	assert.Zero(t, s.vectors.Size())
	docs, err := s.tags.DocCount()
	require.NoError(t, err)
	assert.Zero(t, docs)
	s.close(t)

	// The pruning is journaled, so it survives another restart.
	s = openStack(t, cfg)
	defer s.close(t)
	assert.Zero(t, s.grouper.Segments())
	assert.Zero(t, s.vectors.Size())
}

func TestIntegration_ChangedFileReplacesSegments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	media := filepath.Join(dir, "media")
	writeMedia(t, media, 2)
	cfg := testConfig(filepath.Join(dir, "data"))
	s := openStack(t, cfg)
	defer s.close(t)

	_, err := s.indexer.IngestDirectory(ctx, media, true)
	require.NoError(t, err)
	target := filepath.Join(media, "copy.mp4")
	old, err := s.store.SegmentsByFile(ctx, target)
	require.NoError(t, err)
	require.NotEmpty(t, old)

	require.NoError(t, os.WriteFile(target, []byte(`[{"start":0,"end":3,"fingerprint":"0123456789abcdef","embedding":[1,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0],"tags":["replaced"],"quality":1}]`), 0644))
	report, err := s.indexer.Ingest(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, indexer.OutcomeIndexed, report.Outcome)

	for _, seg := range old {
		_, err := s.store.Get(ctx, seg.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.False(t, s.vectors.Contains(seg.ID))
	}
	found, err := s.engine.FindByTags(ctx, "replaced", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, target, found[0].FilePath)
}
