// Package indexer keeps the feature store and its derived indexes in sync with source files.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/clipdex/internal/config"
	"github.com/hyperjump/clipdex/internal/extract"
	"github.com/hyperjump/clipdex/internal/fileid"
	"github.com/hyperjump/clipdex/internal/keyword"
	"github.com/hyperjump/clipdex/internal/models"
	"github.com/hyperjump/clipdex/internal/storage"
	"github.com/hyperjump/clipdex/internal/vector"
)

// Grouper is the part of the duplicate grouper the indexer drives.
type Grouper interface {
	Assign(ctx context.Context, seg *models.Segment) (uint64, error)
	Remove(ctx context.Context, segID string) error
	UpdateQuality(ctx context.Context, segID string, quality float64) error
	GroupOf(segID string) (uint64, bool)
	Groups() int
	Duplicates() []*models.DuplicateGroup
	SegmentIDs() []string
}

const pathLocks = 64

// Indexer ingests files through the extractor and writes each segment to the
// feature store, then to the grouper, the vector index and the tag index.
type Indexer struct {
	store     storage.FeatureStore
	grouper   Grouper
	vectors   vector.VectorIndex
	tags      keyword.TagIndex
	extractor extract.Extractor
	config    *config.IngestConfig
	logger    *zap.Logger
	locks     [pathLocks]sync.Mutex
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets the logger for the indexer. If nil, logging is disabled.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) {
		idx.logger = l
	}
}

// WithTagIndex also indexes segment tags for keyword lookup.
func WithTagIndex(t keyword.TagIndex) IndexerOption {
	return func(idx *Indexer) {
		idx.tags = t
	}
}

// NewIndexer creates an indexer. Optional: WithLogger, WithTagIndex.
func NewIndexer(
	store storage.FeatureStore,
	grouper Grouper,
	vectors vector.VectorIndex,
	extractor extract.Extractor,
	cfg *config.IngestConfig,
	opts ...IndexerOption,
) *Indexer {
	idx := &Indexer{
		store:     store,
		grouper:   grouper,
		vectors:   vectors,
		extractor: extractor,
		config:    cfg,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// lockPath serializes ingestion of one path across workers and the watcher.
func (idx *Indexer) lockPath(path string) func() {
	h := fnv.New32a()
	h.Write([]byte(path))
	m := &idx.locks[h.Sum32()%pathLocks]
	m.Lock()
	return m.Unlock
}

func (idx *Indexer) debug(msg string, fields ...zap.Field) {
	if idx.logger != nil {
		idx.logger.Debug(msg, fields...)
	}
}

// Ingest brings one file up to date. Unchanged files are skipped, changed files have
// their previous segments removed first. The returned report is never nil.
func (idx *Indexer) Ingest(ctx context.Context, path string) (*FileReport, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return &FileReport{Path: path, Outcome: OutcomeFailed, Error: err.Error()}, err
	}
	rep := &FileReport{Path: absPath}
	fail := func(err error) (*FileReport, error) {
		rep.Outcome = OutcomeFailed
		rep.Error = err.Error()
		return rep, err
	}

	if !extensionAllowed(filepath.Ext(absPath), idx.config.Extensions) {
		return fail(fmt.Errorf("%w: extension %q is not configured for ingestion", models.ErrInvalidInput, filepath.Ext(absPath)))
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return fail(err)
	}
	if !info.Mode().IsRegular() {
		return fail(fmt.Errorf("%w: not a regular file: %s", models.ErrInvalidInput, absPath))
	}

	unlock := idx.lockPath(absPath)
	defer unlock()

	prev, err := idx.store.GetFile(ctx, absPath)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return fail(fmt.Errorf("failed to read file record: %w", err))
	}
	if shouldSkipFile(prev, info) {
		idx.debug("indexer skip unchanged", zap.String("path", absPath))
		rep.Outcome = OutcomeSkipped
		rep.Segments = prev.SegmentCount
		return rep, nil
	}

	hash, err := fileid.ContentHash(absPath)
	if err != nil {
		return fail(err)
	}
	rec := &models.FileRecord{
		Path:        absPath,
		ContentHash: hash,
		Size:        info.Size(),
		ModTime:     info.ModTime().UnixNano(),
	}
	if prev != nil && prev.ContentHash == hash && prev.Status == models.FileComplete {
		// Touched but identical: refresh size and mtime so the next check is fast.
		rec.Status, rec.SegmentCount = prev.Status, prev.SegmentCount
		if err := idx.store.PutFile(ctx, rec); err != nil {
			return fail(fmt.Errorf("failed to update file record: %w", err))
		}
		idx.debug("indexer skip same content", zap.String("path", absPath))
		rep.Outcome = OutcomeSkipped
		rep.Segments = rec.SegmentCount
		return rep, nil
	}
	if prev != nil && prev.ContentHash != hash {
		removed, err := idx.removeSegments(ctx, absPath)
		if err != nil {
			return fail(fmt.Errorf("failed to remove previous segments: %w", err))
		}
		idx.debug("indexer file changed", zap.String("path", absPath), zap.Int("removed", removed))
	}

	extracted, err := idx.extractor.Extract(ctx, absPath)
	if err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		xerr := &models.ExtractionError{Path: absPath, Err: err}
		rec.Status, rec.Error = models.FileFailed, err.Error()
		if perr := idx.store.PutFile(ctx, rec); perr != nil {
			idx.warn("failed to record extraction failure", absPath, perr)
		}
		return fail(xerr)
	}
	segments, err := idx.buildSegments(absPath, extracted)
	if err != nil {
		rec.Status, rec.Error = models.FileFailed, err.Error()
		if perr := idx.store.PutFile(ctx, rec); perr != nil {
			idx.warn("failed to record invalid extraction", absPath, perr)
		}
		return fail(err)
	}

	committed, ingestErr := idx.commit(ctx, segments)
	rep.Segments = committed
	rec.SegmentCount = committed
	switch {
	case ingestErr == nil:
		rec.Status = models.FileComplete
		rep.Outcome = OutcomeIndexed
	case committed == 0:
		rec.Status, rec.Error = models.FileFailed, ingestErr.Error()
		rep.Outcome, rep.Error = OutcomeFailed, ingestErr.Error()
	default:
		ingestErr = &models.PartialIngestionError{Path: absPath, Committed: committed, Err: ingestErr}
		rec.Status, rec.Error = models.FilePartial, ingestErr.Error()
		rep.Outcome, rep.Error = OutcomePartial, ingestErr.Error()
	}
	// The record must land even when the run was cancelled mid-file.
	if err := idx.store.PutFile(context.WithoutCancel(ctx), rec); err != nil {
		return fail(fmt.Errorf("failed to write file record: %w", err))
	}
	idx.debug("indexer ingested",
		zap.String("path", absPath),
		zap.String("outcome", string(rep.Outcome)),
		zap.Int("segments", committed))
	return rep, ingestErr
}

// buildSegments validates the whole extraction before anything is committed.
func (idx *Indexer) buildSegments(path string, extracted []models.ExtractedSegment) ([]*models.Segment, error) {
	dims := idx.vectors.Dimensions()
	segments := make([]*models.Segment, 0, len(extracted))
	seen := make(map[string]struct{}, len(extracted))
	for i, x := range extracted {
		if !x.TimeRange.Valid() {
			return nil, fmt.Errorf("%w: segment %d of %s has invalid time range %s", models.ErrInvalidInput, i, path, x.TimeRange)
		}
		if len(x.Embedding) != dims {
			return nil, fmt.Errorf("segment %d of %s: %w", i, path, &models.DimensionMismatchError{Got: len(x.Embedding), Want: dims})
		}
		if !(x.Quality >= 0 && x.Quality <= 1) {
			return nil, fmt.Errorf("%w: segment %d of %s has quality_score %v outside [0,1]", models.ErrInvalidInput, i, path, x.Quality)
		}
		for d, v := range x.Embedding {
			if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, fmt.Errorf("%w: segment %d of %s has non-finite embedding value at %d", models.ErrInvalidInput, i, path, d)
			}
		}
		id := fileid.SegmentID(path, x.TimeRange)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		segments = append(segments, &models.Segment{
			ID:          id,
			FilePath:    path,
			TimeRange:   x.TimeRange,
			Fingerprint: x.Fingerprint,
			Embedding:   x.Embedding,
			Tags:        x.Tags,
			Quality:     x.Quality,
		})
	}
	return segments, nil
}

// commit writes segments in order. A segment counts as committed once the feature
// store holds it; failures in the derived indexes are collected and reported after
// the remaining segments are written.
func (idx *Indexer) commit(ctx context.Context, segments []*models.Segment) (int, error) {
	committed := 0
	var derivedErr error
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return committed, errors.Join(derivedErr, err)
		}
		if err := idx.store.Put(ctx, seg); err != nil {
			return committed, errors.Join(derivedErr, fmt.Errorf("failed to store segment %s: %w", seg.ID, err))
		}
		committed++
		if err := idx.applyDerived(ctx, seg); err != nil && derivedErr == nil {
			derivedErr = err
		}
	}
	return committed, derivedErr
}

// applyDerived updates grouper, vector index and tag index for a stored segment.
// Every step is idempotent, so it also serves reconciliation.
func (idx *Indexer) applyDerived(ctx context.Context, seg *models.Segment) error {
	var errs []error
	if _, err := idx.grouper.Assign(ctx, seg); err != nil {
		errs = append(errs, fmt.Errorf("failed to group segment %s: %w", seg.ID, err))
	}
	if err := idx.vectors.Insert(ctx, seg.ID, seg.Embedding); err != nil {
		errs = append(errs, fmt.Errorf("failed to index vector %s: %w", seg.ID, err))
	}
	if idx.tags != nil {
		if err := idx.tags.Index(ctx, seg); err != nil {
			errs = append(errs, fmt.Errorf("failed to index tags %s: %w", seg.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (idx *Indexer) warn(msg, path string, err error) {
	if idx.logger != nil {
		idx.logger.Warn(msg, zap.String("path", path), zap.Error(err))
	}
}

// shouldSkipFile reports whether a complete record matches the file's size and mtime.
func shouldSkipFile(prev *models.FileRecord, info os.FileInfo) bool {
	if prev == nil || prev.Status != models.FileComplete {
		return false
	}
	return prev.Size == info.Size() && prev.ModTime == info.ModTime().UnixNano()
}

// DeleteFile removes every segment of a file from all indexes and forgets the file.
func (idx *Indexer) DeleteFile(ctx context.Context, path string) (int, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}
	unlock := idx.lockPath(absPath)
	defer unlock()

	n, err := idx.removeSegments(ctx, absPath)
	if err != nil {
		return n, err
	}
	if err := idx.store.DeleteFile(ctx, absPath); err != nil {
		return n, fmt.Errorf("failed to delete file record: %w", err)
	}
	idx.debug("indexer deleted file", zap.String("path", absPath), zap.Int("segments", n))
	return n, nil
}

func (idx *Indexer) removeSegments(ctx context.Context, absPath string) (int, error) {
	segs, err := idx.store.SegmentsByFile(ctx, absPath)
	if err != nil {
		return 0, err
	}
	for i, seg := range segs {
		if err := idx.DeleteSegment(ctx, seg.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
			return i, err
		}
	}
	return len(segs), nil
}

// DeleteSegment removes a segment from the feature store, then from the derived indexes.
// Derived entries are removed even when the store no longer has the segment.
func (idx *Indexer) DeleteSegment(ctx context.Context, id string) error {
	storeErr := idx.store.Delete(ctx, id)
	if storeErr != nil && !errors.Is(storeErr, models.ErrNotFound) {
		return fmt.Errorf("failed to delete from store: %w", storeErr)
	}
	if err := idx.grouper.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to delete from grouper: %w", err)
	}
	if err := idx.vectors.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to delete from vector index: %w", err)
	}
	if idx.tags != nil {
		if err := idx.tags.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete from tag index: %w", err)
		}
	}
	return storeErr
}

// UpdateMetadata records a new metadata version, then passes the quality score to
// the grouper and refreshes the tag index.
func (idx *Indexer) UpdateMetadata(ctx context.Context, id string, tags []string, quality float64) (*models.Segment, error) {
	if !(quality >= 0 && quality <= 1) {
		return nil, fmt.Errorf("%w: quality_score must be within [0,1], got %v", models.ErrInvalidInput, quality)
	}
	seg, err := idx.store.UpdateMetadata(ctx, id, tags, quality)
	if err != nil {
		return nil, err
	}
	if err := idx.grouper.UpdateQuality(ctx, seg.ID, seg.Quality); err != nil {
		return seg, fmt.Errorf("failed to update group quality: %w", err)
	}
	if idx.tags != nil {
		if err := idx.tags.Index(ctx, seg); err != nil {
			return seg, fmt.Errorf("failed to index tags: %w", err)
		}
	}
	return seg, nil
}

// Status counts segments, groups, vectors and file records.
func (idx *Indexer) Status(ctx context.Context) (*models.IndexStatus, error) {
	count, err := idx.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count segments: %w", err)
	}
	st := &models.IndexStatus{
		Segments:        count,
		Groups:          idx.grouper.Groups(),
		DuplicateGroups: len(idx.grouper.Duplicates()),
		VectorEntries:   idx.vectors.Size(),
		SpilledVectors:  idx.vectors.Spilled(),
		Files:           make(map[models.FileStatus]int),
	}
	if idx.tags != nil {
		if st.TagDocuments, err = idx.tags.DocCount(); err != nil {
			return nil, fmt.Errorf("failed to count tag documents: %w", err)
		}
	}
	for _, status := range []models.FileStatus{models.FileComplete, models.FilePartial, models.FileFailed} {
		recs, err := idx.store.ListFiles(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("failed to list files: %w", err)
		}
		st.Files[status] = len(recs)
	}
	return st, nil
}

// CollectFiles walks dir and returns regular files with an allowed extension.
func (idx *Indexer) CollectFiles(dir string, recursive bool) ([]string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && (!recursive || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !extensionAllowed(filepath.Ext(path), idx.config.Extensions) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// extensionAllowed reports whether ext is in allowed (case-insensitive).
// An empty allow list admits every extension.
func extensionAllowed(ext string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		return false
	}
	for _, a := range allowed {
		if strings.TrimPrefix(strings.ToLower(a), ".") == ext {
			return true
		}
	}
	return false
}
