package indexer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/clipdex/internal/models"
)

// Outcome is the result of ingesting one file.
type Outcome string

const (
	OutcomeIndexed Outcome = "indexed"
	OutcomeSkipped Outcome = "skipped"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// FileReport describes the ingestion of one file.
type FileReport struct {
	Path     string  `json:"file_path"`
	Outcome  Outcome `json:"outcome"`
	Segments int     `json:"segments"`
	Error    string  `json:"error,omitempty"`
}

// RunReport summarizes an ingestion run over many files.
type RunReport struct {
	RunID    string        `json:"run_id"`
	Started  time.Time     `json:"started_at"`
	Duration time.Duration `json:"duration_ns"`
	Indexed  int           `json:"indexed"`
	Skipped  int           `json:"skipped"`
	Partial  int           `json:"partial"`
	Failed   int           `json:"failed"`
	Files    []*FileReport `json:"files"`
}

func (r *RunReport) add(f *FileReport) {
	switch f.Outcome {
	case OutcomeIndexed:
		r.Indexed++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomePartial:
		r.Partial++
	default:
		r.Failed++
	}
}

// IngestAll ingests paths with a bounded worker pool. A failing file never stops the
// run; its report carries the error. Only cancellation of ctx is returned as an error.
func (idx *Indexer) IngestAll(ctx context.Context, paths []string) (*RunReport, error) {
	report := &RunReport{RunID: uuid.NewString(), Started: time.Now().UTC()}
	unique := make([]string, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		unique = append(unique, p)
	}
	report.Files = make([]*FileReport, len(unique))

	workers := idx.config.Workers
	if workers <= 0 {
		workers = 1
	}
	logger := idx.logger
	if logger != nil {
		logger = logger.With(zap.String("run_id", report.RunID))
		logger.Info("ingestion run started", zap.Int("files", len(unique)), zap.Int("workers", workers))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range unique {
		if gctx.Err() != nil {
			report.Files[i] = &FileReport{Path: p, Outcome: OutcomeFailed, Error: gctx.Err().Error()}
			continue
		}
		g.Go(func() error {
			rep, err := idx.Ingest(gctx, p)
			report.Files[i] = rep
			if err != nil && logger != nil {
				logger.Warn("file ingestion failed", zap.String("path", p), zap.String("outcome", string(rep.Outcome)), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range report.Files {
		report.add(f)
	}
	report.Duration = time.Since(report.Started)
	if logger != nil {
		logger.Info("ingestion run finished",
			zap.Int("indexed", report.Indexed),
			zap.Int("skipped", report.Skipped),
			zap.Int("partial", report.Partial),
			zap.Int("failed", report.Failed),
			zap.Duration("duration", report.Duration))
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// IngestDirectory ingests every eligible file under dir.
func (idx *Indexer) IngestDirectory(ctx context.Context, dir string, recursive bool) (*RunReport, error) {
	files, err := idx.CollectFiles(dir, recursive)
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return idx.IngestAll(ctx, files)
}

// ReconcileReport summarizes a reconciliation pass.
type ReconcileReport struct {
	Segments int        `json:"segments"`
	Repaired int        `json:"repaired"`
	Pruned   int        `json:"pruned"`
	Errors   []string   `json:"errors,omitempty"`
	Files    *RunReport `json:"files,omitempty"`
}

// Reconcile re-applies grouping and indexing to every stored segment that the
// derived indexes are missing, drops derived entries whose segment the store no
// longer holds, then re-ingests files left partial or failed. Safe to run repeatedly.
func (idx *Indexer) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	var errs []error
	fail := func(err error) {
		errs = append(errs, err)
		report.Errors = append(report.Errors, err.Error())
	}

	stored := make(map[string]struct{})
	for seg, err := range idx.store.Scan(ctx, models.Filter{}) {
		if err != nil {
			return report, fmt.Errorf("failed to scan store: %w", err)
		}
		report.Segments++
		stored[seg.ID] = struct{}{}
		_, grouped := idx.grouper.GroupOf(seg.ID)
		if grouped && idx.vectors.Contains(seg.ID) {
			continue
		}
		if err := idx.applyDerived(ctx, seg); err != nil {
			fail(err)
			if ctx.Err() != nil {
				return report, errors.Join(append(errs, ctx.Err())...)
			}
			continue
		}
		report.Repaired++
	}

	for _, id := range orphans(stored, idx.grouper.SegmentIDs(), idx.vectors.IDs()) {
		// A segment stored after the scan started is not an orphan.
		if _, err := idx.store.Get(ctx, id); !errors.Is(err, models.ErrNotFound) {
			if err != nil {
				fail(fmt.Errorf("failed to check segment %s: %w", id, err))
			}
			continue
		}
		if err := idx.pruneDerived(ctx, id); err != nil {
			fail(err)
			continue
		}
		report.Pruned++
	}

	var pending []string
	for _, status := range []models.FileStatus{models.FilePartial, models.FileFailed} {
		recs, err := idx.store.ListFiles(ctx, status)
		if err != nil {
			return report, fmt.Errorf("failed to list %s files: %w", status, err)
		}
		for _, r := range recs {
			pending = append(pending, r.Path)
		}
	}
	if len(pending) > 0 {
		files, err := idx.IngestAll(ctx, pending)
		report.Files = files
		if err != nil {
			return report, errors.Join(append(errs, err)...)
		}
	}
	if idx.logger != nil {
		idx.logger.Info("reconciliation finished",
			zap.Int("segments", report.Segments),
			zap.Int("repaired", report.Repaired),
			zap.Int("pruned", report.Pruned),
			zap.Int("retried_files", len(pending)),
			zap.Int("errors", len(errs)))
	}
	return report, errors.Join(errs...)
}

// orphans returns the ids present in any derived listing but absent from stored, sorted.
func orphans(stored map[string]struct{}, derived ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ids := range derived {
		for _, id := range ids {
			if _, ok := stored[id]; ok {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// pruneDerived removes a segment the store no longer holds from every derived index.
func (idx *Indexer) pruneDerived(ctx context.Context, id string) error {
	var errs []error
	if err := idx.grouper.Remove(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("failed to prune %s from grouper: %w", id, err))
	}
	if err := idx.vectors.Remove(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("failed to prune %s from vector index: %w", id, err))
	}
	if idx.tags != nil {
		if err := idx.tags.Delete(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("failed to prune %s from tag index: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
