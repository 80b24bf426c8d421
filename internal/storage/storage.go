// Package storage defines the feature store: the single source of truth for segments.
package storage

import (
	"context"
	"iter"

	"github.com/hyperjump/clipdex/internal/models"
)

// FeatureStore is an append-only record store of segments and their metadata versions,
// plus per-file ingestion records used for incremental sync.
type FeatureStore interface {
	// Segment operations
	Put(ctx context.Context, seg *models.Segment) error
	Get(ctx context.Context, id string) (*models.Segment, error)
	Scan(ctx context.Context, filter models.Filter) iter.Seq2[*models.Segment, error]
	UpdateMetadata(ctx context.Context, id string, tags []string, quality float64) (*models.Segment, error)
	History(ctx context.Context, id string) ([]*models.Segment, error)
	Delete(ctx context.Context, id string) error
	SegmentsByFile(ctx context.Context, path string) ([]*models.Segment, error)

	// File records
	GetFile(ctx context.Context, path string) (*models.FileRecord, error)
	PutFile(ctx context.Context, rec *models.FileRecord) error
	ListFiles(ctx context.Context, status models.FileStatus) ([]*models.FileRecord, error)
	DeleteFile(ctx context.Context, path string) error

	// Stats
	Count(ctx context.Context) (int64, error)

	Close() error
}
