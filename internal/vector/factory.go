package vector

import (
	"fmt"

	"go.uber.org/zap"
)

// IndexType represents the type of resident tier to use.
type IndexType string

const (
	// IndexTypeFlat scans every resident vector. Exact.
	IndexTypeFlat IndexType = "flat"
	// IndexTypeLSH probes random-hyperplane buckets and rescores candidates exactly.
	IndexTypeLSH IndexType = "lsh"
)

type options struct {
	logPath      string
	memoryBudget int
	lshPlanes    int
	lshTables    int
	lshSeed      uint64
	logger       *zap.Logger
}

// Option configures NewVectorIndex.
type Option func(*options)

// WithLogPath sets the durable vector log. Without it a temporary file is used.
func WithLogPath(path string) Option {
	return func(o *options) { o.logPath = path }
}

// WithMemoryBudget caps the resident tier; 0 keeps everything resident.
func WithMemoryBudget(entries int) Option {
	return func(o *options) { o.memoryBudget = entries }
}

// WithLSH sets hyperplanes per table, table count and the projection seed.
func WithLSH(planes, tables int, seed uint64) Option {
	return func(o *options) {
		o.lshPlanes = planes
		o.lshTables = tables
		o.lshSeed = seed
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewVectorIndex creates a vector index of the specified type.
// Supported types: "flat" (default), "lsh".
func NewVectorIndex(indexType string, dimensions int, opts ...Option) (VectorIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	o := &options{lshPlanes: 12, lshTables: 4, lshSeed: 1}
	for _, opt := range opts {
		opt(o)
	}
	switch IndexType(indexType) {
	case IndexTypeFlat, "":
		return newTieredIndex(dimensions, newFlatTier(), o)
	case IndexTypeLSH:
		if o.lshPlanes <= 0 || o.lshPlanes > 64 || o.lshTables <= 0 {
			return nil, fmt.Errorf("lsh needs 1-64 planes and at least one table (got %d planes, %d tables)", o.lshPlanes, o.lshTables)
		}
		return newTieredIndex(dimensions, newLSHTier(dimensions, o.lshPlanes, o.lshTables, o.lshSeed), o)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: flat, lsh)", indexType)
	}
}
