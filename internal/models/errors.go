package models

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below unwrap to these so callers can use errors.Is.
var (
	// ErrNotFound indicates a lookup on an unknown id.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateSegment indicates a segment id re-inserted with different content.
	ErrDuplicateSegment = errors.New("duplicate segment")

	// ErrDimensionMismatch indicates an embedding whose length differs from the index dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrExtraction indicates the feature extraction collaborator failed.
	ErrExtraction = errors.New("feature extraction failed")

	// ErrPartialIngestion indicates a file was committed to the feature store
	// but not fully grouped or vector indexed. Reconciliation repairs it.
	ErrPartialIngestion = errors.New("partial ingestion")

	// ErrInvalidInput indicates a malformed request or record.
	ErrInvalidInput = errors.New("invalid input")
)

// NotFoundError names what was missing.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// DuplicateSegmentError is returned by Put when the id exists with a different content hash.
type DuplicateSegmentError struct {
	SegmentID    string
	ExistingHash string
	NewHash      string
}

func (e *DuplicateSegmentError) Error() string {
	return fmt.Sprintf("segment %s already exists with different content (have %.12s, got %.12s)",
		e.SegmentID, e.ExistingHash, e.NewHash)
}

func (e *DuplicateSegmentError) Unwrap() error { return ErrDuplicateSegment }

// DimensionMismatchError reports the offending and expected dimensions.
type DimensionMismatchError struct {
	Got  int
	Want int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: got %d, expected %d", e.Got, e.Want)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// ExtractionError wraps a failure of the extraction collaborator for one file.
// It matches both ErrExtraction and the underlying cause.
type ExtractionError struct {
	Path string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() []error { return []error{ErrExtraction, e.Err} }

// PartialIngestionError reports a file whose segments were committed but whose derived
// indexes were not all updated.
type PartialIngestionError struct {
	Path      string
	Committed int
	Err       error
}

func (e *PartialIngestionError) Error() string {
	return fmt.Sprintf("partial ingestion of %s (%d segments committed): %v", e.Path, e.Committed, e.Err)
}

func (e *PartialIngestionError) Unwrap() []error { return []error{ErrPartialIngestion, e.Err} }
