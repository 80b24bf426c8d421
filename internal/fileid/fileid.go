// Package fileid derives stable identifiers for source files and their segments.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hyperjump/clipdex/internal/models"
)

const prefix = "seg:"

// SegmentID returns a stable id for the span tr of the file at path.
// Same (cleaned path, range) always yields the same id, independent of content.
// Range bounds are rounded to milliseconds so float noise from extractors does not split ids.
func SegmentID(path string, tr models.TimeRange) string {
	normalized := filepath.Clean(path)
	key := normalized + "\x00" + millis(tr.Start) + "\x00" + millis(tr.End)
	hash := sha256.Sum256([]byte(key))
	return prefix + hex.EncodeToString(hash[:16])
}

func millis(sec float64) string {
	return strconv.FormatInt(int64(sec*1000+0.5), 10)
}

// ContentHash streams the file at path through sha256 and returns the hex digest.
func ContentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for hashing: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
