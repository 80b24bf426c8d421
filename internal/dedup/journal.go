package dedup

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hyperjump/clipdex/internal/models"
)

const (
	opAssign  = "assign"
	opRemove  = "remove"
	opQuality = "quality"
)

// event is one line of the membership journal.
type event struct {
	Op          string             `json:"op"`
	SegmentID   string             `json:"segment_id,omitempty"`
	GroupID     uint64             `json:"group_id,omitempty"`
	Fingerprint models.Fingerprint `json:"fingerprint,omitempty"`
	Quality     float64            `json:"quality,omitempty"`
}

// journal is an append-only JSON-lines log of membership changes.
type journal struct {
	f    *os.File
	path string
}

func openJournal(path string) (*journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open group journal: %w", err)
	}
	return &journal{f: f, path: path}, nil
}

// replay feeds every complete line to fn and leaves the file positioned for appends.
// A trailing line without a newline is a torn write and is truncated.
func (j *journal) replay(fn func(event) error) (int, error) {
	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	r := bufio.NewReader(j.f)
	var offset int64
	count := 0
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(line) > 0 {
				if terr := j.f.Truncate(offset); terr != nil {
					return count, fmt.Errorf("truncate torn journal line: %w", terr)
				}
			}
			break
		}
		if err != nil {
			return count, fmt.Errorf("read group journal: %w", err)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var ev event
			if err := json.Unmarshal(trimmed, &ev); err != nil {
				return count, fmt.Errorf("group journal line at offset %d: %w", offset, err)
			}
			if err := fn(ev); err != nil {
				return count, err
			}
			count++
		}
		offset += int64(len(line))
	}
	if _, err := j.f.Seek(offset, io.SeekStart); err != nil {
		return count, err
	}
	return count, nil
}

func (j *journal) append(ev event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := j.f.Write(data); err != nil {
		return fmt.Errorf("append group journal: %w", err)
	}
	return nil
}

// reset discards the journal contents.
func (j *journal) reset() error {
	if err := j.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate group journal: %w", err)
	}
	_, err := j.f.Seek(0, io.SeekStart)
	return err
}

func (j *journal) close() error {
	return j.f.Close()
}
