package vector

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hyperjump/clipdex/internal/models"
	"github.com/hyperjump/clipdex/pkg/utils"
)

// Log file layout, little endian:
//
//	header: magic (4) dimensions (4)
//	record: op (1) idLen (4) id [vector (dimensions*4) when op is opInsert]
const (
	logMagic uint32 = 0x43445856 // "CDXV"

	opInsert byte = 1
	opRemove byte = 2

	headerSize = 8
)

// vectorLog is the durable append-only record of inserts and removals. Spilled
// entries are read back from it by offset.
type vectorLog struct {
	f    *os.File
	path string
	dims int
	size int64
	temp bool
}

// logEntry is a replayed record. offset points at the vector bytes of inserts.
type logEntry struct {
	op     byte
	id     string
	offset int64
	vector []float32
}

// openVectorLog opens or creates the log at path. An empty path creates a
// temporary file that is removed on close.
func openVectorLog(path string, dims int) (*vectorLog, error) {
	l := &vectorLog{path: path, dims: dims}
	var err error
	if path == "" {
		l.f, err = os.CreateTemp("", "clipdex-vectors-*.log")
		if err != nil {
			return nil, fmt.Errorf("create temp vector log: %w", err)
		}
		l.path = l.f.Name()
		l.temp = true
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create vector log dir: %w", err)
		}
		l.f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("open vector log: %w", err)
		}
	}
	st, err := l.f.Stat()
	if err != nil {
		l.f.Close()
		return nil, fmt.Errorf("stat vector log: %w", err)
	}
	if st.Size() == 0 {
		hdr := make([]byte, headerSize)
		binary.LittleEndian.PutUint32(hdr[0:4], logMagic)
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(dims))
		if _, err := l.f.WriteAt(hdr, 0); err != nil {
			l.f.Close()
			return nil, fmt.Errorf("write vector log header: %w", err)
		}
		l.size = headerSize
		return l, nil
	}
	hdr := make([]byte, headerSize)
	if _, err := l.f.ReadAt(hdr, 0); err != nil {
		l.f.Close()
		return nil, fmt.Errorf("read vector log header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != logMagic {
		l.f.Close()
		return nil, fmt.Errorf("%s is not a vector log", path)
	}
	if got := int(binary.LittleEndian.Uint32(hdr[4:8])); got != dims {
		l.f.Close()
		return nil, fmt.Errorf("vector log %s: %w", path, &models.DimensionMismatchError{Got: got, Want: dims})
	}
	l.size = st.Size()
	return l, nil
}

// replay calls fn for every complete record in order. A torn trailing record
// from an interrupted write is truncated away.
func (l *vectorLog) replay(fn func(logEntry)) (int, error) {
	r := bufio.NewReaderSize(io.NewSectionReader(l.f, headerSize, l.size-headerSize), 1<<16)
	offset := int64(headerSize)
	count := 0
	vecBytes := make([]byte, l.dims*4)
	var head [5]byte
	for {
		if _, err := io.ReadFull(r, head[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, l.truncate(offset)
		}
		op := head[0]
		idLen := int64(binary.LittleEndian.Uint32(head[1:5]))
		if (op != opInsert && op != opRemove) || idLen > l.size {
			return count, fmt.Errorf("corrupt vector log record at offset %d", offset)
		}
		id := make([]byte, idLen)
		if _, err := io.ReadFull(r, id); err != nil {
			return count, l.truncate(offset)
		}
		e := logEntry{op: op, id: string(id)}
		next := offset + 5 + idLen
		if op == opInsert {
			if _, err := io.ReadFull(r, vecBytes); err != nil {
				return count, l.truncate(offset)
			}
			e.offset = next
			e.vector = utils.BytesToFloat32s(vecBytes)
			next += int64(len(vecBytes))
		}
		fn(e)
		count++
		offset = next
	}
}

func (l *vectorLog) truncate(at int64) error {
	if err := l.f.Truncate(at); err != nil {
		return fmt.Errorf("truncate torn vector log record: %w", err)
	}
	l.size = at
	return nil
}

// appendInsert writes an insert record and returns the offset of its vector bytes.
func (l *vectorLog) appendInsert(id string, vec []float32) (int64, error) {
	rec := make([]byte, 5+len(id)+len(vec)*4)
	rec[0] = opInsert
	binary.LittleEndian.PutUint32(rec[1:5], uint32(len(id)))
	copy(rec[5:], id)
	copy(rec[5+len(id):], utils.Float32sToBytes(vec))
	if _, err := l.f.WriteAt(rec, l.size); err != nil {
		return 0, fmt.Errorf("append vector: %w", err)
	}
	offset := l.size + 5 + int64(len(id))
	l.size += int64(len(rec))
	return offset, nil
}

func (l *vectorLog) appendRemove(id string) error {
	rec := make([]byte, 5+len(id))
	rec[0] = opRemove
	binary.LittleEndian.PutUint32(rec[1:5], uint32(len(id)))
	copy(rec[5:], id)
	if _, err := l.f.WriteAt(rec, l.size); err != nil {
		return fmt.Errorf("append vector removal: %w", err)
	}
	l.size += int64(len(rec))
	return nil
}

// readVector loads the vector stored at offset. Safe for concurrent use with appends.
func (l *vectorLog) readVector(offset int64, buf []byte) ([]float32, error) {
	if _, err := l.f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("read spilled vector at %d: %w", offset, err)
	}
	return utils.BytesToFloat32s(buf), nil
}

func (l *vectorLog) close() error {
	err := l.f.Close()
	if l.temp {
		if rmErr := os.Remove(l.path); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}
