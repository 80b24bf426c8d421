package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/clipdex/internal/models"
	"github.com/hyperjump/clipdex/pkg/utils"
)

const scanPageSize = 256

// SQLiteStore implements FeatureStore using SQLite in WAL mode. Segment rows are immutable;
// metadata changes append rows to segment_versions and reads return the highest version.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	// Immediate transactions take the write lock up front so concurrent ingestion workers
	// queue on busy_timeout instead of failing on lock upgrade.
	dsn := "file:" + dbPath + "?_journal_mode=WAL&_busy_timeout=10000&_txlock=immediate&_synchronous=NORMAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS segments (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		file_path TEXT NOT NULL,
		start_sec REAL NOT NULL,
		end_sec REAL NOT NULL,
		fingerprint INTEGER NOT NULL,
		embedding BLOB NOT NULL,
		content_hash TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_segments_file_path ON segments(file_path);

	CREATE TABLE IF NOT EXISTS segment_versions (
		segment_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		tags TEXT NOT NULL,
		quality REAL NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (segment_id, version)
	);

	CREATE TABLE IF NOT EXISTS files (
		path TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		size INTEGER NOT NULL,
		mtime INTEGER NOT NULL,
		status TEXT NOT NULL,
		segment_count INTEGER NOT NULL,
		error TEXT,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_files_status ON files(status);
	`
	_, err := db.Exec(schema)
	return err
}

const segmentColumns = `s.seq, s.id, s.file_path, s.start_sec, s.end_sec, s.fingerprint, s.embedding,
	s.created_at, v.version, v.tags, v.quality`

const latestVersionJoin = `FROM segments s JOIN segment_versions v ON v.segment_id = s.id
	AND v.version = (SELECT MAX(version) FROM segment_versions WHERE segment_id = s.id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSegment(row rowScanner) (*models.Segment, int64, error) {
	var (
		seg     models.Segment
		seq     int64
		fp      int64
		emb     []byte
		tagJSON string
	)
	err := row.Scan(&seq, &seg.ID, &seg.FilePath, &seg.TimeRange.Start, &seg.TimeRange.End, &fp, &emb,
		&seg.CreatedAt, &seg.Version, &tagJSON, &seg.Quality)
	if err != nil {
		return nil, 0, err
	}
	seg.Fingerprint = models.Fingerprint(uint64(fp))
	seg.Embedding = utils.BytesToFloat32s(emb)
	if err := json.Unmarshal([]byte(tagJSON), &seg.Tags); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal tags of %s: %w", seg.ID, err)
	}
	return &seg, seq, nil
}

// Put inserts a segment with metadata version 1 in a single transaction, so a segment is
// either fully present or absent. Re-putting the same id with the same content hash is a no-op;
// a different content hash fails with *models.DuplicateSegmentError.
func (s *SQLiteStore) Put(ctx context.Context, seg *models.Segment) error {
	if seg.ID == "" {
		return fmt.Errorf("%w: segment id is required", models.ErrInvalidInput)
	}
	hash := seg.ContentHash()
	tags := models.NormalizeTags(seg.Tags)
	tagJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO segments (id, file_path, start_sec, end_sec, fingerprint, embedding, content_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		seg.ID, seg.FilePath, seg.TimeRange.Start, seg.TimeRange.End, int64(uint64(seg.Fingerprint)),
		utils.Float32sToBytes(seg.Embedding), hash, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert segment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT content_hash FROM segments WHERE id = ?`, seg.ID).Scan(&existing); err != nil {
			return fmt.Errorf("failed to read existing segment: %w", err)
		}
		if existing != hash {
			return &models.DuplicateSegmentError{SegmentID: seg.ID, ExistingHash: existing, NewHash: hash}
		}
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO segment_versions (segment_id, version, tags, quality, created_at) VALUES (?, 1, ?, ?, ?)`,
		seg.ID, string(tagJSON), seg.Quality, now,
	); err != nil {
		return fmt.Errorf("failed to insert segment version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	seg.Tags = tags
	seg.Version = 1
	seg.CreatedAt = now
	return nil
}

// Get returns the latest version of a segment.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Segment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+segmentColumns+` `+latestVersionJoin+` WHERE s.id = ?`, id)
	seg, _, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Kind: "segment", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return seg, nil
}

// Scan returns a lazy sequence of the latest version of every segment matching filter,
// in insertion order. The sequence is bounded by the segments present when iteration starts
// and each range over it restarts from the beginning. Pages are read fully before being
// yielded so no read cursor stays open while the caller works.
func (s *SQLiteStore) Scan(ctx context.Context, filter models.Filter) iter.Seq2[*models.Segment, error] {
	return func(yield func(*models.Segment, error) bool) {
		var upper int64
		if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM segments`).Scan(&upper); err != nil {
			yield(nil, err)
			return
		}
		var after int64
		for {
			page, last, err := s.scanPage(ctx, after, upper)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(page) == 0 {
				return
			}
			for _, seg := range page {
				if !filter.Match(seg) {
					continue
				}
				if !yield(seg, nil) {
					return
				}
			}
			after = last
		}
	}
}

func (s *SQLiteStore) scanPage(ctx context.Context, after, upper int64) ([]*models.Segment, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+segmentColumns+` `+latestVersionJoin+` WHERE s.seq > ? AND s.seq <= ? ORDER BY s.seq LIMIT ?`,
		after, upper, scanPageSize,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		page []*models.Segment
		last = after
	)
	for rows.Next() {
		seg, seq, err := scanSegment(rows)
		if err != nil {
			return nil, 0, err
		}
		page = append(page, seg)
		last = seq
	}
	return page, last, rows.Err()
}

// UpdateMetadata appends a new metadata version and returns the updated segment.
func (s *SQLiteStore) UpdateMetadata(ctx context.Context, id string, tags []string, quality float64) (*models.Segment, error) {
	tagJSON, err := json.Marshal(models.NormalizeTags(tags))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var current sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM segment_versions WHERE segment_id = ?`, id,
	).Scan(&current); err != nil {
		return nil, err
	}
	if !current.Valid {
		return nil, &models.NotFoundError{Kind: "segment", ID: id}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO segment_versions (segment_id, version, tags, quality, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, current.Int64+1, string(tagJSON), quality, time.Now().UTC(),
	); err != nil {
		return nil, fmt.Errorf("failed to insert segment version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// History returns every metadata version of a segment, oldest first.
func (s *SQLiteStore) History(ctx context.Context, id string) ([]*models.Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.seq, s.id, s.file_path, s.start_sec, s.end_sec, s.fingerprint, s.embedding,
			s.created_at, v.version, v.tags, v.quality
		 FROM segments s JOIN segment_versions v ON v.segment_id = s.id
		 WHERE s.id = ? ORDER BY v.version`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*models.Segment
	for rows.Next() {
		seg, _, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, &models.NotFoundError{Kind: "segment", ID: id}
	}
	return versions, nil
}

// Delete removes a segment and all its versions.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &models.NotFoundError{Kind: "segment", ID: id}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM segment_versions WHERE segment_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// SegmentsByFile returns the latest version of every segment of a file in insertion order.
func (s *SQLiteStore) SegmentsByFile(ctx context.Context, path string) ([]*models.Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+segmentColumns+` `+latestVersionJoin+` WHERE s.file_path = ? ORDER BY s.seq`, path,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segs []*models.Segment
	for rows.Next() {
		seg, _, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// GetFile returns the ingestion record of a file.
func (s *SQLiteStore) GetFile(ctx context.Context, path string) (*models.FileRecord, error) {
	var (
		rec    models.FileRecord
		status string
		errMsg sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT path, content_hash, size, mtime, status, segment_count, error, updated_at
		 FROM files WHERE path = ?`, path,
	).Scan(&rec.Path, &rec.ContentHash, &rec.Size, &rec.ModTime, &status, &rec.SegmentCount, &errMsg, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Kind: "file", ID: path}
	}
	if err != nil {
		return nil, err
	}
	rec.Status = models.FileStatus(status)
	rec.Error = errMsg.String
	return &rec, nil
}

// PutFile inserts or replaces the ingestion record of a file.
func (s *SQLiteStore) PutFile(ctx context.Context, rec *models.FileRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (path, content_hash, size, mtime, status, segment_count, error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET content_hash = excluded.content_hash, size = excluded.size,
			mtime = excluded.mtime, status = excluded.status, segment_count = excluded.segment_count,
			error = excluded.error, updated_at = excluded.updated_at`,
		rec.Path, rec.ContentHash, rec.Size, rec.ModTime, string(rec.Status), rec.SegmentCount,
		nullString(rec.Error), rec.UpdatedAt,
	)
	return err
}

// ListFiles returns file records with the given status, or all records when status is empty.
func (s *SQLiteStore) ListFiles(ctx context.Context, status models.FileStatus) ([]*models.FileRecord, error) {
	query := `SELECT path, content_hash, size, mtime, status, segment_count, error, updated_at FROM files`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY path`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*models.FileRecord
	for rows.Next() {
		var (
			rec    models.FileRecord
			st     string
			errMsg sql.NullString
		)
		if err := rows.Scan(&rec.Path, &rec.ContentHash, &rec.Size, &rec.ModTime, &st, &rec.SegmentCount, &errMsg, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Status = models.FileStatus(st)
		rec.Error = errMsg.String
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// DeleteFile removes the ingestion record of a file. Segments are not touched.
func (s *SQLiteStore) DeleteFile(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path)
	return err
}

// Count returns the number of segments.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM segments`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
