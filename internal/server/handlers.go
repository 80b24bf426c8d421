package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/clipdex/internal/config"
	"github.com/hyperjump/clipdex/internal/models"
	"github.com/hyperjump/clipdex/internal/review"
	"github.com/hyperjump/clipdex/internal/storage"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("search request", zap.Int("top_k", req.TopK), zap.Strings("required_tags", req.RequiredTags))
	resp, err := s.engine.Search(r.Context(), &req)
	if err != nil {
		s.fail(w, "search failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

type ingestRequest struct {
	Paths     []string `json:"paths"`
	Directory string   `json:"directory"`
	Recursive *bool    `json:"recursive,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Paths) == 0 && req.Directory == "" {
		s.respondError(w, http.StatusBadRequest, "paths or directory is required")
		return
	}
	paths := req.Paths
	if req.Directory != "" {
		recursive := req.Recursive == nil || *req.Recursive
		files, err := s.indexer.CollectFiles(req.Directory, recursive)
		if err != nil {
			if os.IsNotExist(err) {
				s.respondError(w, http.StatusNotFound, "directory not found")
				return
			}
			s.fail(w, "collect files failed", err)
			return
		}
		paths = append(paths, files...)
	}
	report, err := s.indexer.IngestAll(r.Context(), paths)
	if err != nil {
		s.fail(w, "ingest failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.indexer.Reconcile(r.Context())
	if err != nil && report == nil {
		s.fail(w, "reconcile failed", err)
		return
	}
	if err != nil {
		s.logger.Warn("reconcile finished with errors", zap.Error(err))
	}
	s.respondJSON(w, http.StatusOK, report)
}

// handleFindSegments looks segments up by tag text (?q=) or by source file (?file=).
func (s *Server) handleFindSegments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		segs []*models.Segment
		err  error
	)
	switch {
	case q.Get("file") != "":
		segs, err = s.store.SegmentsByFile(r.Context(), q.Get("file"))
	case q.Get("q") != "":
		limit, perr := intParam(r, "limit", 20)
		if perr != nil {
			s.respondError(w, http.StatusBadRequest, perr.Error())
			return
		}
		segs, err = s.engine.FindByTags(r.Context(), q.Get("q"), limit)
	default:
		s.respondError(w, http.StatusBadRequest, "q or file is required")
		return
	}
	if err != nil {
		s.fail(w, "segment lookup failed", err)
		return
	}
	out := make([]*models.Segment, len(segs))
	for i, seg := range segs {
		out[i] = withoutEmbedding(seg, r)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"segments": out, "count": len(out)})
}

// withoutEmbedding drops the vector unless ?embedding=true.
func withoutEmbedding(seg *models.Segment, r *http.Request) *models.Segment {
	if r.URL.Query().Get("embedding") == "true" {
		return seg
	}
	c := *seg
	c.Embedding = nil
	return &c
}

type segmentResponse struct {
	*models.Segment
	GroupID uint64 `json:"group_id,omitempty"`
}

func (s *Server) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	seg, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.fail(w, "get segment failed", err)
		return
	}
	resp := segmentResponse{Segment: withoutEmbedding(seg, r)}
	if gid, ok := s.grouper.GroupOf(id); ok {
		resp.GroupID = gid
	}
	s.respondJSON(w, http.StatusOK, resp)
}

type metadataRequest struct {
	Tags    *[]string `json:"tags"`
	Quality *float64  `json:"quality_score"`
}

func (s *Server) handleUpdateSegment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req metadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Tags == nil && req.Quality == nil {
		s.respondError(w, http.StatusBadRequest, "tags or quality_score is required")
		return
	}
	current, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.fail(w, "get segment failed", err)
		return
	}
	tags, quality := current.Tags, current.Quality
	if req.Tags != nil {
		tags = *req.Tags
	}
	if req.Quality != nil {
		quality = *req.Quality
	}
	seg, err := s.indexer.UpdateMetadata(r.Context(), id, tags, quality)
	if err != nil {
		s.fail(w, "update metadata failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, withoutEmbedding(seg, r))
}

func (s *Server) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete segment request", zap.String("id", id))
	if err := s.indexer.DeleteSegment(r.Context(), id); err != nil {
		s.fail(w, "delete segment failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"segment_id": id, "status": "deleted"})
}

func (s *Server) handleSegmentHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := s.store.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "segment history failed", err)
		return
	}
	for i, v := range versions {
		versions[i] = withoutEmbedding(v, r)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	topK, err := intParam(r, "top_k", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.engine.SimilarTo(r.Context(), chi.URLParam(r, "id"), topK)
	if err != nil {
		s.fail(w, "similar search failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	gid, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "group id must be a positive integer")
		return
	}
	grp, err := s.grouper.Group(gid)
	if err != nil {
		s.fail(w, "get group failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, grp)
}

func (s *Server) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	dups := s.grouper.Duplicates()
	if dups == nil {
		dups = []*models.DuplicateGroup{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"groups": dups, "count": len(dups)})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	status := models.FileStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.FileComplete, models.FilePartial, models.FileFailed:
	default:
		s.respondError(w, http.StatusBadRequest, "status must be complete, partial or failed")
		return
	}
	files, err := s.store.ListFiles(r.Context(), status)
	if err != nil {
		s.fail(w, "list files failed", err)
		return
	}
	if files == nil {
		files = []*models.FileRecord{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"files": files, "count": len(files)})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	n, err := s.indexer.DeleteFile(r.Context(), path)
	if err != nil {
		s.fail(w, "delete file failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"file_path": path, "segments_deleted": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.indexer.Status(r.Context())
	if err != nil {
		s.fail(w, "status failed", err)
		return
	}
	if s.config != nil {
		AttachConfig(st, s.config)
	}
	s.respondJSON(w, http.StatusOK, st)
}

// AttachConfig adds disk usage and the effective index settings to a status.
func AttachConfig(st *models.IndexStatus, cfg *config.Config) {
	st.Config = map[string]any{
		"dimensions":        cfg.Index.Dimensions,
		"fingerprint_bits":  cfg.Index.FingerprintBits,
		"dup_threshold":     derefInt(cfg.Index.DupThreshold),
		"canonical_policy":  cfg.Index.CanonicalPolicy,
		"vector_index_type": cfg.Index.VectorIndexType,
		"memory_budget":     derefInt(cfg.Index.MemoryBudget),
		"overfetch_factor":  cfg.Search.OverfetchFactor,
		"database_path":     cfg.Storage.DatabasePath,
	}
	if n, err := storage.DiskUsageBytes(
		cfg.Storage.DatabasePath,
		cfg.Storage.GroupJournalPath,
		cfg.Storage.VectorLogPath,
		cfg.Storage.TagIndexPath,
	); err == nil {
		st.DiskUsageBytes = n
	}
}

func derefInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

type reviewRequest struct {
	Title      string   `json:"title"`
	SegmentIDs []string `json:"segment_ids"`
}

type reviewActionRequest struct {
	Note string `json:"note"`
}

func (s *Server) reviewsEnabled(w http.ResponseWriter) bool {
	if s.reviews == nil {
		s.respondError(w, http.StatusNotImplemented, "review workflow not enabled")
		return false
	}
	return true
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	if !s.reviewsEnabled(w) {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"sessions": s.reviews.List()})
}

func (s *Server) handleCreateReview(w http.ResponseWriter, r *http.Request) {
	if !s.reviewsEnabled(w) {
		return
	}
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, id := range req.SegmentIDs {
		if _, err := s.store.Get(r.Context(), id); err != nil {
			s.fail(w, "review segment lookup failed", err)
			return
		}
	}
	sess, err := s.reviews.Create(req.Title, req.SegmentIDs)
	if err != nil {
		s.fail(w, "create review failed", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetReview(w http.ResponseWriter, r *http.Request) {
	if !s.reviewsEnabled(w) {
		return
	}
	sess, err := s.reviews.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "get review failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleApproveReview(w http.ResponseWriter, r *http.Request) {
	s.reviewAction(w, r, s.reviews.Approve)
}

func (s *Server) handleRejectReview(w http.ResponseWriter, r *http.Request) {
	s.reviewAction(w, r, s.reviews.Reject)
}

func (s *Server) reviewAction(w http.ResponseWriter, r *http.Request, act func(id, note string) (*review.Session, error)) {
	if !s.reviewsEnabled(w) {
		return
	}
	var req reviewActionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	sess, err := act(chi.URLParam(r, "id"), req.Note)
	if err != nil {
		s.fail(w, "review action failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.fail(w, "stat watch directory failed", err)
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := req.Sync == nil || *req.Sync
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.fail(w, "watch add directory failed", err)
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.fail(w, "watch remove directory failed", err)
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) persistWatchDirectories() {
	if s.configPath == "" || s.config == nil {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.config.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.config); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidInput), errors.Is(err, models.ErrDimensionMismatch):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrDuplicateSegment), errors.Is(err, review.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.Error(err))
	} else {
		s.logger.Debug(msg, zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
