package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kozaktomas/objectcamp/internal/blobstore"
	"github.com/kozaktomas/objectcamp/internal/cluster"
	"github.com/kozaktomas/objectcamp/internal/constants"
	"github.com/kozaktomas/objectcamp/internal/database"
	"github.com/kozaktomas/objectcamp/internal/extraction"
)

// Adjuster re-extracts a subject from a manually cropped sticker and commits it.
type Adjuster interface {
	Adjust(ctx context.Context, subject *database.Subject, sticker []byte, bbox *database.BoundingBox) (*database.Subject, error)
}

// SubjectsHandler handles subject endpoints.
type SubjectsHandler struct {
	store    database.Store
	cluster  *cluster.Service
	blobs    *blobstore.Store
	adjuster Adjuster
	logger   *zap.Logger
}

// NewSubjectsHandler creates a new subjects handler.
func NewSubjectsHandler(
	store database.Store, svc *cluster.Service, blobs *blobstore.Store, adjuster Adjuster, logger *zap.Logger,
) *SubjectsHandler {
	return &SubjectsHandler{
		store:    store,
		cluster:  svc,
		blobs:    blobs,
		adjuster: adjuster,
		logger:   logger.Named("subjects"),
	}
}

// subjectFilters select subjects for the list endpoint (?filter=).
var subjectFilters = map[string]func(*database.Subject) bool{
	"all":         func(*database.Subject) bool { return true },
	"unclustered": func(s *database.Subject) bool { return s.IsEligible() },
	"clustered":   func(s *database.Subject) bool { return s.EntityID != "" },
	"excluded":    func(s *database.Subject) bool { return s.IsMarkedAsNonTarget },
	"review":      func(s *database.Subject) bool { return s.NeedsReview },
}

// List returns the subjects of a spec in extraction order.
func (h *SubjectsHandler) List(w http.ResponseWriter, r *http.Request) {
	filterName := r.URL.Query().Get("filter")
	if filterName == "" {
		filterName = "all"
	}
	keep, ok := subjectFilters[filterName]
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown filter")
		return
	}

	subjects, err := h.store.ListSubjects(r.Context(), chi.URLParam(r, "specId"))
	if err != nil {
		respondServiceError(w, h.logger, "listing subjects", err)
		return
	}
	out := make([]database.Subject, 0, len(subjects))
	for i := range subjects {
		if keep(&subjects[i]) {
			out = append(out, subjects[i])
		}
	}
	offset, limit := pageParams(r)
	respondJSON(w, http.StatusOK, page(out, offset, limit))
}

func (h *SubjectsHandler) loadSubject(w http.ResponseWriter, r *http.Request) *database.Subject {
	s, err := h.store.GetSubject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, h.logger, "fetching subject", err)
		return nil
	}
	if s == nil {
		respondError(w, http.StatusNotFound, "subject not found")
		return nil
	}
	return s
}

// Get returns one subject.
func (h *SubjectsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if s := h.loadSubject(w, r); s != nil {
		respondJSON(w, http.StatusOK, s)
	}
}

// Sticker serves the subject's sticker image.
func (h *SubjectsHandler) Sticker(w http.ResponseWriter, r *http.Request) {
	if s := h.loadSubject(w, r); s != nil {
		serveBlob(w, h.blobs, h.logger, s.StickerPath)
	}
}

// Thumbnail serves the subject's thumbnail, falling back to the sticker.
func (h *SubjectsHandler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	s := h.loadSubject(w, r)
	if s == nil {
		return
	}
	path := s.ThumbnailPath
	if path == "" {
		path = s.StickerPath
	}
	serveBlob(w, h.blobs, h.logger, path)
}

// Delete removes a subject and its files.
func (h *SubjectsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	removed, err := h.cluster.DeleteSubject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, h.logger, "delete subject", err)
		return
	}
	if err := h.blobs.Delete(removed.StickerPath, removed.ThumbnailPath); err != nil {
		h.logger.Warn("failed to delete subject files", zap.String("subject_id", removed.ID), zap.Error(err))
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": removed.ID})
}

// Exclude marks a subject as not a target and detaches it.
func (h *SubjectsHandler) Exclude(w http.ResponseWriter, r *http.Request) {
	s, err := h.cluster.ExcludeSubject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, h.logger, "exclude subject", err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

// Restore makes an excluded subject eligible for clustering again.
func (h *SubjectsHandler) Restore(w http.ResponseWriter, r *http.Request) {
	s, err := h.cluster.RestoreSubject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, h.logger, "restore subject", err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

// Adjust replaces a subject's sticker with a manually cut one. The multipart
// form carries the image as "sticker" and an optional "bbox" JSON object.
func (h *SubjectsHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	if h.adjuster == nil {
		respondError(w, http.StatusNotImplemented, "feature extraction is not configured")
		return
	}
	subject := h.loadSubject(w, r)
	if subject == nil {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxUploadSize)
	file, _, err := r.FormFile("sticker")
	if err != nil {
		respondError(w, http.StatusBadRequest, "sticker file is required")
		return
	}
	defer file.Close()
	sticker, err := io.ReadAll(file)
	if err != nil || len(sticker) == 0 {
		respondError(w, http.StatusBadRequest, "failed to read sticker")
		return
	}

	bbox := subject.BoundingBox
	if raw := r.FormValue("bbox"); raw != "" {
		var b database.BoundingBox
		if err := json.Unmarshal([]byte(raw), &b); err != nil || !validBBox(b) {
			respondError(w, http.StatusBadRequest, "bbox must be a normalized box inside the image")
			return
		}
		bbox = &b
	}

	updated, err := h.adjuster.Adjust(r.Context(), subject, sticker, bbox)
	if errors.Is(err, extraction.ErrBadSticker) {
		h.logger.Warn("re-extraction failed", zap.String("subject_id", subject.ID), zap.Error(err))
		respondError(w, http.StatusUnprocessableEntity, "failed to process sticker")
		return
	}
	if err != nil {
		respondServiceError(w, h.logger, "adjust subject", err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func validBBox(b database.BoundingBox) bool {
	return b.X >= 0 && b.Y >= 0 && b.Width > 0 && b.Height > 0 && b.X+b.Width <= 1 && b.Y+b.Height <= 1
}

// Suggest ranks entities the subject may belong to (?limit=).
func (h *SubjectsHandler) Suggest(w http.ResponseWriter, r *http.Request) {
	limit := constants.DefaultSuggestionLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, constants.MaxHandlerPageSize)
	}
	suggestions, err := h.cluster.SuggestEntity(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		respondServiceError(w, h.logger, "suggest entity", err)
		return
	}
	respondJSON(w, http.StatusOK, suggestions)
}

// Similarity returns the cosine similarity of two subjects.
func (h *SubjectsHandler) Similarity(w http.ResponseWriter, r *http.Request) {
	a, b := chi.URLParam(r, "id"), chi.URLParam(r, "otherId")
	sim, err := h.cluster.Similarity(r.Context(), a, b)
	if err != nil {
		respondServiceError(w, h.logger, "similarity", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"subject_id":  a,
		"other_id":    b,
		"similarity":  sim,
		"threshold":   h.cluster.Threshold(),
		"would_group": sim >= h.cluster.Threshold(),
	})
}

// serveBlob writes a stored image with a sniffed content type.
func serveBlob(w http.ResponseWriter, blobs *blobstore.Store, logger *zap.Logger, path string) {
	data, err := blobs.Get(path)
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, blobstore.ErrInvalidPath):
		respondError(w, http.StatusNotFound, "file not found")
		return
	case err != nil:
		logger.Error("reading blob failed", zap.String("path", path), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to read file")
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
