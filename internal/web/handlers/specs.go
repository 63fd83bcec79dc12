package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kozaktomas/objectcamp/internal/blobstore"
	"github.com/kozaktomas/objectcamp/internal/cluster"
	"github.com/kozaktomas/objectcamp/internal/database"
	"github.com/kozaktomas/objectcamp/internal/story"
)

// SpecsHandler handles target spec endpoints.
type SpecsHandler struct {
	store   database.Store
	cluster *cluster.Service
	stories *story.Service
	blobs   *blobstore.Store
	logger  *zap.Logger
}

// NewSpecsHandler creates a new specs handler.
func NewSpecsHandler(
	store database.Store, svc *cluster.Service, stories *story.Service, blobs *blobstore.Store, logger *zap.Logger,
) *SpecsHandler {
	return &SpecsHandler{
		store:   store,
		cluster: svc,
		stories: stories,
		blobs:   blobs,
		logger:  logger.Named("specs"),
	}
}

// SpecResponse is a spec with its library counts.
type SpecResponse struct {
	database.TargetSpec
	SubjectCount int `json:"subject_count"`
	EntityCount  int `json:"entity_count"`
}

func (h *SpecsHandler) withCounts(r *http.Request, spec database.TargetSpec) (SpecResponse, error) {
	resp := SpecResponse{TargetSpec: spec}
	var err error
	if resp.SubjectCount, err = h.store.CountSubjects(r.Context(), spec.SpecID); err != nil {
		return resp, err
	}
	if resp.EntityCount, err = h.store.CountEntities(r.Context(), spec.SpecID); err != nil {
		return resp, err
	}
	return resp, nil
}

// requireSpec loads the spec named in the URL or writes a 404.
func (h *SpecsHandler) requireSpec(w http.ResponseWriter, r *http.Request) *database.TargetSpec {
	specID := chi.URLParam(r, "specId")
	spec, err := h.store.GetSpec(r.Context(), specID)
	if err != nil {
		respondServiceError(w, h.logger, "fetching spec", err)
		return nil
	}
	if spec == nil {
		respondError(w, http.StatusNotFound, "target spec not found")
		return nil
	}
	return spec
}

// List returns all specs with their counts.
func (h *SpecsHandler) List(w http.ResponseWriter, r *http.Request) {
	specs, err := h.store.ListSpecs(r.Context())
	if err != nil {
		respondServiceError(w, h.logger, "listing specs", err)
		return
	}

	out := make([]SpecResponse, 0, len(specs))
	for _, spec := range specs {
		resp, err := h.withCounts(r, spec)
		if err != nil {
			respondServiceError(w, h.logger, "counting library", err)
			return
		}
		out = append(out, resp)
	}
	respondJSON(w, http.StatusOK, out)
}

// Get returns one spec.
func (h *SpecsHandler) Get(w http.ResponseWriter, r *http.Request) {
	spec := h.requireSpec(w, r)
	if spec == nil {
		return
	}
	resp, err := h.withCounts(r, *spec)
	if err != nil {
		respondServiceError(w, h.logger, "counting library", err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// SaveSpecRequest creates or updates a spec.
type SaveSpecRequest struct {
	DisplayName       string `json:"display_name"`
	TargetDescription string `json:"target_description"`
	IsEnabled         *bool  `json:"is_enabled"`
}

// Save creates or updates the spec named in the URL.
func (h *SpecsHandler) Save(w http.ResponseWriter, r *http.Request) {
	specID := chi.URLParam(r, "specId")
	if !database.ValidSpecID(specID) {
		respondError(w, http.StatusBadRequest, errInvalidSpecID)
		return
	}

	var req SaveSpecRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.DisplayName == "" {
		respondError(w, http.StatusBadRequest, "display_name is required")
		return
	}

	spec := &database.TargetSpec{
		SpecID:            specID,
		DisplayName:       req.DisplayName,
		TargetDescription: strings.TrimSpace(req.TargetDescription),
		IsEnabled:         req.IsEnabled == nil || *req.IsEnabled,
		CreatedAt:         time.Now(),
	}
	if err := h.store.SaveSpec(r.Context(), spec); err != nil {
		respondServiceError(w, h.logger, "saving spec", err)
		return
	}

	h.logger.Info("saved spec", zap.String("spec_id", specID), zap.Bool("enabled", spec.IsEnabled))
	respondJSON(w, http.StatusOK, spec)
}

// Tasks lists the extraction tasks of a spec, newest first.
func (h *SpecsHandler) Tasks(w http.ResponseWriter, r *http.Request) {
	spec := h.requireSpec(w, r)
	if spec == nil {
		return
	}
	tasks, err := h.store.ListTasks(r.Context(), spec.SpecID)
	if err != nil {
		respondServiceError(w, h.logger, "listing tasks", err)
		return
	}
	offset, limit := pageParams(r)
	respondJSON(w, http.StatusOK, page(tasks, offset, limit))
}

// Cluster groups the spec's unclustered subjects into new entities.
func (h *SpecsHandler) Cluster(w http.ResponseWriter, r *http.Request) {
	spec := h.requireSpec(w, r)
	if spec == nil {
		return
	}
	result, err := h.cluster.ClusterSpec(r.Context(), spec.SpecID)
	if err != nil {
		respondServiceError(w, h.logger, "clustering", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Reset deletes the spec's entities, subjects, tasks, stories and their files.
func (h *SpecsHandler) Reset(w http.ResponseWriter, r *http.Request) {
	spec := h.requireSpec(w, r)
	if spec == nil {
		return
	}
	removed, err := h.cluster.ResetSpec(r.Context(), spec.SpecID)
	if err != nil {
		respondServiceError(w, h.logger, "resetting library", err)
		return
	}

	paths := make([]string, 0, 2*len(removed))
	for _, s := range removed {
		paths = append(paths, s.StickerPath, s.ThumbnailPath)
	}
	if err := h.blobs.Delete(paths...); err != nil {
		h.logger.Warn("failed to delete subject files", zap.String("spec_id", spec.SpecID), zap.Error(err))
	}
	stories, err := h.stories.ForgetSpec(r.Context(), spec.SpecID)
	if err != nil {
		h.logger.Warn("failed to delete stories", zap.String("spec_id", spec.SpecID), zap.Error(err))
	}

	respondJSON(w, http.StatusOK, map[string]int{"deleted_subjects": len(removed), "deleted_stories": stories})
}
