package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kozaktomas/objectcamp/internal/ai"
	"github.com/kozaktomas/objectcamp/internal/blobstore"
	"github.com/kozaktomas/objectcamp/internal/cluster"
	"github.com/kozaktomas/objectcamp/internal/database"
	"github.com/kozaktomas/objectcamp/internal/story"
)

// EntitiesHandler handles entity endpoints.
type EntitiesHandler struct {
	store     database.Store
	cluster   *cluster.Service
	blobs     *blobstore.Store
	describer ai.Describer
	stories   *story.Service
	logger    *zap.Logger
}

// NewEntitiesHandler creates a new entities handler. The describer may be
// nil when no AI provider is configured. Stories of merged and deleted
// entities follow the entity graph through the story service.
func NewEntitiesHandler(
	store database.Store, svc *cluster.Service, blobs *blobstore.Store,
	describer ai.Describer, stories *story.Service, logger *zap.Logger,
) *EntitiesHandler {
	return &EntitiesHandler{
		store:     store,
		cluster:   svc,
		blobs:     blobs,
		describer: describer,
		stories:   stories,
		logger:    logger.Named("entities"),
	}
}

// EntityResponse is an entity as listed.
type EntityResponse struct {
	database.Entity
	Label       string `json:"label"`
	MemberCount int    `json:"member_count"`
}

// EntityDetailResponse is an entity with its members.
type EntityDetailResponse struct {
	EntityResponse
	Members []database.Subject `json:"members"`
}

// List returns the entities of a spec, optionally filtered by name (?q=).
func (h *EntitiesHandler) List(w http.ResponseWriter, r *http.Request) {
	specID := chi.URLParam(r, "specId")

	entities, err := h.store.ListEntities(r.Context(), specID)
	if err != nil {
		respondServiceError(w, h.logger, "listing entities", err)
		return
	}
	entities = cluster.FilterByName(entities, r.URL.Query().Get("q"))

	subjects, err := h.store.ListSubjects(r.Context(), specID)
	if err != nil {
		respondServiceError(w, h.logger, "listing subjects", err)
		return
	}
	counts := make(map[string]int, len(entities))
	for _, s := range subjects {
		if s.EntityID != "" {
			counts[s.EntityID]++
		}
	}

	out := make([]EntityResponse, 0, len(entities))
	for i := range entities {
		e := &entities[i]
		out = append(out, EntityResponse{Entity: *e, Label: cluster.Label(e), MemberCount: counts[e.ID]})
	}
	offset, limit := pageParams(r)
	respondJSON(w, http.StatusOK, page(out, offset, limit))
}

// loadEntity fetches the entity named in the URL or writes a 404.
func (h *EntitiesHandler) loadEntity(w http.ResponseWriter, r *http.Request) *database.Entity {
	id := chi.URLParam(r, "id")
	e, err := h.store.GetEntity(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, "fetching entity", err)
		return nil
	}
	if e == nil {
		respondError(w, http.StatusNotFound, "entity not found")
		return nil
	}
	return e
}

func (h *EntitiesHandler) detail(ctx context.Context, e *database.Entity) (*EntityDetailResponse, error) {
	members, err := h.store.SubjectsByEntity(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	return &EntityDetailResponse{
		EntityResponse: EntityResponse{Entity: *e, Label: cluster.Label(e), MemberCount: len(members)},
		Members:        members,
	}, nil
}

// respondEntity writes the entity with its current members.
func (h *EntitiesHandler) respondEntity(w http.ResponseWriter, r *http.Request, status int, e *database.Entity) {
	resp, err := h.detail(r.Context(), e)
	if err != nil {
		respondServiceError(w, h.logger, "listing members", err)
		return
	}
	respondJSON(w, status, resp)
}

// Get returns an entity with its members.
func (h *EntitiesHandler) Get(w http.ResponseWriter, r *http.Request) {
	e := h.loadEntity(w, r)
	if e == nil {
		return
	}
	h.respondEntity(w, r, http.StatusOK, e)
}

// EntityIDsRequest names entities for batch operations.
type EntityIDsRequest struct {
	EntityIDs []string `json:"entity_ids"`
}

// Merge folds the listed entities into the first one.
func (h *EntitiesHandler) Merge(w http.ResponseWriter, r *http.Request) {
	var req EntityIDsRequest
	if !decodeJSON(w, r, &req) || !checkBatch(w, "entity_ids", req.EntityIDs) {
		return
	}
	survivor, err := h.cluster.Merge(r.Context(), req.EntityIDs)
	if err != nil {
		respondServiceError(w, h.logger, "merge", err)
		return
	}
	if err := h.stories.FollowMerge(r.Context(), survivor.ID, req.EntityIDs); err != nil {
		h.logger.Warn("failed to move stories of merged entities", zap.String("entity_id", survivor.ID), zap.Error(err))
	}
	h.respondEntity(w, r, http.StatusOK, survivor)
}

// Delete removes the listed entities; their members are excluded.
func (h *EntitiesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var req EntityIDsRequest
	if !decodeJSON(w, r, &req) || !checkBatch(w, "entity_ids", req.EntityIDs) {
		return
	}
	if err := h.cluster.DeleteEntities(r.Context(), req.EntityIDs); err != nil {
		respondServiceError(w, h.logger, "delete entities", err)
		return
	}
	if _, err := h.stories.ForgetEntities(r.Context(), req.EntityIDs); err != nil {
		h.logger.Warn("failed to delete stories of deleted entities", zap.Error(err))
	}
	respondJSON(w, http.StatusOK, map[string]int{"deleted": len(req.EntityIDs)})
}

// SubjectIDsRequest names members of an entity.
type SubjectIDsRequest struct {
	SubjectIDs []string `json:"subject_ids"`
	// TargetEntityID is the destination of a move; empty creates a new entity.
	TargetEntityID string `json:"target_entity_id,omitempty"`
}

// Split moves the listed members into a new entity.
func (h *EntitiesHandler) Split(w http.ResponseWriter, r *http.Request) {
	var req SubjectIDsRequest
	if !decodeJSON(w, r, &req) || !checkBatch(w, "subject_ids", req.SubjectIDs) {
		return
	}
	created, err := h.cluster.Split(r.Context(), chi.URLParam(r, "id"), req.SubjectIDs)
	if err != nil {
		respondServiceError(w, h.logger, "split", err)
		return
	}
	h.respondEntity(w, r, http.StatusCreated, created)
}

// Move moves the listed members to another entity.
func (h *EntitiesHandler) Move(w http.ResponseWriter, r *http.Request) {
	var req SubjectIDsRequest
	if !decodeJSON(w, r, &req) || !checkBatch(w, "subject_ids", req.SubjectIDs) {
		return
	}
	target, err := h.cluster.MoveSubjects(r.Context(), req.SubjectIDs, chi.URLParam(r, "id"), req.TargetEntityID)
	if err != nil {
		respondServiceError(w, h.logger, "move", err)
		return
	}
	h.respondEntity(w, r, http.StatusOK, target)
}

// RenameRequest sets an entity's custom name; empty clears it.
type RenameRequest struct {
	Name string `json:"name"`
}

// Rename sets or clears an entity's custom name.
func (h *EntitiesHandler) Rename(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := h.cluster.RenameEntity(r.Context(), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		respondServiceError(w, h.logger, "rename", err)
		return
	}
	respondJSON(w, http.StatusOK, EntityResponse{Entity: *e, Label: cluster.Label(e)})
}

// CoverRequest picks the cover subject.
type CoverRequest struct {
	SubjectID string `json:"subject_id"`
}

// SetCover chooses the member that represents an entity.
func (h *EntitiesHandler) SetCover(w http.ResponseWriter, r *http.Request) {
	var req CoverRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SubjectID == "" {
		respondError(w, http.StatusBadRequest, "subject_id is required")
		return
	}
	e, err := h.cluster.SetCover(r.Context(), chi.URLParam(r, "id"), req.SubjectID)
	if err != nil {
		respondServiceError(w, h.logger, "set cover", err)
		return
	}
	respondJSON(w, http.StatusOK, EntityResponse{Entity: *e, Label: cluster.Label(e)})
}

// DescribeRequest controls whether the suggested name is applied.
type DescribeRequest struct {
	Apply bool `json:"apply"`
}

// Describe asks the configured describer for a name suggestion.
func (h *EntitiesHandler) Describe(w http.ResponseWriter, r *http.Request) {
	if h.describer == nil {
		respondError(w, http.StatusNotImplemented, "no AI describer configured")
		return
	}
	var req DescribeRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	e := h.loadEntity(w, r)
	if e == nil {
		return
	}

	stickers, err := story.References(r.Context(), h.store, h.blobs, e, h.logger)
	if err != nil {
		respondServiceError(w, h.logger, "reading stickers", err)
		return
	}
	spec, err := h.store.GetSpec(r.Context(), e.TargetSpecID)
	if err != nil {
		respondServiceError(w, h.logger, "fetching spec", err)
		return
	}
	describe := ai.DescribeRequest{Stickers: stickers}
	if spec != nil {
		describe.SpecName = spec.DisplayName
		describe.SpecDescription = spec.TargetDescription
	}

	suggestion, err := h.describer.DescribeEntity(r.Context(), describe)
	if err != nil {
		h.logger.Warn("describe failed", zap.String("entity_id", e.ID), zap.String("provider", h.describer.Name()), zap.Error(err))
		respondError(w, http.StatusBadGateway, "describer failed")
		return
	}

	resp := map[string]any{"suggestion": suggestion, "provider": h.describer.Name()}
	if req.Apply {
		renamed, err := h.cluster.RenameEntity(r.Context(), e.ID, suggestion.Name)
		if err != nil {
			respondServiceError(w, h.logger, "rename", err)
			return
		}
		resp["entity"] = EntityResponse{Entity: *renamed, Label: cluster.Label(renamed)}
	}
	respondJSON(w, http.StatusOK, resp)
}
