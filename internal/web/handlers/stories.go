package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kozaktomas/objectcamp/internal/blobstore"
	"github.com/kozaktomas/objectcamp/internal/database"
	"github.com/kozaktomas/objectcamp/internal/story"
)

// StoriesHandler handles illustrated story endpoints. Stories are drawn in
// the background; clients follow progress through Get.
type StoriesHandler struct {
	stories *story.Service
	blobs   *blobstore.Store
	base    context.Context
	drawing sync.WaitGroup
	logger  *zap.Logger
}

// NewStoriesHandler creates a stories handler. Background drawing stops
// when base is cancelled.
func NewStoriesHandler(base context.Context, stories *story.Service, blobs *blobstore.Store, logger *zap.Logger) *StoriesHandler {
	return &StoriesHandler{
		stories: stories,
		blobs:   blobs,
		base:    base,
		logger:  logger.Named("stories"),
	}
}

// StoryRequest describes a story to draw, one prompt per page.
type StoryRequest struct {
	Title string   `json:"title"`
	Pages []string `json:"pages"`
}

// StoryResponse is a story with page image URLs.
type StoryResponse struct {
	database.Story
	Progress float64  `json:"progress"`
	PageURLs []string `json:"page_urls"`
}

func storyResponse(s *database.Story) StoryResponse {
	urls := make([]string, len(s.Pages))
	for i, p := range s.Pages {
		if p.ImagePath != "" {
			urls[i] = fmt.Sprintf("/api/v1/stories/%s/pages/%d", s.ID, i+1)
		}
	}
	return StoryResponse{Story: *s, Progress: s.Progress(), PageURLs: urls}
}

// Create stores a story for an entity and starts drawing it.
func (h *StoriesHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.stories.CanDraw() {
		respondError(w, http.StatusNotImplemented, "no AI illustrator configured")
		return
	}
	var req StoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	created, err := h.stories.Start(r.Context(), chi.URLParam(r, "id"), req.Title, req.Pages)
	if err != nil {
		respondServiceError(w, h.logger, "creating story", err)
		return
	}

	running := *created
	running.Pages = append([]database.StoryPage(nil), created.Pages...)
	h.drawing.Add(1)
	go func() {
		defer h.drawing.Done()
		// Failures are recorded on the story itself.
		_ = h.stories.Draw(h.base, &running, nil)
	}()

	respondJSON(w, http.StatusAccepted, storyResponse(created))
}

// Wait blocks until every background drawing has finished.
func (h *StoriesHandler) Wait() {
	h.drawing.Wait()
}

// ListForEntity returns the stories of an entity, newest first.
func (h *StoriesHandler) ListForEntity(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, "", chi.URLParam(r, "id"))
}

// ListForSpec returns the stories of a spec, newest first.
func (h *StoriesHandler) ListForSpec(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, chi.URLParam(r, "specId"), "")
}

func (h *StoriesHandler) list(w http.ResponseWriter, r *http.Request, specID, entityID string) {
	stories, err := h.stories.List(r.Context(), specID, entityID)
	if err != nil {
		respondServiceError(w, h.logger, "listing stories", err)
		return
	}
	resp := make([]StoryResponse, 0, len(stories))
	for i := range stories {
		resp = append(resp, storyResponse(&stories[i]))
	}
	respondJSON(w, http.StatusOK, resp)
}

// Get returns a story with its progress.
func (h *StoriesHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.stories.Get(r.Context(), chi.URLParam(r, "storyId"))
	if err != nil {
		respondServiceError(w, h.logger, "fetching story", err)
		return
	}
	respondJSON(w, http.StatusOK, storyResponse(s))
}

// Delete removes a finished story and its pictures.
func (h *StoriesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.stories.Delete(r.Context(), chi.URLParam(r, "storyId")); err != nil {
		respondServiceError(w, h.logger, "deleting story", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// Page serves the picture of one page (1-based).
func (h *StoriesHandler) Page(w http.ResponseWriter, r *http.Request) {
	s, err := h.stories.Get(r.Context(), chi.URLParam(r, "storyId"))
	if err != nil {
		respondServiceError(w, h.logger, "fetching story", err)
		return
	}
	n, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || n < 1 || n > len(s.Pages) || s.Pages[n-1].ImagePath == "" {
		respondError(w, http.StatusNotFound, "page not found")
		return
	}
	serveBlob(w, h.blobs, h.logger, s.Pages[n-1].ImagePath)
}
