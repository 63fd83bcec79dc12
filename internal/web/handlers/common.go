package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kozaktomas/objectcamp/internal/cluster"
	"github.com/kozaktomas/objectcamp/internal/constants"
	"github.com/kozaktomas/objectcamp/internal/extraction"
	"github.com/kozaktomas/objectcamp/internal/story"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

const errInvalidSpecID = "spec ID must be lowercase letters, digits, '-' or '_', with an optional ':qualifier'"

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// errorStatus maps service errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case cluster.IsNotFound(err), errors.Is(err, extraction.ErrSpecNotFound), errors.Is(err, story.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, cluster.ErrSpecMismatch), errors.Is(err, cluster.ErrSameEntity),
		errors.Is(err, extraction.ErrSpecDisabled), errors.Is(err, story.ErrRunning),
		errors.Is(err, story.ErrNoStickers):
		return http.StatusConflict
	case cluster.IsInputError(err), errors.Is(err, extraction.ErrNoAssets), errors.Is(err, story.ErrInvalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// respondServiceError writes err with the status errorStatus picks. Server
// errors are logged and their details hidden from the client.
func respondServiceError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	status := errorStatus(err)
	if status < http.StatusInternalServerError {
		respondError(w, status, err.Error())
		return
	}
	logger.Error(op+" failed", zap.Error(err))
	var persistErr *cluster.PersistenceError
	if errors.As(err, &persistErr) {
		respondError(w, status, "failed to save changes")
		return
	}
	respondError(w, status, "internal error")
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return false
	}
	return true
}

// checkBatch validates the size of an ID list from a request.
func checkBatch(w http.ResponseWriter, field string, ids []string) bool {
	if len(ids) == 0 {
		respondError(w, http.StatusBadRequest, field+" is required")
		return false
	}
	if len(ids) > constants.MaxBatchIDs {
		respondError(w, http.StatusBadRequest, field+" has too many items")
		return false
	}
	return true
}

// pageParams reads offset and limit query parameters.
func pageParams(r *http.Request) (offset, limit int) {
	limit = constants.DefaultHandlerPageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, constants.MaxHandlerPageSize)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return offset, limit
}

// page slices items according to offset and limit.
func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	return items[offset:min(offset+limit, len(items))]
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
