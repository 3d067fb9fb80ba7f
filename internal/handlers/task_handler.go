package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/A3S-Lab/DocuemntParser/internal/cache"
	"github.com/A3S-Lab/DocuemntParser/internal/domain"
	"github.com/A3S-Lab/DocuemntParser/internal/engine"
	"github.com/A3S-Lab/DocuemntParser/internal/middleware"
)

const (
	defaultStaleThreshold = 7 * 24 * time.Hour
	maxStaleThreshold     = 90 * 24 * time.Hour
)

// TaskHandler handles HTTP requests for task progress and control.
// The processing itself is driven by library callers embedding the engine;
// this surface only reads and administers the shared durable state.
type TaskHandler struct {
	orchestrator *engine.Orchestrator
	snapshots    *cache.SnapshotCache
	logger       *zap.Logger
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(orchestrator *engine.Orchestrator, snapshots *cache.SnapshotCache, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		orchestrator: orchestrator,
		snapshots:    snapshots,
		logger:       logger,
	}
}

// GetTask handles GET /tasks/{id}
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "id parameter is required", requestID)
		return
	}

	// Snapshot cache first: status polling is the hottest read here
	if task, ok := h.snapshots.Get(id); ok {
		h.respondJSON(w, http.StatusOK, task, requestID)
		return
	}

	task, err := h.orchestrator.GetStatus(ctx, id)
	if err != nil {
		h.respondStoreError(w, r, "failed to get task", err)
		return
	}

	h.snapshots.Set(id, task)
	h.respondJSON(w, http.StatusOK, task, requestID)
}

// GetResults handles GET /tasks/{id}/results
func (h *TaskHandler) GetResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "id parameter is required", requestID)
		return
	}

	// Existence check so a bare task ID typo gets a 404, not an empty list
	if _, err := h.orchestrator.GetStatus(ctx, id); err != nil {
		h.respondStoreError(w, r, "failed to get task", err)
		return
	}

	results, err := h.orchestrator.GetAllResults(ctx, id)
	if err != nil {
		h.respondStoreError(w, r, "failed to get results", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"task_id": id,
		"results": results,
	}, requestID)
}

// GetResult handles GET /tasks/{id}/results/{index}
func (h *TaskHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "id parameter is required", requestID)
		return
	}

	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 1 {
		h.respondError(w, http.StatusBadRequest, "index must be a positive integer", requestID)
		return
	}

	result, err := h.orchestrator.GetResult(ctx, id, index)
	if err != nil {
		h.respondStoreError(w, r, "failed to get unit result", err)
		return
	}

	h.respondJSON(w, http.StatusOK, result, requestID)
}

// GetIndices handles GET /tasks/{id}/indices
func (h *TaskHandler) GetIndices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "id parameter is required", requestID)
		return
	}

	if _, err := h.orchestrator.GetStatus(ctx, id); err != nil {
		h.respondStoreError(w, r, "failed to get task", err)
		return
	}

	processed, err := h.orchestrator.GetProcessedIndices(ctx, id)
	if err != nil {
		h.respondStoreError(w, r, "failed to get processed indices", err)
		return
	}
	failed, err := h.orchestrator.GetFailedIndices(ctx, id)
	if err != nil {
		h.respondStoreError(w, r, "failed to get failed indices", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":   id,
		"processed": processed,
		"failed":    failed,
	}, requestID)
}

// CancelTask handles POST /tasks/{id}/cancel
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "id parameter is required", requestID)
		return
	}

	cancelled, err := h.orchestrator.Cancel(ctx, id)
	if err != nil {
		h.respondStoreError(w, r, "failed to cancel task", err)
		return
	}

	h.snapshots.Invalidate(id)
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":   id,
		"cancelled": cancelled,
	}, requestID)
}

// DeleteTask handles DELETE /tasks/{id}
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "id parameter is required", requestID)
		return
	}

	if err := h.orchestrator.Delete(ctx, id); err != nil {
		h.respondStoreError(w, r, "failed to delete task", err)
		return
	}

	h.snapshots.Invalidate(id)
	h.respondJSON(w, http.StatusOK, map[string]string{"message": "task deleted"}, requestID)
}

// ListStaleTasks handles GET /tasks/stale
func (h *TaskHandler) ListStaleTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	threshold := defaultStaleThreshold
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			h.respondError(w, http.StatusBadRequest, "older_than must be a positive duration, e.g. 168h", requestID)
			return
		}
		if parsed > maxStaleThreshold {
			parsed = maxStaleThreshold
		}
		threshold = parsed
	}

	stale, err := h.orchestrator.ListStaleTasks(ctx, threshold)
	if err != nil {
		h.respondStoreError(w, r, "failed to list stale tasks", err)
		return
	}
	if stale == nil {
		stale = []string{}
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"older_than": threshold.String(),
		"task_ids":   stale,
	}, requestID)
}

// respondStoreError maps store errors to HTTP statuses
func (h *TaskHandler) respondStoreError(w http.ResponseWriter, r *http.Request, message string, err error) {
	requestID := middleware.GetRequestID(r.Context())

	switch {
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrUnitNotFound):
		h.respondError(w, http.StatusNotFound, err.Error(), requestID)
	case errors.Is(err, domain.ErrInvalidTotal):
		h.respondError(w, http.StatusBadRequest, err.Error(), requestID)
	default:
		h.logger.Error(message,
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		h.respondError(w, http.StatusInternalServerError, message, requestID)
	}
}

// respondJSON sends a JSON response
func (h *TaskHandler) respondJSON(w http.ResponseWriter, status int, data interface{}, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
}

// respondError sends an error response
func (h *TaskHandler) respondError(w http.ResponseWriter, status int, message, requestID string) {
	h.respondJSON(w, status, map[string]string{
		"error":      message,
		"request_id": requestID,
	}, requestID)
}
