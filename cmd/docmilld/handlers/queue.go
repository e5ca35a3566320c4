package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/docmill/docmill/internal/observability"
	"github.com/docmill/docmill/internal/storage"
	"github.com/docmill/docmill/pkg/docmill"
)

// QueueHandler handles work queue inspection requests.
type QueueHandler struct {
	logger *observability.Logger
	svc    *docmill.Service
}

// NewQueueHandler creates a new queue handler.
func NewQueueHandler(logger *observability.Logger, svc *docmill.Service) *QueueHandler {
	return &QueueHandler{logger: logger, svc: svc}
}

// QueueStatsDTO represents the API response for queue statistics.
type QueueStatsDTO struct {
	Depth       int               `json:"depth"`
	Processing  bool              `json:"processing"`
	Conversions uint64            `json:"conversions"`
	CacheHits   uint64            `json:"cacheHits"`
	Failures    uint64            `json:"failures"`
	Breakers    map[string]string `json:"breakers"`
}

// WorkItemDTO represents a work item in the API.
type WorkItemDTO struct {
	ID         string `json:"id"`
	BatchID    string `json:"batchId"`
	SourcePath string `json:"sourcePath"`
	Engine     string `json:"engine,omitempty"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	OutputPath string `json:"outputPath,omitempty"`
	Error      string `json:"error,omitempty"`
	EnqueuedAt string `json:"enqueuedAt"`
	StartedAt  string `json:"startedAt,omitempty"`
	FinishedAt string `json:"finishedAt,omitempty"`
}

// Stats handles GET /api/v1/queue.
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := h.svc.Stats()
	dto := QueueStatsDTO{
		Depth:       stats.QueueDepth,
		Processing:  stats.QueueProcessing,
		Conversions: stats.Dispatch.Conversions,
		CacheHits:   stats.Dispatch.CacheHits,
		Failures:    stats.Dispatch.Failures,
		Breakers:    stats.Breakers,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dto)
}

// Item handles GET /api/v1/queue/items/{itemId}.
func (h *QueueHandler) Item(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "itemId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid itemId", err.Error())
		return
	}

	item, err := h.svc.Store().GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "work item not found", "")
			return
		}
		h.logger.Error().Err(err).Str("item_id", id.String()).Msg("Work item lookup failed")
		writeError(w, http.StatusInternalServerError, "lookup failed", "")
		return
	}

	dto := WorkItemDTO{
		ID:         item.ID.String(),
		BatchID:    item.BatchID.String(),
		SourcePath: item.SourcePath,
		Engine:     item.Engine,
		Status:     string(item.Status),
		Attempts:   item.Attempts,
		OutputPath: item.OutputPath,
		EnqueuedAt: item.EnqueuedAt.Format(time.RFC3339),
	}
	if item.ErrorDetail != nil {
		dto.Error = *item.ErrorDetail
	}
	if item.StartedAt != nil {
		dto.StartedAt = item.StartedAt.Format(time.RFC3339)
	}
	if item.FinishedAt != nil {
		dto.FinishedAt = item.FinishedAt.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dto)
}
