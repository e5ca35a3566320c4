// Package handlers provides HTTP handlers for the docmill API.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/docmill/docmill/internal/observability"
	"github.com/docmill/docmill/internal/pipeline"
	"github.com/docmill/docmill/pkg/docmill"
)

const batchSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["inputFiles", "outputDir"],
	"properties": {
		"inputFiles": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		},
		"outputDir": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

var batchSchema = jsonschema.MustCompileString("batch-submission.json", batchSchemaJSON)

// BatchHandler handles batch submission and status requests. Submitted
// batches run asynchronously against baseCtx; the handler keeps an
// in-memory registry of their outcomes for status lookups.
type BatchHandler struct {
	logger  *observability.Logger
	svc     *docmill.Service
	baseCtx context.Context

	mu      sync.RWMutex
	batches map[uuid.UUID]*batchRecord
}

type batchRecord struct {
	id          uuid.UUID
	submittedAt time.Time
	totalFiles  int
	outputDir   string
	done        bool
	result      *pipeline.ProcessingResult
	err         error
}

// NewBatchHandler creates a new batch handler.
func NewBatchHandler(logger *observability.Logger, svc *docmill.Service, baseCtx context.Context) *BatchHandler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &BatchHandler{
		logger:  logger,
		svc:     svc,
		baseCtx: baseCtx,
		batches: make(map[uuid.UUID]*batchRecord),
	}
}

// BatchSubmissionDTO represents the API request for batch processing.
type BatchSubmissionDTO struct {
	InputFiles []string `json:"inputFiles"`
	OutputDir  string   `json:"outputDir"`
}

// BatchDTO represents the API response for a batch.
type BatchDTO struct {
	ID          string           `json:"id"`
	Status      string           `json:"status"`
	SubmittedAt string           `json:"submittedAt"`
	TotalFiles  int              `json:"totalFiles"`
	OutputDir   string           `json:"outputDir"`
	Error       string           `json:"error,omitempty"`
	Summary     *BatchSummaryDTO `json:"summary,omitempty"`
}

// BatchSummaryDTO summarizes a finished batch.
type BatchSummaryDTO struct {
	Success    bool           `json:"success"`
	Cancelled  bool           `json:"cancelled"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	DurationMs int64          `json:"durationMs"`
	Error      string         `json:"error,omitempty"`
	Files      []BatchFileDTO `json:"files,omitempty"`
}

// BatchFileDTO reports one file's outcome.
type BatchFileDTO struct {
	Source     string `json:"source"`
	Status     string `json:"status"`
	OutputPath string `json:"outputPath,omitempty"`
	Stage      string `json:"stage,omitempty"`
	FailReason string `json:"failReason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Submit handles POST /api/v1/batches.
func (h *BatchHandler) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read request body", err.Error())
		return
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := batchSchema.Validate(payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch submission", err.Error())
		return
	}

	var dto BatchSubmissionDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	record := &batchRecord{
		id:          uuid.New(),
		submittedAt: time.Now().UTC(),
		totalFiles:  len(dto.InputFiles),
		outputDir:   dto.OutputDir,
	}
	h.mu.Lock()
	h.batches[record.id] = record
	h.mu.Unlock()

	h.logger.Info().
		Str("batch_id", record.id.String()).
		Int("files", record.totalFiles).
		Str("output_dir", dto.OutputDir).
		Msg("Batch submitted")

	go h.run(record, dto)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(h.toDTO(record))
}

// run executes one batch against the daemon's base context so the
// batch outlives the submitting request.
func (h *BatchHandler) run(record *batchRecord, dto BatchSubmissionDTO) {
	result, err := h.svc.ProcessBatch(h.baseCtx, dto.InputFiles, dto.OutputDir, docmill.WithBatchID(record.id))

	h.mu.Lock()
	record.done = true
	record.result = result
	record.err = err
	h.mu.Unlock()

	if err != nil {
		h.logger.Error().Err(err).Str("batch_id", record.id.String()).Msg("Batch failed to start")
		return
	}
	h.logger.Info().
		Str("batch_id", record.id.String()).
		Bool("success", result.Success).
		Int("successful", len(result.Successful())).
		Int("failed", len(result.Failed())).
		Msg("Batch finished")
}

// Status handles GET /api/v1/batches/{batchId}.
func (h *BatchHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "batchId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batchId", err.Error())
		return
	}

	h.mu.RLock()
	record, ok := h.batches[id]
	h.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "batch not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.toDTO(record))
}

func (h *BatchHandler) toDTO(record *batchRecord) *BatchDTO {
	h.mu.RLock()
	defer h.mu.RUnlock()

	dto := &BatchDTO{
		ID:          record.id.String(),
		Status:      "running",
		SubmittedAt: record.submittedAt.Format(time.RFC3339),
		TotalFiles:  record.totalFiles,
		OutputDir:   record.outputDir,
	}
	if !record.done {
		return dto
	}
	if record.err != nil {
		dto.Status = "failed"
		dto.Error = record.err.Error()
		return dto
	}

	dto.Status = "completed"
	dto.Summary = toSummaryDTO(record.result)
	return dto
}

func toSummaryDTO(result *pipeline.ProcessingResult) *BatchSummaryDTO {
	summary := &BatchSummaryDTO{
		Success:    result.Success,
		Cancelled:  result.Cancelled,
		Successful: len(result.Successful()),
		Failed:     len(result.Failed()),
		Skipped:    len(result.Skipped()),
		DurationMs: result.Duration.Milliseconds(),
	}
	if result.BatchErr != nil {
		summary.Error = result.BatchErr.Error()
	}
	for _, file := range result.Files {
		fileDTO := BatchFileDTO{
			Source:     file.Source,
			Status:     string(file.Status),
			OutputPath: file.OutputPath,
			Stage:      string(file.Stage),
			FailReason: file.FailReason,
		}
		if file.Err != nil {
			fileDTO.Error = file.Err.Error()
		}
		summary.Files = append(summary.Files, fileDTO)
	}
	return summary
}

func writeError(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]string{
		"error":   message,
		"message": message,
	}
	if detail != "" {
		resp["detail"] = detail
	}
	json.NewEncoder(w).Encode(resp)
}
