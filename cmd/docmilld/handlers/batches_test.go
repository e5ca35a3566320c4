package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/observability"
	"github.com/docmill/docmill/pkg/docmill"
)

func newTestService(t *testing.T) *docmill.Service {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.SQLite.Path = filepath.Join(t.TempDir(), "docmill.db")
	cfg.Cache.Driver = "memory"
	cfg.Cache.ArtifactDir = filepath.Join(t.TempDir(), "artifacts")
	cfg.Pipeline.StagingDir = filepath.Join(t.TempDir(), "staging")

	svc, err := docmill.New(context.Background(), cfg, observability.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func batchRouter(h *BatchHandler) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/batches", h.Submit)
	r.Get("/api/v1/batches/{batchId}", h.Status)
	return r
}

func TestBatchHandler_Submit_RejectsInvalidSubmissions(t *testing.T) {
	h := NewBatchHandler(observability.Nop(), newTestService(t), context.Background())
	router := batchRouter(h)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `inputFiles=a.pdf`},
		{name: "missing required fields", body: `{}`},
		{name: "empty input list", body: `{"inputFiles": [], "outputDir": "/out"}`},
		{name: "empty output dir", body: `{"inputFiles": ["a.pdf"], "outputDir": ""}`},
		{name: "unknown field", body: `{"inputFiles": ["a.pdf"], "outputDir": "/out", "mode": "fast"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestBatchHandler_SubmitAndStatus_RoundTrip(t *testing.T) {
	h := NewBatchHandler(observability.Nop(), newTestService(t), context.Background())
	router := batchRouter(h)

	srcDir := t.TempDir()
	outDir := t.TempDir()
	src := filepath.Join(srcDir, "Acme - Electrical - Quote.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.7 quote"), 0o644))

	submission, err := json.Marshal(BatchSubmissionDTO{
		InputFiles: []string{src},
		OutputDir:  outDir,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", strings.NewReader(string(submission)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted BatchDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&accepted))
	batchID, err := uuid.Parse(accepted.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, accepted.TotalFiles)
	assert.Equal(t, outDir, accepted.OutputDir)

	var final BatchDTO
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/batches/"+accepted.ID, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			return false
		}
		final = BatchDTO{}
		if err := json.NewDecoder(rec.Body).Decode(&final); err != nil {
			return false
		}
		return final.Status == "completed"
	}, 10*time.Second, 20*time.Millisecond)

	require.NotNil(t, final.Summary)
	assert.True(t, final.Summary.Success)
	assert.False(t, final.Summary.Cancelled)
	assert.Equal(t, 1, final.Summary.Successful)
	assert.Zero(t, final.Summary.Failed)
	require.Len(t, final.Summary.Files, 1)
	assert.Equal(t, "succeeded", final.Summary.Files[0].Status)
	assert.FileExists(t, final.Summary.Files[0].OutputPath)

	// The submission id doubles as the pipeline correlation id.
	assert.FileExists(t, filepath.Join(outDir, "processing-report-"+batchID.String()+".txt"))
}

func TestBatchHandler_Status_UnknownBatch(t *testing.T) {
	h := NewBatchHandler(observability.Nop(), newTestService(t), context.Background())
	router := batchRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/batches/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/batches/"+uuid.NewString(), nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
