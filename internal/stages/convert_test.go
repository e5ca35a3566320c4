package stages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmill/docmill/internal/pipeline"
)

type fakeService struct {
	mu    sync.Mutex
	calls []ConversionRequest
	fn    func(req ConversionRequest) (*ConvertedFile, error)
}

func (s *fakeService) ConvertFile(_ context.Context, req ConversionRequest) (*ConvertedFile, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(req)
	}
	return &ConvertedFile{OutputPath: filepath.Join(req.TargetDir, "converted.pdf")}, nil
}

func (s *fakeService) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestPassthroughPDFConverter_CanProcess(t *testing.T) {
	c := PassthroughPDFConverter{}
	assert.True(t, c.CanProcess("/in/scan.pdf", nil))
	assert.True(t, c.CanProcess("/in/SCAN.PDF", nil))
	assert.False(t, c.CanProcess("/in/quote.docx", nil))
	assert.False(t, c.CanProcess("/in/noext", nil))
}

func TestPassthroughPDFConverter_Convert_CopiesIntoStaging(t *testing.T) {
	src := writeTemp(t, "scan.pdf", []byte("%PDF-1.7 body"))
	pctx := pipeline.NewContext([]string{src}, t.TempDir())
	pctx.StagingDir = t.TempDir()
	file := &pipeline.FileResult{Source: src}

	res, err := PassthroughPDFConverter{}.Convert(context.Background(), file, pctx)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "pdf-passthrough", res.Converter)
	assert.Equal(t, pctx.StagingDir, filepath.Dir(res.OutputPath))

	copied, err := os.ReadFile(res.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 body", string(copied))

	// The source is untouched; the organizer moves the staged copy.
	assert.FileExists(t, src)
}

func TestPassthroughPDFConverter_Convert_AvoidsStagingCollisions(t *testing.T) {
	pctx := pipeline.NewContext(nil, t.TempDir())
	pctx.StagingDir = t.TempDir()

	dirA, dirB := t.TempDir(), t.TempDir()
	for _, dir := range []string{dirA, dirB} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "scan.pdf"), []byte(dir), 0o644))
	}

	resA, err := PassthroughPDFConverter{}.Convert(context.Background(),
		&pipeline.FileResult{Source: filepath.Join(dirA, "scan.pdf")}, pctx)
	require.NoError(t, err)
	resB, err := PassthroughPDFConverter{}.Convert(context.Background(),
		&pipeline.FileResult{Source: filepath.Join(dirB, "scan.pdf")}, pctx)
	require.NoError(t, err)

	require.True(t, resA.Success)
	require.True(t, resB.Success)
	assert.NotEqual(t, resA.OutputPath, resB.OutputPath)
}

func TestNewEngineConverter_NormalizesExtensions(t *testing.T) {
	c := NewEngineConverter(&fakeService{}, []string{"DOCX", ".xls", " rtf ", ""})
	assert.True(t, c.CanProcess("/in/Quote.docx", nil))
	assert.True(t, c.CanProcess("/in/rates.XLS", nil))
	assert.True(t, c.CanProcess("/in/memo.rtf", nil))
	assert.False(t, c.CanProcess("/in/scan.tiff", nil))
}

func TestEngineConverter_Convert_RoutesThroughService(t *testing.T) {
	svc := &fakeService{}
	c := NewEngineConverter(svc, []string{".docx"})

	src := writeTemp(t, "quote.docx", []byte("doc"))
	pctx := pipeline.NewContext([]string{src}, t.TempDir())
	pctx.StagingDir = t.TempDir()
	file := &pipeline.FileResult{
		Source: src,
		Data:   map[string]string{MetaCompany: "Acme"},
	}

	res, err := c.Convert(context.Background(), file, pctx)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "engine", res.Converter)
	assert.Equal(t, filepath.Join(pctx.StagingDir, "converted.pdf"), res.OutputPath)

	require.Len(t, svc.calls, 1)
	req := svc.calls[0]
	assert.Equal(t, pctx.BatchID, req.BatchID)
	assert.Equal(t, src, req.SourcePath)
	assert.Equal(t, pctx.StagingDir, req.TargetDir)
	assert.Equal(t, file.Data, req.Params)
}

func TestEngineConverter_Convert_ServiceFailureIsCaptured(t *testing.T) {
	boom := errors.New("engine crashed")
	svc := &fakeService{fn: func(ConversionRequest) (*ConvertedFile, error) { return nil, boom }}
	c := NewEngineConverter(svc, []string{".docx"})

	pctx := pipeline.NewContext(nil, t.TempDir())
	res, err := c.Convert(context.Background(), &pipeline.FileResult{Source: "/in/quote.docx"}, pctx)

	// The failure lands on the result so the chain can move on; the
	// error return is reserved for orchestration problems.
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, boom)
	assert.Empty(t, res.OutputPath)
}
