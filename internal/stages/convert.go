package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docmill/docmill/internal/pipeline"
)

// ConvertedFile is what a ConversionService hands back for one file.
type ConvertedFile struct {
	OutputPath string
	Duration   time.Duration
}

// ConversionRequest describes one file the engine should convert.
type ConversionRequest struct {
	BatchID    uuid.UUID
	SourcePath string
	TargetDir  string
	Params     map[string]string
}

// ConversionService performs the actual document conversion. The
// production implementation enqueues the file on the work queue and
// blocks until the item reaches a terminal state; the queue in turn
// serializes access to the shared engine session.
type ConversionService interface {
	ConvertFile(ctx context.Context, req ConversionRequest) (*ConvertedFile, error)
}

// PassthroughPDFConverter copies PDF inputs into staging unchanged.
// Registered ahead of the engine converter so healthy PDFs never cost
// an engine call; a corrupt PDF fails here and falls through to the
// engine for a re-render.
type PassthroughPDFConverter struct{}

func (PassthroughPDFConverter) Name() string { return "pdf-passthrough" }

func (PassthroughPDFConverter) CanProcess(path string, _ *pipeline.Context) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}

func (c PassthroughPDFConverter) Convert(_ context.Context, file *pipeline.FileResult, pctx *pipeline.Context) (*pipeline.ConversionResult, error) {
	start := time.Now()
	res := &pipeline.ConversionResult{Converter: c.Name()}

	dest := uniquePath(filepath.Join(stagingDir(pctx), filepath.Base(file.Source)))
	if err := copyFile(file.Source, dest); err != nil {
		res.Err = fmt.Errorf("copy to staging: %w", err)
		res.Duration = time.Since(start)
		return res, nil
	}

	res.Success = true
	res.OutputPath = dest
	res.Duration = time.Since(start)
	return res, nil
}

// EngineConverter routes a file through the conversion service into
// the shared engine. It claims everything the configured engines
// support, including PDFs, so it also backstops the passthrough.
type EngineConverter struct {
	service    ConversionService
	extensions map[string]bool
}

// NewEngineConverter builds a converter claiming the given extensions.
func NewEngineConverter(service ConversionService, extensions []string) *EngineConverter {
	exts := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}
	return &EngineConverter{service: service, extensions: exts}
}

func (c *EngineConverter) Name() string { return "engine" }

func (c *EngineConverter) CanProcess(path string, _ *pipeline.Context) bool {
	return c.extensions[strings.ToLower(filepath.Ext(path))]
}

func (c *EngineConverter) Convert(ctx context.Context, file *pipeline.FileResult, pctx *pipeline.Context) (*pipeline.ConversionResult, error) {
	start := time.Now()
	res := &pipeline.ConversionResult{Converter: c.Name()}

	out, err := c.service.ConvertFile(ctx, ConversionRequest{
		BatchID:    pctx.BatchID,
		SourcePath: file.Source,
		TargetDir:  stagingDir(pctx),
		Params:     file.Data,
	})
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
		return res, nil
	}

	res.Success = true
	res.OutputPath = out.OutputPath
	return res, nil
}
