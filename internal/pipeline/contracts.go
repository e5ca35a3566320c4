// Package pipeline implements the staged document processing pipeline:
// validation, pre-processing, conversion, post-processing and output
// generation over a batch of input files.
package pipeline

import (
	"context"
)

// Stage identifies one of the five ordered pipeline stages.
type Stage string

const (
	StageValidation     Stage = "validation"
	StagePreProcessing  Stage = "pre-processing"
	StageConversion     Stage = "conversion"
	StagePostProcessing Stage = "post-processing"
	StageOutput         Stage = "output"
)

// FileStatus tracks a single input file through the pipeline.
type FileStatus string

const (
	// FilePending means the file has not failed or been skipped yet.
	FilePending FileStatus = "pending"
	// FileSucceeded means the file reached a successful output.
	FileSucceeded FileStatus = "succeeded"
	// FileFailed means a stage rejected the file or errored on it.
	FileFailed FileStatus = "failed"
	// FileSkipped means cancellation was observed before the file's turn.
	FileSkipped FileStatus = "skipped"
)

// FileValidator decides whether an input file is acceptable at all.
// Validators whose CanProcess returns true run in registration order;
// the first invalid result excludes the file from every later stage.
type FileValidator interface {
	Name() string
	CanProcess(path string, pctx *Context) bool
	Validate(ctx context.Context, path string, pctx *Context) (*ValidationResult, error)
}

// PreProcessor extracts metadata from a file before conversion. Each
// applicable pre-processor's Data map is merged into the file's
// accumulator; a failure fails the file without aborting the batch.
type PreProcessor interface {
	Name() string
	CanProcess(path string, pctx *Context) bool
	PreProcess(ctx context.Context, path string, pctx *Context) (*PreProcessingResult, error)
}

// Converter turns an input file into a PDF. Applicable converters are
// tried in registration order; the first one that both claims the file
// and succeeds wins. A converter failure is recorded on the file and
// the next converter in the chain is tried.
type Converter interface {
	Name() string
	CanProcess(path string, pctx *Context) bool
	Convert(ctx context.Context, file *FileResult, pctx *Context) (*ConversionResult, error)
}

// PostProcessor reshapes a successful conversion, e.g. moving the
// output into its organized destination. A failure here fails only
// that file's slot.
type PostProcessor interface {
	Name() string
	CanProcess(path string, pctx *Context) bool
	PostProcess(ctx context.Context, file *FileResult, pctx *Context) (*PostProcessingResult, error)
}

// OutputGenerator runs once per batch over the accumulated file
// results and produces batch-level artifacts such as the completion
// report. Generator failures never fail a batch that already has at
// least one successful file.
type OutputGenerator interface {
	Name() string
	CanProcess(pctx *Context) bool
	Generate(ctx context.Context, pctx *Context, files []*FileResult) (*OutputResult, error)
}
