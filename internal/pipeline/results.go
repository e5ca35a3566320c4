package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Failure reason codes recorded on FileResult.FailReason. Validators
// may substitute a more specific reason of their own (see the stages
// package) for ReasonValidation.
const (
	ReasonValidation     = "validation_failed"
	ReasonPreProcessing  = "pre_processing_failed"
	ReasonNoConverter    = "no_converter"
	ReasonConversion     = "conversion_failed"
	ReasonPostProcessing = "post_processing_failed"
	ReasonCancelled      = "batch_cancelled"
)

// ValidationResult is the outcome of a single validator on a single file.
type ValidationResult struct {
	Validator string   `json:"validator"`
	Valid     bool     `json:"valid"`
	Reason    string   `json:"reason,omitempty"`
	Messages  []string `json:"messages,omitempty"`
	Err       error    `json:"-"`
}

// PreProcessingResult carries the metadata one pre-processor extracted.
type PreProcessingResult struct {
	Processor string            `json:"processor"`
	Success   bool              `json:"success"`
	Data      map[string]string `json:"data,omitempty"`
	Messages  []string          `json:"messages,omitempty"`
	Err       error             `json:"-"`
}

// ConversionResult is the outcome of one converter attempt.
type ConversionResult struct {
	Converter  string        `json:"converter"`
	Success    bool          `json:"success"`
	OutputPath string        `json:"output_path,omitempty"`
	Duration   time.Duration `json:"duration"`
	Messages   []string      `json:"messages,omitempty"`
	Err        error         `json:"-"`
}

// PostProcessingResult is the outcome of one post-processor. FinalPath,
// when set, becomes the file's new output path.
type PostProcessingResult struct {
	Processor string   `json:"processor"`
	Success   bool     `json:"success"`
	FinalPath string   `json:"final_path,omitempty"`
	Messages  []string `json:"messages,omitempty"`
	Err       error    `json:"-"`
}

// OutputMetadata aggregates batch-level figures for output generators.
type OutputMetadata struct {
	TotalFiles      int           `json:"total_files"`
	SuccessfulFiles int           `json:"successful_files"`
	FailedFiles     int           `json:"failed_files"`
	SkippedFiles    int           `json:"skipped_files"`
	TotalBytes      int64         `json:"total_bytes"`
	Companies       []string      `json:"companies,omitempty"`
	Scopes          []string      `json:"scopes,omitempty"`
	Elapsed         time.Duration `json:"elapsed"`
}

// OutputResult is the outcome of one output generator for the batch.
type OutputResult struct {
	Generator string          `json:"generator"`
	Success   bool            `json:"success"`
	Paths     []string        `json:"paths,omitempty"`
	Metadata  *OutputMetadata `json:"metadata,omitempty"`
	Messages  []string        `json:"messages,omitempty"`
	Err       error           `json:"-"`
}

// FileResult tracks one input file across all stages. Stage results are
// appended, never mutated, so the full audit trail survives failures.
type FileResult struct {
	Source string `json:"source"`
	// Data accumulates the metadata maps merged in by pre-processors.
	Data map[string]string `json:"data,omitempty"`

	Validations    []*ValidationResult     `json:"validations,omitempty"`
	PreProcessing  []*PreProcessingResult  `json:"pre_processing,omitempty"`
	Conversions    []*ConversionResult     `json:"conversions,omitempty"`
	PostProcessing []*PostProcessingResult `json:"post_processing,omitempty"`

	// Conversion points at the winning attempt in Conversions.
	Conversion *ConversionResult `json:"-"`
	// OutputPath is the file's current output, updated as
	// post-processors relocate it.
	OutputPath string `json:"output_path,omitempty"`

	Status     FileStatus    `json:"status"`
	Stage      Stage         `json:"stage,omitempty"`
	FailReason string        `json:"fail_reason,omitempty"`
	Err        error         `json:"-"`
	Duration   time.Duration `json:"duration"`
}

func newFileResult(source string) *FileResult {
	return &FileResult{
		Source: source,
		Data:   make(map[string]string),
		Status: FilePending,
	}
}

func (f *FileResult) fail(stage Stage, reason string, err error) {
	f.Status = FileFailed
	f.Stage = stage
	f.FailReason = reason
	f.Err = err
}

// ErrorDetail renders the failure for reports and persisted work items.
func (f *FileResult) ErrorDetail() string {
	switch {
	case f.Err != nil:
		return f.FailReason + ": " + f.Err.Error()
	case f.FailReason != "":
		return f.FailReason
	default:
		return ""
	}
}

// ProcessingResult is the aggregate outcome of one Execute call. The
// orchestrator never returns an error; batch-level failures land in
// BatchErr and per-file failures in the individual FileResults.
type ProcessingResult struct {
	BatchID   uuid.UUID       `json:"batch_id"`
	Files     []*FileResult   `json:"files"`
	Outputs   []*OutputResult `json:"outputs,omitempty"`
	Success   bool            `json:"success"`
	Cancelled bool            `json:"cancelled,omitempty"`
	BatchErr  error           `json:"-"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

// Successful returns the files that reached a successful output, in
// input order.
func (r *ProcessingResult) Successful() []*FileResult {
	return r.filter(FileSucceeded)
}

// Failed returns the files rejected or errored by any stage.
func (r *ProcessingResult) Failed() []*FileResult {
	return r.filter(FileFailed)
}

// Skipped returns the files never processed because of cancellation.
func (r *ProcessingResult) Skipped() []*FileResult {
	return r.filter(FileSkipped)
}

func (r *ProcessingResult) filter(status FileStatus) []*FileResult {
	var out []*FileResult
	for _, f := range r.Files {
		if f.Status == status {
			out = append(out, f)
		}
	}
	return out
}
