package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/docmill/docmill/internal/observability"
)

// Orchestrator runs the five ordered stages over a batch of input
// files. Stage implementations are registered up front and consulted
// in registration order; a file-level failure never aborts the batch,
// while a panic inside the run is recovered and surfaced as BatchErr.
type Orchestrator struct {
	logger *observability.Logger

	validators     []FileValidator
	preProcessors  []PreProcessor
	converters     []Converter
	postProcessors []PostProcessor
	generators     []OutputGenerator
}

// NewOrchestrator creates an empty orchestrator. Register the stage
// implementations before calling Execute.
func NewOrchestrator(logger *observability.Logger) *Orchestrator {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Orchestrator{logger: logger}
}

// RegisterValidator appends a validator to the validation chain.
func (o *Orchestrator) RegisterValidator(v FileValidator) {
	o.validators = append(o.validators, v)
}

// RegisterPreProcessor appends a pre-processor to the chain.
func (o *Orchestrator) RegisterPreProcessor(p PreProcessor) {
	o.preProcessors = append(o.preProcessors, p)
}

// RegisterConverter appends a converter to the fallback chain.
func (o *Orchestrator) RegisterConverter(c Converter) {
	o.converters = append(o.converters, c)
}

// RegisterPostProcessor appends a post-processor to the chain.
func (o *Orchestrator) RegisterPostProcessor(p PostProcessor) {
	o.postProcessors = append(o.postProcessors, p)
}

// RegisterOutputGenerator appends a batch-level output generator.
func (o *Orchestrator) RegisterOutputGenerator(g OutputGenerator) {
	o.generators = append(o.generators, g)
}

// Execute runs the batch and always returns a result, never an error.
// Cancellation is observed between files: remaining files are marked
// skipped and everything already completed is preserved.
func (o *Orchestrator) Execute(ctx context.Context, pctx *Context) (result *ProcessingResult) {
	result = &ProcessingResult{
		BatchID:   pctx.BatchID,
		StartedAt: time.Now(),
	}
	defer func() {
		if r := recover(); r != nil {
			result.BatchErr = fmt.Errorf("pipeline aborted: %v", r)
			result.Success = false
			o.logger.Error().
				Str("batch_id", pctx.BatchID.String()).
				Interface("panic", r).
				Msg("Pipeline aborted by panic")
		}
		result.Duration = time.Since(result.StartedAt)
	}()

	files := make([]*FileResult, 0, len(pctx.InputFiles))
	for _, path := range pctx.InputFiles {
		files = append(files, newFileResult(path))
	}
	result.Files = files

	o.logger.Info().
		Str("batch_id", pctx.BatchID.String()).
		Int("input_files", len(files)).
		Str("output_dir", pctx.OutputDir).
		Msg("Starting batch")

	// Stage 1: validation.
	o.validateFiles(ctx, pctx, files)

	// Stage 2: pre-processing.
	o.preProcessFiles(ctx, pctx, files)

	// Stage 3: conversion.
	o.convertFiles(ctx, pctx, files)

	// Stage 4: post-processing. Survivors are promoted to succeeded.
	o.postProcessFiles(ctx, pctx, files)

	// Stage 5: output generation over the whole batch.
	o.generateOutputs(ctx, pctx, result)

	result.Cancelled = ctx.Err() != nil
	result.Success = len(result.Successful()) > 0

	o.logger.Info().
		Str("batch_id", pctx.BatchID.String()).
		Bool("success", result.Success).
		Bool("cancelled", result.Cancelled).
		Int("succeeded", len(result.Successful())).
		Int("failed", len(result.Failed())).
		Int("skipped", len(result.Skipped())).
		Dur("duration", time.Since(result.StartedAt)).
		Msg("Batch finished")
	return result
}

func (o *Orchestrator) validateFiles(ctx context.Context, pctx *Context, files []*FileResult) {
	total := len(files)
	for i, file := range files {
		if ctx.Err() != nil {
			markSkipped(files[i:], StageValidation)
			return
		}
		start := time.Now()
		file.Stage = StageValidation
		o.validateOne(ctx, pctx, file)
		file.Duration += time.Since(start)
		o.notify(pctx, StageValidation, i+1, total, file)
	}
}

func (o *Orchestrator) validateOne(ctx context.Context, pctx *Context, file *FileResult) {
	for _, v := range o.validators {
		if !v.CanProcess(file.Source, pctx) {
			continue
		}
		res, err := v.Validate(ctx, file.Source, pctx)
		if res == nil {
			res = &ValidationResult{Validator: v.Name(), Valid: err == nil}
		}
		if err != nil {
			res.Valid = false
			if res.Err == nil {
				res.Err = err
			}
		}
		file.Validations = append(file.Validations, res)
		if !res.Valid {
			reason := res.Reason
			if reason == "" {
				reason = ReasonValidation
			}
			file.fail(StageValidation, reason, res.Err)
			o.logger.Warn().
				Str("batch_id", pctx.BatchID.String()).
				Str("file", file.Source).
				Str("validator", v.Name()).
				Str("reason", reason).
				Msg("File failed validation")
			return
		}
	}
}

func (o *Orchestrator) preProcessFiles(ctx context.Context, pctx *Context, files []*FileResult) {
	eligible := pendingFiles(files)
	total := len(eligible)
	for i, file := range eligible {
		if ctx.Err() != nil {
			markSkipped(eligible[i:], StagePreProcessing)
			return
		}
		start := time.Now()
		file.Stage = StagePreProcessing
		o.preProcessOne(ctx, pctx, file)
		file.Duration += time.Since(start)
		o.notify(pctx, StagePreProcessing, i+1, total, file)
	}
}

func (o *Orchestrator) preProcessOne(ctx context.Context, pctx *Context, file *FileResult) {
	for _, p := range o.preProcessors {
		if !p.CanProcess(file.Source, pctx) {
			continue
		}
		res, err := p.PreProcess(ctx, file.Source, pctx)
		if res == nil {
			res = &PreProcessingResult{Processor: p.Name(), Success: err == nil}
		}
		if err != nil {
			res.Success = false
			if res.Err == nil {
				res.Err = err
			}
		}
		file.PreProcessing = append(file.PreProcessing, res)
		if !res.Success {
			file.fail(StagePreProcessing, ReasonPreProcessing, res.Err)
			o.logger.Warn().
				Str("batch_id", pctx.BatchID.String()).
				Str("file", file.Source).
				Str("processor", p.Name()).
				Err(res.Err).
				Msg("Pre-processing failed for file")
			return
		}
		for k, v := range res.Data {
			file.Data[k] = v
		}
	}
}

func (o *Orchestrator) convertFiles(ctx context.Context, pctx *Context, files []*FileResult) {
	eligible := pendingFiles(files)
	total := len(eligible)
	for i, file := range eligible {
		if ctx.Err() != nil {
			markSkipped(eligible[i:], StageConversion)
			return
		}
		start := time.Now()
		file.Stage = StageConversion
		o.convertOne(ctx, pctx, file)
		file.Duration += time.Since(start)
		o.notify(pctx, StageConversion, i+1, total, file)
	}
}

// convertOne walks the converter chain: the first converter that claims
// the file and succeeds wins; failed attempts stay on the record and
// the next converter is tried.
func (o *Orchestrator) convertOne(ctx context.Context, pctx *Context, file *FileResult) {
	claimed := false
	for _, c := range o.converters {
		if !c.CanProcess(file.Source, pctx) {
			continue
		}
		claimed = true
		res, err := c.Convert(ctx, file, pctx)
		if res == nil {
			res = &ConversionResult{Converter: c.Name(), Success: err == nil}
		}
		if err != nil {
			res.Success = false
			if res.Err == nil {
				res.Err = err
			}
		}
		file.Conversions = append(file.Conversions, res)
		if res.Success {
			file.Conversion = res
			file.OutputPath = res.OutputPath
			return
		}
		o.logger.Warn().
			Str("batch_id", pctx.BatchID.String()).
			Str("file", file.Source).
			Str("converter", c.Name()).
			Err(res.Err).
			Msg("Converter failed, trying next in chain")
	}
	if !claimed {
		file.fail(StageConversion, ReasonNoConverter, nil)
		o.logger.Warn().
			Str("batch_id", pctx.BatchID.String()).
			Str("file", file.Source).
			Msg("No converter claims file")
		return
	}
	last := file.Conversions[len(file.Conversions)-1]
	file.fail(StageConversion, ReasonConversion, last.Err)
}

func (o *Orchestrator) postProcessFiles(ctx context.Context, pctx *Context, files []*FileResult) {
	eligible := pendingFiles(files)
	total := len(eligible)
	for i, file := range eligible {
		if ctx.Err() != nil {
			markSkipped(eligible[i:], StagePostProcessing)
			break
		}
		start := time.Now()
		file.Stage = StagePostProcessing
		o.postProcessOne(ctx, pctx, file)
		file.Duration += time.Since(start)
		o.notify(pctx, StagePostProcessing, i+1, total, file)
	}
	// Files that made it through every per-file stage are done.
	for _, file := range eligible {
		if file.Status == FilePending {
			file.Status = FileSucceeded
		}
	}
}

func (o *Orchestrator) postProcessOne(ctx context.Context, pctx *Context, file *FileResult) {
	for _, p := range o.postProcessors {
		if !p.CanProcess(file.Source, pctx) {
			continue
		}
		res, err := p.PostProcess(ctx, file, pctx)
		if res == nil {
			res = &PostProcessingResult{Processor: p.Name(), Success: err == nil}
		}
		if err != nil {
			res.Success = false
			if res.Err == nil {
				res.Err = err
			}
		}
		file.PostProcessing = append(file.PostProcessing, res)
		if !res.Success {
			file.fail(StagePostProcessing, ReasonPostProcessing, res.Err)
			o.logger.Warn().
				Str("batch_id", pctx.BatchID.String()).
				Str("file", file.Source).
				Str("processor", p.Name()).
				Err(res.Err).
				Msg("Post-processing failed for file")
			return
		}
		if res.FinalPath != "" {
			file.OutputPath = res.FinalPath
		}
	}
}

func (o *Orchestrator) generateOutputs(ctx context.Context, pctx *Context, result *ProcessingResult) {
	if len(o.generators) == 0 {
		return
	}
	if ctx.Err() != nil {
		o.logger.Warn().
			Str("batch_id", pctx.BatchID.String()).
			Msg("Skipping output generation, batch cancelled")
		return
	}
	for _, g := range o.generators {
		if !g.CanProcess(pctx) {
			continue
		}
		res, err := g.Generate(ctx, pctx, result.Files)
		if res == nil {
			res = &OutputResult{Generator: g.Name(), Success: err == nil}
		}
		if err != nil {
			res.Success = false
			if res.Err == nil {
				res.Err = err
			}
		}
		result.Outputs = append(result.Outputs, res)
		if !res.Success {
			// Recorded but never fails the batch.
			o.logger.Error().
				Str("batch_id", pctx.BatchID.String()).
				Str("generator", g.Name()).
				Err(res.Err).
				Msg("Output generator failed")
		}
	}
	pctx.Notify(Progress{
		Stage:     StageOutput,
		Completed: 1,
		Total:     1,
		Percent:   100,
		Status:    "output generation complete",
	})
}

func (o *Orchestrator) notify(pctx *Context, stage Stage, completed, total int, file *FileResult) {
	percent := 0.0
	if total > 0 {
		percent = float64(completed) / float64(total) * 100
	}
	status := filepath.Base(file.Source) + ": ok"
	if file.Status == FileFailed {
		status = filepath.Base(file.Source) + ": " + file.FailReason
	}
	pctx.Notify(Progress{
		Stage:     stage,
		Completed: completed,
		Total:     total,
		Percent:   percent,
		Status:    status,
	})
}

func pendingFiles(files []*FileResult) []*FileResult {
	var out []*FileResult
	for _, f := range files {
		if f.Status == FilePending {
			out = append(out, f)
		}
	}
	return out
}

// markSkipped flags every still-pending file as skipped once
// cancellation has been observed. Completed results are left intact.
func markSkipped(files []*FileResult, stage Stage) {
	for _, f := range files {
		if f.Status == FilePending {
			f.Status = FileSkipped
			f.Stage = stage
			f.FailReason = ReasonCancelled
		}
	}
}
