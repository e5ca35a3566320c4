package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/docmill/docmill/cmd/docmill/ui"
	"github.com/docmill/docmill/internal/pipeline"
	"github.com/docmill/docmill/pkg/docmill"
)

// newProcessCmd creates the process subcommand.
func newProcessCmd() *cobra.Command {
	var (
		outputDir  string
		timeout    time.Duration
		noReport   bool
		noManifest bool
	)

	cmd := &cobra.Command{
		Use:   "process --output DIR FILE...",
		Short: "Convert and organize a batch of documents",
		Long: `Process runs the full pipeline over the given files: validation,
metadata extraction, PDF conversion, and organization into
company/scope folders under the output directory.

Interrupting with Ctrl-C cancels the batch between files; work already
completed stays on disk.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if noReport {
				cfg.Pipeline.WriteReport = false
			}
			if noManifest {
				cfg.Pipeline.WriteManifest = false
			}

			svc, err := docmill.New(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("start service: %w", err)
			}
			defer svc.Close()

			var opts []docmill.BatchOption
			var bar *ui.ProgressBar
			if !outputJSON {
				bar = ui.NewProgressBar(100, "validate")
				opts = append(opts, docmill.WithNotifier(pipeline.NotifierFunc(func(p pipeline.Progress) {
					bar.Describe(string(p.Stage))
					bar.Set(int64(p.Percent))
				})))
			}

			result, err := svc.ProcessBatch(ctx, args, outputDir, opts...)
			if bar != nil {
				bar.Finish()
			}
			if err != nil {
				return fmt.Errorf("process batch: %w", err)
			}

			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			printBatchResult(result)

			if result.BatchErr != nil {
				return fmt.Errorf("batch aborted: %w", result.BatchErr)
			}
			if !result.Success {
				return errors.New("no file reached a successful output")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory for organized PDFs (required)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "overall batch timeout")
	cmd.Flags().BoolVar(&noReport, "no-report", false, "skip the text processing report")
	cmd.Flags().BoolVar(&noManifest, "no-manifest", false, "skip the XLSX manifest")
	cmd.MarkFlagRequired("output")

	return cmd
}

func printBatchResult(result *pipeline.ProcessingResult) {
	for _, file := range result.Files {
		name := filepath.Base(file.Source)
		switch file.Status {
		case pipeline.FileSucceeded:
			ui.Success("%s → %s", name, file.OutputPath)
		case pipeline.FileSkipped:
			ui.Warning("%s: skipped", name)
		default:
			detail := file.FailReason
			if file.Err != nil {
				detail = fmt.Sprintf("%s: %v", file.FailReason, file.Err)
			}
			ui.Error("%s: %s", name, detail)
		}
	}

	if result.Cancelled {
		ui.Warning("batch cancelled before all files were processed")
	}
	ui.Info("%d succeeded, %d failed, %d skipped in %s",
		len(result.Successful()), len(result.Failed()), len(result.Skipped()),
		result.Duration.Round(time.Millisecond))
	for _, out := range result.Outputs {
		if out.Success {
			for _, path := range out.Paths {
				ui.Step("%s: %s", out.Generator, path)
			}
		}
	}
}
