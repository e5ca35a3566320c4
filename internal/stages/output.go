package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/docmill/docmill/internal/pipeline"
)

// aggregateMetadata computes the batch-level figures both generators
// report: counts, output byte totals and the distinct companies and
// scopes observed.
func aggregateMetadata(files []*pipeline.FileResult) *pipeline.OutputMetadata {
	meta := &pipeline.OutputMetadata{TotalFiles: len(files)}
	companies := map[string]bool{}
	scopes := map[string]bool{}

	for _, f := range files {
		meta.Elapsed += f.Duration
		switch f.Status {
		case pipeline.FileSucceeded:
			meta.SuccessfulFiles++
			if info, err := os.Stat(f.OutputPath); err == nil {
				meta.TotalBytes += info.Size()
			}
			if c := f.Data[MetaCompany]; c != "" {
				companies[c] = true
			}
			if s := f.Data[MetaScope]; s != "" {
				scopes[s] = true
			}
		case pipeline.FileFailed:
			meta.FailedFiles++
		case pipeline.FileSkipped:
			meta.SkippedFiles++
		}
	}

	meta.Companies = sortedKeys(companies)
	meta.Scopes = sortedKeys(scopes)
	return meta
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ReportWriter produces the plain-text completion report: a header
// with the batch correlation id, a summary block and per-file detail
// sections for successes and failures.
type ReportWriter struct{}

func (ReportWriter) Name() string { return "completion-report" }

func (ReportWriter) CanProcess(pctx *pipeline.Context) bool { return pctx.OutputDir != "" }

func (w ReportWriter) Generate(_ context.Context, pctx *pipeline.Context, files []*pipeline.FileResult) (*pipeline.OutputResult, error) {
	res := &pipeline.OutputResult{Generator: w.Name(), Metadata: aggregateMetadata(files)}

	var b strings.Builder
	writeReport(&b, pctx, files, res.Metadata)

	if err := os.MkdirAll(pctx.OutputDir, 0o755); err != nil {
		res.Err = fmt.Errorf("create output directory: %w", err)
		return res, nil
	}
	path := filepath.Join(pctx.OutputDir, fmt.Sprintf("processing-report-%s.txt", pctx.BatchID))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		res.Err = fmt.Errorf("write report: %w", err)
		return res, nil
	}

	res.Success = true
	res.Paths = append(res.Paths, path)
	return res, nil
}

func writeReport(b *strings.Builder, pctx *pipeline.Context, files []*pipeline.FileResult, meta *pipeline.OutputMetadata) {
	line := strings.Repeat("=", 40)

	fmt.Fprintf(b, "Document Processing Report\n%s\n", line)
	fmt.Fprintf(b, "Generated:        %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(b, "Batch:            %s\n", pctx.BatchID)
	fmt.Fprintf(b, "Output directory: %s\n\n", pctx.OutputDir)

	rate := 0.0
	if meta.TotalFiles > 0 {
		rate = float64(meta.SuccessfulFiles) / float64(meta.TotalFiles) * 100
	}
	fmt.Fprintf(b, "Summary\n%s\n", strings.Repeat("-", 40))
	fmt.Fprintf(b, "Total files:      %d\n", meta.TotalFiles)
	fmt.Fprintf(b, "Successful:       %d\n", meta.SuccessfulFiles)
	fmt.Fprintf(b, "Failed:           %d\n", meta.FailedFiles)
	if meta.SkippedFiles > 0 {
		fmt.Fprintf(b, "Skipped:          %d\n", meta.SkippedFiles)
	}
	fmt.Fprintf(b, "Success rate:     %.1f%%\n", rate)
	fmt.Fprintf(b, "Output bytes:     %d\n", meta.TotalBytes)
	if len(meta.Companies) > 0 {
		fmt.Fprintf(b, "Companies:        %s\n", strings.Join(meta.Companies, ", "))
	}
	if len(meta.Scopes) > 0 {
		fmt.Fprintf(b, "Scopes:           %s\n", strings.Join(meta.Scopes, ", "))
	}
	b.WriteString("\n")

	successful, failed := splitByStatus(files)
	if len(successful) > 0 {
		fmt.Fprintf(b, "Successful files\n%s\n", strings.Repeat("-", 40))
		for i, f := range successful {
			fmt.Fprintf(b, "%d. %s\n", i+1, f.Source)
			if c := f.Data[MetaCompany]; c != "" {
				fmt.Fprintf(b, "   Company:  %s\n", c)
			}
			if s := f.Data[MetaScope]; s != "" {
				fmt.Fprintf(b, "   Scope:    %s\n", s)
			}
			fmt.Fprintf(b, "   Output:   %s\n", f.OutputPath)
			fmt.Fprintf(b, "   Duration: %s\n", f.Duration.Round(time.Millisecond))
		}
		b.WriteString("\n")
	}
	if len(failed) > 0 {
		fmt.Fprintf(b, "Failed files\n%s\n", strings.Repeat("-", 40))
		for i, f := range failed {
			fmt.Fprintf(b, "%d. %s\n", i+1, f.Source)
			fmt.Fprintf(b, "   Stage:    %s\n", f.Stage)
			fmt.Fprintf(b, "   Error:    %s\n", f.ErrorDetail())
			fmt.Fprintf(b, "   Duration: %s\n", f.Duration.Round(time.Millisecond))
		}
	}
}

func splitByStatus(files []*pipeline.FileResult) (successful, failed []*pipeline.FileResult) {
	for _, f := range files {
		switch f.Status {
		case pipeline.FileSucceeded:
			successful = append(successful, f)
		case pipeline.FileFailed:
			failed = append(failed, f)
		}
	}
	return successful, failed
}

// ManifestWriter produces an XLSX manifest with one row per input
// file, for feeding the batch outcome into spreadsheets downstream.
type ManifestWriter struct{}

func (ManifestWriter) Name() string { return "xlsx-manifest" }

func (ManifestWriter) CanProcess(pctx *pipeline.Context) bool { return pctx.OutputDir != "" }

func (w ManifestWriter) Generate(_ context.Context, pctx *pipeline.Context, files []*pipeline.FileResult) (*pipeline.OutputResult, error) {
	res := &pipeline.OutputResult{Generator: w.Name(), Metadata: aggregateMetadata(files)}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Batch"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		res.Err = err
		return res, nil
	}

	headers := []string{"Source", "Status", "Company", "Scope", "Output", "Duration", "Error"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, file := range files {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, file.Source)
		write(2, string(file.Status))
		write(3, file.Data[MetaCompany])
		write(4, file.Data[MetaScope])
		write(5, file.OutputPath)
		write(6, file.Duration.Round(time.Millisecond).String())
		write(7, file.ErrorDetail())
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 40)
	_ = f.SetColWidth(sheet, "C", "E", 24)
	_ = f.SetColWidth(sheet, "G", "G", 40)

	if err := os.MkdirAll(pctx.OutputDir, 0o755); err != nil {
		res.Err = fmt.Errorf("create output directory: %w", err)
		return res, nil
	}
	path := filepath.Join(pctx.OutputDir, fmt.Sprintf("manifest-%s.xlsx", pctx.BatchID))
	if err := f.SaveAs(path); err != nil {
		res.Err = fmt.Errorf("write manifest: %w", err)
		return res, nil
	}

	res.Success = true
	res.Paths = append(res.Paths, path)
	return res, nil
}
