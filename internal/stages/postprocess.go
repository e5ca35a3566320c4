package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docmill/docmill/internal/pipeline"
)

// OrganizeOutput moves each converted PDF from staging into
// OutputDir/<company>/<scope>/<title>.pdf. Directory names come from
// the metadata accumulator, sanitized, with configurable fallbacks for
// files whose metadata could not be detected.
type OrganizeOutput struct {
	DefaultCompany string
	DefaultScope   string
}

func (o *OrganizeOutput) Name() string { return "organize-output" }

func (o *OrganizeOutput) CanProcess(string, *pipeline.Context) bool { return true }

func (o *OrganizeOutput) PostProcess(_ context.Context, file *pipeline.FileResult, pctx *pipeline.Context) (*pipeline.PostProcessingResult, error) {
	res := &pipeline.PostProcessingResult{Processor: o.Name()}

	if file.OutputPath == "" {
		res.Err = fmt.Errorf("no converted output for %s", file.Source)
		return res, nil
	}

	company := sanitizeComponent(file.Data[MetaCompany], o.defaultCompany())
	scope := sanitizeComponent(file.Data[MetaScope], o.defaultScope())
	title := file.Data[MetaTitle]
	if title == "" {
		base := filepath.Base(file.Source)
		title = strings.TrimSuffix(base, filepath.Ext(base))
	}
	title = sanitizeComponent(title, "document")

	destDir := filepath.Join(pctx.OutputDir, company, scope)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		res.Err = fmt.Errorf("create output directory: %w", err)
		return res, nil
	}

	dest := uniquePath(filepath.Join(destDir, title+".pdf"))
	if err := moveFile(file.OutputPath, dest); err != nil {
		res.Err = fmt.Errorf("move into output directory: %w", err)
		return res, nil
	}

	res.Success = true
	res.FinalPath = dest
	res.Messages = append(res.Messages, fmt.Sprintf("filed under %s/%s", company, scope))
	return res, nil
}

func (o *OrganizeOutput) defaultCompany() string {
	if o.DefaultCompany != "" {
		return o.DefaultCompany
	}
	return "Unknown Company"
}

func (o *OrganizeOutput) defaultScope() string {
	if o.DefaultScope != "" {
		return o.DefaultScope
	}
	return "General"
}
