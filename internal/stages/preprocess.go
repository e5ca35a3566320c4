package stages

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/richardlehane/mscfb"
	"github.com/richardlehane/msoleps"
	"github.com/xuri/excelize/v2"

	"github.com/docmill/docmill/internal/observability"
	"github.com/docmill/docmill/internal/pipeline"
)

// Metadata keys merged into a file's accumulator by pre-processors.
// The organizer groups output by company and scope; title names the
// final PDF.
const (
	MetaCompany = "company"
	MetaScope   = "scope"
	MetaTitle   = "title"
	MetaAuthor  = "author"
)

// assignMeta maps a document property onto the metadata accumulator.
// Subject carries the scope of work in the documents this system
// handles; Category is only a fallback for it.
func assignMeta(data map[string]string, key, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	switch strings.ToLower(key) {
	case "title":
		data[MetaTitle] = value
	case "subject":
		data[MetaScope] = value
	case "company":
		data[MetaCompany] = value
	case "author", "creator":
		data[MetaAuthor] = value
	case "lastauthor", "last author":
		if _, ok := data[MetaAuthor]; !ok {
			data[MetaAuthor] = value
		}
	case "category":
		if _, ok := data[MetaScope]; !ok {
			data[MetaScope] = value
		}
	}
}

// FilenameMetadata derives a metadata baseline from file names shaped
// like "Company - Scope - Title.ext". Two segments mean company and
// title, one segment is just the title. Property extractors registered
// after it override these values when the document carries real
// properties.
type FilenameMetadata struct{}

func (FilenameMetadata) Name() string { return "filename-metadata" }

func (FilenameMetadata) CanProcess(string, *pipeline.Context) bool { return true }

func (FilenameMetadata) PreProcess(_ context.Context, path string, _ *pipeline.Context) (*pipeline.PreProcessingResult, error) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	data := make(map[string]string)

	parts := strings.Split(base, " - ")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	switch {
	case len(parts) >= 3:
		assign(data, MetaCompany, parts[0])
		assign(data, MetaScope, parts[1])
		assign(data, MetaTitle, strings.Join(parts[2:], " - "))
	case len(parts) == 2:
		assign(data, MetaCompany, parts[0])
		assign(data, MetaTitle, parts[1])
	default:
		assign(data, MetaTitle, base)
	}

	return &pipeline.PreProcessingResult{
		Processor: "filename-metadata",
		Success:   true,
		Data:      data,
	}, nil
}

func assign(data map[string]string, key, value string) {
	if value != "" {
		data[key] = value
	}
}

// OLEPropsExtractor reads the SummaryInformation and
// DocumentSummaryInformation property sets of legacy compound files
// (.doc, .xls, .ppt). Extraction is best-effort: a file with an
// unreadable property stream still converts, it just lands in the
// default groups.
type OLEPropsExtractor struct {
	logger *observability.Logger
}

func NewOLEPropsExtractor(logger *observability.Logger) *OLEPropsExtractor {
	if logger == nil {
		logger = observability.Nop()
	}
	return &OLEPropsExtractor{logger: logger}
}

func (e *OLEPropsExtractor) Name() string { return "ole-properties" }

func (e *OLEPropsExtractor) CanProcess(path string, _ *pipeline.Context) bool {
	return oleExtensions[strings.ToLower(filepath.Ext(path))]
}

func (e *OLEPropsExtractor) PreProcess(_ context.Context, path string, _ *pipeline.Context) (*pipeline.PreProcessingResult, error) {
	res := &pipeline.PreProcessingResult{
		Processor: e.Name(),
		Success:   true,
		Data:      make(map[string]string),
	}

	f, err := os.Open(path)
	if err != nil {
		return e.degrade(res, path, "open", err), nil
	}
	defer f.Close()

	doc, err := mscfb.New(f)
	if err != nil {
		return e.degrade(res, path, "parse compound file", err), nil
	}

	props := msoleps.New()
	for entry, derr := doc.Next(); derr == nil; entry, derr = doc.Next() {
		if !msoleps.IsMSOLEPS(entry.Initial) {
			continue
		}
		if perr := props.Reset(doc); perr != nil {
			continue
		}
		for _, prop := range props.Property {
			assignMeta(res.Data, prop.Name, fmt.Sprint(prop))
		}
	}
	return res, nil
}

func (e *OLEPropsExtractor) degrade(res *pipeline.PreProcessingResult, path, op string, err error) *pipeline.PreProcessingResult {
	e.logger.Warn().
		Str("file", path).
		Err(err).
		Msg("Cannot read OLE properties, continuing without metadata")
	res.Messages = append(res.Messages, fmt.Sprintf("%s: %v", op, err))
	return res
}

// ExcelPropsExtractor reads core and application properties from
// modern workbooks. The Company field only exists in the application
// part, which is why GetDocProps alone is not enough.
type ExcelPropsExtractor struct {
	logger *observability.Logger
}

func NewExcelPropsExtractor(logger *observability.Logger) *ExcelPropsExtractor {
	if logger == nil {
		logger = observability.Nop()
	}
	return &ExcelPropsExtractor{logger: logger}
}

func (e *ExcelPropsExtractor) Name() string { return "excel-properties" }

func (e *ExcelPropsExtractor) CanProcess(path string, _ *pipeline.Context) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm", ".xltx":
		return true
	}
	return false
}

func (e *ExcelPropsExtractor) PreProcess(_ context.Context, path string, _ *pipeline.Context) (*pipeline.PreProcessingResult, error) {
	res := &pipeline.PreProcessingResult{
		Processor: e.Name(),
		Success:   true,
		Data:      make(map[string]string),
	}

	wb, err := excelize.OpenFile(path)
	if err != nil {
		e.logger.Warn().Str("file", path).Err(err).
			Msg("Cannot open workbook for properties, continuing without metadata")
		res.Messages = append(res.Messages, fmt.Sprintf("open workbook: %v", err))
		return res, nil
	}
	defer wb.Close()

	if core, err := wb.GetDocProps(); err == nil && core != nil {
		assignMeta(res.Data, "title", core.Title)
		assignMeta(res.Data, "subject", core.Subject)
		assignMeta(res.Data, "creator", core.Creator)
		assignMeta(res.Data, "category", core.Category)
	}
	if app, err := wb.GetAppProps(); err == nil && app != nil {
		assignMeta(res.Data, "company", app.Company)
	}
	return res, nil
}

type opcCoreProps struct {
	Title    string `xml:"title"`
	Subject  string `xml:"subject"`
	Creator  string `xml:"creator"`
	Category string `xml:"category"`
}

type opcAppProps struct {
	Company string `xml:"Company"`
}

// OPCPropsExtractor reads docProps/core.xml and docProps/app.xml from
// word-processor and presentation packages (.docx, .pptx).
type OPCPropsExtractor struct {
	logger *observability.Logger
}

func NewOPCPropsExtractor(logger *observability.Logger) *OPCPropsExtractor {
	if logger == nil {
		logger = observability.Nop()
	}
	return &OPCPropsExtractor{logger: logger}
}

func (e *OPCPropsExtractor) Name() string { return "opc-properties" }

func (e *OPCPropsExtractor) CanProcess(path string, _ *pipeline.Context) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".docx", ".pptx":
		return true
	}
	return false
}

func (e *OPCPropsExtractor) PreProcess(_ context.Context, path string, _ *pipeline.Context) (*pipeline.PreProcessingResult, error) {
	res := &pipeline.PreProcessingResult{
		Processor: e.Name(),
		Success:   true,
		Data:      make(map[string]string),
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		e.logger.Warn().Str("file", path).Err(err).
			Msg("Cannot open package for properties, continuing without metadata")
		res.Messages = append(res.Messages, fmt.Sprintf("open package: %v", err))
		return res, nil
	}
	defer zr.Close()

	for _, part := range zr.File {
		switch part.Name {
		case "docProps/core.xml":
			var core opcCoreProps
			if err := decodePart(part, &core); err != nil {
				res.Messages = append(res.Messages, fmt.Sprintf("core.xml: %v", err))
				continue
			}
			assignMeta(res.Data, "title", core.Title)
			assignMeta(res.Data, "subject", core.Subject)
			assignMeta(res.Data, "creator", core.Creator)
			assignMeta(res.Data, "category", core.Category)
		case "docProps/app.xml":
			var app opcAppProps
			if err := decodePart(part, &app); err != nil {
				res.Messages = append(res.Messages, fmt.Sprintf("app.xml: %v", err))
				continue
			}
			assignMeta(res.Data, "company", app.Company)
		}
	}
	return res, nil
}

func decodePart(part *zip.File, v interface{}) error {
	rc, err := part.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return xml.NewDecoder(rc).Decode(v)
}
