package engine

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"time"

	"github.com/gen2brain/go-fitz"
	"github.com/go-pdf/fpdf"

	"github.com/docmill/docmill/internal/observability"
)

// FitzConfig holds render settings for the native PDF engine.
type FitzConfig struct {
	DPI         int
	JPEGQuality int
}

// fitzExtensions are the formats MuPDF opens directly.
var fitzExtensions = map[string]bool{
	".pdf":  true,
	".xps":  true,
	".epub": true,
	".mobi": true,
	".fb2":  true,
	".cbz":  true,
	".svg":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tiff": true,
	".bmp":  true,
}

// FitzEngine renders documents page by page through MuPDF and reassembles
// the pages into a normalized PDF. The underlying native context is not
// safe for concurrent use; access goes through a Session.
type FitzEngine struct {
	cfg    FitzConfig
	logger *observability.Logger
	closed bool
}

// NewFitzEngine creates the engine and verifies the native library by
// rendering a built-in probe document. Creation is the expensive step;
// sessions hold on to the instance until it is evicted or invalidated.
func NewFitzEngine(cfg FitzConfig, logger *observability.Logger) (*FitzEngine, error) {
	if cfg.DPI <= 0 {
		cfg.DPI = 150
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 85
	}

	e := &FitzEngine{
		cfg:    cfg,
		logger: logger.WithComponent("fitz-engine"),
	}

	if err := e.Ping(context.Background()); err != nil {
		return nil, UnavailableError("fitz", "initialize native renderer", err)
	}

	return e, nil
}

// Name identifies the engine in logs and work item params.
func (e *FitzEngine) Name() string { return "fitz" }

// Supports reports whether MuPDF can open files with the extension.
func (e *FitzEngine) Supports(ext string) bool { return fitzExtensions[ext] }

// FitzExtensions lists the extensions the fitz engine accepts, sorted.
func FitzExtensions() []string { return sortedExtensions(fitzExtensions) }

// Convert renders every page of inputPath as a JPEG and assembles the
// pages into a PDF at outputPath. Page dimensions are preserved.
func (e *FitzEngine) Convert(ctx context.Context, inputPath, outputPath string) (*Result, error) {
	if e.closed {
		return nil, UnavailableError("fitz", "engine is closed", nil)
	}

	start := time.Now()

	scope := NewScope()
	defer func() {
		if cerr := scope.Close(); cerr != nil {
			e.logger.Warn().Err(cerr).Msg("Resource cleanup reported errors")
		}
	}()

	doc, err := fitz.New(inputPath)
	if err != nil {
		return nil, CorruptError("fitz", fmt.Sprintf("open %s", filepath.Base(inputPath)), err)
	}
	scope.Track("document", doc.Close)

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, CorruptError("fitz", "document has no pages", nil)
	}

	tempDir, err := os.MkdirTemp("", "docmill-render-*")
	if err != nil {
		return nil, InternalError("fitz", "create temp directory", err)
	}
	scope.Track("temp directory", func() error { return os.RemoveAll(tempDir) })

	out := fpdf.New("P", "mm", "A4", "")
	out.SetAutoPageBreak(false, 0)

	dpi := float64(e.cfg.DPI)
	for pageNum := 0; pageNum < pageCount; pageNum++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		img, err := doc.ImageDPI(pageNum, dpi)
		if err != nil {
			return nil, InternalError("fitz", fmt.Sprintf("render page %d", pageNum+1), err)
		}

		pagePath := filepath.Join(tempDir, fmt.Sprintf("page_%03d.jpg", pageNum+1))
		pageFile, err := os.Create(pagePath)
		if err != nil {
			return nil, InternalError("fitz", fmt.Sprintf("create page file %d", pageNum+1), err)
		}
		err = jpeg.Encode(pageFile, img, &jpeg.Options{Quality: e.cfg.JPEGQuality})
		pageFile.Close()
		if err != nil {
			return nil, InternalError("fitz", fmt.Sprintf("encode page %d", pageNum+1), err)
		}

		bounds := img.Bounds()
		wMM := float64(bounds.Dx()) * 25.4 / dpi
		hMM := float64(bounds.Dy()) * 25.4 / dpi

		out.AddPageFormat("P", fpdf.SizeType{Wd: wMM, Ht: hMM})
		out.ImageOptions(pagePath, 0, 0, wMM, hMM, false, fpdf.ImageOptions{ImageType: "JPG"}, 0, "")
		if out.Err() {
			return nil, InternalError("fitz", fmt.Sprintf("place page %d", pageNum+1), out.Error())
		}
	}

	if err := out.OutputFileAndClose(outputPath); err != nil {
		return nil, InternalError("fitz", "write output pdf", err)
	}

	return &Result{
		OutputPath: outputPath,
		Pages:      pageCount,
		Duration:   time.Since(start),
	}, nil
}

// Ping renders the built-in probe document to verify the native context
// still works.
func (e *FitzEngine) Ping(ctx context.Context) error {
	if e.closed {
		return UnavailableError("fitz", "engine is closed", nil)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	doc, err := fitz.NewFromMemory(probePDF())
	if err != nil {
		return CrashedError("fitz", "open probe document", err)
	}
	defer doc.Close()

	if _, err := doc.ImageDPI(0, 36); err != nil {
		return CrashedError("fitz", "render probe page", err)
	}

	return nil
}

// Close marks the engine unusable. Per-conversion resources are released
// by their scopes, so there is nothing persistent to free.
func (e *FitzEngine) Close() error {
	e.closed = true
	return nil
}

// probePDF builds a minimal one-page PDF with a correct xref table,
// used for liveness probes and as a fixture in tests.
func probePDF() []byte {
	var b bytes.Buffer
	offsets := make([]int, 4)

	b.WriteString("%PDF-1.4\n")
	offsets[1] = b.Len()
	b.WriteString("1 0 obj\n<</Type/Catalog/Pages 2 0 R>>\nendobj\n")
	offsets[2] = b.Len()
	b.WriteString("2 0 obj\n<</Type/Pages/Kids[3 0 R]/Count 1>>\nendobj\n")
	offsets[3] = b.Len()
	b.WriteString("3 0 obj\n<</Type/Page/Parent 2 0 R/MediaBox[0 0 612 792]>>\nendobj\n")

	xref := b.Len()
	b.WriteString("xref\n0 4\n0000000000 65535 f \n")
	for i := 1; i <= 3; i++ {
		fmt.Fprintf(&b, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&b, "trailer\n<</Size 4/Root 1 0 R>>\nstartxref\n%d\n%%%%EOF\n", xref)

	return b.Bytes()
}
