package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/docmill/docmill/internal/observability"
)

// SofficeConfig holds settings for the LibreOffice-backed engine.
type SofficeConfig struct {
	// Binary is the soffice executable.
	Binary string

	// ConvertTimeout bounds a single conversion. Zero means no limit
	// beyond the caller's context.
	ConvertTimeout time.Duration
}

var sofficeExtensions = map[string]bool{
	".doc":  true,
	".docx": true,
	".xls":  true,
	".xlsx": true,
	".xlsm": true,
	".xltx": true,
	".ppt":  true,
	".pptx": true,
	".rtf":  true,
	".odt":  true,
	".ods":  true,
	".odp":  true,
}

// SofficeEngine converts office documents to PDF by driving a headless
// LibreOffice process. Each engine instance owns a private user profile
// directory, so only one conversion may run at a time against it; access
// goes through a Session.
type SofficeEngine struct {
	cfg        SofficeConfig
	runner     Runner
	logger     *observability.Logger
	profileDir string
	closed     bool
}

// NewSofficeEngine creates the engine, allocates its profile directory
// and probes the binary. Sessions call this lazily on first office
// conversion.
func NewSofficeEngine(cfg SofficeConfig, runner Runner, logger *observability.Logger) (*SofficeEngine, error) {
	if cfg.Binary == "" {
		cfg.Binary = "soffice"
	}

	profileDir, err := os.MkdirTemp("", "docmill-soffice-*")
	if err != nil {
		return nil, UnavailableError("soffice", "create profile directory", err)
	}

	e := &SofficeEngine{
		cfg:        cfg,
		runner:     runner,
		logger:     logger.WithComponent("soffice-engine"),
		profileDir: profileDir,
	}

	if err := e.Ping(context.Background()); err != nil {
		os.RemoveAll(profileDir)
		return nil, err
	}

	return e, nil
}

// Name identifies the engine in logs and work item params.
func (e *SofficeEngine) Name() string { return "soffice" }

// Supports reports whether the engine handles files with the extension.
func (e *SofficeEngine) Supports(ext string) bool { return sofficeExtensions[ext] }

// SofficeExtensions lists the extensions the office engine accepts, sorted.
func SofficeExtensions() []string { return sortedExtensions(sofficeExtensions) }

// Convert runs soffice --convert-to pdf against inputPath and moves the
// produced document to outputPath.
func (e *SofficeEngine) Convert(ctx context.Context, inputPath, outputPath string) (*Result, error) {
	if e.closed {
		return nil, UnavailableError("soffice", "engine is closed", nil)
	}

	start := time.Now()

	scope := NewScope()
	defer func() {
		if cerr := scope.Close(); cerr != nil {
			e.logger.Warn().Err(cerr).Msg("Resource cleanup reported errors")
		}
	}()

	outDir, err := os.MkdirTemp("", "docmill-soffice-out-*")
	if err != nil {
		return nil, InternalError("soffice", "create output directory", err)
	}
	scope.Track("output directory", func() error { return os.RemoveAll(outDir) })

	runCtx := ctx
	if e.cfg.ConvertTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.ConvertTimeout)
		defer cancel()
	}

	args := []string{
		"-env:UserInstallation=file://" + e.profileDir,
		"--headless",
		"--norestore",
		"--convert-to", "pdf",
		"--outdir", outDir,
		inputPath,
	}

	_, stderr, err := e.runner.Run(runCtx, e.cfg.Binary, args...)
	if err != nil {
		return nil, e.classifyRunError(ctx, runCtx, err, stderr)
	}

	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	produced := filepath.Join(outDir, base+".pdf")
	if _, err := os.Stat(produced); err != nil {
		// soffice exits 0 for documents it silently refuses to load.
		return nil, CorruptError("soffice", fmt.Sprintf("no output for %s: %s",
			filepath.Base(inputPath), truncate(string(stderr), 512)), nil)
	}

	if err := moveFile(produced, outputPath); err != nil {
		return nil, InternalError("soffice", "move output into place", err)
	}

	return &Result{
		OutputPath: outputPath,
		Pages:      0, // soffice does not report page counts
		Duration:   time.Since(start),
	}, nil
}

// Ping verifies the binary responds.
func (e *SofficeEngine) Ping(ctx context.Context) error {
	if e.closed {
		return UnavailableError("soffice", "engine is closed", nil)
	}
	if _, _, err := e.runner.Run(ctx, e.cfg.Binary, "--version"); err != nil {
		return UnavailableError("soffice", "probe binary", err)
	}
	return nil
}

// Close removes the profile directory and marks the engine unusable.
func (e *SofficeEngine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return os.RemoveAll(e.profileDir)
}

// classifyRunError maps a process failure onto the engine error taxonomy.
func (e *SofficeEngine) classifyRunError(callerCtx, runCtx context.Context, err error, stderr []byte) error {
	// Timeouts we imposed are transient; caller cancellation is not ours
	// to reclassify.
	if runCtx.Err() != nil && callerCtx.Err() == nil {
		return BusyError("soffice", "conversion timed out", err)
	}
	if callerCtx.Err() != nil {
		return callerCtx.Err()
	}

	if errors.Is(err, exec.ErrNotFound) {
		return UnavailableError("soffice", "binary not found", err)
	}

	var exit *exec.ExitError
	if errors.As(err, &exit) {
		if exit.ExitCode() == -1 {
			// Killed by a signal: the process state is gone.
			return CrashedError("soffice", "process terminated by signal", err)
		}

		msg := strings.ToLower(string(stderr))
		if strings.Contains(msg, "could not be loaded") ||
			strings.Contains(msg, "no export filter") ||
			strings.Contains(msg, "error: source file") {
			return CorruptError("soffice", truncate(string(stderr), 512), err)
		}

		return InternalError("soffice", fmt.Sprintf("exit code %d: %s",
			exit.ExitCode(), truncate(string(stderr), 512)), err)
	}

	return InternalError("soffice", "run conversion process", err)
}

// moveFile renames src to dst, copying across filesystems when rename
// is not possible.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Remove(src)
}
