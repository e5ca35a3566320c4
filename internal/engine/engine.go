// Package engine defines the conversion engine contract and manages the
// lifecycle of the scarce native engine handles behind it.
package engine

import (
	"context"
	"sort"
	"time"
)

// ConversionEngine is the only gateway to a native document renderer.
// Implementations are NOT safe for concurrent use; callers go through a
// Session, which serializes access.
type ConversionEngine interface {
	// Name identifies the engine in logs and work item params.
	Name() string

	// Supports reports whether the engine can convert files with the
	// given extension (lowercase, with leading dot).
	Supports(ext string) bool

	// Convert renders inputPath into a normalized PDF at outputPath.
	Convert(ctx context.Context, inputPath, outputPath string) (*Result, error)

	// Ping performs a cheap liveness probe against the underlying handle.
	Ping(ctx context.Context) error

	// Close releases the underlying handle. Safe to call more than once.
	Close() error
}

// Result describes a completed conversion.
type Result struct {
	OutputPath string
	Pages      int
	Duration   time.Duration
}

// Factory creates a fresh engine instance. Sessions call it lazily on
// first use and again after an instance is evicted or invalidated.
type Factory func() (ConversionEngine, error)

func sortedExtensions(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for ext := range set {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}
