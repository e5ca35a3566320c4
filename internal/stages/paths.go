// Package stages provides the concrete pipeline stage implementations:
// file validators, metadata pre-processors, converters, the output
// organizer and the batch-level report and manifest generators.
package stages

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docmill/docmill/internal/pipeline"
)

const maxComponentLen = 80

// sanitizeComponent turns free-form metadata into a single safe path
// component. Separators and reserved characters are dropped, runs of
// whitespace collapse to one space, and an empty result falls back.
func sanitizeComponent(value, fallback string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range value {
		switch {
		case r < 0x20 || r == 0x7f:
			continue
		case strings.ContainsRune(`/\:*?"<>|`, r):
			continue
		case r == ' ' || r == '\t':
			if !lastSpace && b.Len() > 0 {
				b.WriteRune(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	out := strings.Trim(b.String(), " .")
	if runes := []rune(out); len(runes) > maxComponentLen {
		out = strings.TrimRight(string(runes[:maxComponentLen]), " .")
	}
	if out == "" {
		return fallback
	}
	return out
}

// uniquePath returns path if it is free, otherwise the first
// "name (n).ext" variant that does not exist yet.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// stagingDir resolves the scratch directory converted files land in
// before the organizer moves them into place.
func stagingDir(pctx *pipeline.Context) string {
	if pctx.StagingDir != "" {
		return pctx.StagingDir
	}
	return os.TempDir()
}

// moveFile renames src to dst, falling back to copy+remove when the
// two sit on different filesystems.
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
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
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
		return err
	}
	return out.Close()
}
