package stages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docmill/docmill/internal/pipeline"
)

// Validation reason codes. These end up on FileResult.FailReason so
// callers can tell a size rejection from a corrupt file.
const (
	ReasonNotFound        = "not_found"
	ReasonEmpty           = "empty"
	ReasonTooLarge        = "too_large"
	ReasonLocked          = "locked"
	ReasonUnsupportedType = "unsupported_type"
	ReasonCorrupted       = "corrupted"
)

// BasicFileValidator rejects files that cannot be processed at all:
// missing, empty, oversized or unreadable.
type BasicFileValidator struct {
	// MaxFileSize in bytes; zero disables the limit.
	MaxFileSize int64
}

func (v *BasicFileValidator) Name() string { return "basic-file" }

func (v *BasicFileValidator) CanProcess(string, *pipeline.Context) bool { return true }

func (v *BasicFileValidator) Validate(_ context.Context, path string, _ *pipeline.Context) (*pipeline.ValidationResult, error) {
	res := &pipeline.ValidationResult{Validator: v.Name()}

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		res.Reason = ReasonNotFound
		res.Messages = append(res.Messages, fmt.Sprintf("%s does not exist", path))
		return res, nil
	case err != nil:
		res.Reason = ReasonLocked
		res.Err = err
		res.Messages = append(res.Messages, fmt.Sprintf("cannot stat %s: %v", path, err))
		return res, nil
	case info.IsDir():
		res.Reason = ReasonUnsupportedType
		res.Messages = append(res.Messages, fmt.Sprintf("%s is a directory", path))
		return res, nil
	case info.Size() == 0:
		res.Reason = ReasonEmpty
		res.Messages = append(res.Messages, fmt.Sprintf("%s is empty", path))
		return res, nil
	case v.MaxFileSize > 0 && info.Size() > v.MaxFileSize:
		res.Reason = ReasonTooLarge
		res.Messages = append(res.Messages,
			fmt.Sprintf("%s is %d bytes, limit is %d", path, info.Size(), v.MaxFileSize))
		return res, nil
	}

	// An unreadable file fails here rather than mid-conversion.
	f, err := os.Open(path)
	if err != nil {
		res.Reason = ReasonLocked
		res.Err = err
		res.Messages = append(res.Messages, fmt.Sprintf("cannot open %s: %v", path, err))
		return res, nil
	}
	f.Close()

	res.Valid = true
	return res, nil
}

// File signatures checked by TypeValidator. A mismatch between the
// extension and the leading bytes marks the file corrupted.
var (
	magicPDF = []byte("%PDF-")
	magicOLE = []byte{0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1}
	magicZIP = []byte("PK\x03\x04")
	magicRTF = []byte("{\\rtf")
)

var oleExtensions = map[string]bool{".doc": true, ".xls": true, ".ppt": true}

var opcExtensions = map[string]bool{
	".docx": true, ".xlsx": true, ".xlsm": true, ".xltx": true,
	".pptx": true, ".odt": true, ".ods": true, ".odp": true,
}

// TypeValidator enforces the configured extension allow-list and
// cross-checks the extension against the file's magic bytes.
type TypeValidator struct {
	allowed map[string]bool
}

// NewTypeValidator builds a validator for the given extensions.
// Extensions are matched case-insensitively, with or without the dot.
func NewTypeValidator(extensions []string) *TypeValidator {
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}
	return &TypeValidator{allowed: allowed}
}

func (v *TypeValidator) Name() string { return "file-type" }

func (v *TypeValidator) CanProcess(string, *pipeline.Context) bool { return true }

func (v *TypeValidator) Validate(_ context.Context, path string, _ *pipeline.Context) (*pipeline.ValidationResult, error) {
	res := &pipeline.ValidationResult{Validator: v.Name()}
	ext := strings.ToLower(filepath.Ext(path))

	if !v.allowed[ext] {
		res.Reason = ReasonUnsupportedType
		res.Messages = append(res.Messages, fmt.Sprintf("extension %q is not allowed", ext))
		return res, nil
	}

	want := expectedMagic(ext)
	if want == nil {
		res.Valid = true
		return res, nil
	}

	f, err := os.Open(path)
	if err != nil {
		res.Reason = ReasonLocked
		res.Err = err
		return res, nil
	}
	defer f.Close()

	head := make([]byte, len(want))
	if _, err := io.ReadFull(f, head); err != nil {
		res.Reason = ReasonCorrupted
		res.Err = err
		res.Messages = append(res.Messages, "file is shorter than its format header")
		return res, nil
	}
	if !bytes.Equal(head, want) {
		res.Reason = ReasonCorrupted
		res.Messages = append(res.Messages,
			fmt.Sprintf("content does not match %s signature", ext))
		return res, nil
	}

	res.Valid = true
	return res, nil
}

func expectedMagic(ext string) []byte {
	switch {
	case ext == ".pdf":
		return magicPDF
	case ext == ".rtf":
		return magicRTF
	case oleExtensions[ext]:
		return magicOLE
	case opcExtensions[ext]:
		return magicZIP
	default:
		return nil
	}
}
