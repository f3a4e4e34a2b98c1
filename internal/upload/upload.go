// Package upload validates uploaded X-ray files and stages them on disk for
// the duration of a single request.
package upload

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNoFileSelected      = errors.New("no file selected")
	ErrExtensionNotAllowed = errors.New("file extension not allowed")
)

// AllowedExtensions lists accepted file extensions, lower case without dot.
var AllowedExtensions = map[string]bool{
	"png":  true,
	"jpg":  true,
	"jpeg": true,
}

// Validate checks the client-supplied file name.
func Validate(filename string) error {
	if filename == "" {
		return ErrNoFileSelected
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if !AllowedExtensions[ext] {
		return fmt.Errorf("%w: %q", ErrExtensionNotAllowed, filename)
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SecureName strips directories and unsafe characters from a client file name.
func SecureName(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	base = unsafeChars.ReplaceAllString(base, "_")
	base = strings.TrimLeft(base, "._")
	if base == "" {
		return "upload"
	}
	return base
}

// Cleanup removes a staged upload. Calling it more than once is harmless.
type Cleanup func()

// Save copies the uploaded file into dir under a name unique to this request.
// The returned Cleanup must be called on every exit path.
func Save(dir string, fh *multipart.FileHeader) (string, Cleanup, error) {
	src, err := fh.Open()
	if err != nil {
		return "", func() {}, fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", func() {}, fmt.Errorf("failed to create upload directory: %w", err)
	}

	path := filepath.Join(dir, stagedName(uuid.New(), fh.Filename))
	cleanup := func() { Remove(path) }

	dst, err := os.Create(path)
	if err != nil {
		return "", func() {}, fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		cleanup()
		return "", func() {}, fmt.Errorf("failed to save upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("failed to save upload: %w", err)
	}
	return path, cleanup, nil
}

func stagedName(id uuid.UUID, filename string) string {
	return fmt.Sprintf("%s_%s", id.String(), SecureName(filename))
}

// IsStaged reports whether name has the <uuid>_ prefix that Save gives
// staged files.
func IsStaged(name string) bool {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok || len(prefix) != 36 {
		return false
	}
	_, err := uuid.Parse(prefix)
	return err == nil
}

// Remove deletes path, treating an already missing file as success.
func Remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("Failed to remove temp file %s: %v", path, err)
	}
}
