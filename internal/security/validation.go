package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validation errors
var (
	ErrPathTraversal   = errors.New("security: path traversal detected")
	ErrInvalidPath     = errors.New("security: invalid path")
	ErrPathOutsideRoot = errors.New("security: path outside allowed root")
	ErrInvalidID       = errors.New("security: invalid identifier")
	ErrNullByte        = errors.New("security: null byte in input")
)

// MaxIDLength bounds author and account identifiers.
const MaxIDLength = 128

// PathValidator checks that paths stay inside a set of roots.
type PathValidator struct {
	// AllowedRoots are the directories that paths must be within
	AllowedRoots []string

	// AllowSymlinks controls whether symbolic links are followed
	AllowSymlinks bool

	MaxPathLength int
}

// DefaultPathValidator returns a validator with no root restriction.
func DefaultPathValidator() *PathValidator {
	return &PathValidator{MaxPathLength: 4096}
}

// ValidatePath returns the cleaned absolute form of path.
func (v *PathValidator) ValidatePath(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	if strings.Contains(path, "\x00") {
		return "", ErrNullByte
	}
	if v.MaxPathLength > 0 && len(path) > v.MaxPathLength {
		return "", fmt.Errorf("%w: length %d exceeds maximum %d", ErrInvalidPath, len(path), v.MaxPathLength)
	}
	if containsTraversal(path) {
		return "", ErrPathTraversal
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	if !v.AllowSymlinks {
		realPath, err := filepath.EvalSymlinks(absPath)
		switch {
		case err == nil:
			absPath = realPath
		case !os.IsNotExist(err):
			return "", fmt.Errorf("%w: symlink evaluation failed: %v", ErrInvalidPath, err)
		}
	}

	if len(v.AllowedRoots) > 0 && !v.withinRoots(absPath) {
		return "", ErrPathOutsideRoot
	}
	return absPath, nil
}

func (v *PathValidator) withinRoots(absPath string) bool {
	for _, root := range v.AllowedRoots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if !v.AllowSymlinks {
			if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
				absRoot = resolved
			}
		}
		if absPath == absRoot || strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// containsTraversal checks for ".." components, plain or URL-encoded.
func containsTraversal(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	if strings.Contains(strings.ToLower(path), "%2e%2e") {
		return true
	}
	return strings.Contains(path, "..\\") || strings.Contains(path, "\\..")
}

// ValidateID checks an author or account identifier. Identifiers double as
// directory names in watched corpora, so separators and control characters
// are rejected.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: length %d exceeds maximum %d", ErrInvalidID, len(id), MaxIDLength)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: invalid UTF-8", ErrInvalidID)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%w: reserved name %q", ErrInvalidID, id)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character", ErrInvalidID)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("%w: path separator", ErrInvalidID)
		}
	}
	return nil
}
