package forensics

import (
	"errors"
	"fmt"
)

// Sentinel errors usable with errors.Is.
var (
	ErrInsufficientSample      = errors.New("insufficient sample")
	ErrInvalidInput            = errors.New("invalid input")
	ErrIncompatibleFingerprint = errors.New("incompatible fingerprint")
	ErrNotFound                = errors.New("not found")
)

// InsufficientSampleError reports text below the minimum sample size.
type InsufficientSampleError struct {
	Chars    int
	Words    int
	MinChars int
	MinWords int
}

func (e *InsufficientSampleError) Error() string {
	return fmt.Sprintf("insufficient sample: %d chars / %d words (need %d chars and %d words)",
		e.Chars, e.Words, e.MinChars, e.MinWords)
}

func (e *InsufficientSampleError) Is(target error) bool { return target == ErrInsufficientSample }

// InvalidInputError reports input that is not usable text.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}

func (e *InvalidInputError) Is(target error) bool { return target == ErrInvalidInput }

// IncompatibleFingerprintError reports a version or dimensionality mismatch
// between a fingerprint and the vector it is compared against.
type IncompatibleFingerprintError struct {
	AuthorID       string
	Version        string
	WantVersion    string
	Dimensions     int
	WantDimensions int
}

func (e *IncompatibleFingerprintError) Error() string {
	who := ""
	if e.AuthorID != "" {
		who = " for author " + e.AuthorID
	}
	return fmt.Sprintf("incompatible fingerprint%s: got %s/%dd, want %s/%dd",
		who, e.Version, e.Dimensions, e.WantVersion, e.WantDimensions)
}

func (e *IncompatibleFingerprintError) Is(target error) bool {
	return target == ErrIncompatibleFingerprint
}

// NotFoundError reports an unknown author profile.
type NotFoundError struct {
	AuthorID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("author profile %q not found", e.AuthorID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// CheckCompatible verifies that fp can be compared with a vector of the given
// version and dimensionality.
func CheckCompatible(fp *Fingerprint, authorID, version string, dims int) error {
	if fp.Version != version || len(fp.Vector) != dims {
		return &IncompatibleFingerprintError{
			AuthorID:       authorID,
			Version:        fp.Version,
			WantVersion:    version,
			Dimensions:     len(fp.Vector),
			WantDimensions: dims,
		}
	}
	return nil
}
