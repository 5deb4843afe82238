// Package verify checks downloaded artifacts against the sha256 digest
// published in the repository index.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// ErrChecksumMismatch is matched by every *MismatchError
var ErrChecksumMismatch = errors.New("checksum mismatch")

// MismatchError carries both digests of a failed verification
type MismatchError struct {
	Package  string
	Path     string
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s for %s!\n  Expected: %s\n  Got:      %s", ErrChecksumMismatch, e.Package, e.Expected, e.Actual)
}

func (e *MismatchError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// Result tells the caller whether a digest was actually compared
type Result int

const (
	// Verified means the artifact matched its published digest
	Verified Result = iota
	// Unverified means no digest was published and the artifact was accepted as is
	Unverified
)

// Verifier compares artifacts with their expected digests
type Verifier struct {
	logger zerolog.Logger
}

// New creates a Verifier
func New(logger zerolog.Logger) *Verifier {
	return &Verifier{logger: logger}
}

// Verify hashes path and compares it with expected. An empty expected
// digest passes as Unverified with a warning.
func (v *Verifier) Verify(name, path, expected string) (Result, error) {
	expected = strings.ToLower(strings.TrimSpace(expected))
	if expected == "" {
		v.logger.Warn().Str("package", name).Msg("No checksum published, skipping verification")
		return Unverified, nil
	}

	actual, err := SHA256File(path)
	if err != nil {
		return Unverified, err
	}
	if actual != expected {
		return Unverified, &MismatchError{Package: name, Path: path, Expected: expected, Actual: actual}
	}

	v.logger.Debug().Str("package", name).Str("sha256", actual).Msg("Checksum OK")
	return Verified, nil
}

// SHA256File returns the lower-case hex sha256 digest of the file at path
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
