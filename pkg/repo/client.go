package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/scarab-os/scarab/pkg/storage"
)

// IndexPath is the location of the repository index below the repository URL
const IndexPath = "latest/repo.json"

// ErrFetchFailed is matched by every *FetchError
var ErrFetchFailed = errors.New("fetch failed")

// FetchError reports a failed transfer of a package artifact or of the index
type FetchError struct {
	Package string // Package name, empty for the index
	URL     string // Source URL
	Err     error  // Underlying cause
}

func (e *FetchError) Error() string {
	if e.Package == "" {
		return fmt.Sprintf("%s: %s: %v", ErrFetchFailed, e.URL, e.Err)
	}
	return fmt.Sprintf("%s for %s: %s: %v", ErrFetchFailed, e.Package, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}

// Client defines the operations against a package repository
type Client interface {
	// FetchIndex downloads and parses the repository index. Artifacts built
	// for a foreign architecture are dropped.
	FetchIndex(ctx context.Context) ([]storage.PackageInfo, error)

	// Fetch returns the local path of the artifact for pkg, downloading it
	// into the cache unless a complete copy is already there
	Fetch(ctx context.Context, pkg storage.PackageInfo) (string, error)

	// Download transfers rawURL to destPath
	Download(ctx context.Context, rawURL, destPath string) error
}
