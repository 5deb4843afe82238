package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// ErrReadOnly is returned by the Save methods of a store from OpenReadOnly
// when there was no database to open.
var ErrReadOnly = errors.New("package database opened read-only")

// Open returns an initialized Storage for backend rooted at the database directory dir.
func Open(ctx context.Context, backend, dir string) (Storage, error) {
	var store Storage
	switch backend {
	case "", BackendJSON:
		store = NewJSONFile(dir)
	case BackendSQLite:
		if err := NewJSONFile(dir).Initialize(ctx); err != nil {
			return nil, err
		}
		s, err := NewLibSQL("file:" + filepath.Join(dir, SQLiteFile))
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", backend)
	}

	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// OpenReadOnly returns a Storage for callers that only load. It creates
// nothing on disk: a database that was never written reads as empty.
func OpenReadOnly(ctx context.Context, backend, dir string) (Storage, error) {
	switch backend {
	case "", BackendJSON:
		// Missing documents already load as empty
		return NewJSONFile(dir), nil
	case BackendSQLite:
		if _, err := os.Stat(filepath.Join(dir, SQLiteFile)); errors.Is(err, fs.ErrNotExist) {
			return emptyStore{}, nil
		}
		return Open(ctx, backend, dir)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", backend)
	}
}

// emptyStore stands in for a database that does not exist yet
type emptyStore struct{}

func (emptyStore) Initialize(ctx context.Context) error { return nil }

func (emptyStore) LoadRepository(ctx context.Context) ([]PackageInfo, error) {
	return []PackageInfo{}, nil
}

func (emptyStore) LoadInstalled(ctx context.Context) (map[string]InstalledPackage, error) {
	return map[string]InstalledPackage{}, nil
}

func (emptyStore) SaveRepository(ctx context.Context, pkgs []PackageInfo) error {
	return ErrReadOnly
}

func (emptyStore) SaveInstalled(ctx context.Context, installed map[string]InstalledPackage) error {
	return ErrReadOnly
}

func (emptyStore) Close() error { return nil }
