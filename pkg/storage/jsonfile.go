package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// RepositoryFile is the repository snapshot document inside the database directory.
	RepositoryFile = "repo.json"
	// InstalledFile is the installed-set document inside the database directory.
	InstalledFile = "installed.json"
)

// JSONFile implements the Storage interface with two pretty-printed JSON
// documents, each an object keyed by package name.
type JSONFile struct {
	dir string
}

// NewJSONFile creates a JSON document storage rooted at dir
func NewJSONFile(dir string) *JSONFile {
	return &JSONFile{dir: dir}
}

// Initialize creates the database directory
func (s *JSONFile) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create database directory: %v", ErrStorageIO, err)
	}
	return nil
}

// LoadRepository reads repo.json
func (s *JSONFile) LoadRepository(ctx context.Context) ([]PackageInfo, error) {
	path := filepath.Join(s.dir, RepositoryFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []PackageInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrStorageIO, path, err)
	}

	pkgs, err := DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pkgs, nil
}

// LoadInstalled reads installed.json
func (s *JSONFile) LoadInstalled(ctx context.Context) (map[string]InstalledPackage, error) {
	path := filepath.Join(s.dir, InstalledFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]InstalledPackage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrStorageIO, path, err)
	}

	installed := map[string]InstalledPackage{}
	if err := json.Unmarshal(data, &installed); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrStorageIO, path, err)
	}
	for name, inst := range installed {
		if inst.Name == "" {
			inst.Name = name
			installed[name] = inst
		}
	}
	return installed, nil
}

// SaveRepository writes repo.json
func (s *JSONFile) SaveRepository(ctx context.Context, pkgs []PackageInfo) error {
	byName := make(map[string]PackageInfo, len(pkgs))
	for _, p := range pkgs {
		byName[p.Name] = p
	}
	return s.writeDocument(RepositoryFile, byName)
}

// SaveInstalled writes installed.json
func (s *JSONFile) SaveInstalled(ctx context.Context, installed map[string]InstalledPackage) error {
	return s.writeDocument(InstalledFile, installed)
}

// Close is a no-op for file storage
func (s *JSONFile) Close() error {
	return nil
}

// writeDocument marshals v and replaces name atomically: the document is
// written to a temporary file in the same directory and renamed over the old one.
func (s *JSONFile) writeDocument(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal %s: %v", ErrStorageIO, name, err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create database directory: %v", ErrStorageIO, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("%w: failed to create temporary file: %v", ErrStorageIO, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: failed to write %s: %v", ErrStorageIO, name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: failed to sync %s: %v", ErrStorageIO, name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: failed to close %s: %v", ErrStorageIO, name, err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: failed to chmod %s: %v", ErrStorageIO, name, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: failed to replace %s: %v", ErrStorageIO, name, err)
	}
	return nil
}

// DecodeSnapshot parses a repository document. Both the array form published
// by remote repositories and the object-keyed-by-name form written by
// JSONFile are accepted. The result is validated with ValidateSnapshot.
func DecodeSnapshot(data []byte) ([]PackageInfo, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []PackageInfo{}, nil
	}

	var pkgs []PackageInfo
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &pkgs); err != nil {
			return nil, fmt.Errorf("%w: failed to parse repository snapshot: %v", ErrStorageIO, err)
		}
	case '{':
		var err error
		pkgs, err = decodeKeyedSnapshot(trimmed)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: repository snapshot is neither an array nor an object", ErrStorageIO)
	}

	if pkgs == nil {
		pkgs = []PackageInfo{}
	}
	if err := ValidateSnapshot(pkgs); err != nil {
		return nil, err
	}
	return pkgs, nil
}

// decodeKeyedSnapshot walks the object token by token so that repeated keys
// are reported instead of silently collapsing.
func decodeKeyedSnapshot(data []byte) ([]PackageInfo, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: failed to parse repository snapshot: %v", ErrStorageIO, err)
	}

	var pkgs []PackageInfo
	seen := map[string]bool{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse repository snapshot: %v", ErrStorageIO, err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected token %v in repository snapshot", ErrStorageIO, tok)
		}
		if seen[key] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePackage, key)
		}
		seen[key] = true

		var p PackageInfo
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("%w: failed to parse package %s: %v", ErrStorageIO, key, err)
		}
		if p.Name == "" {
			p.Name = key
		}
		if p.Name != key {
			return nil, fmt.Errorf("%w: entry %s is named %s", ErrStorageIO, key, p.Name)
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, nil
}
