package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a package name is unknown to the repository snapshot.
	ErrNotFound = errors.New("package not found")

	// ErrStorageIO is returned when the persisted database cannot be read, parsed or written.
	ErrStorageIO = errors.New("package database i/o")

	// ErrDuplicatePackage is returned when a repository snapshot names a package twice.
	ErrDuplicatePackage = errors.New("duplicate package in repository snapshot")

	// ErrSelfDependency is returned when a package lists itself as a dependency.
	ErrSelfDependency = errors.New("package depends on itself")
)

// PackageInfo is the repository metadata of one package
type PackageInfo struct {
	Name        string   `json:"name"`        // Unique key within a snapshot
	Version     string   `json:"version"`     // Opaque version string
	Category    string   `json:"category"`    // Ports category (core, lib, ...)
	Description string   `json:"description"` // One-line description
	Depends     []string `json:"depends"`     // Dependency names, in declared order
	Size        string   `json:"size"`        // Declared size as published by the repository
	SHA256      string   `json:"sha256"`      // Hex digest of the artifact, may be empty
	Filename    string   `json:"filename"`    // Artifact file name (suffix selects the decompressor)
}

// InstalledPackage is the local record of an installed package
type InstalledPackage struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	InstalledAt string   `json:"installed_at"` // TimestampFormat, local time
	Files       []string `json:"files"`        // Root-relative, slash-separated
}

// Upgrade describes an installed package whose repository version differs
type Upgrade struct {
	Name      string
	Installed string
	Available string
}

// Storage defines the interface for the persisted package database
type Storage interface {
	// Initialize prepares the backend (e.g., creates tables or directories)
	Initialize(ctx context.Context) error

	// LoadRepository reads the repository snapshot; nothing persisted yields an empty slice
	LoadRepository(ctx context.Context) ([]PackageInfo, error)

	// LoadInstalled reads the installed set; nothing persisted yields an empty map
	LoadInstalled(ctx context.Context) (map[string]InstalledPackage, error)

	// SaveRepository replaces the persisted repository snapshot
	SaveRepository(ctx context.Context, pkgs []PackageInfo) error

	// SaveInstalled replaces the persisted installed set
	SaveInstalled(ctx context.Context, installed map[string]InstalledPackage) error

	// Close closes the storage
	Close() error
}

// ValidateSnapshot rejects snapshots with duplicate names, empty names or
// self-referencing dependencies.
func ValidateSnapshot(pkgs []PackageInfo) error {
	seen := make(map[string]bool, len(pkgs))
	for _, p := range pkgs {
		if p.Name == "" {
			return fmt.Errorf("%w: package with empty name", ErrStorageIO)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicatePackage, p.Name)
		}
		seen[p.Name] = true
		for _, dep := range p.Depends {
			if dep == p.Name {
				return fmt.Errorf("%w: %s", ErrSelfDependency, p.Name)
			}
		}
	}
	return nil
}
