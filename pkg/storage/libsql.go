package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// SQLiteFile is the database file used by the sqlite backend inside the database directory.
const SQLiteFile = "scarab.db"

// LibSQL implements the Storage interface using libsql
type LibSQL struct {
	db *sql.DB
}

// NewLibSQL creates a new LibSQL storage
func NewLibSQL(url string) (*LibSQL, error) {
	db, err := sql.Open("libsql", url)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStorageIO, err)
	}

	return &LibSQL{db: db}, nil
}

// Initialize creates the database schema
func (s *LibSQL) Initialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS repository (
			name TEXT NOT NULL PRIMARY KEY,
			version TEXT NOT NULL,
			category TEXT NOT NULL,
			description TEXT NOT NULL,
			depends TEXT NOT NULL,
			size TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			filename TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("%w: failed to create repository table: %v", ErrStorageIO, err)
	}

	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS installed (
			name TEXT NOT NULL PRIMARY KEY,
			version TEXT NOT NULL,
			installed_at TEXT NOT NULL,
			files TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("%w: failed to create installed table: %v", ErrStorageIO, err)
	}

	return nil
}

// LoadRepository lists the repository snapshot ordered by name
func (s *LibSQL) LoadRepository(ctx context.Context) ([]PackageInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, version, category, description, depends, size, sha256, filename
		FROM repository
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list repository: %v", ErrStorageIO, err)
	}
	defer rows.Close()

	pkgs := []PackageInfo{}
	for rows.Next() {
		var p PackageInfo
		var depends string
		err := rows.Scan(&p.Name, &p.Version, &p.Category, &p.Description, &depends, &p.Size, &p.SHA256, &p.Filename)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan package: %v", ErrStorageIO, err)
		}
		if err := json.Unmarshal([]byte(depends), &p.Depends); err != nil {
			return nil, fmt.Errorf("%w: invalid depends for %s: %v", ErrStorageIO, p.Name, err)
		}
		pkgs = append(pkgs, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate repository: %v", ErrStorageIO, err)
	}

	return pkgs, nil
}

// LoadInstalled reads every installation record
func (s *LibSQL) LoadInstalled(ctx context.Context) (map[string]InstalledPackage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, version, installed_at, files
		FROM installed
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list installed packages: %v", ErrStorageIO, err)
	}
	defer rows.Close()

	installed := map[string]InstalledPackage{}
	for rows.Next() {
		var inst InstalledPackage
		var files string
		if err := rows.Scan(&inst.Name, &inst.Version, &inst.InstalledAt, &files); err != nil {
			return nil, fmt.Errorf("%w: failed to scan installed package: %v", ErrStorageIO, err)
		}
		if err := json.Unmarshal([]byte(files), &inst.Files); err != nil {
			return nil, fmt.Errorf("%w: invalid file list for %s: %v", ErrStorageIO, inst.Name, err)
		}
		installed[inst.Name] = inst
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate installed packages: %v", ErrStorageIO, err)
	}

	return installed, nil
}

// SaveRepository replaces the repository table in one transaction
func (s *LibSQL) SaveRepository(ctx context.Context, pkgs []PackageInfo) error {
	return s.replace(ctx, "repository", func(tx *sql.Tx) error {
		for _, p := range pkgs {
			depends, err := json.Marshal(nonNil(p.Depends))
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO repository (
					name, version, category, description, depends, size, sha256, filename
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`,
				p.Name, p.Version, p.Category, p.Description, string(depends), p.Size, p.SHA256, p.Filename,
			)
			if err != nil {
				return fmt.Errorf("failed to insert package %s: %w", p.Name, err)
			}
		}
		return nil
	})
}

// SaveInstalled replaces the installed table in one transaction
func (s *LibSQL) SaveInstalled(ctx context.Context, installed map[string]InstalledPackage) error {
	return s.replace(ctx, "installed", func(tx *sql.Tx) error {
		for name, inst := range installed {
			files, err := json.Marshal(nonNil(inst.Files))
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO installed (name, version, installed_at, files)
				VALUES (?, ?, ?, ?)
			`, name, inst.Version, inst.InstalledAt, string(files))
			if err != nil {
				return fmt.Errorf("failed to insert installed package %s: %w", name, err)
			}
		}
		return nil
	})
}

// replace clears table and refills it with fill inside a single transaction
func (s *LibSQL) replace(ctx context.Context, table string, fill func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrStorageIO, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: failed to clear %s: %v", ErrStorageIO, table, err)
	}
	if err := fill(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit %s: %v", ErrStorageIO, table, err)
	}
	return nil
}

// Close closes the database connection
func (s *LibSQL) Close() error {
	return s.db.Close()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
