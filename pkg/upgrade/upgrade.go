// Package upgrade finds installed packages whose repository version changed
// and reinstalls them.
package upgrade

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/scarab-os/scarab/pkg/installer"
	"github.com/scarab-os/scarab/pkg/storage"
)

// Installer is the part of the install orchestrator the planner drives
type Installer interface {
	Install(ctx context.Context, name string, opts installer.Options) error
}

// Planner diffs the installed set against the repository snapshot
type Planner struct {
	store     storage.Storage
	installer Installer
	logger    zerolog.Logger
}

// New creates a Planner
func New(store storage.Storage, inst Installer, logger zerolog.Logger) *Planner {
	return &Planner{store: store, installer: inst, logger: logger}
}

// Plan returns every installed package whose available version string
// differs from the installed one, ordered by name. Versions are not ranked,
// so a repository rollback is an upgrade too.
func (p *Planner) Plan(ctx context.Context) ([]storage.Upgrade, error) {
	db, err := storage.Load(ctx, p.store)
	if err != nil {
		return nil, err
	}
	return db.Upgrades(), nil
}

// Apply force-installs each planned package in order and stops at the first
// failure. Upgrades applied before the failure stay applied.
func (p *Planner) Apply(ctx context.Context, upgrades []storage.Upgrade) error {
	for n, u := range upgrades {
		p.logger.Debug().
			Str("package", u.Name).
			Str("from", u.Installed).
			Str("to", u.Available).
			Msg("Upgrading")
		if err := p.installer.Install(ctx, u.Name, installer.Options{Force: true}); err != nil {
			return fmt.Errorf("upgrade of %s failed (%d of %d applied): %w", u.Name, n, len(upgrades), err)
		}
	}
	return nil
}
