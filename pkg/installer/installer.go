package installer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/scarab-os/scarab/pkg/config"
	"github.com/scarab-os/scarab/pkg/resolver"
	"github.com/scarab-os/scarab/pkg/storage"
	"github.com/scarab-os/scarab/pkg/ui"
	"github.com/scarab-os/scarab/pkg/verify"
)

// ErrNotInstalled is returned when removing a package that has no installation record
var ErrNotInstalled = errors.New("package is not installed")

// Stage names the step of an install at which it failed
type Stage string

const (
	StageCheck        Stage = "check"
	StageLookup       Stage = "lookup"
	StageResolve      Stage = "resolve"
	StageDependencies Stage = "dependencies"
	StageFetch        Stage = "fetch"
	StageVerify       Stage = "verify"
	StageExtract      Stage = "extract"
	StageRecord       Stage = "record"
)

// StageError reports which package failed and at which stage
type StageError struct {
	Package string
	Stage   Stage
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("install %s failed at %s: %v", e.Package, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Fetcher returns a local copy of a package artifact
type Fetcher interface {
	Fetch(ctx context.Context, pkg storage.PackageInfo) (string, error)
}

// Verifier checks an artifact against its published digest
type Verifier interface {
	Verify(name, path, expected string) (verify.Result, error)
}

// Extractor unpacks an artifact into the root and reports the files written
type Extractor interface {
	Extract(ctx context.Context, archivePath, root string) ([]string, error)
}

// Options represents installation options
type Options struct {
	// Reinstall even when the package is already installed. Dependencies
	// are never force-reinstalled.
	Force bool
}

// Installer drives install and remove transactions against the root
// filesystem. Each call loads the database fresh and persists it after
// every mutation.
type Installer struct {
	store     storage.Storage
	root      string
	strict    bool
	fetcher   Fetcher
	verifier  Verifier
	extractor Extractor
	printer   *ui.Printer
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates an Installer for the configured root
func New(cfg *config.Config, store storage.Storage, fetcher Fetcher, verifier Verifier, extractor Extractor, printer *ui.Printer, logger zerolog.Logger) *Installer {
	if printer == nil {
		printer = ui.New(nil)
	}
	return &Installer{
		store:     store,
		root:      cfg.Root,
		strict:    cfg.StrictDeps,
		fetcher:   fetcher,
		verifier:  verifier,
		extractor: extractor,
		printer:   printer,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the time source for install timestamps
func (i *Installer) SetClock(now func() time.Time) {
	i.now = now
}

func (i *Installer) load(ctx context.Context) (*storage.Database, error) {
	db, err := storage.Load(ctx, i.store)
	if err != nil {
		return nil, err
	}
	db.SetClock(i.now)
	return db, nil
}

func (i *Installer) resolve(db *storage.Database, pkg storage.PackageInfo) ([]string, error) {
	return resolver.New(db, resolver.Options{Strict: i.strict, Logger: i.logger}).Resolve(pkg)
}

// Install installs name and, first, every dependency that is not installed
// yet. Completed dependency installs stay in place if a later step fails.
func (i *Installer) Install(ctx context.Context, name string, opts Options) error {
	log := i.logger.With().Str("package", name).Logger()

	db, err := i.load(ctx)
	if err != nil {
		return &StageError{Package: name, Stage: StageCheck, Err: err}
	}

	previous, wasInstalled := db.Installed(name)
	if wasInstalled && !opts.Force {
		i.printer.Step("%s %s is already installed (use -f to force)", ui.Bold(name), previous.Version)
		return nil
	}

	pkg, err := db.Find(name)
	if err != nil {
		return &StageError{Package: name, Stage: StageLookup, Err: err}
	}
	i.printer.Step("Installing %s %s...", ui.Bold(pkg.Name), pkg.Version)

	deps, err := i.resolve(db, pkg)
	if err != nil {
		return &StageError{Package: name, Stage: StageResolve, Err: err}
	}
	if len(deps) > 0 {
		i.printer.Detail("Dependencies: %s", strings.Join(deps, ", "))
		for _, dep := range deps {
			if err := i.Install(ctx, dep, Options{}); err != nil {
				return &StageError{Package: name, Stage: StageDependencies, Err: err}
			}
		}
	}

	log.Debug().Str("stage", string(StageFetch)).Msg("Fetching artifact")
	artifact, err := i.fetcher.Fetch(ctx, pkg)
	if err != nil {
		return &StageError{Package: name, Stage: StageFetch, Err: err}
	}

	log.Debug().Str("stage", string(StageVerify)).Str("artifact", artifact).Msg("Verifying artifact")
	result, err := i.verifier.Verify(pkg.Name, artifact, pkg.SHA256)
	if err != nil {
		if errors.Is(err, verify.ErrChecksumMismatch) {
			// The cache never keeps an artifact that failed verification
			if rmErr := os.Remove(artifact); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				log.Warn().Err(rmErr).Str("artifact", artifact).Msg("Failed to evict artifact that failed verification")
			}
		}
		return &StageError{Package: name, Stage: StageVerify, Err: err}
	}
	if result == verify.Unverified {
		i.printer.Warn("no checksum for %s, skipping verification", pkg.Name)
	}

	i.printer.Detail("Extracting to %s...", i.root)
	files, err := i.extractor.Extract(ctx, artifact, i.root)
	if err != nil {
		if len(files) > 0 {
			log.Warn().Int("files", len(files)).Msg("Extraction failed midway, files written so far are left in place")
		}
		return &StageError{Package: name, Stage: StageExtract, Err: err}
	}

	// Dependency installs above persisted through their own snapshots
	db, err = i.load(ctx)
	if err != nil {
		return &StageError{Package: name, Stage: StageRecord, Err: err}
	}
	if wasInstalled {
		removeStale(i.root, previous.Files, files, db, name, log)
	}
	if err := db.RecordInstall(ctx, pkg, files); err != nil {
		return &StageError{Package: name, Stage: StageRecord, Err: err}
	}

	log.Info().Str("version", pkg.Version).Int("files", len(files)).Msg("Installed")
	i.printer.Step("Installed %s %s", ui.Bold(pkg.Name), pkg.Version)
	return nil
}

// Remove deletes the files of an installed package, prunes directories left
// empty, and drops its installation record
func (i *Installer) Remove(ctx context.Context, name string) error {
	db, err := i.load(ctx)
	if err != nil {
		return err
	}

	inst, ok := db.Installed(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}
	i.printer.Step("Removing %s %s...", ui.Bold(name), inst.Version)

	log := i.logger.With().Str("package", name).Logger()
	removed := removeFiles(i.root, inst.Files, sharedFiles(db, name), log)

	if err := db.RemoveInstalled(ctx, name); err != nil {
		return err
	}

	log.Info().Int("files", removed).Msg("Removed")
	i.printer.Step("Removed %s", ui.Bold(name))
	return nil
}

// Plan describes what Install would do without doing it
type Plan struct {
	Target           storage.PackageInfo
	Dependencies     []storage.PackageInfo // Install order
	AlreadyInstalled bool                  // True when Install would be a no-op
}

// Plan resolves name the way Install does and reports the outcome
func (i *Installer) Plan(ctx context.Context, name string, opts Options) (*Plan, error) {
	db, err := i.load(ctx)
	if err != nil {
		return nil, err
	}

	pkg, err := db.Find(name)
	if err != nil {
		if db.IsInstalled(name) && !opts.Force {
			return &Plan{Target: storage.PackageInfo{Name: name}, AlreadyInstalled: true}, nil
		}
		return nil, err
	}
	if db.IsInstalled(name) && !opts.Force {
		return &Plan{Target: pkg, AlreadyInstalled: true}, nil
	}

	deps, err := i.resolve(db, pkg)
	if err != nil {
		return nil, err
	}
	plan := &Plan{Target: pkg}
	for _, dep := range deps {
		p, _ := db.Lookup(dep)
		plan.Dependencies = append(plan.Dependencies, p)
	}
	return plan, nil
}
