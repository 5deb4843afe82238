package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimestampFormat is the layout of InstalledPackage.InstalledAt.
const TimestampFormat = "2006-01-02 15:04:05"

// Database is the in-memory view of the repository snapshot and the installed
// set. It is loaded fresh for every operation and written back in full after
// any mutation of the installed set; nothing else caches it.
type Database struct {
	store     Storage
	packages  []PackageInfo // sorted by name
	index     map[string]int
	installed map[string]InstalledPackage
	now       func() time.Time
}

// Load reads both persisted mappings from store. Missing documents yield
// empty mappings so a fresh system works before the first sync.
func Load(ctx context.Context, store Storage) (*Database, error) {
	pkgs, err := store.LoadRepository(ctx)
	if err != nil {
		return nil, err
	}
	installed, err := store.LoadInstalled(ctx)
	if err != nil {
		return nil, err
	}
	return New(store, pkgs, installed)
}

// New builds a Database over the given mappings. The repository snapshot is
// validated and ordered by name.
func New(store Storage, pkgs []PackageInfo, installed map[string]InstalledPackage) (*Database, error) {
	d := &Database{
		store:     store,
		installed: make(map[string]InstalledPackage, len(installed)),
		now:       time.Now,
	}
	if err := d.setPackages(pkgs); err != nil {
		return nil, err
	}
	for name, inst := range installed {
		d.installed[name] = inst
	}
	return d, nil
}

// SetClock overrides the time source used for install timestamps.
func (d *Database) SetClock(now func() time.Time) {
	d.now = now
}

func (d *Database) setPackages(pkgs []PackageInfo) error {
	if err := ValidateSnapshot(pkgs); err != nil {
		return err
	}
	sorted := make([]PackageInfo, len(pkgs))
	copy(sorted, pkgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	index := make(map[string]int, len(sorted))
	for i, p := range sorted {
		index[p.Name] = i
	}
	d.packages = sorted
	d.index = index
	return nil
}

// Save persists both mappings.
func (d *Database) Save(ctx context.Context) error {
	if err := d.store.SaveRepository(ctx, d.packages); err != nil {
		return err
	}
	return d.store.SaveInstalled(ctx, d.installed)
}

// Find returns the repository entry for name.
func (d *Database) Find(name string) (PackageInfo, error) {
	p, ok := d.Lookup(name)
	if !ok {
		return PackageInfo{}, fmt.Errorf("%w: '%s' (run 'scarab sync' first?)", ErrNotFound, name)
	}
	return p, nil
}

// Lookup is Find without an error value.
func (d *Database) Lookup(name string) (PackageInfo, bool) {
	i, ok := d.index[name]
	if !ok {
		return PackageInfo{}, false
	}
	return d.packages[i], true
}

// Installed returns the installation record for name, if any.
func (d *Database) Installed(name string) (InstalledPackage, bool) {
	inst, ok := d.installed[name]
	return inst, ok
}

// IsInstalled reports whether name has an installation record.
func (d *Database) IsInstalled(name string) bool {
	_, ok := d.installed[name]
	return ok
}

// Orphaned reports whether name is installed but absent from the repository snapshot.
func (d *Database) Orphaned(name string) bool {
	_, known := d.index[name]
	return d.IsInstalled(name) && !known
}

// Packages returns the repository snapshot ordered by name.
func (d *Database) Packages() []PackageInfo {
	out := make([]PackageInfo, len(d.packages))
	copy(out, d.packages)
	return out
}

// Search returns packages whose name or description contains query,
// case-insensitively, in repository order.
func (d *Database) Search(query string) []PackageInfo {
	q := strings.ToLower(query)
	var results []PackageInfo
	for _, p := range d.packages {
		if strings.Contains(strings.ToLower(p.Name), q) || strings.Contains(strings.ToLower(p.Description), q) {
			results = append(results, p)
		}
	}
	return results
}

// ListInstalled returns every installation record sorted by name.
func (d *Database) ListInstalled() []InstalledPackage {
	list := make([]InstalledPackage, 0, len(d.installed))
	for _, inst := range d.installed {
		list = append(list, inst)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Upgrades lists installed packages whose repository version string differs
// from the installed one. Versions are compared byte-wise; no ordering is
// implied. The result is ordered by name.
func (d *Database) Upgrades() []Upgrade {
	var upgrades []Upgrade
	for _, inst := range d.ListInstalled() {
		p, ok := d.Lookup(inst.Name)
		if !ok || p.Version == inst.Version {
			continue
		}
		upgrades = append(upgrades, Upgrade{
			Name:      inst.Name,
			Installed: inst.Version,
			Available: p.Version,
		})
	}
	return upgrades
}

// RecordInstall upserts the installation record for pkg and persists.
func (d *Database) RecordInstall(ctx context.Context, pkg PackageInfo, files []string) error {
	owned := make([]string, len(files))
	copy(owned, files)
	d.installed[pkg.Name] = InstalledPackage{
		Name:        pkg.Name,
		Version:     pkg.Version,
		InstalledAt: d.now().Format(TimestampFormat),
		Files:       owned,
	}
	return d.Save(ctx)
}

// RemoveInstalled deletes the installation record for name and persists.
// Removing an absent record is not an error.
func (d *Database) RemoveInstalled(ctx context.Context, name string) error {
	delete(d.installed, name)
	return d.Save(ctx)
}

// ReplaceRepository swaps in a freshly synced snapshot and persists.
func (d *Database) ReplaceRepository(ctx context.Context, pkgs []PackageInfo) error {
	if err := d.setPackages(pkgs); err != nil {
		return err
	}
	return d.Save(ctx)
}
