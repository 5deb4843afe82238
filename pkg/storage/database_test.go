package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot() []PackageInfo {
	return []PackageInfo{
		{Name: "zlib", Version: "1.3", Description: "Compression library"},
		{Name: "bash", Version: "5.2", Description: "The GNU Bourne Again shell"},
		{Name: "libpng", Version: "1.6.40", Description: "PNG reference library", Depends: []string{"zlib"}},
		{Name: "curl", Version: "8.5.0", Description: "URL transfer tool", Depends: []string{"zlib"}},
	}
}

func newTestDatabase(t *testing.T) (*Database, Storage) {
	t.Helper()
	store := NewJSONFile(t.TempDir())
	db, err := New(store, testSnapshot(), nil)
	require.NoError(t, err)
	db.SetClock(func() time.Time { return time.Date(2024, 3, 1, 12, 30, 0, 0, time.Local) })
	return db, store
}

func TestLoadEmpty(t *testing.T) {
	db, err := Load(context.Background(), NewJSONFile(t.TempDir()))
	require.NoError(t, err)
	assert.Empty(t, db.Packages())
	assert.Empty(t, db.ListInstalled())
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New(nil, []PackageInfo{{Name: "a"}, {Name: "a"}}, nil)
	assert.ErrorIs(t, err, ErrDuplicatePackage)
}

func TestFind(t *testing.T) {
	db, _ := newTestDatabase(t)

	pkg, err := db.Find("curl")
	require.NoError(t, err)
	assert.Equal(t, "8.5.0", pkg.Version)

	_, err = db.Find("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "scarab sync")
}

func TestSearch(t *testing.T) {
	db, _ := newTestDatabase(t)

	var names []string
	for _, p := range db.Search("LIB") {
		names = append(names, p.Name)
	}
	// name match (libpng, zlib) or description match (zlib "library")
	assert.Equal(t, []string{"libpng", "zlib"}, names)

	assert.Empty(t, db.Search("nothing-matches"))

	names = nil
	for _, p := range db.Search("shell") {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"bash"}, names)
}

func TestRecordAndRemoveInstall(t *testing.T) {
	db, store := newTestDatabase(t)
	ctx := context.Background()

	zlib, err := db.Find("zlib")
	require.NoError(t, err)
	require.NoError(t, db.RecordInstall(ctx, zlib, []string{"usr/lib/libz.so.1"}))

	inst, ok := db.Installed("zlib")
	require.True(t, ok)
	assert.Equal(t, "1.3", inst.Version)
	assert.Equal(t, "2024-03-01 12:30:00", inst.InstalledAt)

	// persisted
	reloaded, err := Load(ctx, store)
	require.NoError(t, err)
	assert.True(t, reloaded.IsInstalled("zlib"))
	assert.Len(t, reloaded.Packages(), 4)

	require.NoError(t, reloaded.RemoveInstalled(ctx, "zlib"))
	require.NoError(t, reloaded.RemoveInstalled(ctx, "zlib"), "removing an absent record is a no-op")

	reloaded, err = Load(ctx, store)
	require.NoError(t, err)
	assert.False(t, reloaded.IsInstalled("zlib"))
}

func TestListInstalledSorted(t *testing.T) {
	db, _ := newTestDatabase(t)
	ctx := context.Background()

	for _, name := range []string{"zlib", "bash", "curl"} {
		pkg, err := db.Find(name)
		require.NoError(t, err)
		require.NoError(t, db.RecordInstall(ctx, pkg, nil))
	}

	var names []string
	for _, inst := range db.ListInstalled() {
		names = append(names, inst.Name)
	}
	assert.Equal(t, []string{"bash", "curl", "zlib"}, names)
}

func TestUpgradesAndOrphans(t *testing.T) {
	installed := map[string]InstalledPackage{
		"zlib":   {Name: "zlib", Version: "1.2"},
		"bash":   {Name: "bash", Version: "5.2"},
		"curl":   {Name: "curl", Version: "9.0.0"}, // newer than the repo, still differs
		"legacy": {Name: "legacy", Version: "0.1"},
	}
	db, err := New(nil, testSnapshot(), installed)
	require.NoError(t, err)

	assert.Equal(t, []Upgrade{
		{Name: "curl", Installed: "9.0.0", Available: "8.5.0"},
		{Name: "zlib", Installed: "1.2", Available: "1.3"},
	}, db.Upgrades())

	assert.True(t, db.Orphaned("legacy"))
	assert.False(t, db.Orphaned("bash"))
	assert.False(t, db.Orphaned("libpng"), "not installed is not orphaned")
}

func TestReplaceRepository(t *testing.T) {
	db, store := newTestDatabase(t)
	ctx := context.Background()

	require.NoError(t, db.ReplaceRepository(ctx, []PackageInfo{{Name: "vim", Version: "9.1"}}))

	reloaded, err := Load(ctx, store)
	require.NoError(t, err)
	require.Len(t, reloaded.Packages(), 1)
	assert.Equal(t, "vim", reloaded.Packages()[0].Name)

	err = db.ReplaceRepository(ctx, []PackageInfo{{Name: "x", Depends: []string{"x"}}})
	assert.ErrorIs(t, err, ErrSelfDependency)
}
