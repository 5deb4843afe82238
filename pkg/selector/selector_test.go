package selector

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarab-os/scarab/pkg/storage"
)

var testPackages = []storage.PackageInfo{
	{Name: "zlib", Version: "1.3", Category: "lib", Description: "compression library"},
	{Name: "zstd", Version: "1.5.6", Category: "lib", Description: "fast lossless compression"},
	{Name: "xz", Version: "5.6.2", Category: "core", Description: "LZMA compression utilities"},
}

func TestPackageItemMethods(t *testing.T) {
	item := PackageItem{pkg: testPackages[0]}
	assert.Equal(t, "lib/zlib 1.3", item.Title())
	assert.Equal(t, "compression library", item.Description())
	assert.Equal(t, "zlib", item.FilterValue())

	installed := PackageItem{pkg: testPackages[0], installed: true}
	assert.Equal(t, "lib/zlib 1.3 [installed]", installed.Title())

	long := testPackages[1]
	long.Description = strings.Repeat("a", 150)
	desc := PackageItem{pkg: long}.Description()
	assert.Len(t, desc, 100)
	assert.True(t, strings.HasSuffix(desc, "..."))
}

func TestModelSelectsWithEnter(t *testing.T) {
	m := newModel("z", testPackages, func(name string) bool { return name == "xz" })

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyDown})
	next, cmd := next.Update(tea.KeyMsg{Type: tea.KeyEnter})

	final := next.(model)
	require.NotNil(t, final.selected)
	assert.Equal(t, "zstd", final.selected.Name)
	assert.NotNil(t, cmd)
}

func TestModelQuitWithoutSelection(t *testing.T) {
	m := newModel("z", testPackages, nil)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	final := next.(model)
	assert.True(t, final.quitting)
	assert.Nil(t, final.selected)
	assert.NotNil(t, cmd)
	assert.Empty(t, final.View())
}

func TestModelView(t *testing.T) {
	m := newModel("z", testPackages, nil)
	view := m.View()
	assert.Contains(t, view, "Packages matching 'z' (3)")
	assert.Contains(t, view, "Select: Enter")
}

func TestSelectPackageShortcuts(t *testing.T) {
	_, err := SelectPackage("nothing", nil, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoSelection))
	assert.Contains(t, err.Error(), "no packages found for 'nothing'")

	got, err := SelectPackage("xz", testPackages[2:], nil)
	require.NoError(t, err)
	assert.Equal(t, "xz", got.Name)
}
