package selector

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/scarab-os/scarab/pkg/storage"
)

// ErrNoSelection is returned when the picker is closed without choosing
var ErrNoSelection = errors.New("no package selected")

type PackageItem struct {
	pkg       storage.PackageInfo
	installed bool
}

func (i PackageItem) Title() string {
	title := i.pkg.Category + "/" + i.pkg.Name + " " + i.pkg.Version
	if i.installed {
		title += " [installed]"
	}
	return title
}

func (i PackageItem) Description() string {
	desc := i.pkg.Description
	maxLen := 100
	if len(desc) > maxLen {
		desc = desc[:maxLen-3] + "..."
	}
	return desc
}

func (i PackageItem) FilterValue() string {
	return i.pkg.Name
}

type model struct {
	list     list.Model
	selected *storage.PackageInfo
	quitting bool
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Let the list consume keys while the filter input is active
		if m.list.FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			if i, ok := m.list.SelectedItem().(PackageItem); ok {
				m.selected = &i.pkg
				return m, tea.Quit
			}
		case "ctrl+n":
			m.list.CursorDown()
		case "ctrl+p":
			m.list.CursorUp()
		case "pgdown", "ctrl+d":
			m.list.NextPage()
		case "pgup", "ctrl+u":
			m.list.PrevPage()
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	help := "\nNavigate: ↑/↓ • Page: PgUp/PgDn • Filter: / • Select: Enter • Quit: Esc/q\n"
	return m.list.View() + help
}

func newModel(query string, pkgs []storage.PackageInfo, installed func(string) bool) model {
	items := make([]list.Item, len(pkgs))
	for i, p := range pkgs {
		items[i] = PackageItem{pkg: p, installed: installed != nil && installed(p.Name)}
	}

	width := 80
	height := min(20, len(items)*3+6)
	l := list.New(items, list.NewDefaultDelegate(), width, height)
	l.Title = fmt.Sprintf("Packages matching '%s' (%d)", query, len(pkgs))
	l.SetShowHelp(true)
	l.SetShowStatusBar(true)
	l.SetShowTitle(true)
	l.SetShowFilter(true)
	l.SetFilteringEnabled(true)

	return model{list: l}
}

// SelectPackage presents an interactive list of search results and returns
// the chosen package. A single result is returned without prompting.
func SelectPackage(query string, pkgs []storage.PackageInfo, installed func(string) bool) (*storage.PackageInfo, error) {
	switch len(pkgs) {
	case 0:
		return nil, fmt.Errorf("no packages found for '%s'", query)
	case 1:
		return &pkgs[0], nil
	}

	prog := tea.NewProgram(newModel(query, pkgs, installed))
	finalModel, err := prog.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to run UI: %w", err)
	}

	if m, ok := finalModel.(model); ok && m.selected != nil {
		return m.selected, nil
	}
	return nil, ErrNoSelection
}
