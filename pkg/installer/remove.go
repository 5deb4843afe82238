package installer

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/scarab-os/scarab/pkg/archive"
	"github.com/scarab-os/scarab/pkg/storage"
)

// sharedFiles returns the files recorded for installed packages other than name
func sharedFiles(db *storage.Database, name string) map[string]bool {
	shared := map[string]bool{}
	for _, inst := range db.ListInstalled() {
		if inst.Name == name {
			continue
		}
		for _, f := range inst.Files {
			if rel, err := archive.CleanEntry(f); err == nil {
				shared[rel] = true
			}
		}
	}
	return shared
}

// removeFiles deletes files below root, then every ancestor directory of
// them that became empty, deepest first. Missing files, non-empty
// directories, symlinked directories and paths outside root are skipped.
// Files in keep are left alone. It returns the number of files deleted.
func removeFiles(root string, files []string, keep map[string]bool, log zerolog.Logger) int {
	removed := 0
	dirs := map[string]bool{}

	for _, f := range files {
		rel, err := archive.CleanEntry(f)
		if err != nil || rel == "" {
			log.Warn().Str("file", f).Msg("Skipping recorded path outside the root")
			continue
		}
		for d := path.Dir(rel); d != "."; d = path.Dir(d) {
			dirs[d] = true
		}
		if keep[rel] {
			log.Debug().Str("file", rel).Msg("Keeping file owned by another package")
			continue
		}
		if err := archive.CheckParents(root, rel); err != nil {
			log.Warn().Err(err).Str("file", rel).Msg("Skipping file reached through a link out of the root")
			continue
		}

		target := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Lstat(target)
		if err != nil {
			continue
		}
		if info.IsDir() {
			continue
		}
		if err := os.Remove(target); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Warn().Err(err).Str("file", rel).Msg("Failed to remove file")
			}
			continue
		}
		removed++
	}

	ordered := make([]string, 0, len(dirs))
	for d := range dirs {
		ordered = append(ordered, d)
	}
	sort.Slice(ordered, func(a, b int) bool {
		da, db := strings.Count(ordered[a], "/"), strings.Count(ordered[b], "/")
		if da != db {
			return da > db
		}
		return ordered[a] > ordered[b]
	})
	for _, d := range ordered {
		dir := filepath.Join(root, filepath.FromSlash(d))
		// os.Remove would unlink a symlink such as lib -> usr/lib
		if info, err := os.Lstat(dir); err != nil || !info.IsDir() {
			continue
		}
		// Fails harmlessly on directories that still have entries
		_ = os.Remove(dir)
	}
	return removed
}

// removeStale deletes files the previous version of name owned that the new
// version no longer ships
func removeStale(root string, previous, current []string, db *storage.Database, name string, log zerolog.Logger) {
	keep := sharedFiles(db, name)
	for _, f := range current {
		if rel, err := archive.CleanEntry(f); err == nil {
			keep[rel] = true
		}
	}

	var stale []string
	for _, f := range previous {
		if rel, err := archive.CleanEntry(f); err == nil && !keep[rel] {
			stale = append(stale, rel)
		}
	}
	if len(stale) == 0 {
		return
	}
	n := removeFiles(root, stale, keep, log)
	log.Debug().Int("files", n).Msg("Removed files dropped by the new version")
}
