// Package archive unpacks package and source tarballs into a root
// filesystem and reports the files it wrote.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrUnknownFormat is returned for filenames without a recognized archive suffix
	ErrUnknownFormat = errors.New("unknown archive format")

	// ErrExtractFailed wraps every failure while unpacking an archive
	ErrExtractFailed = errors.New("extraction failed")

	// ErrUnsafePath is returned for entries that would land outside the root
	ErrUnsafePath = errors.New("path escapes root")
)

// Extractor unpacks tarballs
type Extractor struct {
	logger zerolog.Logger
}

// New creates an Extractor
func New(logger zerolog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract unpacks archivePath into root, preserving permission bits, and
// returns the root-relative, slash-separated paths of the regular files,
// symlinks and hard links it created, in archive order.
func (e *Extractor) Extract(ctx context.Context, archivePath, root string) ([]string, error) {
	compression, err := DetectFormat(archivePath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtractFailed, err)
	}
	defer f.Close()

	r, release, err := decompress(compression, f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrExtractFailed, filepath.Base(archivePath), err)
	}
	defer release()

	e.logger.Debug().
		Str("archive", archivePath).
		Str("compression", string(compression)).
		Str("root", root).
		Msg("Extracting")

	files, err := e.unpack(ctx, tar.NewReader(r), root)
	if err != nil {
		return files, fmt.Errorf("%w: %s: %w", ErrExtractFailed, filepath.Base(archivePath), err)
	}
	return files, nil
}

func (e *Extractor) unpack(ctx context.Context, tr *tar.Reader, root string) ([]string, error) {
	var files []string
	seen := map[string]bool{}
	record := func(rel string) {
		if !seen[rel] {
			seen[rel] = true
			files = append(files, rel)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("reading tar entry: %w", err)
		}

		rel, err := CleanEntry(hdr.Name)
		if err != nil {
			return files, err
		}
		if rel == "" {
			continue
		}
		if err := CheckParents(root, rel); err != nil {
			return files, err
		}
		target := filepath.Join(root, filepath.FromSlash(rel))
		mode := hdr.FileInfo().Mode()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := mkdir(target, mode.Perm()); err != nil {
				return files, err
			}

		case tar.TypeReg:
			if err := writeFile(target, tr, mode); err != nil {
				return files, err
			}
			record(rel)

		case tar.TypeSymlink:
			if err := prepare(target); err != nil {
				return files, err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return files, fmt.Errorf("creating symlink %s: %w", rel, err)
			}
			record(rel)

		case tar.TypeLink:
			linkRel, err := CleanEntry(hdr.Linkname)
			if err != nil || linkRel == "" {
				return files, fmt.Errorf("%w: hard link %s -> %s", ErrUnsafePath, rel, hdr.Linkname)
			}
			if err := CheckParents(root, linkRel); err != nil {
				return files, err
			}
			if err := prepare(target); err != nil {
				return files, err
			}
			if err := os.Link(filepath.Join(root, filepath.FromSlash(linkRel)), target); err != nil {
				return files, fmt.Errorf("creating hard link %s: %w", rel, err)
			}
			record(rel)

		default:
			e.logger.Debug().
				Str("entry", rel).
				Int("type", int(hdr.Typeflag)).
				Msg("Skipping unsupported tar entry")
		}
	}
}

// CleanEntry normalizes an archive or database path to root-relative slash
// form. The root itself yields "". Absolute paths and paths leaving the root
// are rejected with ErrUnsafePath.
func CleanEntry(name string) (string, error) {
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	clean := path.Clean(name)
	if clean == "." {
		return "", nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return clean, nil
}

// CheckParents rejects rel with ErrUnsafePath when one of the directories
// leading to it is a symlink that resolves outside root. Links that stay
// inside root (lib -> usr/lib) are fine. Components that do not exist yet
// end the walk, since anything created below them is a real directory.
func CheckParents(root, rel string) error {
	dir := path.Dir(rel)
	if dir == "." {
		return nil
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("resolving root %s: %w", root, err)
	}

	cur := root
	for _, part := range strings.Split(dir, "/") {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("checking %s: %w", cur, err)
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			continue
		}
		resolved, err := filepath.EvalSymlinks(cur)
		if err != nil {
			return fmt.Errorf("%w: %s passes through unresolvable symlink %s", ErrUnsafePath, rel, cur)
		}
		if !within(realRoot, resolved) {
			return fmt.Errorf("%w: %s passes through symlink %s -> %s", ErrUnsafePath, rel, cur, resolved)
		}
	}
	return nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// mkdir creates dir with perm. Directories that already exist keep their
// permissions, so shared system directories are never altered.
func mkdir(dir string, perm fs.FileMode) error {
	info, err := os.Lstat(dir)
	if err == nil {
		if info.IsDir() || info.Mode()&fs.ModeSymlink != 0 {
			return nil
		}
		return fmt.Errorf("%s exists and is not a directory", dir)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := os.Mkdir(dir, perm); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("creating directory: %w", err)
	}
	// Mkdir is subject to the umask
	return os.Chmod(dir, perm)
}

// prepare makes room for a new entry at target
func prepare(target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	info, err := os.Lstat(target)
	if err != nil {
		return nil
	}
	if info.IsDir() {
		return fmt.Errorf("%s exists and is a directory", target)
	}
	return os.Remove(target)
}

func writeFile(target string, r io.Reader, mode fs.FileMode) (err error) {
	if err := prepare(target); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("writing %s: %w", target, err)
	}
	// Restore bits the umask dropped, including setuid/setgid/sticky
	return f.Chmod(mode & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky))
}
