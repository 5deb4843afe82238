// Package build turns a Portfile from the ports tree into a staged package
// tree. Portfiles are POSIX shell: they set variables such as source and
// define a build function that installs into $PKG.
package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrPortfileNotFound is returned when no category holds a Portfile for the name
	ErrPortfileNotFound = errors.New("portfile not found")

	// ErrBuildFailed wraps every failure while running a Portfile
	ErrBuildFailed = errors.New("build failed")
)

// PortfileName is the file name of a port's build script
const PortfileName = "Portfile"

// Categories are searched in this order by FindPortfile
var Categories = []string{"core", "lib", "devel", "net", "extra"}

// Result describes a finished build
type Result struct {
	Name   string // Port name (the Portfile's directory)
	SrcDir string // Unpacked sources
	PkgDir string // Staged install tree
}

// Builder runs a Portfile
type Builder interface {
	Build(ctx context.Context, portfile string) (*Result, error)
}

// FindPortfile returns <portsDir>/<category>/<name>/Portfile for the first
// category that has one
func FindPortfile(portsDir, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: invalid port name %q", ErrPortfileNotFound, name)
	}
	for _, category := range Categories {
		portfile := filepath.Join(portsDir, category, name, PortfileName)
		if info, err := os.Stat(portfile); err == nil && info.Mode().IsRegular() {
			return portfile, nil
		}
	}
	return "", fmt.Errorf("%w for '%s' in %s", ErrPortfileNotFound, name, portsDir)
}
