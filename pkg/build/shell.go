package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/scarab-os/scarab/pkg/archive"
	"github.com/scarab-os/scarab/pkg/config"
	"github.com/scarab-os/scarab/pkg/ui"
)

// Downloader fetches a port's source tarball
type Downloader interface {
	Download(ctx context.Context, rawURL, destPath string) error
}

// Unpacker extracts a source tarball
type Unpacker interface {
	Extract(ctx context.Context, archivePath, root string) ([]string, error)
}

// ShellBuilder runs Portfiles with an in-process POSIX shell interpreter.
// External commands called by the Portfile (make, cc, patch, ...) run on the
// host.
type ShellBuilder struct {
	workRoot   string
	pkgRoot    string
	downloader Downloader
	unpacker   Unpacker
	printer    *ui.Printer
	stdout     io.Writer
	stderr     io.Writer
	logger     zerolog.Logger
}

// NewShellBuilder creates a builder that keeps sources in cache/work/<name>
// and stages into cache/pkg/<name>
func NewShellBuilder(cfg *config.Config, downloader Downloader, unpacker Unpacker, printer *ui.Printer, logger zerolog.Logger) *ShellBuilder {
	dirs := cfg.GetDirectories()
	return &ShellBuilder{
		workRoot:   dirs.Work,
		pkgRoot:    dirs.Pkg,
		downloader: downloader,
		unpacker:   unpacker,
		printer:    printer,
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		logger:     logger,
	}
}

// SetOutput redirects the output of the Portfile's commands
func (b *ShellBuilder) SetOutput(stdout, stderr io.Writer) {
	b.stdout = stdout
	b.stderr = stderr
}

// Build sources the Portfile, fetches and unpacks $source, applies the port's
// patches and calls the Portfile's build function inside $SRC.
func (b *ShellBuilder) Build(ctx context.Context, portfile string) (*Result, error) {
	portDir := filepath.Dir(portfile)
	name := filepath.Base(portDir)
	res := &Result{
		Name:   name,
		SrcDir: filepath.Join(b.workRoot, name),
		PkgDir: filepath.Join(b.pkgRoot, name),
	}

	for _, dir := range []string{res.SrcDir, res.PkgDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	f, err := os.Open(portfile)
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %w", ErrBuildFailed, name, err)
	}
	prog, err := syntax.NewParser().Parse(f, portfile)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%w for %s: failed to parse Portfile: %w", ErrBuildFailed, name, err)
	}

	env := append(os.Environ(),
		"PKG="+res.PkgDir,
		"SRC="+res.SrcDir,
		fmt.Sprintf("MAKEFLAGS=-j%d", runtime.NumCPU()),
	)
	runner, err := interp.New(
		interp.Params("-e"),
		interp.Dir(portDir),
		interp.Env(expand.ListEnviron(env...)),
		interp.StdIO(nil, b.stdout, b.stderr),
		interp.ExecHandlers(b.execHandler),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create interpreter: %w", err)
	}

	b.logger.Debug().Str("port", name).Str("portfile", portfile).Msg("Sourcing Portfile")
	if err := runner.Run(ctx, prog); err != nil {
		return nil, b.failed(name, "Portfile", err)
	}
	if _, ok := runner.Funcs["build"]; !ok {
		return nil, fmt.Errorf("%w for %s: Portfile defines no build function", ErrBuildFailed, name)
	}

	if source := runner.Vars["source"].String(); source != "" {
		if err := b.fetchSource(ctx, name, source, res.SrcDir); err != nil {
			return nil, err
		}
	}

	patches, err := filepath.Glob(filepath.Join(portDir, "patches", "*.patch"))
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %w", ErrBuildFailed, name, err)
	}
	for _, p := range patches {
		b.detail("Applying patch: %s", filepath.Base(p))
		script := fmt.Sprintf("patch -d %s -p1 < %s", quote(res.SrcDir), quote(p))
		if err := b.run(ctx, runner, script); err != nil {
			return nil, b.failed(name, "patch "+filepath.Base(p), err)
		}
	}

	b.logger.Info().Str("port", name).Str("src", res.SrcDir).Msg("Running build()")
	if err := b.run(ctx, runner, "cd "+quote(res.SrcDir)+"\nbuild"); err != nil {
		return nil, b.failed(name, "build()", err)
	}

	b.detail("Build complete: %s", res.PkgDir)
	return res, nil
}

// fetchSource downloads source into srcDir unless it is already there and
// unpacks it when it is a recognized tarball
func (b *ShellBuilder) fetchSource(ctx context.Context, name, source, srcDir string) error {
	u, err := url.Parse(source)
	if err != nil {
		return fmt.Errorf("%w for %s: invalid source url: %w", ErrBuildFailed, name, err)
	}
	file := path.Base(u.Path)
	if file == "." || file == "/" {
		return fmt.Errorf("%w for %s: source url %s names no file", ErrBuildFailed, name, source)
	}
	dest := filepath.Join(srcDir, file)

	if _, err := os.Stat(dest); err != nil {
		b.detail("Downloading %s...", file)
		if err := b.downloader.Download(ctx, source, dest); err != nil {
			return fmt.Errorf("%w for %s: %w", ErrBuildFailed, name, err)
		}
	}

	if _, err := archive.DetectFormat(file); err != nil {
		b.logger.Debug().Str("source", file).Msg("Source is not a tarball, leaving it as is")
		return nil
	}
	if _, err := b.unpacker.Extract(ctx, dest, srcDir); err != nil {
		return fmt.Errorf("%w for %s: %w", ErrBuildFailed, name, err)
	}
	return nil
}

func (b *ShellBuilder) run(ctx context.Context, runner *interp.Runner, script string) error {
	prog, err := syntax.NewParser().Parse(strings.NewReader(script), "scarab")
	if err != nil {
		return err
	}
	return runner.Run(ctx, prog)
}

func (b *ShellBuilder) failed(name, step string, err error) error {
	var exitStatus interp.ExitStatus
	if errors.As(err, &exitStatus) {
		return fmt.Errorf("%w for %s: %s exited with status %d", ErrBuildFailed, name, step, int(exitStatus))
	}
	return fmt.Errorf("%w for %s: %s: %w", ErrBuildFailed, name, step, err)
}

// execHandler traces every external command a Portfile runs
func (b *ShellBuilder) execHandler(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		b.logger.Trace().Strs("args", args).Msg("exec")
		return next(ctx, args)
	}
}

func (b *ShellBuilder) detail(format string, args ...any) {
	if b.printer != nil {
		b.printer.Detail(format, args...)
	}
}

func quote(s string) string {
	q, err := syntax.Quote(s, syntax.LangPOSIX)
	if err != nil {
		// Only strings with NUL bytes cannot be quoted; paths never contain them
		return "'" + s + "'"
	}
	return q
}
