// Package ui renders the human-facing progress lines of the scarab CLI.
// Diagnostics belong to the logger; this package only prints what the user
// asked to see.
package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

var (
	arrow  = color.New(color.FgGreen, color.Bold).SprintFunc()
	detail = color.New(color.FgBlue).SprintFunc()
	warn   = color.New(color.FgYellow, color.Bold).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

// Printer writes progress lines to an output stream.
type Printer struct {
	out io.Writer
}

// New returns a Printer writing to out (stdout when nil).
func New(out io.Writer) *Printer {
	if out == nil {
		out = os.Stdout
	}
	return &Printer{out: out}
}

// Writer returns the underlying output stream.
func (p *Printer) Writer() io.Writer {
	return p.out
}

// Step prints a top-level "==>" line.
func (p *Printer) Step(format string, args ...any) {
	fmt.Fprintf(p.out, "%s %s\n", arrow("==>"), fmt.Sprintf(format, args...))
}

// Detail prints an indented "  ->" line.
func (p *Printer) Detail(format string, args ...any) {
	fmt.Fprintf(p.out, "%s %s\n", detail("  ->"), fmt.Sprintf(format, args...))
}

// Warn prints a highlighted warning line.
func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintf(p.out, "%s %s\n", warn("warning:"), fmt.Sprintf(format, args...))
}

// Line prints a plain line.
func (p *Printer) Line(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

// Bold highlights a package name.
func Bold(s string) string { return bold(s) }

// Dim renders secondary text such as categories and old versions.
func Dim(s string) string { return dim(s) }

// Green renders positive status text.
func Green(s string) string { return green(s) }

// Yellow renders cautionary status text.
func Yellow(s string) string { return yellow(s) }
