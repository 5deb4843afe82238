package platform

import (
	"fmt"
	"runtime"
	"strings"
)

// Platform represents a target platform in distribution naming
type Platform struct {
	OS   string
	Arch string
}

// Current returns the current platform
func Current() Platform {
	return Platform{
		OS:   runtime.GOOS,
		Arch: NormalizeArch(runtime.GOARCH),
	}
}

// String returns a string representation of the platform
func (p Platform) String() string {
	return fmt.Sprintf("%s-%s", p.OS, p.Arch)
}

// archAliases maps every spelling we accept to the distribution's canonical name
var archAliases = map[string]string{
	"x86_64":  "x86_64",
	"amd64":   "x86_64",
	"x64":     "x86_64",
	"aarch64": "aarch64",
	"arm64":   "aarch64",
	"i686":    "i686",
	"i386":    "i686",
	"386":     "i686",
	"x86":     "i686",
	"armv7":   "armv7",
	"armv7l":  "armv7",
	"arm":     "armv7",
	"riscv64": "riscv64",
}

// NormalizeArch normalizes architecture names to the distribution's naming
// (x86_64, aarch64, i686, armv7, riscv64). Unknown names are returned lower-cased.
func NormalizeArch(arch string) string {
	a := strings.ToLower(strings.TrimSpace(arch))
	if canonical, ok := archAliases[a]; ok {
		return canonical
	}
	return a
}

// ForeignArch reports whether an artifact filename is tagged with an
// architecture other than p.Arch, and which one. Untagged filenames are
// considered portable.
func (p Platform) ForeignArch(filename string) (string, bool) {
	name := strings.ToLower(filename)
	own := NormalizeArch(p.Arch)

	for _, field := range archTags(name) {
		// "x86" and "arm" are too ambiguous to act on as filename tags
		if field == "x86" || field == "arm" {
			continue
		}
		canonical, ok := archAliases[field]
		if ok && canonical != own {
			return canonical, true
		}
	}
	return "", false
}

// archTags splits a filename into candidate tags. Underscore-separated parts
// are also tried in adjacent pairs so that "x86_64" survives the split.
func archTags(name string) []string {
	var tags []string
	for _, field := range strings.FieldsFunc(name, func(r rune) bool {
		return r == '-' || r == '.'
	}) {
		parts := strings.Split(field, "_")
		if len(parts) == 1 {
			tags = append(tags, field)
			continue
		}
		for i := range parts {
			if i+1 < len(parts) {
				if pair := parts[i] + "_" + parts[i+1]; archAliases[pair] != "" {
					tags = append(tags, pair)
					continue
				}
			}
			tags = append(tags, parts[i])
		}
	}
	return tags
}
