package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/scarab-os/scarab/pkg/platform"
)

// DefaultPath is where the system configuration file lives.
const DefaultPath = "/etc/scarab/scarab.conf"

// EnvPrefix prefixes environment overrides, e.g. SCARAB_ROOT.
const EnvPrefix = "SCARAB"

// Config represents the scarab configuration. It is loaded once per
// invocation and passed explicitly to every component.
type Config struct {
	// Root filesystem packages are extracted into
	Root string `mapstructure:"root"`
	// Directory holding the package database
	DBDir string `mapstructure:"db_dir"`
	// Directory for downloaded artifacts and build trees
	CacheDir string `mapstructure:"cache_dir"`
	// Ports tree with Portfiles
	PortsDir string `mapstructure:"ports_dir"`
	// Base URL of the package repository (http, https or file)
	RepoURL string `mapstructure:"repo_url"`
	// Target architecture in distribution naming
	Arch string `mapstructure:"arch"`
	// Storage backend: "json" or "sqlite"
	Backend string `mapstructure:"backend"`
	// Fail on dependencies missing from the repository
	StrictDeps bool `mapstructure:"strict_deps"`
	// How long mutating commands wait for the database lock
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// Directories represents the directory structure derived from a Config
type Directories struct {
	// Root filesystem
	Root string
	// Directory for database files
	DB string
	// Cache root
	Cache string
	// Downloaded package artifacts
	Packages string
	// Port source trees
	Work string
	// Port staging trees
	Pkg string
	// Advisory lock file guarding the database
	LockFile string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Root:        "/",
		DBDir:       "/var/lib/scarab",
		CacheDir:    "/var/cache/scarab",
		PortsDir:    "/usr/ports",
		RepoURL:     "https://github.com/scarab-os/packages/releases/download",
		Arch:        platform.Current().Arch,
		Backend:     "json",
		StrictDeps:  true,
		LockTimeout: 30 * time.Second,
	}
}

// Load reads the configuration file at path (DefaultPath when empty) and
// applies SCARAB_* environment overrides on top of the defaults. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Arch = platform.NormalizeArch(cfg.Arch)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("root", d.Root)
	v.SetDefault("db_dir", d.DBDir)
	v.SetDefault("cache_dir", d.CacheDir)
	v.SetDefault("ports_dir", d.PortsDir)
	v.SetDefault("repo_url", d.RepoURL)
	v.SetDefault("arch", d.Arch)
	v.SetDefault("backend", d.Backend)
	v.SetDefault("strict_deps", d.StrictDeps)
	v.SetDefault("lock_timeout", d.LockTimeout)
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	for _, dir := range []struct {
		name, path string
	}{
		{"root", c.Root},
		{"db_dir", c.DBDir},
		{"cache_dir", c.CacheDir},
		{"ports_dir", c.PortsDir},
	} {
		if dir.path == "" {
			return fmt.Errorf("invalid config: %s is empty", dir.name)
		}
		if !filepath.IsAbs(dir.path) {
			return fmt.Errorf("invalid config: %s must be an absolute path, got %s", dir.name, dir.path)
		}
	}
	if c.RepoURL == "" {
		return fmt.Errorf("invalid config: repo_url is empty")
	}
	switch c.Backend {
	case "json", "sqlite":
	default:
		return fmt.Errorf("invalid config: unknown backend %q (expected json or sqlite)", c.Backend)
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("invalid config: lock_timeout must not be negative")
	}
	return nil
}

// GetDirectories returns the directory structure based on the configuration
func (c *Config) GetDirectories() *Directories {
	return &Directories{
		Root:     c.Root,
		DB:       c.DBDir,
		Cache:    c.CacheDir,
		Packages: filepath.Join(c.CacheDir, "packages"),
		Work:     filepath.Join(c.CacheDir, "work"),
		Pkg:      filepath.Join(c.CacheDir, "pkg"),
		LockFile: filepath.Join(c.DBDir, "lock"),
	}
}

// EnsureDirectories creates the database and cache directories if they don't exist
func (c *Config) EnsureDirectories() error {
	dirs := c.GetDirectories()
	for _, dir := range []string{
		dirs.DB,
		dirs.Cache,
		dirs.Packages,
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
