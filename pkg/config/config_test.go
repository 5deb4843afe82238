package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarab-os/scarab/pkg/platform"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "/", cfg.Root)
	assert.Equal(t, "/var/lib/scarab", cfg.DBDir)
	assert.Equal(t, "/var/cache/scarab", cfg.CacheDir)
	assert.Equal(t, "/usr/ports", cfg.PortsDir)
	assert.Equal(t, "https://github.com/scarab-os/packages/releases/download", cfg.RepoURL)
	assert.Equal(t, platform.Current().Arch, cfg.Arch)
	assert.Equal(t, "json", cfg.Backend)
	assert.True(t, cfg.StrictDeps)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "scarab.conf"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scarab.conf")
	content := `{
  "root": "/mnt/target",
  "db_dir": "/mnt/target/var/lib/scarab",
  "repo_url": "file:///srv/mirror",
  "arch": "amd64",
  "backend": "sqlite",
  "strict_deps": false,
  "lock_timeout": "5s"
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/mnt/target", cfg.Root)
	assert.Equal(t, "/mnt/target/var/lib/scarab", cfg.DBDir)
	assert.Equal(t, "/var/cache/scarab", cfg.CacheDir, "unset keys keep their defaults")
	assert.Equal(t, "file:///srv/mirror", cfg.RepoURL)
	assert.Equal(t, "x86_64", cfg.Arch)
	assert.Equal(t, "sqlite", cfg.Backend)
	assert.False(t, cfg.StrictDeps)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scarab.conf")
	require.NoError(t, os.WriteFile(path, []byte(`{"root": "/from/file"}`), 0644))

	t.Setenv("SCARAB_ROOT", "/from/env")
	t.Setenv("SCARAB_CACHE_DIR", "/tmp/scarab-cache")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Root)
	assert.Equal(t, "/tmp/scarab-cache", cfg.CacheDir)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scarab.conf")
	require.NoError(t, os.WriteFile(path, []byte(`{"root": `), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty root", func(c *Config) { c.Root = "" }, "root is empty"},
		{"relative db dir", func(c *Config) { c.DBDir = "var/lib" }, "db_dir must be an absolute path"},
		{"empty repo url", func(c *Config) { c.RepoURL = "" }, "repo_url is empty"},
		{"unknown backend", func(c *Config) { c.Backend = "bolt" }, "unknown backend"},
		{"negative timeout", func(c *Config) { c.LockTimeout = -time.Second }, "lock_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetDirectories(t *testing.T) {
	cfg := &Config{
		Root:     "/",
		DBDir:    "/test/db",
		CacheDir: "/test/cache",
	}

	dirs := cfg.GetDirectories()

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"Root", dirs.Root, "/"},
		{"DB", dirs.DB, "/test/db"},
		{"Cache", dirs.Cache, "/test/cache"},
		{"Packages", dirs.Packages, "/test/cache/packages"},
		{"Work", dirs.Work, "/test/cache/work"},
		{"Pkg", dirs.Pkg, "/test/cache/pkg"},
		{"LockFile", dirs.LockFile, "/test/db/lock"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.got)
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	tmp := t.TempDir()
	cfg := DefaultConfig()
	cfg.DBDir = filepath.Join(tmp, "db")
	cfg.CacheDir = filepath.Join(tmp, "cache")

	require.NoError(t, cfg.EnsureDirectories())

	dirs := cfg.GetDirectories()
	for _, dir := range []string{dirs.DB, dirs.Cache, dirs.Packages} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir(), dir)
	}
}
