package main

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarab-os/scarab/pkg/build"
	"github.com/scarab-os/scarab/pkg/installer"
	"github.com/scarab-os/scarab/pkg/lock"
	"github.com/scarab-os/scarab/pkg/storage"
	"github.com/scarab-os/scarab/pkg/verify"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// testEnv is a scratch root, state directories and a file:// mirror
type testEnv struct {
	root       string
	dbDir      string
	cacheDir   string
	portsDir   string
	mirror     string
	configPath string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()
	e := &testEnv{
		root:     filepath.Join(base, "root"),
		dbDir:    filepath.Join(base, "db"),
		cacheDir: filepath.Join(base, "cache"),
		portsDir: filepath.Join(base, "ports"),
		mirror:   filepath.Join(base, "mirror"),
	}
	require.NoError(t, os.MkdirAll(e.root, 0755))

	cfg := map[string]any{
		"root":         e.root,
		"db_dir":       e.dbDir,
		"cache_dir":    e.cacheDir,
		"ports_dir":    e.portsDir,
		"repo_url":     "file://" + e.mirror,
		"lock_timeout": "1s",
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	e.configPath = filepath.Join(base, "scarab.conf")
	require.NoError(t, os.WriteFile(e.configPath, data, 0644))
	return e
}

func (e *testEnv) run(args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), append([]string{"--config", e.configPath}, args...), &stdout, &stderr)
	return stdout.String(), err
}

// publish writes an artifact holding files into the mirror and returns its
// sha256
func (e *testEnv) publish(t *testing.T, version, filename string, files map[string]string) string {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(body))}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	_, err := gw.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	dir := filepath.Join(e.mirror, "v"+version)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), gzBuf.Bytes(), 0644))

	sum := sha256.Sum256(gzBuf.Bytes())
	return hex.EncodeToString(sum[:])
}

func (e *testEnv) writeIndex(t *testing.T, pkgs []storage.PackageInfo) {
	t.Helper()
	data, err := json.Marshal(pkgs)
	require.NoError(t, err)
	dir := filepath.Join(e.mirror, "latest")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "repo.json"), data, 0644))
}

// seed publishes hello 1.0, which depends on libfoo 1.0
func (e *testEnv) seed(t *testing.T) []storage.PackageInfo {
	t.Helper()
	helloSum := e.publish(t, "1.0", "hello-1.0.tar.gz", map[string]string{
		"usr/bin/hello":              "#!/bin/sh\necho hello\n",
		"usr/share/doc/hello/README": "hello\n",
	})
	e.publish(t, "1.0", "libfoo-1.0.tar.gz", map[string]string{
		"usr/lib/libfoo.so": "foo",
	})
	pkgs := []storage.PackageInfo{
		{Name: "hello", Version: "1.0", Category: "extra", Description: "Prints a greeting", Depends: []string{"libfoo"}, Size: "1234", SHA256: helloSum, Filename: "hello-1.0.tar.gz"},
		{Name: "libfoo", Version: "1.0", Category: "lib", Description: "Foo library", Size: "3", Filename: "libfoo-1.0.tar.gz"},
	}
	e.writeIndex(t, pkgs)
	return pkgs
}

func TestSyncInstallRemove(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)

	out, err := e.run("sync")
	require.NoError(t, err)
	assert.Contains(t, out, "==> Syncing package database...")
	assert.Contains(t, out, "  -> 2 packages in repository")
	assert.Contains(t, out, "==> Database synced")

	out, err = e.run("install", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "==> Installing hello 1.0...")
	assert.Contains(t, out, "  -> Dependencies: libfoo")
	assert.Contains(t, out, "warning: no checksum for libfoo")
	assert.Contains(t, out, "==> Installed libfoo 1.0")
	assert.Contains(t, out, "==> Installed hello 1.0")
	assert.FileExists(t, filepath.Join(e.root, "usr/bin/hello"))
	assert.FileExists(t, filepath.Join(e.root, "usr/lib/libfoo.so"))

	out, err = e.run("install", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "==> hello 1.0 is already installed (use -f to force)")

	out, err = e.run("list")
	require.NoError(t, err)
	assert.Contains(t, out, "hello                1.0")
	assert.Contains(t, out, "libfoo               1.0")

	out, err = e.run("info", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "Depends:       libfoo")
	assert.Contains(t, out, "Size:          1.2 kB")
	assert.Contains(t, out, "Status:        installed (1.0)")
	assert.Contains(t, out, "Files:         2")

	out, err = e.run("remove", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "==> Removing hello 1.0...")
	assert.Contains(t, out, "==> Removed hello")
	assert.NoFileExists(t, filepath.Join(e.root, "usr/bin/hello"))
	assert.NoDirExists(t, filepath.Join(e.root, "usr/share/doc/hello"))
	assert.FileExists(t, filepath.Join(e.root, "usr/lib/libfoo.so"))

	out, err = e.run("info", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "Status:        not installed")
}

func TestInstallDryRun(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)
	_, err := e.run("sync")
	require.NoError(t, err)

	out, err := e.run("install", "--dry-run", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "==> Would install hello 1.0")
	assert.Contains(t, out, "  -> Dependencies: libfoo 1.0")
	assert.NoFileExists(t, filepath.Join(e.root, "usr/bin/hello"))

	out, err = e.run("list")
	require.NoError(t, err)
	assert.Equal(t, "No packages installed\n", out)
}

func TestReadOnlyCommandsCreateNoState(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)

	out, err := e.run("list")
	require.NoError(t, err)
	assert.Equal(t, "No packages installed\n", out)

	out, err = e.run("search", "hello")
	require.NoError(t, err)
	assert.Equal(t, "No packages found for 'hello'\n", out)

	_, err = e.run("info", "hello")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = e.run("install", "--dry-run", "hello")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = e.run("upgrade", "--dry-run")
	require.NoError(t, err)

	assert.NoDirExists(t, e.dbDir)
	assert.NoDirExists(t, e.cacheDir)
}

func TestInstallRefetchesAfterChecksumMismatch(t *testing.T) {
	e := newTestEnv(t)
	pkgs := e.seed(t)

	good := e.publish(t, "1.0", "libfoo-1.0.tar.gz", map[string]string{"usr/lib/libfoo.so": "foo"})
	pkgs[1].SHA256 = good
	e.writeIndex(t, pkgs)
	e.publish(t, "1.0", "libfoo-1.0.tar.gz", map[string]string{"usr/lib/libfoo.so": "tampered"})

	_, err := e.run("sync")
	require.NoError(t, err)
	_, err = e.run("install", "libfoo")
	assert.ErrorIs(t, err, verify.ErrChecksumMismatch)

	e.publish(t, "1.0", "libfoo-1.0.tar.gz", map[string]string{"usr/lib/libfoo.so": "foo"})
	_, err = e.run("install", "libfoo")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(e.root, "usr/lib/libfoo.so"))
	require.NoError(t, err)
	assert.Equal(t, "foo", string(data))
}

func TestSearch(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)

	out, err := e.run("search", "foo")
	require.NoError(t, err)
	assert.Equal(t, "No packages found for 'foo'\n", out)

	_, err = e.run("sync")
	require.NoError(t, err)
	_, err = e.run("install", "libfoo")
	require.NoError(t, err)

	out, err = e.run("search", "GREETING")
	require.NoError(t, err)
	assert.Equal(t, "  extra/hello 1.0 - Prints a greeting\n", out)

	out, err = e.run("search", "foo")
	require.NoError(t, err)
	assert.Equal(t, "* lib/libfoo 1.0 - Foo library\n", out)
}

func TestUpgrade(t *testing.T) {
	e := newTestEnv(t)
	pkgs := e.seed(t)
	_, err := e.run("sync")
	require.NoError(t, err)
	_, err = e.run("install", "hello")
	require.NoError(t, err)

	out, err := e.run("upgrade")
	require.NoError(t, err)
	assert.Equal(t, "==> System is up to date\n", out)

	sum := e.publish(t, "1.1", "hello-1.1.tar.gz", map[string]string{
		"usr/bin/hello": "#!/bin/sh\necho hello again\n",
	})
	pkgs[0].Version = "1.1"
	pkgs[0].SHA256 = sum
	pkgs[0].Filename = "hello-1.1.tar.gz"
	e.writeIndex(t, pkgs)
	_, err = e.run("sync")
	require.NoError(t, err)

	out, err = e.run("upgrade", "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, "  hello 1.0 -> 1.1\n", out)

	out, err = e.run("upgrade")
	require.NoError(t, err)
	assert.Contains(t, out, "==> Installed hello 1.1")

	data, err := os.ReadFile(filepath.Join(e.root, "usr/bin/hello"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello again")
	// Dropped by 1.1
	assert.NoFileExists(t, filepath.Join(e.root, "usr/share/doc/hello/README"))

	out, err = e.run("upgrade")
	require.NoError(t, err)
	assert.Equal(t, "==> System is up to date\n", out)
}

func TestListFlagsOrphans(t *testing.T) {
	e := newTestEnv(t)
	pkgs := e.seed(t)
	_, err := e.run("sync")
	require.NoError(t, err)
	_, err = e.run("install", "libfoo")
	require.NoError(t, err)

	e.writeIndex(t, pkgs[:1])
	_, err = e.run("sync")
	require.NoError(t, err)

	out, err := e.run("list")
	require.NoError(t, err)
	assert.Contains(t, out, "libfoo")
	assert.Contains(t, out, "(not in repository)")

	_, err = e.run("remove", "libfoo")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(e.root, "usr/lib/libfoo.so"))
}

func TestCommandErrors(t *testing.T) {
	e := newTestEnv(t)
	pkgs := e.seed(t)

	_, err := e.run("info", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Contains(t, err.Error(), "run 'scarab sync' first")

	_, err = e.run("remove", "hello")
	assert.ErrorIs(t, err, installer.ErrNotInstalled)

	pkgs[1].SHA256 = "0000000000000000000000000000000000000000000000000000000000000000"
	e.writeIndex(t, pkgs)
	_, err = e.run("sync")
	require.NoError(t, err)
	_, err = e.run("install", "libfoo")
	assert.ErrorIs(t, err, verify.ErrChecksumMismatch)
	assert.NoFileExists(t, filepath.Join(e.root, "usr/lib/libfoo.so"))

	_, err = e.run("install")
	assert.Error(t, err)

	_, err = e.run("frobnicate")
	assert.Error(t, err)
}

func TestMutatingCommandsTakeTheLock(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)
	t.Setenv("SCARAB_LOCK_TIMEOUT", "200ms")

	held, err := lock.Acquire(context.Background(), filepath.Join(e.dbDir, "lock"), 0)
	require.NoError(t, err)

	start := time.Now()
	_, err = e.run("sync")
	assert.ErrorIs(t, err, lock.ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	// Read-only commands do not wait
	_, err = e.run("list")
	assert.NoError(t, err)

	require.NoError(t, held.Release())
	_, err = e.run("sync")
	assert.NoError(t, err)
}

func TestBuildCommand(t *testing.T) {
	e := newTestEnv(t)
	dir := filepath.Join(e.portsDir, "core", "meta")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, build.PortfileName), []byte("build() {\n\techo staged\n\techo ok > \"$PKG/marker\"\n}\n"), 0644))

	out, err := e.run("build", "meta")
	require.NoError(t, err)
	assert.Contains(t, out, "==> Building meta from Portfile...")
	assert.Contains(t, out, "staged")
	assert.FileExists(t, filepath.Join(e.cacheDir, "pkg", "meta", "marker"))

	_, err = e.run("build", "missing")
	assert.ErrorIs(t, err, build.ErrPortfileNotFound)
}

func TestConfigCommand(t *testing.T) {
	e := newTestEnv(t)

	out, err := e.run("config")
	require.NoError(t, err)
	assert.Contains(t, out, "root          "+e.root+"\n")
	assert.Contains(t, out, "repo_url      file://"+e.mirror+"\n")
	assert.Contains(t, out, "backend       json\n")
	assert.Contains(t, out, "strict_deps   true\n")
	assert.Contains(t, out, "lock_timeout  1s\n")
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "unknown"},
		{"0", "0 B"},
		{"1234", "1.2 kB"},
		{"5242880", "5.2 MB"},
		{"12M", "12M"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSize(tt.in), tt.in)
	}
}
