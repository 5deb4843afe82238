package repo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/scarab-os/scarab/pkg/config"
	"github.com/scarab-os/scarab/pkg/platform"
	"github.com/scarab-os/scarab/pkg/storage"
)

// client implements the Client interface over http, https and file URLs
type client struct {
	httpClient *http.Client
	baseURL    string
	cacheDir   string
	platform   platform.Platform
	logger     zerolog.Logger
}

// NewClient creates a repository client for the configured repository URL.
// Artifacts are cached in the packages directory below cache_dir.
func NewClient(cfg *config.Config, logger zerolog.Logger) Client {
	return &client{
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		baseURL:  strings.TrimRight(cfg.RepoURL, "/"),
		cacheDir: cfg.GetDirectories().Packages,
		platform: platform.Platform{OS: platform.Current().OS, Arch: cfg.Arch},
		logger:   logger,
	}
}

// FetchIndex downloads the repository index
func (c *client) FetchIndex(ctx context.Context) ([]storage.PackageInfo, error) {
	indexURL := c.baseURL + "/" + IndexPath
	c.logger.Info().Str("url", indexURL).Msg("Fetching repository index")

	body, _, err := c.open(ctx, indexURL)
	if err != nil {
		return nil, &FetchError{URL: indexURL, Err: err}
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &FetchError{URL: indexURL, Err: err}
	}

	pkgs, err := storage.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("invalid repository index %s: %w", indexURL, err)
	}

	kept := pkgs[:0]
	for _, p := range pkgs {
		if arch, foreign := c.platform.ForeignArch(p.Filename); foreign {
			c.logger.Debug().
				Str("package", p.Name).
				Str("arch", arch).
				Msg("Skipping package built for another architecture")
			continue
		}
		kept = append(kept, p)
	}

	c.logger.Debug().
		Int("packages", len(kept)).
		Int("skipped", len(pkgs)-len(kept)).
		Msg("Repository index parsed")
	return kept, nil
}

// ArtifactURL returns the download location of pkg below baseURL
func ArtifactURL(baseURL string, pkg storage.PackageInfo) string {
	return fmt.Sprintf("%s/v%s/%s", strings.TrimRight(baseURL, "/"), pkg.Version, pkg.Filename)
}

// Fetch returns the cached artifact for pkg, downloading it first if needed
func (c *client) Fetch(ctx context.Context, pkg storage.PackageInfo) (string, error) {
	if pkg.Filename == "" || pkg.Filename != filepath.Base(pkg.Filename) {
		return "", &FetchError{Package: pkg.Name, Err: fmt.Errorf("invalid artifact filename %q", pkg.Filename)}
	}

	dest := filepath.Join(c.cacheDir, pkg.Filename)
	if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() {
		c.logger.Debug().Str("package", pkg.Name).Str("path", dest).Msg("Using cached artifact")
		return dest, nil
	}

	artifactURL := ArtifactURL(c.baseURL, pkg)
	if err := c.Download(ctx, artifactURL, dest); err != nil {
		return "", &FetchError{Package: pkg.Name, URL: artifactURL, Err: err}
	}
	return dest, nil
}

// Download writes rawURL to destPath through a temporary .part file so that
// an interrupted transfer never looks like a complete artifact
func (c *client) Download(ctx context.Context, rawURL, destPath string) error {
	body, size, err := c.open(ctx, rawURL)
	if err != nil {
		return err
	}
	defer body.Close()

	// Create destination directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	part := destPath + ".part"
	f, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	start := time.Now()
	written, err := io.Copy(f, body)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(part)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if size >= 0 && written != size {
		os.Remove(part)
		return fmt.Errorf("short download: got %d of %d bytes", written, size)
	}

	if err := os.Rename(part, destPath); err != nil {
		os.Remove(part)
		return fmt.Errorf("failed to move download into place: %w", err)
	}

	c.logger.Info().
		Str("url", rawURL).
		Str("size", humanize.Bytes(uint64(written))).
		Dur("took", time.Since(start)).
		Msg("Downloaded")
	return nil
}

// open returns a reader for rawURL and its length, or -1 when unknown
func (c *client) open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid url: %w", err)
	}

	switch u.Scheme {
	case "file":
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, 0, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, err
		}
		return f, info.Size(), nil
	case "http", "https":
	default:
		return nil, 0, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "scarab ("+c.platform.String()+")")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}
