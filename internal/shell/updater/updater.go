// Package updater replaces the running executable with a newer release.
package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Updater checks for and installs a newer version of the agent.
type Updater interface {
	// CheckAndApply reports whether a new executable was installed. The
	// running process keeps the old code until it is restarted.
	CheckAndApply(ctx context.Context) (bool, error)
}

// Noop never updates.
type Noop struct{}

func (Noop) CheckAndApply(context.Context) (bool, error) { return false, nil }

// Config holds self-update settings.
type Config struct {
	Enabled        bool
	ReleasesURL    string
	AssetName      string
	CurrentVersion string
	ExecutablePath string
	Timeout        time.Duration
	MaxRetries     int
}

// DefaultAssetName is the release asset built for this platform.
func DefaultAssetName() string {
	name := fmt.Sprintf("deployagent-%s-%s", runtime.GOOS, runtime.GOARCH)
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return name
}

// ReleaseInfo is the subset of a release document the updater reads.
type ReleaseInfo struct {
	TagName string  `json:"tag_name"`
	HTMLURL string  `json:"html_url"`
	Assets  []Asset `json:"assets"`
}

// Asset represents a downloadable file in a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// FindAsset finds an asset by name in a release.
func FindAsset(release *ReleaseInfo, name string) *Asset {
	for i := range release.Assets {
		if release.Assets[i].Name == name {
			return &release.Assets[i]
		}
	}
	return nil
}

// CheckResult describes the outcome of a release check.
type CheckResult struct {
	Available      bool
	CurrentVersion string
	LatestVersion  string
	Release        *ReleaseInfo
}

// New returns a ReleaseUpdater, or Noop when updates are disabled.
func New(cfg Config, logger *slog.Logger) Updater {
	if !cfg.Enabled || cfg.ReleasesURL == "" {
		return Noop{}
	}
	return NewReleaseUpdater(cfg, logger)
}

// ReleaseUpdater updates from a releases endpoint that serves the latest
// release as JSON.
type ReleaseUpdater struct {
	client *retryablehttp.Client
	config Config
	logger *slog.Logger
}

func NewReleaseUpdater(cfg Config, logger *slog.Logger) *ReleaseUpdater {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "updater")
	if cfg.AssetName == "" {
		cfg.AssetName = DefaultAssetName()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = logger

	return &ReleaseUpdater{client: client, config: cfg, logger: logger}
}

// Check queries the releases endpoint for a newer version. Builds without a
// parseable version never report an update.
func (u *ReleaseUpdater) Check(ctx context.Context) (*CheckResult, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.config.ReleasesURL, nil)
	if err != nil {
		return nil, &Error{Op: "check", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "deployagent/"+u.config.CurrentVersion)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, &Error{Op: "check", Err: err}
	}
	defer resp.Body.Close()

	result := &CheckResult{CurrentVersion: u.config.CurrentVersion}
	if resp.StatusCode == http.StatusNotFound {
		return result, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: "check", Err: fmt.Errorf("releases endpoint returned %d", resp.StatusCode)}
	}

	var release ReleaseInfo
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, &Error{Op: "check", Err: fmt.Errorf("decode release: %w", err)}
	}
	result.Release = &release
	result.LatestVersion = strings.TrimPrefix(release.TagName, "v")

	latest, err := ParseSemver(release.TagName)
	if err != nil {
		return nil, &Error{Op: "check", Err: fmt.Errorf("parse latest version: %w", err)}
	}
	current, err := ParseSemver(u.config.CurrentVersion)
	if err != nil {
		u.logger.Debug("current version is not a release, skipping update", "version", u.config.CurrentVersion)
		return result, nil
	}

	result.Available = current.LessThan(latest)
	return result, nil
}

// CheckAndApply installs the latest release if it is newer than the
// running version.
func (u *ReleaseUpdater) CheckAndApply(ctx context.Context) (bool, error) {
	result, err := u.Check(ctx)
	if err != nil {
		return false, err
	}
	if !result.Available {
		u.logger.Debug("no update available", "current", result.CurrentVersion, "latest", result.LatestVersion)
		return false, nil
	}

	asset := FindAsset(result.Release, u.config.AssetName)
	if asset == nil {
		return false, &Error{Op: "find asset", Err: fmt.Errorf("release %s has no asset %q", result.LatestVersion, u.config.AssetName)}
	}

	exe, err := u.executablePath()
	if err != nil {
		return false, &Error{Op: "locate executable", Err: err}
	}

	tmp, err := u.download(ctx, asset, filepath.Dir(exe))
	if err != nil {
		return false, &Error{Op: "download", Err: err}
	}

	if err := ReplaceBinary(exe, tmp); err != nil {
		os.Remove(tmp)
		return false, &Error{Op: "replace", Err: err}
	}

	u.logger.Info("update installed", "from", result.CurrentVersion, "to", result.LatestVersion, "path", exe)
	return true, nil
}

func (u *ReleaseUpdater) executablePath() (string, error) {
	if u.config.ExecutablePath != "" {
		return u.config.ExecutablePath, nil
	}
	return os.Executable()
}

// download writes the asset next to the executable so the final rename
// stays on one filesystem.
func (u *ReleaseUpdater) download(ctx context.Context, asset *Asset, dir string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, asset.BrowserDownloadURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download returned %d", resp.StatusCode)
	}

	tmpFile, err := os.CreateTemp(dir, ".deployagent-update-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	n, err := io.Copy(tmpFile, resp.Body)
	closeErr := tmpFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && asset.Size > 0 && n != asset.Size {
		err = fmt.Errorf("downloaded %d bytes, expected %d", n, asset.Size)
	}
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Chmod(tmpFile.Name(), 0o755); err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("chmod temp file: %w", err)
	}

	return tmpFile.Name(), nil
}

// ReplaceBinary replaces destPath with newPath, restoring the previous
// binary if the new one cannot be moved into place.
func ReplaceBinary(destPath, newPath string) error {
	destPath, err := filepath.EvalSymlinks(destPath)
	if err != nil {
		return fmt.Errorf("resolve symlink: %w", err)
	}

	bakPath := destPath + ".bak"
	if err := os.Remove(bakPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale backup: %w", err)
	}

	if err := os.Rename(destPath, bakPath); err != nil {
		return fmt.Errorf("backup old binary: %w", err)
	}

	if err := os.Rename(newPath, destPath); err != nil {
		_ = os.Rename(bakPath, destPath)
		return fmt.Errorf("install new binary: %w", err)
	}

	// A running executable cannot be deleted on Windows; the stale backup is
	// removed by the next update instead.
	_ = os.Remove(bakPath)

	return nil
}
