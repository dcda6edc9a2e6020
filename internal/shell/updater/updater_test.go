package updater

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/deployagent/internal/core/domain"
)

const newBinary = "#!/bin/sh\necho new\n"

type releaseServer struct {
	*httptest.Server
	tag    string
	status int
}

func newReleaseServer(t *testing.T, tag string) *releaseServer {
	t.Helper()
	rs := &releaseServer{tag: tag, status: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		if rs.status != http.StatusOK {
			w.WriteHeader(rs.status)
			return
		}
		_ = json.NewEncoder(w).Encode(ReleaseInfo{
			TagName: rs.tag,
			HTMLURL: rs.URL + "/releases/" + rs.tag,
			Assets: []Asset{
				{Name: "deployagent-test", BrowserDownloadURL: rs.URL + "/download/deployagent-test", Size: int64(len(newBinary))},
			},
		})
	})
	mux.HandleFunc("/download/deployagent-test", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(newBinary))
	})
	rs.Server = httptest.NewServer(mux)
	t.Cleanup(rs.Close)
	return rs
}

func installedBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deployagent")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o755))
	return path
}

func testConfig(rs *releaseServer, exe, version string) Config {
	return Config{
		Enabled:        true,
		ReleasesURL:    rs.URL + "/releases/latest",
		AssetName:      "deployagent-test",
		CurrentVersion: version,
		ExecutablePath: exe,
		MaxRetries:     0,
	}
}

// =============================================================================
// Semver Tests
// =============================================================================

func TestParseSemver(t *testing.T) {
	tests := []struct {
		in      string
		want    Semver
		wantErr bool
	}{
		{"1.2.3", Semver{1, 2, 3}, false},
		{"v10.0.1", Semver{10, 0, 1}, false},
		{"1.2.3-rc.1", Semver{1, 2, 3}, false},
		{"dev", Semver{}, true},
		{"1.2", Semver{}, true},
		{"1.x.3", Semver{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSemver(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSemver_LessThan(t *testing.T) {
	assert.True(t, Semver{1, 2, 3}.LessThan(Semver{1, 3, 0}))
	assert.True(t, Semver{1, 9, 9}.LessThan(Semver{2, 0, 0}))
	assert.False(t, Semver{1, 2, 3}.LessThan(Semver{1, 2, 3}))
	assert.False(t, Semver{1, 2, 4}.LessThan(Semver{1, 2, 3}))
	assert.Equal(t, "1.2.3", Semver{1, 2, 3}.String())
}

// =============================================================================
// Updater Tests
// =============================================================================

func TestNew_DisabledIsNoop(t *testing.T) {
	u := New(Config{Enabled: false, ReleasesURL: "http://example.invalid"}, nil)
	assert.IsType(t, Noop{}, u)

	applied, err := u.CheckAndApply(context.Background())
	assert.NoError(t, err)
	assert.False(t, applied)
}

func TestCheckAndApply_InstallsNewerRelease(t *testing.T) {
	rs := newReleaseServer(t, "v1.3.0")
	exe := installedBinary(t)

	applied, err := NewReleaseUpdater(testConfig(rs, exe, "1.2.0"), nil).CheckAndApply(context.Background())
	require.NoError(t, err)
	assert.True(t, applied)

	content, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, newBinary, string(content))

	_, err = os.Stat(exe + ".bak")
	assert.True(t, os.IsNotExist(err))
}

func TestCheckAndApply_SameVersion(t *testing.T) {
	rs := newReleaseServer(t, "v1.2.0")
	exe := installedBinary(t)

	applied, err := NewReleaseUpdater(testConfig(rs, exe, "1.2.0"), nil).CheckAndApply(context.Background())
	require.NoError(t, err)
	assert.False(t, applied)

	content, _ := os.ReadFile(exe)
	assert.Equal(t, "old", string(content))
}

func TestCheckAndApply_DevBuildNeverUpdates(t *testing.T) {
	rs := newReleaseServer(t, "v9.9.9")
	applied, err := NewReleaseUpdater(testConfig(rs, installedBinary(t), "dev"), nil).CheckAndApply(context.Background())
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestCheckAndApply_NoReleases(t *testing.T) {
	rs := newReleaseServer(t, "v1.0.0")
	rs.status = http.StatusNotFound

	applied, err := NewReleaseUpdater(testConfig(rs, installedBinary(t), "1.0.0"), nil).CheckAndApply(context.Background())
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestCheckAndApply_ServerError(t *testing.T) {
	rs := newReleaseServer(t, "v1.0.0")
	rs.status = http.StatusInternalServerError

	_, err := NewReleaseUpdater(testConfig(rs, installedBinary(t), "1.0.0"), nil).CheckAndApply(context.Background())
	assert.ErrorIs(t, err, domain.ErrSelfUpdate)
}

func TestCheckAndApply_MissingAsset(t *testing.T) {
	rs := newReleaseServer(t, "v2.0.0")
	cfg := testConfig(rs, installedBinary(t), "1.0.0")
	cfg.AssetName = "deployagent-other-arch"

	applied, err := NewReleaseUpdater(cfg, nil).CheckAndApply(context.Background())
	assert.False(t, applied)
	assert.ErrorIs(t, err, domain.ErrSelfUpdate)

	var ue *Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "find asset", ue.Op)
}

func TestReplaceBinary_RestoresOnFailure(t *testing.T) {
	exe := installedBinary(t)

	err := ReplaceBinary(exe, filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	content, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, "old", string(content))
}

func TestFindAsset(t *testing.T) {
	release := &ReleaseInfo{Assets: []Asset{{Name: "a"}, {Name: "b"}}}
	require.NotNil(t, FindAsset(release, "b"))
	assert.Equal(t, "b", FindAsset(release, "b").Name)
	assert.Nil(t, FindAsset(release, "c"))
}
