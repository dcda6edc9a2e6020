package domain

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeploymentRequest(t *testing.T) {
	tests := []struct {
		name       string
		depType    string
		repository string
		wantErr    bool
	}{
		{"valid", "Production", "shop", false},
		{"trimmed", "  Production ", " shop\t", false},
		{"nested repository", "Staging", "clients/shop", false},
		{"missing type", "", "shop", true},
		{"blank type", "   ", "shop", true},
		{"missing repository", "Production", "", true},
		{"parent escape", "Production", "../etc", true},
		{"absolute repository", "Production", "/etc", true},
		{"type with separator", "../Production", "shop", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := NewDeploymentRequest(tt.depType, tt.repository)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.NotContains(t, req.DeploymentType, " ")
			assert.NotContains(t, req.Repository, " ")
		})
	}
}

func TestDeploymentRequest_RepositoryPath(t *testing.T) {
	req := DeploymentRequest{DeploymentType: "Production", Repository: "shop"}
	assert.Equal(t, filepath.Join("/home/u/source/repos", "shop"), req.RepositoryPath("/home/u/source/repos"))
	assert.Equal(t, "'Production' to shop", req.String())
}

func TestProjectTarget_ProjectDir(t *testing.T) {
	target := ProjectTarget{Name: "App1", SourcePath: filepath.Join("repo", "src", "App1", "App1.csproj")}
	assert.Equal(t, filepath.Join("repo", "src", "App1"), target.ProjectDir())
}

func TestTargetOutcome_Duration(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	o := TargetOutcome{Status: TargetSucceeded, StartedAt: start, FinishedAt: start.Add(3 * time.Second)}

	assert.True(t, o.Succeeded())
	assert.Equal(t, 3*time.Second, o.Duration())
	assert.Zero(t, TargetOutcome{}.Duration())
}

func TestSeverity_Level(t *testing.T) {
	assert.Equal(t, "ERROR", SeverityError.Level().String())
	assert.Equal(t, "WARN", SeverityStderr.Level().String())
	assert.Equal(t, "DEBUG", SeverityStdout.Level().String())
	assert.Equal(t, "INFO", SeverityHighlight.Level().String())
}
