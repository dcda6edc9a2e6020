package domain

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DeploymentRequest asks the agent to republish every project of Repository
// that has a profile for DeploymentType.
type DeploymentRequest struct {
	DeploymentType string `json:"deployment_type"`
	Repository     string `json:"repository"`
}

// NewDeploymentRequest trims both parameters and validates the result.
func NewDeploymentRequest(deploymentType, repository string) (DeploymentRequest, error) {
	req := DeploymentRequest{
		DeploymentType: strings.TrimSpace(deploymentType),
		Repository:     strings.TrimSpace(repository),
	}
	if err := req.Validate(); err != nil {
		return DeploymentRequest{}, err
	}
	return req, nil
}

// Validate checks that both parameters are present and that the repository
// resolves inside the repository root.
func (r DeploymentRequest) Validate() error {
	if r.DeploymentType == "" {
		return fmt.Errorf("%w: deployment type is required", ErrInvalidRequest)
	}
	if strings.ContainsAny(r.DeploymentType, `/\`) {
		return fmt.Errorf("%w: deployment type %q must not contain path separators", ErrInvalidRequest, r.DeploymentType)
	}
	if r.Repository == "" {
		return fmt.Errorf("%w: repository is required", ErrInvalidRequest)
	}
	if !filepath.IsLocal(r.Repository) {
		return fmt.Errorf("%w: repository %q must be a relative path inside the repository root", ErrInvalidRequest, r.Repository)
	}
	return nil
}

// RepositoryPath joins the request's repository onto root.
func (r DeploymentRequest) RepositoryPath(root string) string {
	return filepath.Join(root, r.Repository)
}

func (r DeploymentRequest) String() string {
	return fmt.Sprintf("'%s' to %s", r.DeploymentType, r.Repository)
}
