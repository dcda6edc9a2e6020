package gateway

import "github.com/artpar/deployagent/internal/core/domain"

// =============================================================================
// Response Types
// =============================================================================

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// StatusResponse reports what the deployment loop is doing.
type StatusResponse struct {
	Agent      domain.AgentStatus `json:"agent"`
	LogEntries int                `json:"log_entries"`
}

// LogResponse is the JSON rendering of an ordered log.
type LogResponse struct {
	DeploymentID string            `json:"deployment_id,omitempty"`
	Entries      []domain.LogEntry `json:"entries"`
}

// DeploymentListResponse is a page of deployment history.
type DeploymentListResponse struct {
	Deployments []domain.Deployment `json:"deployments"`
	Limit       int                 `json:"limit"`
	Offset      int                 `json:"offset"`
}
