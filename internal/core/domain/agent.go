package domain

import "time"

// AgentState is what the deployment loop is doing.
type AgentState string

const (
	AgentIdle      AgentState = "idle"
	AgentDeploying AgentState = "deploying"
)

// AgentStatus is a point-in-time view of the deployment loop.
type AgentStatus struct {
	State        AgentState         `json:"state"`
	DeploymentID string             `json:"deployment_id,omitempty"`
	Request      *DeploymentRequest `json:"request,omitempty"`
	Since        time.Time          `json:"since"`
	Version      string             `json:"version,omitempty"`
}
