// Package models contains shared data models used across the agentdeploy codebase.
package models

import "time"

// DeploymentStatus is the lifecycle state of a deployment job.
type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentInProgress DeploymentStatus = "in_progress"
	DeploymentCompleted  DeploymentStatus = "completed"
	DeploymentFailed     DeploymentStatus = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentCompleted || s == DeploymentFailed
}

// Deployment phases recorded while a job is in progress.
const (
	PhaseVMCreation      = "vm_creation"
	PhaseServiceStarting = "service_starting"
)

// Deployment tracks one agent deployment. The API returns the job id on
// POST /api/v1/deployments; the client polls GET /api/v1/deployments/{jobID}
// until status is completed or failed.
type Deployment struct {
	JobID         string           `db:"job_id"         json:"jobId"`
	Status        DeploymentStatus `db:"status"         json:"status"`
	Phase         string           `db:"phase"          json:"phase,omitempty"`
	Message       string           `db:"message"        json:"message"`
	InstanceName  *string          `db:"instance_name"  json:"instanceName,omitempty"`
	AgentName     string           `db:"agent_name"     json:"agentName"`
	Description   string           `db:"description"    json:"description"`
	SocialLink    string           `db:"social_link"    json:"socialLink"`
	WalletAddress string           `db:"wallet_address" json:"walletAddress"`
	MemoryID      string           `db:"memory_id"      json:"memoryId"`
	StartTime     time.Time        `db:"start_time"     json:"startTime"`
	CompletedTime *time.Time       `db:"completed_time" json:"completedTime,omitempty"`
	Error         *string          `db:"error"          json:"error,omitempty"`
	Output        *string          `db:"output"         json:"output,omitempty"`
	ArchivedAt    *time.Time       `db:"archived_at"    json:"archivedAt,omitempty"`
	UpdatedAt     time.Time        `db:"updated_at"     json:"updatedAt"`
}

// Instance returns the instance name or "" when it is not known yet.
func (d *Deployment) Instance() string {
	if d.InstanceName == nil {
		return ""
	}
	return *d.InstanceName
}

// Summary returns the list view of the deployment.
func (d *Deployment) Summary() DeploymentSummary {
	return DeploymentSummary{
		JobID:        d.JobID,
		Status:       d.Status,
		InstanceName: d.InstanceName,
		StartTime:    d.StartTime,
	}
}

// DeploymentSummary is one row of list_deployments.
type DeploymentSummary struct {
	JobID        string           `json:"jobId"`
	Status       DeploymentStatus `json:"status"`
	InstanceName *string          `json:"instanceName,omitempty"`
	StartTime    time.Time        `json:"startTime"`
}

// DeploymentRequest is the input of create_deployment. The telegram token is
// handed to the provisioning script and never persisted.
type DeploymentRequest struct {
	TelegramToken string `json:"telegram"`
	AgentName     string `json:"agentName"`
	Description   string `json:"description"`
	SocialLink    string `json:"socialLink"`
	WalletAddress string `json:"walletAddress"`
	MemoryID      string `json:"memoryId"`
}
