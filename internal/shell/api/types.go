package api

import (
	"github.com/artpar/keel/internal/core/domain"
)

// =============================================================================
// Request Types
// =============================================================================

// EnqueueRequest is the request body for queueing a deployment. The
// application is named by id or by uuid.
type EnqueueRequest struct {
	ApplicationID   int64  `json:"application_id,omitempty"`
	ApplicationUUID string `json:"application_uuid,omitempty"`
	Commit          string `json:"commit,omitempty"`
	PullRequestID   int    `json:"pull_request_id,omitempty"`

	domain.DeploymentFlags
}

// ServerRequest is the request body for registering a server. The private
// key is sealed before it is stored and never returned.
type ServerRequest struct {
	domain.Server
	PrivateKey string `json:"private_key,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// ServerResponse is a registered server. KeyFingerprint is the SHA256
// fingerprint of the key sent with the request, so the caller can check it
// against the authorized_keys entry on the host.
type ServerResponse struct {
	domain.Server
	KeyFingerprint string `json:"key_fingerprint,omitempty"`
}

// LogsResponse is a page of deployment log lines. Next is the order to pass
// as ?after= to fetch the following lines.
type LogsResponse struct {
	DeploymentUUID string             `json:"deployment_uuid"`
	Status         domain.QueueStatus `json:"status"`
	Logs           []domain.LogEntry  `json:"logs"`
	Next           int                `json:"next"`
}

// QueueResponse lists the queue entries of a server.
type QueueResponse struct {
	ServerID int64               `json:"server_id"`
	Entries  []domain.QueueEntry `json:"entries"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the response for health check.
type HealthResponse struct {
	Status string `json:"status"`
}
