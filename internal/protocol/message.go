// Package protocol defines the JSON wire model shared by the orchestrator,
// the worker agent, and the CLI.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job statuses (snake_case on the wire).
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Source types.
const (
	SourceGit    = "git"
	SourceUpload = "upload"
)

// Log stream types.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// TypeJobComplete is the terminal frame type on the live log stream.
const TypeJobComplete = "job_complete"

// Job is the wire representation of a job.
type Job struct {
	ID           string     `json:"id"`
	CustomerID   string     `json:"customer_id"`
	SourceType   string     `json:"source_type"`
	SourceURL    string     `json:"source_url"`
	Command      string     `json:"command,omitempty"`
	Script       string     `json:"script,omitempty"`
	Status       string     `json:"status"`
	WorkerID     string     `json:"worker_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	BuildMinutes *float64   `json:"build_minutes,omitempty"`
}

// LogEntry is a single log line pushed by a worker and fanned out to
// watchers.
type LogEntry struct {
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"` // stdout or stderr
	Content   string    `json:"content"`
}

// WorkerInfo describes a registered worker host; returned on heartbeat.
type WorkerInfo struct {
	ID            string    `json:"id"`
	Hostname      string    `json:"hostname"`
	Capacity      int       `json:"capacity"`
	CurrentJobs   int       `json:"current_jobs"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Status        string    `json:"status"`
}

// Artifact is a build output collected from the VM after a job finishes.
type Artifact struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	SizeBytes   int64  `json:"size_bytes"`
	DownloadURL string `json:"download_url,omitempty"`
}

// JobResult is the worker's completion report.
type JobResult struct {
	JobID        string     `json:"job_id"`
	ExitCode     int        `json:"exit_code"`
	Artifacts    []Artifact `json:"artifacts"`
	BuildMinutes float64    `json:"build_minutes"`
}

// JobLog is one parsed line of a stored log file.
type JobLog struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// --- Client → Orchestrator ---

// CreateJobRequest submits a git-source job.
type CreateJobRequest struct {
	SourceType string `json:"source_type"`
	SourceURL  string `json:"source_url"`
	Command    string `json:"command,omitempty"`
	Script     string `json:"script,omitempty"`
}

// CreateJobResponse is returned for job creation and start.
type CreateJobResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	StreamURL string `json:"stream_url"`
}

// UploadURLRequest asks for an upload slot for an archived source tree.
type UploadURLRequest struct {
	Command   string `json:"command,omitempty"`
	Script    string `json:"script,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
}

// UploadURLResponse carries the upload slot. SkipUpload is true when the
// archive for CommitSHA already exists in storage.
type UploadURLResponse struct {
	JobID       string `json:"job_id"`
	UploadURL   string `json:"upload_url"`
	DownloadURL string `json:"download_url"`
	UploadToken string `json:"upload_token"`
	SkipUpload  bool   `json:"skip_upload"`
}

// RetryResponse is returned when retrying a failed or cancelled job.
type RetryResponse struct {
	NewJobID      string `json:"new_job_id"`
	OriginalJobID string `json:"original_job_id"`
}

// --- Worker → Orchestrator ---

// RegisterRequest registers a worker. WorkerID may carry an id persisted
// from a previous run; the server's answer is authoritative.
type RegisterRequest struct {
	Hostname string `json:"hostname"`
	Capacity int    `json:"capacity"`
	WorkerID string `json:"worker_id,omitempty"`
}

// RegisterResponse is the server's registration answer.
type RegisterResponse struct {
	WorkerID string `json:"worker_id"`
	Token    string `json:"token"`
}

// HeartbeatRequest reports worker liveness and load.
type HeartbeatRequest struct {
	WorkerID    string `json:"worker_id"`
	CurrentJobs int    `json:"current_jobs"`
	Capacity    int    `json:"capacity"`
}

// ClaimRequest asks for the oldest pending job.
type ClaimRequest struct {
	WorkerID string `json:"worker_id"`
}

// CompleteRequest reports a finished job.
type CompleteRequest struct {
	JobID        string     `json:"job_id"`
	ExitCode     int        `json:"exit_code"`
	Artifacts    []Artifact `json:"artifacts"`
	BuildMinutes float64    `json:"build_minutes"`
}

// --- Live log stream frames ---

// ErrorFrame is sent once when a watcher subscribes to a stream that does
// not exist (job unknown or already completed).
type ErrorFrame struct {
	Error string `json:"error"`
}

// JobCompleteFrame is the final frame on a job's live stream.
type JobCompleteFrame struct {
	Type           string  `json:"type"`
	Status         string  `json:"status"`
	ExitCode       int     `json:"exit_code"`
	BuildMinutes   float64 `json:"build_minutes"`
	ArtifactsCount int     `json:"artifacts_count"`
}

// EncodeFrame marshals a stream frame to a JSON text message.
func EncodeFrame(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal frame: %w", err)
	}
	return string(b), nil
}
