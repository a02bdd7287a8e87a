// Package storage provides persistence for jobs, workers, artifacts,
// users, and API keys.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record doesn't exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidState is returned when a state-machine guard rejects a
// transition (e.g. cancelling a completed job).
var ErrInvalidState = errors.New("invalid state")

// JobStatus represents the state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transition.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Source types.
const (
	SourceGit    = "git"
	SourceUpload = "upload"
)

// WorkerStatus represents the state of a worker host.
type WorkerStatus string

const (
	WorkerOnline   WorkerStatus = "online"
	WorkerBusy     WorkerStatus = "busy"
	WorkerOffline  WorkerStatus = "offline"
	WorkerDraining WorkerStatus = "draining"
)

// Job is the central entity: one submitted unit of work.
// Exactly one of Command and Script is set.
type Job struct {
	ID           string
	CustomerID   string
	SourceType   string
	SourceURL    string
	Command      string
	Script       string
	Status       JobStatus
	WorkerID     string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ExitCode     *int
	BuildMinutes *float64
}

// Worker is a registered macOS host. Never deleted, only marked offline.
type Worker struct {
	ID            string
	Hostname      string
	Capacity      int
	CurrentJobs   int
	LastHeartbeat time.Time
	Status        WorkerStatus
}

// Artifact is a build output recorded against a completed job.
type Artifact struct {
	ID          int64
	JobID       string
	Name        string
	Path        string
	SizeBytes   int64
	DownloadURL string
}

// User is an account that owns jobs and API keys.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// APIKey holds only the Argon2id hash of the key secret; raw material is
// shown once at creation and never persisted.
type APIKey struct {
	ID         string
	UserID     string
	Name       string
	KeyHash    string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// JobFilter narrows ListJobs. Limit is capped at 100 by callers.
type JobFilter struct {
	CustomerID string
	Status     JobStatus
	Limit      int
}

// Storage defines the interface for all database operations. The job
// store is the single source of truth for job state.
type Storage interface {
	// Jobs
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// ClaimJob atomically assigns the oldest pending job to workerID and
	// transitions it to running. Returns (nil, nil) when nothing is
	// pending. Two concurrent claims can never win the same job.
	ClaimJob(ctx context.Context, workerID string, now time.Time) (*Job, error)

	// CompleteJob records the result. A job already in a terminal state
	// keeps its status (terminal wins) but the call still succeeds.
	CompleteJob(ctx context.Context, id string, exitCode int, buildMinutes float64, now time.Time) (*Job, error)

	// CancelJob transitions pending|running to cancelled and returns
	// ErrInvalidState for any other starting status.
	CancelJob(ctx context.Context, id string, now time.Time) error

	// Artifacts
	AddArtifacts(ctx context.Context, jobID string, artifacts []Artifact) error
	ListArtifacts(ctx context.Context, jobID string) ([]Artifact, error)
	SetArtifactDownloadURL(ctx context.Context, jobID, name, downloadURL string) error

	// Workers
	UpsertWorker(ctx context.Context, w *Worker) error
	GetWorker(ctx context.Context, id string) (*Worker, error)
	ListWorkers(ctx context.Context) ([]*Worker, error)
	UpdateWorkerHeartbeat(ctx context.Context, id string, currentJobs, capacity int, status WorkerStatus, at time.Time) error
	SetWorkerStatus(ctx context.Context, id string, status WorkerStatus) error

	// Users
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// API keys
	CreateAPIKey(ctx context.Context, k *APIKey) error
	GetAPIKey(ctx context.Context, id string) (*APIKey, error)
	ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error)
	DeleteAPIKey(ctx context.Context, id, userID string) error
	TouchAPIKey(ctx context.Context, id string, at time.Time) error

	// Lifecycle
	Close() error
}
