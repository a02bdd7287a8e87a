// Package objectstore provides blob storage for source archives, job
// logs, and build artifacts. It supports S3-compatible services (for
// production) and the local filesystem (for development).
package objectstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get and Head when the object doesn't exist.
var ErrNotFound = errors.New("object not found")

// Well-known key layouts.
const (
	SourcePrefix   = "sources/"
	LogPrefix      = "logs/"
	ArtifactPrefix = "artifacts/"
)

// Store provides blob storage and public download URLs.
type Store interface {
	// Put writes an object. Existing objects are overwritten.
	Put(ctx context.Context, key, contentType string, body io.Reader) error

	// Get returns the object content. The caller must close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Head reports whether the object exists. Powers upload dedup.
	Head(ctx context.Context, key string) (bool, error)

	// PublicURL returns the public GET URL for a key.
	PublicURL(key string) string

	Close() error
}

// SourceKey returns the storage key for a source archive. The commit sha
// is the dedup key; jobs without one fall back to their own id.
func SourceKey(commitSHA, jobID string) string {
	if commitSHA != "" {
		return SourcePrefix + commitSHA + ".zip"
	}
	return SourcePrefix + jobID + ".zip"
}

// LogKey returns the storage key for a job's concatenated log file.
func LogKey(jobID string) string {
	return LogPrefix + jobID + ".log"
}

// ArtifactKey returns the storage key for an uploaded artifact.
func ArtifactKey(jobID, filename string) string {
	return ArtifactPrefix + jobID + "/" + filename
}
