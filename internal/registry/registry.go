// Package registry is the shared key/value registry of spec.md §4.4:
// project signing config and stream-path public/content-type/reader-key
// records, consulted (and tolerated-stale) by every engine instance.
package registry

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("registry: key not found")

// ProjectConfig is the `project:<id>` record.
type ProjectConfig struct {
	SigningSecrets []string `json:"signing_secrets"`
	CORSOrigins    []string `json:"cors_origins,omitempty"`
	IsPublic       bool     `json:"is_public,omitempty"`
}

// StreamRecord is the `stream:<path>` record.
type StreamRecord struct {
	Public      bool   `json:"public"`
	ContentType string `json:"content_type"`
	CreatedAt   int64  `json:"created_at"`
	ReaderKey   string `json:"reader_key,omitempty"`
}

// Registry is the KV contract of spec.md §4.4.
type Registry interface {
	GetProject(ctx context.Context, projectID string) (ProjectConfig, error)
	PutProject(ctx context.Context, projectID string, cfg ProjectConfig) error

	GetStream(ctx context.Context, path string) (StreamRecord, error)
	PutStream(ctx context.Context, path string, rec StreamRecord) error
	// DeleteStream retries up to 3 times with linear 100/200/300ms backoff
	// before giving up, per spec.md §4.4. BboltRegistry logs a failure
	// after retries itself and returns nil; any error that is returned is
	// logged by the caller and otherwise ignored (hot storage remains
	// authoritative).
	DeleteStream(ctx context.Context, path string) error

	ListStreams(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// DeleteRetryBackoff is the linear backoff schedule for DeleteStream,
// exported so callers that wrap Registry implementations with their own
// retry loop (e.g. a queue-backed registry) can reuse the same schedule.
var DeleteRetryBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
