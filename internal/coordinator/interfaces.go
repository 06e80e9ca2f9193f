package coordinator

import (
	"context"
	"io"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces row IDs and lease tokens (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Event topics published by the service.
const (
	TopicConfigPublished  = "config.published"
	TopicTestRunCompleted = "testrun.completed"
)
