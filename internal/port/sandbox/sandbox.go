// Package sandbox defines the capability port for the external sandbox API
// that hosts sprites. The control plane consumes this boundary; it never
// implements the sandboxes themselves.
package sandbox

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the sandbox API reports the sprite gone.
// A single occurrence is treated as possibly spurious; callers require two
// consecutive occurrences before acting on it.
var ErrNotFound = errors.New("sandbox: not found")

// ExecResult is the outcome of a non-streaming exec.
type ExecResult struct {
	Output   string
	ExitCode int
}

// StreamKind tags a streaming event.
type StreamKind string

const (
	StreamStdout StreamKind = "stdout"
	StreamStderr StreamKind = "stderr"
	StreamExit   StreamKind = "exit"
)

// StreamEvent is one chunk of streaming exec output. The sequence is
// terminated by a single StreamExit event carrying the parsed exit code.
type StreamEvent struct {
	Kind     StreamKind
	Chunk    string
	ExitCode int
}

// Session is a handle on a streaming exec. Events delivers output in order
// and is closed after the exit event; Close abandons the session early.
type Session interface {
	Events() <-chan StreamEvent
	Close() error
}

// CreateOptions configures a new sprite.
type CreateOptions struct {
	Image string
	Tags  map[string]string
}

// API is the sandbox capability. All calls are network-bound and must be
// given a context with a deadline; a timeout is a retryable failure.
type API interface {
	Get(ctx context.Context, id string) (status string, err error)
	Create(ctx context.Context, id string, opts CreateOptions) error
	Delete(ctx context.Context, id string) error
	Wake(ctx context.Context, id string) error
	Sleep(ctx context.Context, id string) error
	Exec(ctx context.Context, id, command string) (ExecResult, error)
	ExecStreaming(ctx context.Context, id, command string) (Session, error)
}
