// Package environment allocates the isolated environments toolforge installs
// repositories into and runs generated code in. A Provider hands out live
// environments, each running the sandbox boundary, and turns them into
// reusable snapshots.
package environment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"toolforge/internal/sandbox"
	"toolforge/internal/tactile"
)

// ErrEnvironment marks failures of the environment itself, as opposed to
// failures of the code running in it.
var ErrEnvironment = errors.New("environment error")

// Error wraps an environment failure with the operation that hit it.
type Error struct {
	Op  string
	ID  string
	Err error
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("environment %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("environment %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrEnvironment, e.Err}
}

// Snapshot is a frozen environment that can be restored any number of times.
type Snapshot struct {
	// Ref is what Restore needs, e.g. an image tag.
	Ref string `json:"ref"`
	// Digest identifies the snapshot content.
	Digest    string    `json:"digest"`
	CreatedAt time.Time `json:"created_at"`
}

// Handle is a live environment owned by one session.
type Handle struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
	// Endpoint is the base URL of the sandbox boundary.
	Endpoint string `json:"endpoint"`
	// Secret signs requests to the boundary. Empty disables auth.
	Secret []byte `json:"-"`
	// InputDir and OutputDir are host directories mounted into the
	// environment at the boundary's input and output roots.
	InputDir  string    `json:"input_dir"`
	OutputDir string    `json:"output_dir"`
	CreatedAt time.Time `json:"created_at"`
}

// Client returns a boundary client for the environment.
func (h *Handle) Client(timeout time.Duration) *sandbox.Client {
	return sandbox.NewClient(sandbox.ClientConfig{
		Endpoint:   h.Endpoint,
		Secret:     h.Secret,
		Timeout:    timeout,
		OutputRoot: h.OutputDir,
	})
}

// Provider allocates, snapshots, restores and destroys environments.
//
// Errors returned by a Provider wrap ErrEnvironment.
type Provider interface {
	// Allocate starts a fresh environment from a base image.
	Allocate(ctx context.Context, image string) (*Handle, error)
	// Exec runs a command inside a live environment. A non-zero exit is
	// reported in the result, not as an error.
	Exec(ctx context.Context, h *Handle, cmd tactile.Command) (*tactile.ExecutionResult, error)
	// Snapshot freezes the environment's current state under name.
	Snapshot(ctx context.Context, h *Handle, name string) (*Snapshot, error)
	// Restore starts a new environment from a snapshot.
	Restore(ctx context.Context, snap Snapshot) (*Handle, error)
	// Discard deletes a snapshot. Discarding a missing snapshot is not an error.
	Discard(ctx context.Context, snap Snapshot) error
	// Destroy tears a live environment down. Destroying twice is not an error.
	Destroy(ctx context.Context, h *Handle) error
}

// IsEnvironmentError reports whether err is an environment failure.
func IsEnvironmentError(err error) bool {
	return errors.Is(err, ErrEnvironment)
}
