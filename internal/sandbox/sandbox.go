// Package sandbox manages a bounded pool of isolated execution instances
// with per-session leases.
package sandbox

import (
	"context"
	"time"
)

// ExecResult is the outcome of running code inside an instance.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Instance is one live sandbox.
type Instance interface {
	ID() string
	Exec(ctx context.Context, code string) (*ExecResult, error)
	Destroy(ctx context.Context) error
}

// Launcher creates instances. Implementations wrap whatever isolation
// backend is deployed (container, microVM, subprocess).
type Launcher interface {
	Launch(ctx context.Context) (Instance, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context) (Instance, error)

func (f LauncherFunc) Launch(ctx context.Context) (Instance, error) { return f(ctx) }
