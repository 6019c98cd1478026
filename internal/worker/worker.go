// Package worker launches the supervised game-server process and exposes it
// as a Handle owning its three standard streams.
package worker

import (
	"context"
	"errors"
	"io"
)

// Handle is one launched worker process. It is owned by a single supervisor
// generation and must not be reused after Done is closed.
type Handle interface {
	ID() string
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser

	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}

	// ExitCode returns -1 until Done is closed.
	ExitCode() int

	// Terminate asks the process to exit (SIGTERM); Kill forces it.
	Terminate() error
	Kill() error
}

// Launcher starts a fresh worker process.
type Launcher interface {
	Launch(ctx context.Context) (Handle, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context) (Handle, error)

func (f LauncherFunc) Launch(ctx context.Context) (Handle, error) {
	return f(ctx)
}

var ErrNotRunning = errors.New("worker not running")
