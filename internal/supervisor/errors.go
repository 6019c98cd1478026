package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrStream marks an unexpected end of, or failure on, a worker stream.
	ErrStream = errors.New("worker stream failed")

	// ErrCrashDetected marks a fatal-exception marker seen in worker output.
	ErrCrashDetected = errors.New("worker crash detected")

	// ErrShutdownTimeout is reported when the worker ignored the graceful
	// stop command for the whole grace period and had to be killed.
	ErrShutdownTimeout = errors.New("worker did not stop within grace period")

	ErrNoWorker         = errors.New("no worker running")
	ErrAlreadyRunning   = errors.New("worker already running")
	ErrMultilineCommand = errors.New("command contains a line break")
)

// LaunchError means the worker executable could not be spawned. It is
// fatal: the host process should abort.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch worker: %v", e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
