package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
)

// ExecLauncher starts the worker as a local child process.
type ExecLauncher struct {
	Command []string
	Dir     string
	Env     []string
}

// Launch starts the process. Stdout and stderr use os.Pipe rather than
// cmd.StdoutPipe so that Wait never closes a reader a pump is still
// draining; the pumps own and close the read ends.
func (l *ExecLauncher) Launch(ctx context.Context) (Handle, error) {
	if len(l.Command) == 0 {
		return nil, errors.New("empty worker command")
	}
	cmd := exec.Command(l.Command[0], l.Command[1:]...)
	cmd.Dir = l.Dir
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(outR, outW)
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeAll(outR, outW, errR, errW)
		return nil, fmt.Errorf("start %s: %w", l.Command[0], err)
	}
	// The child holds its own copies; ours must go so readers see EOF.
	closeAll(outW, errW)

	h := &execHandle{
		id:     uuid.New().String()[:8],
		cmd:    cmd,
		stdin:  stdin,
		stdout: outR,
		stderr: errR,
		done:   make(chan struct{}),
	}
	h.exitCode.Store(-1)
	go h.wait()
	return h, nil
}

type execHandle struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File

	done     chan struct{}
	exitCode atomic.Int32
	waitOnce sync.Once
}

func (h *execHandle) wait() {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		h.exitCode.Store(int32(code))
		close(h.done)
	})
}

func (h *execHandle) ID() string            { return h.id }
func (h *execHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *execHandle) Stdout() io.ReadCloser { return h.stdout }
func (h *execHandle) Stderr() io.ReadCloser { return h.stderr }
func (h *execHandle) Done() <-chan struct{} { return h.done }
func (h *execHandle) ExitCode() int         { return int(h.exitCode.Load()) }
func (h *execHandle) Terminate() error      { return h.signal(syscall.SIGTERM) }
func (h *execHandle) Kill() error           { return h.signal(syscall.SIGKILL) }

func (h *execHandle) signal(sig os.Signal) error {
	select {
	case <-h.done:
		return ErrNotRunning
	default:
	}
	if err := h.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrNotRunning
		}
		return err
	}
	return nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
