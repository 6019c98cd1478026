package docker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/reedfamily/reedwrap/internal/worker"
)

const dockerCallTimeout = 30 * time.Second

// Launcher runs each worker generation in a fresh container.
type Launcher struct {
	client *Client
	cfg    ContainerConfig

	mu      sync.Mutex
	current string
}

func NewLauncher(client *Client, cfg ContainerConfig) *Launcher {
	return &Launcher{client: client, cfg: cfg}
}

// Launch creates the container, attaches before starting it so no early
// output is lost, and demultiplexes the attach stream into stdout/stderr.
func (l *Launcher) Launch(ctx context.Context) (worker.Handle, error) {
	// A container left behind by a previous crash of the wrapper would
	// conflict on name.
	if l.cfg.Name != "" {
		if err := l.client.RemoveContainer(ctx, l.cfg.Name); err != nil {
			return nil, fmt.Errorf("remove stale container: %w", err)
		}
	}

	id, err := l.client.CreateContainer(ctx, l.cfg)
	if err != nil {
		return nil, err
	}

	attach, err := l.client.ContainerAttach(ctx, id)
	if err != nil {
		l.discard(id)
		return nil, fmt.Errorf("attach container: %w", err)
	}

	if err := l.client.StartContainer(ctx, id); err != nil {
		attach.Close()
		l.discard(id)
		return nil, fmt.Errorf("start container: %w", err)
	}

	l.setCurrent("", id)

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	h := &containerHandle{
		id:       id,
		short:    uuid.New().String()[:8],
		client:   l.client,
		attach:   attach,
		stdout:   outR,
		stderr:   errR,
		done:     make(chan struct{}),
		demuxed:  make(chan struct{}),
		launcher: l,
	}
	h.exitCode.Store(-1)

	go func() {
		defer close(h.demuxed)
		_, err := stdcopy.StdCopy(outW, errW, attach.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()
	go h.wait()

	return h, nil
}

// Current returns the id of the running container, or "" between
// generations.
func (l *Launcher) Current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *Launcher) setCurrent(old, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if old == "" || l.current == old {
		l.current = id
	}
}

func (l *Launcher) Client() *Client { return l.client }

func (l *Launcher) discard(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), dockerCallTimeout)
	defer cancel()
	if err := l.client.RemoveContainer(ctx, id); err != nil {
		log.Warnf("docker: remove container %s: %v", shortID(id), err)
	}
}

type containerHandle struct {
	id       string
	short    string
	client   *Client
	attach   types.HijackedResponse
	stdout   *io.PipeReader
	stderr   *io.PipeReader
	done     chan struct{}
	demuxed  chan struct{}
	exitCode atomic.Int32
	launcher *Launcher
}

func (h *containerHandle) wait() {
	code, err := h.client.WaitContainer(context.Background(), h.id)
	if err != nil {
		log.Warnf("docker: %v", err)
	}
	// Drain what the attach stream still carries before tearing it down.
	select {
	case <-h.demuxed:
	case <-time.After(5 * time.Second):
	}
	h.attach.Close()
	h.launcher.setCurrent(h.id, "")
	h.launcher.discard(h.id)
	h.exitCode.Store(int32(code))
	close(h.done)
}

func (h *containerHandle) ID() string            { return h.short }
func (h *containerHandle) Stdin() io.WriteCloser { return stdinWriter{h} }
func (h *containerHandle) Stdout() io.ReadCloser { return h.stdout }
func (h *containerHandle) Stderr() io.ReadCloser { return h.stderr }
func (h *containerHandle) Done() <-chan struct{} { return h.done }
func (h *containerHandle) ExitCode() int         { return int(h.exitCode.Load()) }
func (h *containerHandle) Terminate() error      { return h.kill("SIGTERM") }
func (h *containerHandle) Kill() error           { return h.kill("SIGKILL") }

func (h *containerHandle) kill(signal string) error {
	select {
	case <-h.done:
		return worker.ErrNotRunning
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), dockerCallTimeout)
	defer cancel()
	return h.client.KillContainer(ctx, h.id, signal)
}

// stdinWriter writes to the hijacked attach connection; closing it only
// half-closes the connection so output keeps flowing.
type stdinWriter struct {
	h *containerHandle
}

func (w stdinWriter) Write(p []byte) (int, error) {
	return w.h.attach.Conn.Write(p)
}

func (w stdinWriter) Close() error {
	return w.h.attach.CloseWrite()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
