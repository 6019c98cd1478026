package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/reedfamily/reedwrap/internal/worker"
)

// trackedReader records whether its consumer closed it.
type trackedReader struct {
	*io.PipeReader
	closed atomic.Bool
}

func (r *trackedReader) Close() error {
	r.closed.Store(true)
	return r.PipeReader.Close()
}

// fakeWorker emulates a worker process on in-memory pipes. It exits when it
// reads "stop" unless ignoreStop is set.
type fakeWorker struct {
	id         string
	ignoreStop bool

	stdinR *io.PipeReader
	stdinW *io.PipeWriter
	out    *trackedReader
	outW   *io.PipeWriter
	errOut *trackedReader
	errW   *io.PipeWriter

	done       chan struct{}
	once       sync.Once
	code       atomic.Int32
	terminated atomic.Bool

	mu       sync.Mutex
	received []string
}

func newFakeWorker(id, ready string, ignoreStop bool) *fakeWorker {
	w := &fakeWorker{id: id, ignoreStop: ignoreStop, done: make(chan struct{})}
	w.stdinR, w.stdinW = io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	w.out, w.outW = &trackedReader{PipeReader: outR}, outW
	w.errOut, w.errW = &trackedReader{PipeReader: errR}, errW
	w.code.Store(-1)

	go func() {
		scanner := bufio.NewScanner(w.stdinR)
		for scanner.Scan() {
			line := scanner.Text()
			w.mu.Lock()
			w.received = append(w.received, line)
			w.mu.Unlock()
			if line == "stop" && !w.ignoreStop {
				w.exit(0)
				return
			}
		}
	}()
	if ready != "" {
		go w.Emit(ready)
	}
	return w
}

// Emit writes one line to stdout; it blocks until a pump reads it.
func (w *fakeWorker) Emit(line string) {
	_, _ = fmt.Fprintln(w.outW, line)
}

func (w *fakeWorker) EmitErr(line string) {
	_, _ = fmt.Fprintln(w.errW, line)
}

func (w *fakeWorker) exit(code int) {
	w.once.Do(func() {
		w.code.Store(int32(code))
		_ = w.outW.Close()
		_ = w.errW.Close()
		_ = w.stdinR.Close()
		close(w.done)
	})
}

func (w *fakeWorker) Received() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.received...)
}

func (w *fakeWorker) ID() string            { return w.id }
func (w *fakeWorker) Stdin() io.WriteCloser { return w.stdinW }
func (w *fakeWorker) Stdout() io.ReadCloser { return w.out }
func (w *fakeWorker) Stderr() io.ReadCloser { return w.errOut }
func (w *fakeWorker) Done() <-chan struct{} { return w.done }
func (w *fakeWorker) ExitCode() int         { return int(w.code.Load()) }

func (w *fakeWorker) Terminate() error {
	w.terminated.Store(true)
	w.exit(143)
	return nil
}

func (w *fakeWorker) Kill() error {
	w.exit(137)
	return nil
}

func (w *fakeWorker) streamsClosed() bool {
	return w.out.closed.Load() && w.errOut.closed.Load()
}

// fakeLauncher hands out fake workers and checks that a new one is only
// launched after the previous one is gone and its streams are closed.
type fakeLauncher struct {
	ready      string
	ignoreStop bool
	fail       error

	mu         sync.Mutex
	workers    []*fakeWorker
	violations int
}

func (l *fakeLauncher) Launch(ctx context.Context) (worker.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	if n := len(l.workers); n > 0 {
		prev := l.workers[n-1]
		select {
		case <-prev.done:
			if !prev.streamsClosed() {
				l.violations++
			}
		default:
			l.violations++
		}
	}
	w := newFakeWorker(fmt.Sprintf("fake-%d", len(l.workers)+1), l.ready, l.ignoreStop)
	l.workers = append(l.workers, w)
	return w, nil
}

func (l *fakeLauncher) SetFail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = err
}

func (l *fakeLauncher) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.workers)
}

func (l *fakeLauncher) Last() *fakeWorker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.workers[len(l.workers)-1]
}

func (l *fakeLauncher) Violations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.violations
}

var errSpawn = errors.New("exec: \"bedrock_server\": executable file not found in $PATH")
