package maintenance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reedfamily/reedwrap/internal/backup"
	"github.com/reedfamily/reedwrap/internal/config"
	"github.com/reedfamily/reedwrap/internal/game"
	"github.com/reedfamily/reedwrap/internal/game/minecraft"
	"github.com/reedfamily/reedwrap/internal/scheduler"
	"github.com/reedfamily/reedwrap/internal/supervisor"
)

type fakeWorker struct {
	mu        sync.Mutex
	commands  []string
	onCommand func(cmd string)

	restarts atomic.Int32
	stops    atomic.Int32
}

func (w *fakeWorker) SubmitCommand(text string, source supervisor.Source) error {
	w.mu.Lock()
	w.commands = append(w.commands, text)
	hook := w.onCommand
	w.mu.Unlock()
	if hook != nil {
		hook(text)
	}
	return nil
}

func (w *fakeWorker) ForceRestart(ctx context.Context) error {
	w.restarts.Add(1)
	return nil
}

func (w *fakeWorker) Stop(ctx context.Context) error {
	w.stops.Add(1)
	return nil
}

func (w *fakeWorker) State() supervisor.State { return supervisor.Running }
func (w *fakeWorker) Generation() uint64      { return 1 }

func (w *fakeWorker) Commands() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.commands...)
}

func (w *fakeWorker) setHook(fn func(string)) {
	w.mu.Lock()
	w.onCommand = fn
	w.mu.Unlock()
}

type fakeArchiver struct {
	archive func(ctx context.Context, sourceDir string) (*backup.Backup, error)
	entered chan struct{}

	archived atomic.Int32
	pruned   atomic.Int32
}

func (a *fakeArchiver) Archive(ctx context.Context, sourceDir string) (*backup.Backup, error) {
	a.archived.Add(1)
	if a.entered != nil {
		close(a.entered)
	}
	if a.archive != nil {
		return a.archive(ctx, sourceDir)
	}
	return &backup.Backup{ID: "a1b2c3d4", SourceDir: sourceDir, SizeBytes: 3 * 1024 * 1024}, nil
}

func (a *fakeArchiver) PruneOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	a.pruned.Add(1)
	return 0, nil
}

var errDiskFull = errors.New("write world/region/r.0.0.mca: no space left on device")

type harness struct {
	c        *Coordinator
	worker   *fakeWorker
	archiver *fakeArchiver
	cfg      *config.Config
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Worker.WorkDir = t.TempDir()
	cfg.SaveTimeout = time.Second
	if mutate != nil {
		mutate(cfg)
	}
	h := &harness{worker: &fakeWorker{}, archiver: &fakeArchiver{}, cfg: cfg}
	h.c = New(Options{
		Worker:   h.worker,
		Adapter:  &minecraft.Adapter{},
		Archiver: h.archiver,
		Config:   config.NewStaticStore(cfg),
	})
	return h
}

// autoAck makes the fake worker confirm saves and releases the way the
// game does, from another goroutine as a pump would.
func (h *harness) autoAck(t *testing.T) {
	t.Helper()
	var wg sync.WaitGroup
	t.Cleanup(wg.Wait)
	adapter := &minecraft.Adapter{}
	h.worker.setHook(func(cmd string) {
		switch {
		case cmd == adapter.SaveCommand():
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.c.HandleEvent(game.Event{Kind: game.SaveComplete, Line: "[Server thread/INFO]: Saved the game"})
			}()
		case cmd == adapter.ReleaseCommand(1):
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.c.HandleEvent(game.Event{Kind: game.ResourceReleased, ID: 1})
			}()
		}
	})
}

func findJob(t *testing.T, c *Coordinator, name string) scheduler.Job {
	t.Helper()
	for _, job := range c.Jobs() {
		if job.Name == name {
			return job
		}
	}
	t.Fatalf("no job named %s", name)
	return scheduler.Job{}
}
