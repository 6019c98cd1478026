// Package supervisor launches the worker process, pumps its output into
// typed events and relaunches it when it crashes.
//
// Lifecycle transitions (Start, Stop, ForceRestart) are serialized on one
// mutex; pumps and jobs only read the state or post restart requests, which
// the control loop in Run turns into restarts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/reedfamily/reedwrap/internal/game"
	"github.com/reedfamily/reedwrap/internal/worker"
)

const (
	defaultPumpJoinTimeout = 5 * time.Second
	defaultKillGrace       = 5 * time.Second
	defaultHookJoinTimeout = 5 * time.Second
	minHealthyUptime       = 30 * time.Second
)

type Options struct {
	Launcher   worker.Launcher
	Classifier *game.Classifier

	// StopCommand is written once to ask the worker to shut down.
	StopCommand string

	// ReadyTimeout bounds how long Start waits for the Ready marker. Zero
	// means Start does not wait.
	ReadyTimeout time.Duration

	// StopGrace is how long Stop waits after the stop command before
	// terminating the worker.
	StopGrace time.Duration

	// ExitOnFailure makes crashes and stream failures fatal instead of
	// triggering a restart.
	ExitOnFailure bool

	HistorySize int

	// RestartBackoff delays a crash restart when the failed generation ran
	// for less than 30s.
	RestartBackoff time.Duration

	// Echo receives every accepted output line (normally the terminal).
	Echo io.Writer

	PumpJoinTimeout time.Duration
}

// RestartGuard is acquired around crash-triggered restarts so they do not
// overlap maintenance work. It returns the release func.
type RestartGuard func(ctx context.Context) (func(), error)

// GenerationHook runs for the lifetime of one worker generation; ctx is
// cancelled when that generation is torn down.
type GenerationHook func(ctx context.Context, gen uint64)

type restartRequest struct {
	gen uint64
	err error
}

type Supervisor struct {
	opts     Options
	commands *CommandChannel
	history  *History

	opMu sync.Mutex
	gen  *generation // guarded by opMu

	state      atomic.Int32
	restarting atomic.Bool
	generation atomic.Uint64
	startedAt  atomic.Int64

	hookMu      sync.RWMutex
	subscribers []func(game.Event)
	hooks       []GenerationHook
	guard       RestartGuard

	echoMu     sync.Mutex
	restartReq chan restartRequest
	fatal      chan error
}

type generation struct {
	id     uint64
	handle worker.Handle
	ctx    context.Context
	cancel context.CancelFunc

	pumps     []*Pump
	pumpWG    sync.WaitGroup
	hookWG    sync.WaitGroup
	ready     chan struct{}
	readyOnce sync.Once
	exited    chan struct{}
}

func New(opts Options) *Supervisor {
	if opts.PumpJoinTimeout <= 0 {
		opts.PumpJoinTimeout = defaultPumpJoinTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 15 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 500
	}
	return &Supervisor{
		opts:       opts,
		commands:   NewCommandChannel(),
		history:    NewHistory(opts.HistorySize),
		restartReq: make(chan restartRequest, 1),
		fatal:      make(chan error, 1),
	}
}

// Subscribe registers fn for every classified, non-ignored output event.
// fn runs on a pump goroutine and must not block.
func (s *Supervisor) Subscribe(fn func(game.Event)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// OnGeneration registers a hook started for every new worker generation.
func (s *Supervisor) OnGeneration(hook GenerationHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *Supervisor) SetRestartGuard(guard RestartGuard) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.guard = guard
}

func (s *Supervisor) State() State            { return State(s.state.Load()) }
func (s *Supervisor) IsRestarting() bool      { return s.restarting.Load() }
func (s *Supervisor) Generation() uint64      { return s.generation.Load() }
func (s *Supervisor) History() *History       { return s.history }
func (s *Supervisor) OutputHistory() []string { return s.history.Lines() }

// Uptime of the current generation, zero when stopped.
func (s *Supervisor) Uptime() time.Duration {
	if s.State() == Stopped {
		return 0
	}
	return time.Since(time.Unix(0, s.startedAt.Load()))
}

// SubmitCommand writes text to the worker's stdin.
func (s *Supervisor) SubmitCommand(text string, source Source) error {
	return s.commands.Submit(Record{Text: text, Source: source})
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

// Start launches a new worker generation and blocks until it reports ready,
// the ready timeout passes, or ctx is done. A *LaunchError is fatal.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	if s.State() != Stopped {
		return ErrAlreadyRunning
	}
	s.setState(Starting)

	handle, err := s.opts.Launcher.Launch(ctx)
	if err != nil {
		s.setState(Stopped)
		return &LaunchError{Err: err}
	}

	g := &generation{
		id:     s.generation.Add(1),
		handle: handle,
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	s.gen = g
	s.startedAt.Store(time.Now().UnixNano())
	s.commands.Rebind(handle.Stdin())

	for _, stream := range []struct {
		name string
		r    io.ReadCloser
	}{{"stdout", handle.Stdout()}, {"stderr", handle.Stderr()}} {
		p := NewPump(stream.name, stream.r, func(line string) { s.handleLine(g, line) }, func(p *Pump, err error) { s.pumpExited(g, p, err) })
		g.pumps = append(g.pumps, p)
		g.pumpWG.Add(1)
		go func() {
			defer g.pumpWG.Done()
			p.Run()
		}()
	}
	go s.monitor(g)

	s.hookMu.RLock()
	hooks := append([]GenerationHook{}, s.hooks...)
	s.hookMu.RUnlock()
	for _, hook := range hooks {
		g.hookWG.Add(1)
		go func(hook GenerationHook) {
			defer g.hookWG.Done()
			hook(g.ctx, g.id)
		}(hook)
	}

	log.WithField("generation", g.id).Infof("supervisor: worker %s started", handle.ID())

	if s.opts.ReadyTimeout > 0 {
		timer := time.NewTimer(s.opts.ReadyTimeout)
		defer timer.Stop()
		select {
		case <-g.ready:
			log.WithField("generation", g.id).Info("supervisor: worker ready")
		case <-timer.C:
			log.Warnf("supervisor: worker not ready after %s, continuing", s.opts.ReadyTimeout)
		case <-g.exited:
			log.Warn("supervisor: worker exited during startup")
		case <-ctx.Done():
		}
	}
	s.setState(Running)
	return nil
}

// Stop shuts the worker down: stop command, grace period, then SIGTERM and
// SIGKILL. It is a no-op when already stopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Supervisor) stopLocked(ctx context.Context) error {
	g := s.gen
	if g == nil || s.State() == Stopped {
		return nil
	}
	if s.restarting.Load() {
		s.setState(Restarting)
	} else {
		s.setState(Stopping)
	}
	logger := log.WithField("generation", g.id)
	logger.Info("supervisor: stopping worker")

	if s.opts.StopCommand != "" {
		// The write may block on a worker that stopped reading stdin; closing
		// stdin below releases it.
		stdin := g.handle.Stdin()
		go func() {
			rec := Record{Text: s.opts.StopCommand, Source: Maintenance}
			if err := s.commands.submitTo(stdin, rec); err != nil {
				logger.Debugf("supervisor: stop command: %v", err)
			}
		}()
	}

	// The grace period runs in full even when ctx is already done.
	if !waitClosed(context.WithoutCancel(ctx), g.handle.Done(), s.opts.StopGrace) {
		logger.Warnf("supervisor: %v, terminating", ErrShutdownTimeout)
		if err := g.handle.Terminate(); err != nil {
			logger.Debugf("supervisor: terminate: %v", err)
		}
		if !waitClosed(context.Background(), g.handle.Done(), defaultKillGrace) {
			logger.Warn("supervisor: worker ignored SIGTERM, killing")
			if err := g.handle.Kill(); err != nil {
				logger.Debugf("supervisor: kill: %v", err)
			}
			if !waitClosed(context.Background(), g.handle.Done(), defaultKillGrace) {
				logger.Error("supervisor: worker still not reaped after kill")
			}
		}
	}

	g.cancel()
	_ = g.handle.Stdin().Close()
	s.commands.Rebind(nil)

	if !waitGroup(&g.pumpWG, s.opts.PumpJoinTimeout) {
		logger.Warn("supervisor: pumps still reading, closing streams")
		for _, p := range g.pumps {
			p.Stop()
		}
		g.pumpWG.Wait()
	}
	if !waitGroup(&g.hookWG, defaultHookJoinTimeout) {
		logger.Warn("supervisor: generation hooks did not finish")
	}
	if !waitClosed(context.Background(), g.exited, defaultKillGrace) {
		logger.Error("supervisor: worker exit not observed")
	}

	s.gen = nil
	s.setState(Stopped)
	logger.Infof("supervisor: worker stopped (exit code %d)", g.handle.ExitCode())
	return nil
}

// ForceRestart stops and relaunches the worker. Crash reports raised while it
// runs are treated as expected and ignored.
func (s *Supervisor) ForceRestart(ctx context.Context) error {
	return s.restart(ctx, 0)
}

// restart relaunches the worker; a non-zero onlyGen skips the restart if the
// current generation is a different one.
func (s *Supervisor) restart(ctx context.Context, onlyGen uint64) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if onlyGen != 0 && (s.gen == nil || s.gen.id != onlyGen) {
		log.Debugf("supervisor: restart for stale generation %d dropped", onlyGen)
		return nil
	}

	s.restarting.Store(true)
	defer s.restarting.Store(false)

	if err := s.stopLocked(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		log.Infof("supervisor: restart abandoned after stop: %v", err)
		return err
	}
	err := s.startLocked(ctx)
	var launchErr *LaunchError
	if errors.As(err, &launchErr) {
		select {
		case s.fatal <- err:
		default:
		}
	}
	return err
}

// Run is the control loop that turns crash and stream-failure reports into
// restarts. It returns nil when ctx is done, the failure when ExitOnFailure
// is set, or a *LaunchError when any relaunch fails.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.fatal:
			return err
		case req := <-s.restartReq:
			if s.Generation() != req.gen {
				continue
			}
			if s.opts.ExitOnFailure {
				return fmt.Errorf("worker failed: %w", req.err)
			}
			s.handleRestart(ctx, req)
		}
	}
}

func (s *Supervisor) handleRestart(ctx context.Context, req restartRequest) {
	log.WithField("generation", req.gen).Warnf("supervisor: %v, restarting", req.err)

	if uptime := s.Uptime(); s.opts.RestartBackoff > 0 && uptime < minHealthyUptime {
		log.Infof("supervisor: worker ran only %s, waiting %s", uptime.Round(time.Second), s.opts.RestartBackoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.RestartBackoff):
		}
	}

	s.hookMu.RLock()
	guard := s.guard
	s.hookMu.RUnlock()
	if guard != nil {
		release, err := guard(ctx)
		if err != nil {
			log.Debugf("supervisor: restart guard: %v", err)
			return
		}
		defer release()
	}

	if err := s.restart(ctx, req.gen); err != nil && ctx.Err() == nil {
		log.Errorf("supervisor: restart: %v", err)
	}
}

func (s *Supervisor) requestRestart(gen uint64, cause error) {
	if s.restarting.Load() {
		log.Debugf("supervisor: %v during restart ignored", cause)
		return
	}
	switch s.State() {
	case Starting, Running:
	default:
		log.Debugf("supervisor: %v while %s ignored", cause, s.State())
		return
	}
	select {
	case s.restartReq <- restartRequest{gen: gen, err: cause}:
	default:
		// A restart is already pending.
	}
}

func (s *Supervisor) handleLine(g *generation, line string) {
	ev := s.opts.Classifier.Classify(line)
	if ev.Kind == game.Ignored {
		return
	}
	s.history.Append(line)
	if s.opts.Echo != nil {
		s.echoMu.Lock()
		fmt.Fprintln(s.opts.Echo, line)
		s.echoMu.Unlock()
	}

	switch ev.Kind {
	case game.Ready:
		g.readyOnce.Do(func() { close(g.ready) })
	case game.CrashDetected:
		s.requestRestart(g.id, fmt.Errorf("%w: %s", ErrCrashDetected, line))
	}

	s.hookMu.RLock()
	subscribers := s.subscribers
	s.hookMu.RUnlock()
	for _, fn := range subscribers {
		fn(ev)
	}
}

func (s *Supervisor) pumpExited(g *generation, p *Pump, err error) {
	if err == nil {
		log.Debugf("supervisor: %s closed (generation %d)", p.Name(), g.id)
		return
	}
	log.Warnf("supervisor: %s: %v", p.Name(), err)
	s.requestRestart(g.id, fmt.Errorf("%w: %s: %v", ErrStream, p.Name(), err))
}

// monitor observes the end of a generation: both pumps done and the
// process reaped. An end nobody asked for is reported as a stream failure.
func (s *Supervisor) monitor(g *generation) {
	g.pumpWG.Wait()
	<-g.handle.Done()
	s.requestRestart(g.id, fmt.Errorf("%w: worker exited with code %d", ErrStream, g.handle.ExitCode()))
	close(g.exited)
}

func waitClosed(ctx context.Context, ch <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func waitGroup(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return waitClosed(context.Background(), done, timeout)
}
