// Package scheduler runs periodic jobs, each on its own goroutine, on an
// interval or a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Schedule yields the next run time after t. A zero result means the
// schedule never fires.
type Schedule interface {
	Next(t time.Time) time.Time
}

// Every is a fixed-interval schedule.
type Every time.Duration

func (e Every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

// Parse prefers a cron expression over an interval when both are set.
func Parse(interval time.Duration, cron string) (Schedule, error) {
	if cron != "" {
		expr, err := ParseCron(cron)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", cron, err)
		}
		return expr, nil
	}
	if interval <= 0 {
		return nil, errors.New("no interval or cron expression configured")
	}
	return Every(interval), nil
}

// Job is one periodic task. Enabled and Schedule are consulted on every
// cycle so configuration reloads apply without restarting the runner.
type Job struct {
	Name     string
	Enabled  func() bool
	Schedule func() (Schedule, error)
	Run      func(ctx context.Context) error
}

var ErrUnknownJob = errors.New("unknown job")

type Scheduler struct {
	jobs      []Job
	wake      map[string]chan struct{}
	interrupt map[string]chan struct{}
	idlePoll  time.Duration
	now       func() time.Time

	mu      sync.Mutex
	lastRun map[string]time.Time
	nextRun map[string]time.Time
	running map[string]context.CancelFunc
}

func New() *Scheduler {
	return &Scheduler{
		wake:      make(map[string]chan struct{}),
		interrupt: make(map[string]chan struct{}),
		idlePoll:  time.Second,
		now:       time.Now,
		lastRun:   make(map[string]time.Time),
		nextRun:   make(map[string]time.Time),
		running:   make(map[string]context.CancelFunc),
	}
}

// Add registers a job. It must be called before Run.
func (s *Scheduler) Add(job Job) {
	s.jobs = append(s.jobs, job)
	s.wake[job.Name] = make(chan struct{}, 1)
	s.interrupt[job.Name] = make(chan struct{}, 1)
}

// Trigger makes the named job run at once, even when it is disabled. The
// regular schedule resumes afterwards.
func (s *Scheduler) Trigger(name string) error {
	ch, ok := s.wake[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	select {
	case ch <- struct{}{}:
	default:
		// already pending
	}
	return nil
}

// Interrupt aborts the named job's current cycle. A running cycle has its
// context cancelled; a sleeping job starts its wait over. Either way the job
// runs again at its next scheduled time.
func (s *Scheduler) Interrupt(name string) error {
	ch, ok := s.interrupt[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	s.mu.Lock()
	cancel, running := s.running[name]
	s.mu.Unlock()
	if running {
		cancel()
		return nil
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

// Status reports the last and next run of every job.
type Status struct {
	Name    string    `json:"name"`
	Enabled bool      `json:"enabled"`
	LastRun time.Time `json:"last_run"`
	NextRun time.Time `json:"next_run"`
}

func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, Status{
			Name:    j.Name,
			Enabled: j.Enabled(),
			LastRun: s.lastRun[j.Name],
			NextRun: s.nextRun[j.Name],
		})
	}
	return out
}

// Run blocks until ctx is done and every job loop has returned. A cycle in
// progress is cancelled through ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	log.Infof("scheduler: started %d jobs", len(s.jobs))
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	for ctx.Err() == nil {
		if !job.Enabled() {
			s.setNext(job.Name, time.Time{})
			if s.wait(ctx, job.Name, s.idlePoll) == triggered {
				s.runOnce(ctx, job)
			}
			continue
		}

		sched, err := job.Schedule()
		if err != nil {
			log.Warnf("scheduler: %s: %v", job.Name, err)
			if s.wait(ctx, job.Name, s.idlePoll) == triggered {
				s.runOnce(ctx, job)
			}
			continue
		}
		now := s.now()
		next := sched.Next(now)
		if next.IsZero() {
			log.Warnf("scheduler: %s: schedule never fires", job.Name)
			if s.wait(ctx, job.Name, s.idlePoll) == triggered {
				s.runOnce(ctx, job)
			}
			continue
		}
		s.setNext(job.Name, next)

		switch s.wait(ctx, job.Name, next.Sub(now)) {
		case cancelled:
			return
		case triggered:
			s.runOnce(ctx, job)
			continue
		case interrupted:
			log.Infof("scheduler: %s interrupted while sleeping", job.Name)
			continue
		}
		// Disabled while sleeping.
		if !job.Enabled() {
			continue
		}
		s.runOnce(ctx, job)
	}
}

// runOnce runs one cycle on its own context so Interrupt can abort it
// without stopping the job's loop.
func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	cycleCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.lastRun[job.Name] = s.now()
	s.running[job.Name] = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, job.Name)
		s.mu.Unlock()
		cancel()
		// A sleep interrupt sent just before the cycle started is stale.
		select {
		case <-s.interrupt[job.Name]:
		default:
		}
		if r := recover(); r != nil {
			log.Errorf("scheduler: %s panicked: %v", job.Name, r)
		}
	}()

	log.Debugf("scheduler: running %s", job.Name)
	if err := job.Run(cycleCtx); err != nil {
		switch {
		case ctx.Err() != nil:
			log.Debugf("scheduler: %s cancelled: %v", job.Name, err)
		case cycleCtx.Err() != nil:
			log.Infof("scheduler: %s interrupted: %v", job.Name, err)
		default:
			log.Warnf("scheduler: %s failed: %v", job.Name, err)
		}
	}
}

func (s *Scheduler) setNext(name string, t time.Time) {
	s.mu.Lock()
	s.nextRun[name] = t
	s.mu.Unlock()
}

type wakeup int

const (
	elapsed wakeup = iota
	triggered
	interrupted
	cancelled
)

func (s *Scheduler) wait(ctx context.Context, name string, d time.Duration) wakeup {
	if ctx.Err() != nil {
		return cancelled
	}
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return cancelled
	case <-s.wake[name]:
		return triggered
	case <-s.interrupt[name]:
		return interrupted
	case <-timer.C:
		return elapsed
	}
}
