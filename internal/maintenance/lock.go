// Package maintenance serializes world-mutating work (save, backup,
// restart, render) behind a single permit and runs it on demand or on a
// schedule.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrLockInterrupted aborts a maintenance cycle whose wait (for the
	// permit, a save or a countdown) was cancelled. The permit is never left
	// held.
	ErrLockInterrupted = errors.New("maintenance interrupted")

	ErrSaveTimeout    = errors.New("worker did not confirm the save in time")
	ErrSaveAborted    = errors.New("save abandoned before the worker confirmed it")
	ErrReleaseTimeout = errors.New("worker did not confirm the resource release in time")
)

// Lock is the single maintenance permit.
type Lock struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	holder string
	since  time.Time
}

func NewLock() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the permit is free or ctx is done. The returned
// release func is safe to call more than once.
func (l *Lock) Acquire(ctx context.Context, holder string) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %s waiting for %s: %v", ErrLockInterrupted, holder, l.Holder(), err)
	}
	l.mu.Lock()
	l.holder = holder
	l.since = time.Now()
	l.mu.Unlock()
	log.Debugf("maintenance: %s acquired the permit", holder)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			held := time.Since(l.since)
			l.holder = ""
			l.mu.Unlock()
			l.sem.Release(1)
			log.Debugf("maintenance: %s released the permit after %s", holder, held.Round(time.Millisecond))
		})
	}, nil
}

// Do runs fn while holding the permit; it is released on every exit path,
// including a panic in fn.
func (l *Lock) Do(ctx context.Context, holder string, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx, holder)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Holder names the current holder, or "" when the permit is free.
func (l *Lock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}
