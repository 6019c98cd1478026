package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SavingSignal is raised when a save command is sent and cleared by the
// SaveComplete event. Waiters block on a channel instead of polling.
type SavingSignal struct {
	mu      sync.Mutex
	pending *pendingSave // nil while not saving
}

type pendingSave struct {
	done chan struct{}
	err  error // set before done is closed
}

// Begin marks a save in progress and returns the channel closed when it
// ends. Calling Begin while saving returns the pending channel.
func (s *SavingSignal) Begin() <-chan struct{} {
	return s.begin().done
}

func (s *SavingSignal) begin() *pendingSave {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = &pendingSave{done: make(chan struct{})}
	}
	return s.pending
}

// Complete clears the signal. It reports whether a save was pending, so a
// save the wrapper did not ask for is not announced.
func (s *SavingSignal) Complete() bool {
	return s.finish(nil)
}

// Reset clears the signal without reporting completion; waiters get
// ErrSaveAborted.
func (s *SavingSignal) Reset() {
	s.finish(ErrSaveAborted)
}

func (s *SavingSignal) finish(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return false
	}
	s.pending.err = err
	close(s.pending.done)
	s.pending = nil
	return true
}

func (s *SavingSignal) IsSaving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Wait blocks until the pending save completes. It returns nil at once when
// no save is pending.
func (s *SavingSignal) Wait(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	p := s.pending
	s.mu.Unlock()
	return s.await(ctx, p, timeout)
}

// await waits for one particular save, which may already have ended.
func (s *SavingSignal) await(ctx context.Context, p *pendingSave, timeout time.Duration) error {
	if p == nil {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.err
	case <-timer.C:
		return fmt.Errorf("%w (%s)", ErrSaveTimeout, timeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for save: %v", ErrLockInterrupted, ctx.Err())
	}
}
