package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Tickets hands out ids for resources pinned inside the worker. The worker
// echoes the id when the resource is released, which resolves the ticket.
type Tickets struct {
	mu      sync.Mutex
	next    int64
	waiters map[int64]chan struct{}
}

func NewTickets() *Tickets {
	return &Tickets{waiters: make(map[int64]chan struct{})}
}

// Issue returns a fresh id and a channel closed when it is resolved.
func (t *Tickets) Issue() (int64, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	ch := make(chan struct{})
	t.waiters[t.next] = ch
	return t.next, ch
}

// Resolve reports whether id was outstanding.
func (t *Tickets) Resolve(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.waiters[id]
	if !ok {
		return false
	}
	close(ch)
	delete(t.waiters, id)
	return true
}

// Cancel drops id without resolving it.
func (t *Tickets) Cancel(id int64) {
	t.mu.Lock()
	delete(t.waiters, id)
	t.mu.Unlock()
}

func (t *Tickets) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// WaitReleased blocks until released is closed, timeout passes or ctx ends.
func WaitReleased(ctx context.Context, id int64, released <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-released:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: ticket %d", ErrReleaseTimeout, id)
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for ticket %d: %v", ErrLockInterrupted, id, ctx.Err())
	}
}
