package maintenance

import (
	"sort"
	"sync"
	"sync/atomic"
)

// PendingBackup records that the world has changes no backup has captured.
type PendingBackup struct {
	flag atomic.Bool
}

func (p *PendingBackup) Required() bool { return p.flag.Load() }
func (p *PendingBackup) Set(v bool)     { p.flag.Store(v) }

// PlayerTracker follows join and leave events of the current generation. A
// join marks the world as needing a backup.
type PlayerTracker struct {
	pending *PendingBackup

	mu     sync.Mutex
	online map[string]struct{}
}

func NewPlayerTracker(pending *PendingBackup) *PlayerTracker {
	return &PlayerTracker{pending: pending, online: make(map[string]struct{})}
}

func (t *PlayerTracker) Joined(name string) {
	t.mu.Lock()
	t.online[name] = struct{}{}
	t.mu.Unlock()
	t.pending.Set(true)
}

func (t *PlayerTracker) Left(name string) {
	t.mu.Lock()
	delete(t.online, name)
	t.mu.Unlock()
}

func (t *PlayerTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.online)
}

// Online returns the sorted names of connected players.
func (t *PlayerTracker) Online() []string {
	t.mu.Lock()
	names := make([]string, 0, len(t.online))
	for name := range t.online {
		names = append(names, name)
	}
	t.mu.Unlock()
	sort.Strings(names)
	return names
}

// Reset forgets all players; a new generation starts empty.
func (t *PlayerTracker) Reset() {
	t.mu.Lock()
	clear(t.online)
	t.mu.Unlock()
}
