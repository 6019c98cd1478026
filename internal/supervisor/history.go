package supervisor

import "sync"

// History keeps the most recent worker output lines in a fixed-size ring
// and fans new lines out to live subscribers.
type History struct {
	mu    sync.RWMutex
	lines []string
	start int
	count int

	listeners map[chan string]struct{}
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{
		lines:     make([]string, capacity),
		listeners: make(map[chan string]struct{}),
	}
}

// Append stores line, dropping the oldest when full.
func (h *History) Append(line string) {
	h.mu.Lock()
	if h.count < len(h.lines) {
		h.lines[(h.start+h.count)%len(h.lines)] = line
		h.count++
	} else {
		h.lines[h.start] = line
		h.start = (h.start + 1) % len(h.lines)
	}
	for ch := range h.listeners {
		select {
		case ch <- line:
		default:
			// Drop if listener is slow
		}
	}
	h.mu.Unlock()
}

// Lines returns a copy of the stored lines, most recent last.
func (h *History) Lines() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.lines[(h.start+i)%len(h.lines)]
	}
	return out
}

// Subscribe returns a snapshot of the current lines together with a channel
// receiving every line appended afterwards. Call the returned func to stop.
func (h *History) Subscribe(buffer int) ([]string, <-chan string, func()) {
	ch := make(chan string, buffer)
	h.mu.Lock()
	snapshot := make([]string, h.count)
	for i := 0; i < h.count; i++ {
		snapshot[i] = h.lines[(h.start+i)%len(h.lines)]
	}
	h.listeners[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return snapshot, ch, cancel
}
