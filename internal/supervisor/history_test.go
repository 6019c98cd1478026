package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistoryDropsOldest(t *testing.T) {
	h := NewHistory(3)
	assert.Empty(t, h.Lines())

	for _, line := range []string{"a", "b", "c", "d", "e"} {
		h.Append(line)
	}
	assert.Equal(t, []string{"c", "d", "e"}, h.Lines())
}

func TestHistorySubscribe(t *testing.T) {
	h := NewHistory(10)
	h.Append("before")

	snapshot, ch, cancel := h.Subscribe(4)
	assert.Equal(t, []string{"before"}, snapshot)

	h.Append("after")
	assert.Equal(t, "after", <-ch)

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	// Appending after cancel must not panic on the closed channel.
	h.Append("later")
}

func TestHistorySlowListenerDoesNotBlock(t *testing.T) {
	h := NewHistory(10)
	_, ch, cancel := h.Subscribe(1)
	defer cancel()

	h.Append("one")
	h.Append("two")
	assert.Equal(t, "one", <-ch)
	assert.Equal(t, []string{"one", "two"}, h.Lines())
}
