package supervisor

import (
	"fmt"
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Source identifies who produced a command.
type Source int

const (
	Interactive Source = iota
	Programmatic
	Maintenance
)

func (s Source) String() string {
	switch s {
	case Interactive:
		return "interactive"
	case Programmatic:
		return "programmatic"
	case Maintenance:
		return "maintenance"
	}
	return "unknown"
}

// Record is one command line destined for the worker's stdin.
type Record struct {
	Text   string
	Source Source
}

// CommandChannel serializes writes to the worker's stdin. Each record is
// written with a single Write call while holding the permit, so concurrent
// submissions never interleave.
type CommandChannel struct {
	mu sync.Mutex
	w  io.Writer
}

func NewCommandChannel() *CommandChannel {
	return &CommandChannel{}
}

// Submit appends a line terminator and writes the record. A nil error only
// means the write call returned; delivery is not verified.
func (c *CommandChannel) Submit(rec Record) error {
	return c.submitTo(nil, rec)
}

// submitTo writes only while the channel is still bound to want; a nil want
// accepts any destination.
func (c *CommandChannel) submitTo(want io.Writer, rec Record) error {
	text := strings.TrimRight(rec.Text, "\r\n")
	if strings.ContainsAny(text, "\r\n") {
		return ErrMultilineCommand
	}
	line := make([]byte, 0, len(text)+1)
	line = append(line, text...)
	line = append(line, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil || (want != nil && c.w != want) {
		return ErrNoWorker
	}
	if _, err := c.w.Write(line); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	log.Debugf("supervisor: > %s (%s)", text, rec.Source)
	return nil
}

// Rebind swaps the destination. It waits for an in-flight write to finish.
func (c *CommandChannel) Rebind(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w = w
}
