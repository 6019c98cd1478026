package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/reedfamily/reedwrap/internal/supervisor"
)

var ErrQueueFull = errors.New("command queue full")

type Submitter interface {
	SubmitCommand(text string, source supervisor.Source) error
}

// Bridge feeds the worker from the operator's terminal and from a queue of
// submitted commands. Serve runs once per worker generation; interactive
// lines pass through the interceptor first.
type Bridge struct {
	worker      Submitter
	interceptor *Interceptor
	lines       <-chan string
	queue       chan supervisor.Record

	// Actions outlive the generation that triggered them.
	actionCtx context.Context
	actions   sync.WaitGroup
}

// NewBridge reads interactive lines from lines, which may be nil. Actions
// run with actionCtx.
func NewBridge(actionCtx context.Context, worker Submitter, interceptor *Interceptor, lines <-chan string) *Bridge {
	return &Bridge{
		worker:      worker,
		interceptor: interceptor,
		lines:       lines,
		queue:       make(chan supervisor.Record, 64),
		actionCtx:   actionCtx,
	}
}

// Submit queues text for the worker. Interactive records are intercepted
// like terminal input.
func (b *Bridge) Submit(text string, source supervisor.Source) error {
	select {
	case b.queue <- supervisor.Record{Text: text, Source: source}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Serve forwards input until ctx is cancelled or a terminating command is
// seen. It matches supervisor.GenerationHook.
func (b *Bridge) Serve(ctx context.Context, gen uint64) {
	logger := log.WithField("generation", gen)
	logger.Debug("console: bridge started")
	defer logger.Debug("console: bridge stopped")

	lines := b.lines
	for {
		var rec supervisor.Record
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				logger.Info("console: terminal input closed")
				lines = nil
				continue
			}
			rec = supervisor.Record{Text: line, Source: supervisor.Interactive}
		case rec = <-b.queue:
		}
		if !b.dispatch(rec) {
			return
		}
	}
}

// dispatch reports false when the bridge must terminate.
func (b *Bridge) dispatch(rec supervisor.Record) bool {
	verdict := Forward
	if rec.Source == supervisor.Interactive {
		var action Action
		verdict, action = b.interceptor.Intercept(rec.Text)
		if action != nil {
			b.run(rec.Text, action)
		}
	}
	switch verdict {
	case Swallow:
		return true
	case Terminate:
		return false
	}
	if err := b.worker.SubmitCommand(rec.Text, rec.Source); err != nil {
		log.Warnf("console: %q not delivered: %v", rec.Text, err)
	}
	return true
}

// run starts action in the background so the bridge never waits for the
// maintenance permit.
func (b *Bridge) run(text string, action Action) {
	b.actions.Add(1)
	go func() {
		defer b.actions.Done()
		if err := action(b.actionCtx); err != nil {
			log.Warnf("console: %s: %v", text, err)
		}
	}()
}

// Wait blocks until every started action has returned.
func (b *Bridge) Wait() {
	b.actions.Wait()
}

// ReadLines delivers the lines of r on the returned channel, which is closed
// at end of input.
func ReadLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			log.Warnf("console: read input: %v", err)
		}
	}()
	return ch
}
