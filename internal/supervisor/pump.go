package supervisor

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Pump drains one worker stream line by line. It is used for exactly one
// stream of one generation.
type Pump struct {
	name   string
	r      io.ReadCloser
	handle func(line string)
	onExit func(p *Pump, err error)

	stopped   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func NewPump(name string, r io.ReadCloser, handle func(string), onExit func(*Pump, error)) *Pump {
	return &Pump{
		name:   name,
		r:      r,
		handle: handle,
		onExit: onExit,
		done:   make(chan struct{}),
	}
}

func (p *Pump) Name() string { return p.name }

// Done is closed after the pump has exited and closed its stream.
func (p *Pump) Done() <-chan struct{} { return p.done }

// Run reads until end of stream, a read error, or Stop. The error passed to
// onExit is nil for a clean end of stream or a requested stop.
func (p *Pump) Run() {
	var exitErr error
	defer func() {
		p.close()
		if p.onExit != nil {
			p.onExit(p, exitErr)
		}
		close(p.done)
	}()

	reader := bufio.NewReaderSize(p.r, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			p.handle(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !p.stopped.Load() && !isClosed(err) {
				exitErr = err
			}
			return
		}
	}
}

// Stop interrupts a blocked read by closing the stream.
func (p *Pump) Stop() {
	p.stopped.Store(true)
	p.close()
}

func (p *Pump) close() {
	p.closeOnce.Do(func() {
		_ = p.r.Close()
	})
}

func isClosed(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
