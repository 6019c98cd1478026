package maintenance

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/reedfamily/reedwrap/internal/game"
	"github.com/reedfamily/reedwrap/internal/supervisor"
)

// Announcer sends broadcast messages to connected players through the
// worker's own chat command.
type Announcer struct {
	worker  Worker
	adapter game.Adapter
	queue   chan string
}

func NewAnnouncer(worker Worker, adapter game.Adapter) *Announcer {
	return &Announcer{worker: worker, adapter: adapter, queue: make(chan string, 32)}
}

// Broadcast writes the message now.
func (a *Announcer) Broadcast(msg string) error {
	cmd := a.adapter.BroadcastCommand(msg)
	if cmd == "" {
		return nil
	}
	return a.worker.SubmitCommand(cmd, supervisor.Maintenance)
}

// Announce queues msg for Run and never blocks, so output pumps may call it.
func (a *Announcer) Announce(msg string) {
	select {
	case a.queue <- msg:
	default:
		log.Warnf("maintenance: announcement queue full, dropping %q", msg)
	}
}

func (a *Announcer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-a.queue:
			if err := a.Broadcast(msg); err != nil && !errors.Is(err, supervisor.ErrNoWorker) {
				log.Warnf("maintenance: broadcast: %v", err)
			}
		}
	}
}
