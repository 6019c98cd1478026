package maintenance

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/reedfamily/reedwrap/internal/backup"
	"github.com/reedfamily/reedwrap/internal/config"
	"github.com/reedfamily/reedwrap/internal/game"
	"github.com/reedfamily/reedwrap/internal/lang"
	"github.com/reedfamily/reedwrap/internal/scheduler"
	"github.com/reedfamily/reedwrap/internal/supervisor"
)

// Worker is the part of the supervisor maintenance drives.
type Worker interface {
	SubmitCommand(text string, source supervisor.Source) error
	ForceRestart(ctx context.Context) error
	Stop(ctx context.Context) error
	State() supervisor.State
	Generation() uint64
}

type Archiver interface {
	Archive(ctx context.Context, sourceDir string) (*backup.Backup, error)
	PruneOlderThan(ctx context.Context, retention time.Duration) (int, error)
}

// Recorder receives lifecycle events for the journal.
type Recorder interface {
	Record(gen uint64, kind, detail string)
}

type Options struct {
	Worker   Worker
	Adapter  game.Adapter
	Archiver Archiver
	Config   *config.Store
	Lang     *lang.Catalog
	Journal  Recorder
}

// Coordinator owns the maintenance permit and the state derived from worker
// output (saving, players, tickets). Every public operation takes the
// permit first.
type Coordinator struct {
	worker   Worker
	adapter  game.Adapter
	archiver Archiver
	config   *config.Store
	lang     *lang.Catalog
	journal  Recorder

	lock      *Lock
	saving    *SavingSignal
	pending   *PendingBackup
	players   *PlayerTracker
	tickets   *Tickets
	announcer *Announcer
}

func New(opts Options) *Coordinator {
	if opts.Lang == nil {
		opts.Lang = lang.New()
	}
	pending := &PendingBackup{}
	return &Coordinator{
		worker:    opts.Worker,
		adapter:   opts.Adapter,
		archiver:  opts.Archiver,
		config:    opts.Config,
		lang:      opts.Lang,
		journal:   opts.Journal,
		lock:      NewLock(),
		saving:    &SavingSignal{},
		pending:   pending,
		players:   NewPlayerTracker(pending),
		tickets:   NewTickets(),
		announcer: NewAnnouncer(opts.Worker, opts.Adapter),
	}
}

func (c *Coordinator) Lock() *Lock              { return c.lock }
func (c *Coordinator) Announcer() *Announcer    { return c.announcer }
func (c *Coordinator) IsSaving() bool           { return c.saving.IsSaving() }
func (c *Coordinator) RequiresBackup() bool     { return c.pending.Required() }
func (c *Coordinator) SetRequiresBackup(v bool) { c.pending.Set(v) }
func (c *Coordinator) Players() []string        { return c.players.Online() }

// Holder names the operation holding the maintenance permit, if any.
func (c *Coordinator) Holder() string { return c.lock.Holder() }

// HandleEvent is subscribed to the supervisor's output events. It runs on a
// pump goroutine and never blocks.
func (c *Coordinator) HandleEvent(ev game.Event) {
	switch ev.Kind {
	case game.SaveComplete:
		if c.saving.Complete() {
			c.announcer.Announce(c.lang.T(lang.SaveComplete))
		}
	case game.ResourceReleased:
		if !c.tickets.Resolve(ev.ID) {
			log.Debugf("maintenance: release of unknown ticket %d", ev.ID)
		}
	case game.PlayerJoined:
		c.players.Joined(ev.Player)
		c.record("player_joined", ev.Player)
	case game.PlayerLeft:
		c.players.Left(ev.Player)
		c.record("player_left", ev.Player)
	case game.CrashDetected:
		c.record("crash", ev.Line)
	case game.Ready:
		c.record("ready", "")
	}
}

// OnGeneration resets per-generation state when a new worker starts.
func (c *Coordinator) OnGeneration(ctx context.Context, gen uint64) {
	c.players.Reset()
	c.saving.Reset()
	c.record("started", "")
}

// RestartGuard lets crash restarts wait for running maintenance.
func (c *Coordinator) RestartGuard(ctx context.Context) (func(), error) {
	return c.lock.Acquire(ctx, "crash-restart")
}

func (c *Coordinator) Save(ctx context.Context) error {
	return c.lock.Do(ctx, "save", c.save)
}

// Backup archives the world even when no changes are pending.
func (c *Coordinator) Backup(ctx context.Context) error {
	return c.lock.Do(ctx, "backup", func(ctx context.Context) error {
		return c.backup(ctx, true)
	})
}

// Restart relaunches the worker, announcing a countdown first when asked.
func (c *Coordinator) Restart(ctx context.Context, countdown bool) error {
	return c.lock.Do(ctx, "restart", func(ctx context.Context) error {
		return c.restart(ctx, countdown)
	})
}

func (c *Coordinator) Render(ctx context.Context) error {
	return c.lock.Do(ctx, "render", c.render)
}

// Shutdown stops the worker once running maintenance has finished. If ctx
// ends first the worker is stopped anyway.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	release, err := c.lock.Acquire(ctx, "shutdown")
	if err != nil {
		log.Warnf("maintenance: stopping without the permit: %v", err)
	} else {
		defer release()
	}
	if err := c.announcer.Broadcast(c.lang.T(lang.ServerStopping)); err != nil {
		log.Debugf("maintenance: %v", err)
	}
	c.record("stopping", "")
	return c.worker.Stop(context.WithoutCancel(ctx))
}

// Jobs returns the periodic jobs; enable flags and schedules are read from
// the current configuration on every cycle.
func (c *Coordinator) Jobs() []scheduler.Job {
	cfg := c.config.Current
	return []scheduler.Job{
		{
			Name:     "auto-save",
			Enabled:  func() bool { return cfg().AutoSave.Enabled },
			Schedule: func() (scheduler.Schedule, error) { return schedule(cfg().AutoSave) },
			Run: func(ctx context.Context) error {
				return c.lock.Do(ctx, "auto-save", c.save)
			},
		},
		{
			Name:     "auto-backup",
			Enabled:  func() bool { return cfg().AutoBackup.Enabled },
			Schedule: func() (scheduler.Schedule, error) { return schedule(cfg().AutoBackup.JobConfig) },
			Run: func(ctx context.Context) error {
				return c.lock.Do(ctx, "auto-backup", func(ctx context.Context) error {
					return c.backup(ctx, false)
				})
			},
		},
		{
			Name:     "auto-restart",
			Enabled:  func() bool { return cfg().AutoRestart.Enabled },
			Schedule: func() (scheduler.Schedule, error) { return schedule(cfg().AutoRestart.JobConfig) },
			Run: func(ctx context.Context) error {
				return c.lock.Do(ctx, "auto-restart", func(ctx context.Context) error {
					return c.restart(ctx, true)
				})
			},
		},
		{
			Name:     "auto-render",
			Enabled:  func() bool { return cfg().Render.Enabled },
			Schedule: func() (scheduler.Schedule, error) { return schedule(cfg().Render.JobConfig) },
			Run: func(ctx context.Context) error {
				return c.lock.Do(ctx, "auto-render", c.render)
			},
		},
	}
}

func schedule(job config.JobConfig) (scheduler.Schedule, error) {
	return scheduler.Parse(job.Interval, job.Cron)
}

func (c *Coordinator) record(kind, detail string) {
	if c.journal != nil {
		c.journal.Record(c.worker.Generation(), kind, detail)
	}
}
