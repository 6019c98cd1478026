package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/reedfamily/reedwrap/internal/api"
	"github.com/reedfamily/reedwrap/internal/auth"
	"github.com/reedfamily/reedwrap/internal/backup"
	"github.com/reedfamily/reedwrap/internal/config"
	"github.com/reedfamily/reedwrap/internal/console"
	"github.com/reedfamily/reedwrap/internal/db"
	"github.com/reedfamily/reedwrap/internal/docker"
	"github.com/reedfamily/reedwrap/internal/game"
	"github.com/reedfamily/reedwrap/internal/lang"
	"github.com/reedfamily/reedwrap/internal/logging"
	"github.com/reedfamily/reedwrap/internal/maintenance"
	"github.com/reedfamily/reedwrap/internal/scheduler"
	"github.com/reedfamily/reedwrap/internal/server"
	"github.com/reedfamily/reedwrap/internal/stats"
	"github.com/reedfamily/reedwrap/internal/supervisor"
	"github.com/reedfamily/reedwrap/internal/worker"
)

const (
	eventRetention = 30 * 24 * time.Hour
	// shutdownSlack is added to the worker's stop grace when waiting for
	// running maintenance before shutting down.
	shutdownSlack = 2 * time.Minute
)

func run(parent context.Context, configPath string) error {
	store, err := config.NewStore(configPath)
	if err != nil {
		return err
	}
	cfg := store.Current()
	if err := logging.Setup(cfg); err != nil {
		return err
	}
	defer logging.Close()

	unlock, err := lockDataDir(cfg.DataDir)
	if err != nil {
		return err
	}
	defer unlock()

	database, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.Migrate(database); err != nil {
		return err
	}

	adapter, err := game.Get(cfg.Game)
	if err != nil {
		return fmt.Errorf("%w (known: %v)", err, game.Names())
	}
	markers := adapter.Markers().Override(cfg.Markers.Save, cfg.Markers.Crash, cfg.Markers.Ready, cfg.Markers.Release)

	catalog := lang.New()
	if err := catalog.Load(cfg.LangFile); err != nil {
		return err
	}
	store.OnReload(func(c *config.Config) {
		if err := logging.Setup(c); err != nil {
			log.Errorf("config: %v", err)
		}
		if err := catalog.Load(c.LangFile); err != nil {
			log.Errorf("lang: %v", err)
		}
	})

	launcher, usage, closeLauncher, err := newLauncher(cfg)
	if err != nil {
		return err
	}
	defer closeLauncher()

	sup := supervisor.New(supervisor.Options{
		Launcher:       launcher,
		Classifier:     game.NewClassifier(markers, cfg.Debug),
		StopCommand:    adapter.StopCommand(),
		ReadyTimeout:   cfg.Worker.ReadyTimeout,
		StopGrace:      cfg.Worker.StopGrace,
		ExitOnFailure:  cfg.ExitOnFailure,
		HistorySize:    cfg.HistorySize,
		RestartBackoff: cfg.RestartBackoff,
		Echo:           os.Stdout,
	})

	journal := db.NewJournal(database)
	backups := backup.NewService(database, cfg.DataDir)
	authSvc := auth.NewService(database)
	coord := maintenance.New(maintenance.Options{
		Worker:   sup,
		Adapter:  adapter,
		Archiver: backups,
		Config:   store,
		Lang:     catalog,
		Journal:  journal,
	})
	sup.Subscribe(coord.HandleEvent)
	sup.OnGeneration(coord.OnGeneration)
	sup.SetRestartGuard(coord.RestartGuard)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, shutdown := context.WithCancel(ctx)
	defer shutdown()

	bridge := console.NewBridge(runCtx, sup, console.NewInterceptor(console.Actions{
		Reload: func(ctx context.Context) error { return store.Reload() },
		Save:   coord.Save,
		Backup: coord.Backup,
		Restart: func(ctx context.Context) error {
			return coord.Restart(ctx, false)
		},
		Stop: func(ctx context.Context) error {
			shutdown()
			return nil
		},
	}, func() bool { return store.Current().Compat }), console.ReadLines(os.Stdin))
	sup.OnGeneration(bridge.Serve)

	sched := scheduler.New()
	for _, job := range coord.Jobs() {
		sched.Add(job)
	}
	sched.Add(housekeeping(journal, authSvc))

	collector := stats.NewCollector(database, stats.Options{
		Worker:  sup,
		Players: coord.Players,
		Usage:   usage,
	})

	// The journal outlives the run context so shutdown events are kept.
	journalCtx, stopJournal := context.WithCancel(context.Background())
	journalDone := make(chan struct{})
	go func() {
		defer close(journalDone)
		_ = journal.Run(journalCtx)
	}()
	defer func() {
		stopJournal()
		<-journalDone
	}()

	if cfg.Admin.Enabled {
		if err := authSvc.EnsureDefaultOperator(runCtx, cfg.Admin.DefaultUser, cfg.Admin.DefaultPass); err != nil {
			return fmt.Errorf("ensure default operator: %w", err)
		}
	}

	if err := sup.Start(runCtx); err != nil {
		return err
	}

	var control *api.ControlHandler
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return coord.Announcer().Run(gctx) })
	g.Go(func() error { return collector.Run(gctx) })
	g.Go(func() error { return store.Watch(gctx) })
	if cfg.Admin.Enabled {
		control = api.NewControlHandler(runCtx, api.ControlOptions{
			Worker:      sup,
			Maintenance: coord,
			Commands:    bridge,
			Events:      journal,
			Stop:        shutdown,
		})
		srv := server.New(cfg.Admin, authSvc, server.Handlers{
			Auth:    api.NewAuthHandler(authSvc),
			Control: control,
			Jobs:    api.NewJobHandler(sched),
			Backups: api.NewBackupHandler(backups),
			Stats:   api.NewStatsHandler(collector),
			Console: api.NewConsoleHandler(sup.History(), bridge),
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	err = g.Wait()
	if err != nil {
		log.Errorf("reedwrap: %v", err)
	} else {
		log.Info("reedwrap: shutting down")
	}

	stopErr := stopWorker(coord, store.Current())
	bridge.Wait()
	if control != nil {
		control.Wait()
	}
	return errors.Join(err, stopErr)
}

// stopWorker waits a bounded time for running maintenance, then stops the
// worker.
func stopWorker(coord *maintenance.Coordinator, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Worker.StopGrace+shutdownSlack)
	defer cancel()
	return coord.Shutdown(ctx)
}

func newLauncher(cfg *config.Config) (worker.Launcher, stats.UsageSource, func(), error) {
	if !cfg.Docker.Enabled {
		l := &worker.ExecLauncher{Command: cfg.WorkerCommand(), Dir: cfg.Worker.WorkDir}
		return l, nil, func() {}, nil
	}

	client, err := docker.NewClient()
	if err != nil {
		return nil, nil, nil, err
	}
	memory := docker.ParseMemory(cfg.Worker.Memory)
	if memory > 0 {
		// Room for the JVM beyond its heap.
		memory += memory / 4
	}
	l := docker.NewLauncher(client, docker.ContainerConfig{
		Name:        cfg.Docker.Name,
		Image:       cfg.Docker.Image,
		Cmd:         cfg.WorkerCommand(),
		WorkingDir:  "/data",
		Volumes:     map[string]string{cfg.Worker.WorkDir: "/data"},
		Ports:       docker.ParsePortMappings(cfg.Docker.Ports),
		MemoryLimit: memory,
		CPULimit:    cfg.Docker.CPU,
	})
	usage := stats.DockerUsage{Client: client, Container: l.Current}
	closeClient := func() {
		if err := client.Close(); err != nil {
			log.Debugf("docker: close client: %v", err)
		}
	}
	return l, usage, closeClient, nil
}

func housekeeping(journal *db.Journal, authSvc *auth.Service) scheduler.Job {
	return scheduler.Job{
		Name:     "housekeeping",
		Enabled:  func() bool { return true },
		Schedule: func() (scheduler.Schedule, error) { return scheduler.Every(24 * time.Hour), nil },
		Run: func(ctx context.Context) error {
			events, err := journal.PruneBefore(ctx, time.Now().Add(-eventRetention))
			if err != nil {
				return fmt.Errorf("prune events: %w", err)
			}
			sessions, err := authSvc.PruneExpired(ctx)
			if err != nil {
				return fmt.Errorf("prune sessions: %w", err)
			}
			log.Debugf("housekeeping: pruned %d events and %d sessions", events, sessions)
			return nil
		},
	}
}

// lockDataDir makes sure only one wrapper uses the data directory.
func lockDataDir(dataDir string) (func(), error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(filepath.Join(dataDir, "reedwrap.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data dir: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("data dir %s is in use by another reedwrap", dataDir)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			log.Warnf("reedwrap: unlock data dir: %v", err)
		}
	}, nil
}
