package maintenance

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"
	log "github.com/sirupsen/logrus"

	"github.com/reedfamily/reedwrap/internal/lang"
	"github.com/reedfamily/reedwrap/internal/supervisor"
)

// The job bodies below expect the caller to hold the permit.

func (c *Coordinator) submit(cmd string) error {
	if cmd == "" {
		return nil
	}
	return c.worker.SubmitCommand(cmd, supervisor.Maintenance)
}

func (c *Coordinator) broadcast(key string, args ...any) {
	if err := c.announcer.Broadcast(c.lang.T(key, args...)); err != nil {
		log.Debugf("maintenance: broadcast: %v", err)
	}
}

// save asks the worker to flush the world and waits for confirmation.
func (c *Coordinator) save(ctx context.Context) error {
	cmd := c.adapter.SaveCommand()
	if cmd == "" {
		return nil
	}
	pending := c.saving.begin()
	if err := c.submit(cmd); err != nil {
		c.saving.Reset()
		return fmt.Errorf("save: %w", err)
	}
	if err := c.saving.await(ctx, pending, c.config.Current().SaveTimeout); err != nil {
		c.saving.Reset()
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

// suspendSaves turns the worker's own disk writes off and returns the func
// that turns them back on. Resuming must happen even when the caller fails.
func (c *Coordinator) suspendSaves() (func(), error) {
	if err := c.submit(c.adapter.SaveOffCommand()); err != nil {
		return nil, err
	}
	return func() {
		if err := c.submit(c.adapter.SaveOnCommand()); err != nil {
			log.Warnf("maintenance: could not re-enable saving: %v", err)
		}
	}, nil
}

// backup archives the world directory. Without force it only runs when
// players changed the world since the last backup.
func (c *Coordinator) backup(ctx context.Context, force bool) error {
	if !force && !c.pending.Required() {
		log.Debug("maintenance: no changes since last backup, skipping")
		return nil
	}
	cfg := c.config.Current()

	c.broadcast(lang.BackupStarting)
	resume, err := c.suspendSaves()
	if err != nil {
		c.broadcast(lang.BackupFailed)
		return fmt.Errorf("backup: %w", err)
	}
	defer resume()

	if err := c.save(ctx); err != nil {
		c.broadcast(lang.BackupFailed)
		return fmt.Errorf("backup: %w", err)
	}

	b, err := c.archiver.Archive(ctx, cfg.WorldDir())
	if err != nil {
		c.broadcast(lang.BackupFailed)
		c.record("backup_failed", err.Error())
		if ctx.Err() != nil {
			return fmt.Errorf("%w: backup: %v", ErrLockInterrupted, err)
		}
		return fmt.Errorf("backup: %w", err)
	}
	if _, err := c.archiver.PruneOlderThan(ctx, cfg.AutoBackup.Retention); err != nil {
		log.Warnf("maintenance: prune backups: %v", err)
	}

	c.broadcast(lang.BackupDone, units.HumanSize(float64(b.SizeBytes)))
	c.record("backup", b.ID)
	if c.players.Count() == 0 {
		c.pending.Set(false)
	}
	return nil
}

// restart optionally counts down with warnings at the configured remaining
// times, then relaunches the worker.
func (c *Coordinator) restart(ctx context.Context, countdown bool) error {
	if countdown {
		warnings := append([]time.Duration(nil), c.config.Current().AutoRestart.Warnings...)
		sort.Slice(warnings, func(i, j int) bool { return warnings[i] > warnings[j] })
		for i, remaining := range warnings {
			if remaining <= 0 {
				continue
			}
			c.broadcast(lang.RestartWarning, strings.ToLower(units.HumanDuration(remaining)))
			var next time.Duration
			if i+1 < len(warnings) && warnings[i+1] > 0 {
				next = warnings[i+1]
			}
			if err := sleepCtx(ctx, remaining-next); err != nil {
				return err
			}
		}
	}
	c.broadcast(lang.RestartNow)
	c.record("restart", "")
	return c.worker.ForceRestart(ctx)
}

// render runs the external map renderer against a quiesced world. A hold
// ticket pinned in the worker is released afterwards; its release marker
// confirms the worker is processing commands again.
func (c *Coordinator) render(ctx context.Context) error {
	cfg := c.config.Current()
	if len(cfg.Render.Command) == 0 {
		return errors.New("render: no command configured")
	}

	resume, err := c.suspendSaves()
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	defer resume()

	if err := c.save(ctx); err != nil {
		return fmt.Errorf("render: %w", err)
	}

	id, released := c.tickets.Issue()
	defer c.tickets.Cancel(id)
	hold := c.adapter.HoldCommand(id)
	if err := c.submit(hold); err != nil {
		return fmt.Errorf("render: hold: %w", err)
	}

	c.broadcast(lang.RenderStarting)
	out := log.WithField("job", "render").WriterLevel(log.InfoLevel)
	defer out.Close()
	cmd := exec.CommandContext(ctx, cfg.Render.Command[0], cfg.Render.Command[1:]...)
	cmd.Dir = cfg.Worker.WorkDir
	cmd.Stdout = out
	cmd.Stderr = out
	start := time.Now()
	runErr := cmd.Run()

	if hold != "" {
		if err := c.submit(c.adapter.ReleaseCommand(id)); err != nil {
			log.Warnf("maintenance: release ticket %d: %v", id, err)
		} else if err := WaitReleased(ctx, id, released, cfg.Render.ReleaseTimeout); err != nil {
			log.Warnf("maintenance: %v", err)
		}
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: render: %v", ErrLockInterrupted, runErr)
		}
		return fmt.Errorf("render: %w", runErr)
	}
	log.Infof("maintenance: render finished in %s", time.Since(start).Round(time.Second))
	c.broadcast(lang.RenderDone)
	c.record("render", "")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrLockInterrupted, ctx.Err())
	}
}
