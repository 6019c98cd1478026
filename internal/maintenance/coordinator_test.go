package maintenance

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reedfamily/reedwrap/internal/backup"
	"github.com/reedfamily/reedwrap/internal/config"
	"github.com/reedfamily/reedwrap/internal/game"
)

func TestSaveCompleteAnnouncesOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.c.saving.Begin()
	require.True(t, h.c.IsSaving())

	h.c.HandleEvent(game.Event{Kind: game.SaveComplete})
	assert.False(t, h.c.IsSaving())
	// A save nobody waited for is not announced.
	h.c.HandleEvent(game.Event{Kind: game.SaveComplete})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.c.Announcer().Run(ctx)
	}()
	require.Eventually(t, func() bool { return len(h.worker.Commands()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"say World saved."}, h.worker.Commands())
}

func TestSaveWaitsForConfirmation(t *testing.T) {
	h := newHarness(t, nil)
	h.autoAck(t)

	require.NoError(t, h.c.Save(context.Background()))
	assert.Equal(t, []string{"save-all flush"}, h.worker.Commands())
	assert.False(t, h.c.IsSaving())
	assert.Empty(t, h.c.Lock().Holder())
}

func TestSaveTimesOut(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.SaveTimeout = 20 * time.Millisecond })

	err := h.c.Save(context.Background())
	assert.ErrorIs(t, err, ErrSaveTimeout)
	assert.False(t, h.c.IsSaving())
}

func TestAutoBackupSkipsWithoutChanges(t *testing.T) {
	h := newHarness(t, nil)
	job := findJob(t, h.c, "auto-backup")

	require.NoError(t, job.Run(context.Background()))
	assert.Zero(t, h.archiver.archived.Load())
	assert.Empty(t, h.worker.Commands())
}

func TestBackupSequence(t *testing.T) {
	h := newHarness(t, nil)
	h.autoAck(t)
	h.c.SetRequiresBackup(true)

	require.NoError(t, findJob(t, h.c, "auto-backup").Run(context.Background()))

	cmds := h.worker.Commands()
	require.Len(t, cmds, 5)
	assert.True(t, strings.HasPrefix(cmds[0], "say Starting world backup"))
	assert.Equal(t, "save-off", cmds[1])
	assert.Equal(t, "save-all flush", cmds[2])
	assert.Equal(t, "say World backup finished (3.146MB).", cmds[3])
	assert.Equal(t, "save-on", cmds[4])

	assert.Equal(t, int32(1), h.archiver.archived.Load())
	assert.Equal(t, int32(1), h.archiver.pruned.Load())
	assert.False(t, h.c.RequiresBackup())
}

func TestBackupKeepsFlagWhilePlayersOnline(t *testing.T) {
	h := newHarness(t, nil)
	h.autoAck(t)
	h.c.HandleEvent(game.Event{Kind: game.PlayerJoined, Player: "Steve"})
	require.True(t, h.c.RequiresBackup())

	require.NoError(t, h.c.Backup(context.Background()))
	assert.True(t, h.c.RequiresBackup())
	assert.Equal(t, []string{"Steve"}, h.c.Players())
}

func TestBackupFailureResumesSaving(t *testing.T) {
	h := newHarness(t, nil)
	h.autoAck(t)
	h.c.SetRequiresBackup(true)
	h.archiver.archive = func(ctx context.Context, sourceDir string) (*backup.Backup, error) {
		return nil, errDiskFull
	}

	err := h.c.Backup(context.Background())
	assert.ErrorIs(t, err, errDiskFull)

	cmds := h.worker.Commands()
	assert.Equal(t, "save-on", cmds[len(cmds)-1])
	assert.Contains(t, cmds, "say World backup failed, the admins have been notified.")
	assert.True(t, h.c.RequiresBackup())
}

func TestInterruptedBackupReleasesPermit(t *testing.T) {
	h := newHarness(t, nil)
	h.autoAck(t)
	h.c.SetRequiresBackup(true)
	h.archiver.entered = make(chan struct{})
	h.archiver.archive = func(ctx context.Context, sourceDir string) (*backup.Backup, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	job := findJob(t, h.c, "auto-backup")
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- job.Run(ctx) }()

	<-h.archiver.entered
	assert.Equal(t, "auto-backup", h.c.Lock().Holder())
	cancel()
	assert.ErrorIs(t, <-errc, ErrLockInterrupted)

	saveCtx, saveCancel := context.WithTimeout(context.Background(), time.Second)
	defer saveCancel()
	require.NoError(t, findJob(t, h.c, "auto-save").Run(saveCtx))

	cmds := h.worker.Commands()
	assert.Contains(t, cmds, "save-on")
	assert.Equal(t, "save-all flush", cmds[len(cmds)-1])
}

func TestRestartCountdown(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.AutoRestart.Warnings = []time.Duration{10 * time.Millisecond, 30 * time.Millisecond, 20 * time.Millisecond}
	})

	start := time.Now()
	require.NoError(t, findJob(t, h.c, "auto-restart").Run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	assert.Equal(t, []string{
		"say Server restarts in less than a second.",
		"say Server restarts in less than a second.",
		"say Server restarts in less than a second.",
		"say Server is restarting now.",
	}, h.worker.Commands())
	assert.Equal(t, int32(1), h.worker.restarts.Load())
}

func TestRestartCountdownInterrupted(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.AutoRestart.Warnings = []time.Duration{time.Minute}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.c.Restart(ctx, true)
	assert.ErrorIs(t, err, ErrLockInterrupted)
	assert.Zero(t, h.worker.restarts.Load())
	assert.Equal(t, []string{"say Server restarts in about a minute."}, h.worker.Commands())
	assert.Empty(t, h.c.Lock().Holder())
}

func TestImmediateRestart(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.Restart(context.Background(), false))
	assert.Equal(t, []string{"say Server is restarting now."}, h.worker.Commands())
	assert.Equal(t, int32(1), h.worker.restarts.Load())
}

func TestRenderHoldsAndReleasesTicket(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Render.Command = []string{"sh", "-c", "echo rendering tiles"}
		cfg.Render.ReleaseTimeout = time.Second
	})
	h.autoAck(t)

	require.NoError(t, h.c.Render(context.Background()))

	assert.Equal(t, []string{
		"save-off",
		"save-all flush",
		"scoreboard objectives add reedwrap_hold_1 dummy",
		"say Rendering the map, saving is paused.",
		"scoreboard objectives remove reedwrap_hold_1",
		"say Map render finished.",
		"save-on",
	}, h.worker.Commands())
	assert.Zero(t, h.c.tickets.Outstanding())
}

func TestRenderFailureResumesSaving(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Render.Command = []string{"sh", "-c", "exit 3"}
		cfg.Render.ReleaseTimeout = time.Second
	})
	h.autoAck(t)

	assert.Error(t, h.c.Render(context.Background()))
	cmds := h.worker.Commands()
	assert.Equal(t, "save-on", cmds[len(cmds)-1])
}

func TestRenderWithoutCommand(t *testing.T) {
	h := newHarness(t, nil)
	assert.Error(t, h.c.Render(context.Background()))
	assert.Empty(t, h.worker.Commands())
}

func TestShutdownWaitsForPermit(t *testing.T) {
	h := newHarness(t, nil)
	release, err := h.c.Lock().Acquire(context.Background(), "auto-backup")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.c.Shutdown(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.worker.stops.Load())
	release()

	require.NoError(t, <-done)
	assert.Equal(t, int32(1), h.worker.stops.Load())
	assert.Equal(t, []string{"say Server is shutting down."}, h.worker.Commands())
}

func TestShutdownProceedsWhenPermitUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	release, err := h.c.Lock().Acquire(context.Background(), "auto-render")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, h.c.Shutdown(ctx))
	assert.Equal(t, int32(1), h.worker.stops.Load())
}

func TestRestartGuardUsesPermit(t *testing.T) {
	h := newHarness(t, nil)
	release, err := h.c.RestartGuard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "crash-restart", h.c.Lock().Holder())
	release()
}

func TestOnGenerationResetsState(t *testing.T) {
	h := newHarness(t, nil)
	h.c.HandleEvent(game.Event{Kind: game.PlayerJoined, Player: "Alex"})
	h.c.saving.Begin()

	h.c.OnGeneration(context.Background(), 2)
	assert.Empty(t, h.c.Players())
	assert.False(t, h.c.IsSaving())
	assert.True(t, h.c.RequiresBackup())
}

func TestSaveFailsWhenGenerationChanges(t *testing.T) {
	h := newHarness(t, nil)
	h.worker.setHook(func(cmd string) {
		if cmd == "save-all flush" {
			h.c.OnGeneration(context.Background(), 2)
		}
	})

	err := h.c.Save(context.Background())
	assert.ErrorIs(t, err, ErrSaveAborted)
	assert.False(t, h.c.IsSaving())
}

func TestSaveKeepsPendingBackup(t *testing.T) {
	h := newHarness(t, nil)
	h.autoAck(t)
	h.c.SetRequiresBackup(true)

	require.NoError(t, h.c.Save(context.Background()))
	assert.True(t, h.c.RequiresBackup())
}

func TestJobsFollowConfig(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.AutoRestart.Enabled = true
		cfg.AutoRestart.Cron = "0 4 * * *"
	})
	names := map[string]bool{}
	for _, job := range h.c.Jobs() {
		names[job.Name] = job.Enabled()
	}
	assert.Equal(t, map[string]bool{
		"auto-save":    true,
		"auto-backup":  true,
		"auto-restart": true,
		"auto-render":  false,
	}, names)

	sched, err := findJob(t, h.c, "auto-restart").Schedule()
	require.NoError(t, err)
	from := time.Date(2026, 10, 19, 12, 0, 0, 0, time.Local)
	assert.Equal(t, time.Date(2026, 10, 20, 4, 0, 0, 0, time.Local), sched.Next(from))
}
