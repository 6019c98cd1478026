package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reedfamily/reedwrap/internal/backup"
	"github.com/reedfamily/reedwrap/internal/config"
	"github.com/reedfamily/reedwrap/internal/scheduler"
)

func TestInterruptedAutoBackupResumesOnNextTick(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.AutoBackup.Interval = 20 * time.Millisecond
	})
	h.autoAck(t)
	h.c.SetRequiresBackup(true)

	var calls atomic.Int32
	entered := make(chan struct{})
	h.archiver.archive = func(ctx context.Context, sourceDir string) (*backup.Backup, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &backup.Backup{ID: "e5f6a7b8", SourceDir: sourceDir}, nil
	}

	sched := scheduler.New()
	sched.Add(findJob(t, h.c, "auto-backup"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()

	<-entered
	assert.Equal(t, "auto-backup", h.c.Holder())
	require.NoError(t, sched.Interrupt("auto-backup"))

	// The second cycle can only archive once the first gave the permit back.
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !h.c.RequiresBackup() }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Empty(t, h.c.Holder())
	cmds := h.worker.Commands()
	assert.Contains(t, cmds, "say World backup failed, the admins have been notified.")
	assert.Equal(t, "save-on", cmds[len(cmds)-1])
}
