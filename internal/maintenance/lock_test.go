package maintenance

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLockMutualExclusion(t *testing.T) {
	l := NewLock()
	var inside, maxInside atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(context.Background(), "job", func(ctx context.Context) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Empty(t, l.Holder())
}

func TestLockReleasedOnPanic(t *testing.T) {
	l := NewLock()
	func() {
		defer func() { _ = recover() }()
		_ = l.Do(context.Background(), "auto-backup", func(ctx context.Context) error {
			panic("archive exploded")
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := l.Acquire(ctx, "auto-save")
	require.NoError(t, err)
	release()
}

func TestLockAcquireInterrupted(t *testing.T) {
	l := NewLock()
	release, err := l.Acquire(context.Background(), "auto-restart")
	require.NoError(t, err)
	assert.Equal(t, "auto-restart", l.Holder())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "auto-save")
	assert.ErrorIs(t, err, ErrLockInterrupted)

	release()
	assert.Empty(t, l.Holder())
}

func TestLockReleaseIsIdempotent(t *testing.T) {
	l := NewLock()
	release, err := l.Acquire(context.Background(), "render")
	require.NoError(t, err)
	release()
	release()

	first, err := l.Acquire(context.Background(), "save")
	require.NoError(t, err)
	defer first()

	// A double release must not have freed a second slot.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "backup")
	assert.ErrorIs(t, err, ErrLockInterrupted)
}
