package stats

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reedfamily/reedwrap/internal/db"
	"github.com/reedfamily/reedwrap/internal/supervisor"
)

type fakeWorker struct {
	state supervisor.State
}

func (w fakeWorker) State() supervisor.State { return w.state }
func (w fakeWorker) Generation() uint64      { return 3 }
func (w fakeWorker) Uptime() time.Duration   { return 90 * time.Second }

type fakeStats struct {
	resp *container.StatsResponse
	err  error
	ids  []string
}

func (f *fakeStats) ContainerStatsOnce(ctx context.Context, id string) (*container.StatsResponse, error) {
	f.ids = append(f.ids, id)
	return f.resp, f.err
}

func statsResponse(total, preTotal, system, preSystem uint64, cpus uint32) *container.StatsResponse {
	return &container.StatsResponse{Stats: container.Stats{
		CPUStats: container.CPUStats{
			CPUUsage:    container.CPUUsage{TotalUsage: total},
			SystemUsage: system,
			OnlineCPUs:  cpus,
		},
		PreCPUStats: container.CPUStats{
			CPUUsage:    container.CPUUsage{TotalUsage: preTotal},
			SystemUsage: preSystem,
		},
		MemoryStats: container.MemoryStats{Usage: 1 << 30, Limit: 4 << 30},
	}}
}

func TestCalculateCPUPercent(t *testing.T) {
	tests := []struct {
		name string
		resp *container.StatsResponse
		want float64
	}{
		{"quarter of four cpus", statsResponse(300, 100, 1800, 1000, 4), 100},
		{"unknown cpu count", statsResponse(300, 100, 1800, 1000, 0), 25},
		{"no cpu progress", statsResponse(100, 100, 1800, 1000, 4), 0},
		{"no system progress", statsResponse(300, 100, 1000, 1000, 4), 0},
		{"counter reset", statsResponse(50, 100, 1800, 1000, 4), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, calculateCPUPercent(tt.resp), 0.001)
		})
	}
}

func TestDockerUsage(t *testing.T) {
	client := &fakeStats{resp: statsResponse(300, 100, 1800, 1000, 4)}
	current := ""
	u := DockerUsage{Client: client, Container: func() string { return current }}

	usage, err := u.Usage(context.Background())
	require.NoError(t, err)
	assert.Nil(t, usage)
	assert.Empty(t, client.ids)

	current = "f00dcafe"
	usage, err = u.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), usage.MemoryBytes)
	assert.Equal(t, int64(4<<30), usage.MemoryLimit)
	assert.InDelta(t, 100, usage.CPUPercent, 0.001)
	assert.Equal(t, []string{"f00dcafe"}, client.ids)
}

func openDB(t *testing.T) *Collector {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(conn))

	client := &fakeStats{resp: statsResponse(300, 100, 1800, 1000, 4)}
	return NewCollector(conn, Options{
		Worker:  fakeWorker{state: supervisor.Running},
		Players: func() []string { return []string{"Steve", "Alex"} },
		Usage:   DockerUsage{Client: client, Container: func() string { return "f00dcafe" }},
	})
}

func TestCollectStoresAndNotifies(t *testing.T) {
	c := openDB(t)
	ch := c.Subscribe()

	c.collect(context.Background())

	s := <-ch
	assert.Equal(t, uint64(3), s.Generation)
	assert.Equal(t, "running", s.State)
	assert.Equal(t, int64(90), s.UptimeSeconds)
	assert.Equal(t, 2, s.Players)
	assert.InDelta(t, 100, s.CPUPercent, 0.001)
	assert.Equal(t, s, c.Latest())

	samples, err := c.Since(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, s.ID, samples[0].ID)

	c.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestCollectPrunesOldSamples(t *testing.T) {
	c := openDB(t)
	old := time.Now().Add(-25 * time.Hour).UTC().Format(time.RFC3339)
	_, err := c.db.Exec(`INSERT INTO stats (generation, state, recorded_at) VALUES (1, 'running', ?)`, old)
	require.NoError(t, err)

	c.collect(context.Background())

	samples, err := c.Since(context.Background(), time.Now().Add(-48*time.Hour))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, uint64(3), samples[0].Generation)
}

func TestSampleSkipsUsageWhenStopped(t *testing.T) {
	client := &fakeStats{err: errors.New("no such container")}
	c := NewCollector(nil, Options{
		Worker: fakeWorker{state: supervisor.Stopped},
		Usage:  DockerUsage{Client: client, Container: func() string { return "f00dcafe" }},
	})
	s := c.sample(context.Background())
	assert.Equal(t, "stopped", s.State)
	assert.Zero(t, s.CPUPercent)
	assert.Empty(t, client.ids)
}
