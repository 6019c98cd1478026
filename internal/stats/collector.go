// Package stats samples the supervised worker periodically, keeps the last
// day of samples in the database and fans new samples out to listeners.
package stats

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	log "github.com/sirupsen/logrus"

	"github.com/reedfamily/reedwrap/internal/supervisor"
)

const retention = 24 * time.Hour

type Sample struct {
	ID            int64   `json:"id"`
	Generation    uint64  `json:"generation"`
	State         string  `json:"state"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Players       int     `json:"players"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryBytes   int64   `json:"memory_bytes"`
	MemoryLimit   int64   `json:"memory_limit"`
	RecordedAt    string  `json:"recorded_at"`
}

// Usage is the resource usage of the worker at one point in time.
type Usage struct {
	CPUPercent  float64
	MemoryBytes int64
	MemoryLimit int64
}

type Worker interface {
	State() supervisor.State
	Generation() uint64
	Uptime() time.Duration
}

// UsageSource reports resource usage. It returns nil, nil when there is
// nothing to measure.
type UsageSource interface {
	Usage(ctx context.Context) (*Usage, error)
}

type Options struct {
	Worker   Worker
	Players  func() []string
	Usage    UsageSource
	Interval time.Duration
}

type Collector struct {
	db   *sql.DB
	opts Options

	mu        sync.RWMutex
	latest    *Sample
	listeners []chan *Sample
}

func NewCollector(db *sql.DB, opts Options) *Collector {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	return &Collector{db: db, opts: opts}
}

// Run samples every interval until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	log.Infof("stats: collector started (%s interval)", c.opts.Interval)
	c.collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	s := c.sample(ctx)

	res, err := c.db.ExecContext(ctx,
		`INSERT INTO stats (generation, state, uptime_seconds, players, cpu_percent, memory_bytes, memory_limit, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Generation, s.State, s.UptimeSeconds, s.Players, s.CPUPercent, s.MemoryBytes, s.MemoryLimit, s.RecordedAt,
	)
	if err != nil {
		log.Warnf("stats: insert: %v", err)
	} else if id, err := res.LastInsertId(); err == nil {
		s.ID = id
	}

	c.mu.Lock()
	c.latest = s
	listeners := c.listeners
	c.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- s:
		default:
			// slow listener
		}
	}

	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339)
	if _, err := c.db.ExecContext(ctx, `DELETE FROM stats WHERE recorded_at < ?`, cutoff); err != nil {
		log.Warnf("stats: cleanup: %v", err)
	}
}

func (c *Collector) sample(ctx context.Context) *Sample {
	w := c.opts.Worker
	s := &Sample{
		Generation:    w.Generation(),
		State:         w.State().String(),
		UptimeSeconds: int64(w.Uptime() / time.Second),
		RecordedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if c.opts.Players != nil {
		s.Players = len(c.opts.Players())
	}
	if c.opts.Usage != nil && w.State() == supervisor.Running {
		u, err := c.opts.Usage.Usage(ctx)
		if err != nil {
			log.Debugf("stats: usage: %v", err)
		} else if u != nil {
			s.CPUPercent = u.CPUPercent
			s.MemoryBytes = u.MemoryBytes
			s.MemoryLimit = u.MemoryLimit
		}
	}
	return s
}

func (c *Collector) Latest() *Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// Since returns the stored samples recorded at or after t, oldest first.
func (c *Collector) Since(ctx context.Context, t time.Time) ([]Sample, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, generation, state, uptime_seconds, players, cpu_percent, memory_bytes, memory_limit, recorded_at
		 FROM stats WHERE recorded_at >= ? ORDER BY id`,
		t.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.ID, &s.Generation, &s.State, &s.UptimeSeconds, &s.Players,
			&s.CPUPercent, &s.MemoryBytes, &s.MemoryLimit, &s.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *Collector) Subscribe() chan *Sample {
	ch := make(chan *Sample, 1)
	c.mu.Lock()
	c.listeners = append(c.listeners, ch)
	c.mu.Unlock()
	return ch
}

func (c *Collector) Unsubscribe(ch chan *Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.listeners {
		if l == ch {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// ContainerStats is implemented by the docker client.
type ContainerStats interface {
	ContainerStatsOnce(ctx context.Context, id string) (*container.StatsResponse, error)
}

// DockerUsage measures the container currently running the worker.
type DockerUsage struct {
	Client    ContainerStats
	Container func() string
}

func (d DockerUsage) Usage(ctx context.Context) (*Usage, error) {
	id := d.Container()
	if id == "" {
		return nil, nil
	}
	st, err := d.Client.ContainerStatsOnce(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Usage{
		CPUPercent:  calculateCPUPercent(st),
		MemoryBytes: int64(st.MemoryStats.Usage),
		MemoryLimit: int64(st.MemoryStats.Limit),
	}, nil
}

func calculateCPUPercent(st *container.StatsResponse) float64 {
	if st.CPUStats.CPUUsage.TotalUsage <= st.PreCPUStats.CPUUsage.TotalUsage ||
		st.CPUStats.SystemUsage <= st.PreCPUStats.SystemUsage {
		return 0
	}
	cpuDelta := float64(st.CPUStats.CPUUsage.TotalUsage - st.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(st.CPUStats.SystemUsage - st.PreCPUStats.SystemUsage)

	cpus := float64(st.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = 1
	}
	return (cpuDelta / systemDelta) * cpus * 100.0
}
