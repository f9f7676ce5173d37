package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource sample of one OS process.
type Usage struct {
	PID        int32
	CPUPercent float64
	RSSBytes   uint64
	NumThreads int32
	CreatedAt  time.Time
}

// Sample reads resource usage of pid from the OS.
func Sample(ctx context.Context, pid int32) (Usage, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u := Usage{PID: pid, RSSBytes: mem.RSS}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = n
	}
	if ms, err := proc.CreateTimeWithContext(ctx); err == nil {
		u.CreatedAt = time.UnixMilli(ms)
	}
	return u, nil
}

// ResourceCollector periodically samples the running supervised processes
// and exposes per-process gauges.
type ResourceCollector struct {
	interval time.Duration
	cpu      *prometheus.GaugeVec
	memory   *prometheus.GaugeVec
	threads  *prometheus.GaugeVec

	mu   sync.Mutex
	seen map[string]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewResourceCollector creates a collector sampling every interval (default 5s).
func NewResourceCollector(interval time.Duration) *ResourceCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceCollector{
		interval: interval,
		seen:     make(map[string]struct{}),
		stopCh:   make(chan struct{}),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "process", Name: "cpu_percent",
			Help: "CPU usage percentage of supervised processes.",
		}, []string{"name"}),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "process", Name: "memory_rss_bytes",
			Help: "Resident memory of supervised processes.",
		}, []string{"name"}),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "process", Name: "num_threads",
			Help: "Thread count of supervised processes.",
		}, []string{"name"}),
	}
}

// Register registers the gauges with r.
func (c *ResourceCollector) Register(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.cpu, c.memory, c.threads} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pids() every interval until ctx is done or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context, pids func() map[string]int32) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(ctx, pids())
			}
		}
	}()
}

// Stop ends the sampling loop.
func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples the given processes once and drops gauges of processes
// that are gone.
func (c *ResourceCollector) Collect(ctx context.Context, pids map[string]int32) {
	active := make(map[string]struct{}, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		u, err := Sample(ctx, pid)
		if err != nil {
			slog.Debug("resource sample failed", "name", name, "pid", pid, "error", err)
			continue
		}
		active[name] = struct{}{}
		c.cpu.WithLabelValues(name).Set(u.CPUPercent)
		c.memory.WithLabelValues(name).Set(float64(u.RSSBytes))
		c.threads.WithLabelValues(name).Set(float64(u.NumThreads))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.seen {
		if _, ok := active[name]; !ok {
			c.cpu.DeleteLabelValues(name)
			c.memory.DeleteLabelValues(name)
			c.threads.DeleteLabelValues(name)
		}
	}
	c.seen = active
}
