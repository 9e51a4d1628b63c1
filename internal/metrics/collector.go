package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/mailhop/mailhop/internal/message"
	"github.com/mailhop/mailhop/internal/queue"
)

// QueueStatsProvider provides queue depth for metrics
type QueueStatsProvider interface {
	Stats(ctx context.Context) (*queue.Stats, error)
}

// StatusCounter provides message counts per lifecycle status
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[message.Status]int64, error)
}

// Collector refreshes gauge metrics from the stores. Counters are
// incremented inline by the components; everything derivable from
// persistent state is polled here instead of double-counted.
type Collector struct {
	metrics     *Metrics
	queueStats  QueueStatsProvider
	statuses    StatusCounter
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a metrics collector. queueStats and statuses may
// be nil; the corresponding gauges then stay at zero.
func NewCollector(m *Metrics, queueStats QueueStatsProvider, statuses StatusCounter, storagePath string, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		metrics:     m,
		queueStats:  queueStats,
		statuses:    statuses,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the background refresh loop.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop stops the refresh loop.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Refresh(ctx)

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// Refresh updates all polled gauges once.
func (c *Collector) Refresh(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.queueStats != nil {
		if stats, err := c.queueStats.Stats(ctx); err == nil {
			c.metrics.QueueReady.Set(float64(stats.Ready))
			c.metrics.QueueDeferred.Set(float64(stats.Deferred))
			c.metrics.QueueLeased.Set(float64(stats.Leased))
		}
	}

	if c.statuses != nil {
		if counts, err := c.statuses.CountByStatus(ctx); err == nil {
			c.metrics.MessagesByStatus.Reset()
			for status, n := range counts {
				c.metrics.MessagesByStatus.WithLabelValues(string(status)).Set(float64(n))
			}
		}
	}
}
