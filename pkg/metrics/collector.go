package metrics

import (
	"context"
	"time"

	"github.com/noetl/noetl/pkg/types"
)

// collectInterval is how often the collector samples queue depth
const collectInterval = 15 * time.Second

// QueueStats is the slice of the store the collector samples.
// storage.Store satisfies it.
type QueueStats interface {
	CountJobsByStatus(ctx context.Context) (map[types.JobStatus]int, error)
}

// Collector periodically samples queue depth into gauges. Counters
// are incremented at their call sites; only state that lives in the
// database needs polling.
type Collector struct {
	stats  QueueStats
	stopCh chan struct{}
}

// NewCollector creates a collector over the store
func NewCollector(stats QueueStats) *Collector {
	return &Collector{
		stats:  stats,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting in the background
func (c *Collector) Start() {
	ticker := time.NewTicker(collectInterval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// collect samples one round. Every known status is written each cycle
// so an emptied state reads zero instead of holding its last value.
func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.stats.CountJobsByStatus(ctx)
	if err != nil {
		return
	}
	for _, status := range []types.JobStatus{
		types.JobQueued, types.JobLeased, types.JobRetry, types.JobDone, types.JobDead,
	} {
		QueueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
