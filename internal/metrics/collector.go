package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"
)

// MailingCounter reports the number of mailings per workflow status
type MailingCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// Collector refreshes the gauges that are read from the outside world
type Collector struct {
	metrics    *Metrics
	mailings   MailingCounter
	bufferPath string
	interval   time.Duration
	startTime  time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a collector. mailings and bufferPath are optional.
func NewCollector(m *Metrics, mailings MailingCounter, bufferPath string, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:    m,
		mailings:   mailings,
		bufferPath: bufferPath,
		interval:   interval,
		startTime:  time.Now(),
		stopCh:     make(chan struct{}),
	}
}

func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.bufferPath != "" {
		if info, err := os.Stat(c.bufferPath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.mailings != nil {
		counts, err := c.mailings.CountByStatus(ctx)
		if err != nil {
			return
		}
		c.metrics.MailingsByStatus.Reset()
		for status, n := range counts {
			c.metrics.MailingsByStatus.WithLabelValues(status).Set(float64(n))
		}
	}
}
