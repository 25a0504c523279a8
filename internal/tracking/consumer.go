package tracking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/mailing/internal/db"
	"github.com/foxzi/mailing/internal/metrics"
	"github.com/foxzi/mailing/internal/models"
)

// HitStore persists hits
type HitStore interface {
	Create(ctx context.Context, h *models.StatHit) error
	CreateBatch(ctx context.Context, hits []models.StatHit) error
}

// Consumer drains the buffer into the database
type Consumer struct {
	buffer    *Buffer
	store     HitStore
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	mu   sync.Mutex
	wg   sync.WaitGroup
	done chan struct{}
}

func NewConsumer(buffer *Buffer, store HitStore, interval time.Duration, batchSize int, logger *slog.Logger) *Consumer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Consumer{
		buffer:    buffer,
		store:     store,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With("component", "tracking.consumer"),
		done:      make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
	c.logger.Info("hit consumer started", "interval", c.interval, "batch_size", c.batchSize)
}

// Stop ends the loop and flushes what is left
func (c *Consumer) Stop(ctx context.Context) {
	close(c.done)
	c.wg.Wait()
	if _, err := c.Flush(ctx); err != nil {
		c.logger.Error("final flush failed", "error", err)
	}
	c.logger.Info("hit consumer stopped")
}

func (c *Consumer) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if _, err := c.Flush(ctx); err != nil {
				c.logger.Error("flush failed", "error", err)
			}
		}
	}
}

// Flush moves every buffered hit to the store and returns how many were moved
func (c *Consumer) Flush(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	defer func() { metrics.SetHitBufferSize(c.buffer.Len()) }()

	for {
		keys, hits, err := c.buffer.Peek(c.batchSize)
		if err != nil {
			return total, err
		}
		if len(hits) == 0 {
			break
		}
		n := len(hits)
		var storeErr error
		if err := c.store.CreateBatch(ctx, hits); err != nil {
			if !db.IsConstraintError(err) {
				return total, err
			}
			keys, n, storeErr = c.storeOneByOne(ctx, keys, hits)
		}
		if err := c.buffer.Remove(keys); err != nil {
			return total, err
		}
		total += n
		if storeErr != nil {
			return total, storeErr
		}
		if len(hits) < c.batchSize {
			break
		}
	}

	if total > 0 {
		c.logger.Debug("hits flushed", "count", total)
	}
	return total, nil
}

// storeOneByOne stores hits individually after their batch was rejected.
// Hits violating a constraint are dropped. It returns the keys to remove
// from the buffer and how many hits were stored.
func (c *Consumer) storeOneByOne(ctx context.Context, keys [][]byte, hits []models.StatHit) ([][]byte, int, error) {
	stored := 0
	for i := range hits {
		err := c.store.Create(ctx, &hits[i])
		switch {
		case err == nil:
			stored++
		case db.IsConstraintError(err):
			metrics.IncHitsDropped()
			c.logger.Warn("hit dropped", "broadcast_id", hits[i].BroadcastID, "url", hits[i].URL, "error", err)
		default:
			return keys[:i], stored, err
		}
	}
	return keys, stored, nil
}
