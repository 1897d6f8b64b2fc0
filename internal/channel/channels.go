package channel

import (
	"context"
	"sync"
	"time"

	metrics "tickflow/internal/metrics"
	"tickflow/internal/upstox"
	"tickflow/logger"
)

// TickBatch is one decoded frame on its way to the sinks.
type TickBatch struct {
	Topic      string
	Ticks      upstox.Ticks
	ReceivedAt time.Time
}

// ChannelStats tracks enqueue/dropped counters.
type ChannelStats struct {
	BatchesSent    int64
	TicksSent      int64
	BatchesDropped int64
}

// Channels buffers tick batches between the feed readers and the sinks.
type Channels struct {
	Ticks chan TickBatch

	stats ChannelStats
	mu    sync.RWMutex
	log   *logger.Log
	now   func() time.Time

	closeOnce sync.Once
}

// NewChannels allocates the tick buffer.
func NewChannels(tickBufferSize int) *Channels {
	if tickBufferSize <= 0 {
		tickBufferSize = 1
	}
	log := logger.GetLogger()
	ch := &Channels{
		Ticks: make(chan TickBatch, tickBufferSize),
		log:   log,
		now:   time.Now,
	}

	log.WithComponent("tick_channels").WithFields(logger.Fields{
		"tick_buffer_size": tickBufferSize,
	}).Info("tick channels initialized")

	return ch
}

// Close closes the tick channel. Publishing after Close is not allowed.
func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Ticks)
		c.log.WithComponent("tick_channels").Info("tick channels closed")
	})
}

// Publish enqueues a batch without blocking. A full buffer drops the batch.
func (c *Channels) Publish(topic string, ticks upstox.Ticks) {
	c.Send(context.Background(), TickBatch{Topic: topic, Ticks: ticks, ReceivedAt: c.now()})
}

// Send enqueues a batch and reports whether it was accepted.
func (c *Channels) Send(ctx context.Context, batch TickBatch) bool {
	select {
	case c.Ticks <- batch:
		c.mu.Lock()
		c.stats.BatchesSent++
		c.stats.TicksSent += int64(len(batch.Ticks))
		c.mu.Unlock()
		logger.RecordChannelMessage("ticks", len(batch.Ticks))
		return true
	case <-ctx.Done():
		return false
	default:
		c.mu.Lock()
		c.stats.BatchesDropped++
		c.mu.Unlock()
		metrics.EmitDropMetric(c.log, metrics.DropMetricTickBatch, "", batch.Topic, "publish")
		return false
	}
}

// GetStats returns a snapshot of the telemetry counters.
func (c *Channels) GetStats() ChannelStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Channels) Name() string { return "ticks" }
func (c *Channels) Len() int     { return len(c.Ticks) }
func (c *Channels) Cap() int     { return cap(c.Ticks) }

// StartMetricsReporting logs channel counters every 30 seconds until ctx ends.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	c.startMetricsReporting(ctx, 30*time.Second)
}

func (c *Channels) startMetricsReporting(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	stats := c.GetStats()
	c.log.WithComponent("tick_channels").WithFields(logger.Fields{
		"batches_sent":     stats.BatchesSent,
		"ticks_sent":       stats.TicksSent,
		"batches_dropped":  stats.BatchesDropped,
		"tick_channel_len": len(c.Ticks),
		"tick_channel_cap": cap(c.Ticks),
	}).Info("tick channel statistics")
}
