package metrics

import (
	"context"
	"time"

	"tickflow/logger"
)

// Buffer is anything that can report its occupancy.
type Buffer interface {
	Name() string
	Len() int
	Cap() int
}

// StartChannelSizeMetrics emits occupancy gauges for the given buffers every
// interval until ctx is cancelled. A non-positive interval means one second.
func StartChannelSizeMetrics(ctx context.Context, interval time.Duration, buffers ...Buffer) {
	if !IsFeatureEnabled(FeatureChannelSize) || len(buffers) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, b := range buffers {
					EmitMetric(log, "channel_buffers", b.Name()+"_buffer_length", b.Len(), "gauge", logger.Fields{
						"buffer":   b.Name(),
						"capacity": b.Cap(),
					})
				}
			}
		}
	}()
}
