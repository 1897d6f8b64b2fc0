// Package sink delivers tick batches to their consumers: websocket clients,
// Kafka and the parquet archive.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tickflow/internal/channel"
	metrics "tickflow/internal/metrics"
	"tickflow/internal/upstox"
	"tickflow/logger"
)

// Sink consumes tick batches drained from the tick channel.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch channel.TickBatch) error
}

// Message is the JSON document sent to websocket clients and Kafka.
type Message struct {
	Topic      string       `json:"topic"`
	ReceivedAt time.Time    `json:"received_at"`
	Ticks      upstox.Ticks `json:"ticks"`
}

func encodeBatch(batch channel.TickBatch) ([]byte, error) {
	data, err := json.Marshal(Message{Topic: batch.Topic, ReceivedAt: batch.ReceivedAt.UTC(), Ticks: batch.Ticks})
	if err != nil {
		return nil, fmt.Errorf("encode %s batch: %w", batch.Topic, err)
	}
	return data, nil
}

// Dispatcher drains the tick channel and hands every batch to each sink in
// turn. A failing sink does not stop the others.
type Dispatcher struct {
	in    <-chan channel.TickBatch
	sinks []Sink

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

func NewDispatcher(in <-chan channel.TickBatch, sinks ...Sink) *Dispatcher {
	return &Dispatcher{in: in, sinks: sinks, log: logger.GetLogger()}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	d.log.WithComponent("dispatcher").WithField("sinks", names).Info("starting tick dispatcher")

	d.wg.Add(1)
	go d.run()
	return nil
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
	d.log.WithComponent("dispatcher").Info("tick dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case batch, ok := <-d.in:
			if !ok {
				return
			}
			d.dispatch(batch)
		}
	}
}

func (d *Dispatcher) dispatch(batch channel.TickBatch) {
	for _, s := range d.sinks {
		start := time.Now()
		if err := s.Write(d.ctx, batch); err != nil {
			d.log.WithComponent("dispatcher").WithError(err).WithFields(logger.Fields{
				"sink":  s.Name(),
				"topic": batch.Topic,
				"ticks": len(batch.Ticks),
			}).Warn("sink write failed")
			metrics.EmitMetric(d.log, "dispatcher", "sink_write_errors", 1, "counter", logger.Fields{
				"sink": s.Name(),
			})
			continue
		}
		logger.LogPerformanceEntry(d.log.WithComponent("dispatcher"), s.Name(), "write", time.Since(start), logger.Fields{
			"topic": batch.Topic,
			"ticks": len(batch.Ticks),
		})
	}
}
