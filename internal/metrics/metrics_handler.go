package metrics

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tickflow/logger"
)

// Metric is one emitted measurement. Feed is copied out of the "feed" field
// so observers can group session and index feed metrics without digging.
type Metric struct {
	Timestamp time.Time
	Component string
	Feed      string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// MetricHandler consumes emitted metrics. Handlers run on the emitting
// goroutine, which may be a feed read loop, so they must not block.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registered handler. Zero is never issued.
type MetricHandlerID uint64

type registeredHandler struct {
	id MetricHandlerID
	fn MetricHandler
}

// handlerRegistry is copy on write: emitters load the current slice
// without locking, writers replace it under mu.
type handlerRegistry struct {
	mu       sync.Mutex
	next     MetricHandlerID
	handlers atomic.Pointer[[]registeredHandler]
}

var registry handlerRegistry

func (r *handlerRegistry) load() []registeredHandler {
	if p := r.handlers.Load(); p != nil {
		return *p
	}
	return nil
}

func (r *handlerRegistry) add(fn MetricHandler) MetricHandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	current := r.load()
	updated := make([]registeredHandler, len(current), len(current)+1)
	copy(updated, current)
	updated = append(updated, registeredHandler{id: r.next, fn: fn})
	r.handlers.Store(&updated)
	return r.next
}

func (r *handlerRegistry) remove(id MetricHandlerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.load()
	updated := make([]registeredHandler, 0, len(current))
	for _, h := range current {
		if h.id != id {
			updated = append(updated, h)
		}
	}
	r.handlers.Store(&updated)
}

func (r *handlerRegistry) reset() {
	r.mu.Lock()
	r.next = 0
	r.handlers.Store(nil)
	r.mu.Unlock()
}

// RegisterMetricHandler adds a handler for every emitted metric. A nil
// handler is ignored and yields a zero id.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	return registry.add(handler)
}

// UnregisterMetricHandler removes the handler with the given id.
func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	registry.remove(id)
}

// EmitMetric logs the metric, hands it to registered handlers and publishes
// numeric values to CloudWatch when a client is configured. Metrics tied to
// a disabled feature are dropped.
func EmitMetric(log *logger.Log, component string, metric string, value interface{}, metricType string, fields logger.Fields) {
	if feature, ok := featureForMetric(metric); ok && !IsFeatureEnabled(feature) {
		return
	}
	if metric == "" {
		return
	}
	if log == nil {
		log = logger.GetLogger()
	}

	event := newMetric(component, metric, value, metricType, fields)
	log.WithComponent(component).WithFields(event.logFields()).Debug("metric")

	dispatchMetric(log, event)

	if v, ok := logger.ToFloat(event.Value); ok {
		logger.PublishMetric(context.Background(), event.Component, event.Name, v, event.Fields)
	}
}

func newMetric(component, name string, value interface{}, metricType string, fields logger.Fields) Metric {
	if metricType == "" {
		metricType = "counter"
	}
	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    cloneFields(fields),
	}
	if feed, ok := m.Fields["feed"].(string); ok {
		m.Feed = feed
	}
	return m
}

func (m Metric) logFields() logger.Fields {
	out := make(logger.Fields, len(m.Fields)+3)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["metric"] = m.Name
	out["metric_type"] = m.Type
	out["value"] = m.Value
	return out
}

// dispatchMetric calls every handler in registration order. A panicking
// handler is logged and skipped.
func dispatchMetric(log *logger.Log, m Metric) {
	for _, h := range registry.load() {
		callHandler(log, h, m)
	}
}

func callHandler(log *logger.Log, h registeredHandler, m Metric) {
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("metrics").WithFields(logger.Fields{
				"handler": h.id,
				"metric":  m.Name,
				"panic":   fmt.Sprint(r),
			}).Error("metric handler failed")
		}
	}()
	h.fn(m)
}

func cloneFields(fields logger.Fields) logger.Fields {
	copied := make(logger.Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}
