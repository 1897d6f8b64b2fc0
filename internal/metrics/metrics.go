// Registers:
//
//	#tickflow_frames_total
//	#tickflow_ticks_total
//	#tickflow_decode_errors_total
//	#tickflow_reconnects_total
//	#tickflow_circuit_open_total
//	#tickflow_connected
//	#tickflow_dropped_total
//	#go_* and process_* system metrics
//
// on a dedicated registry served by Handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	framesTotal       *prometheus.CounterVec
	ticksTotal        *prometheus.CounterVec
	decodeErrorsTotal *prometheus.CounterVec
	reconnectsTotal   *prometheus.CounterVec
	circuitOpenTotal  *prometheus.CounterVec
	connected         *prometheus.GaugeVec
	droppedTotal      *prometheus.CounterVec
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		framesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickflow_frames_total",
			Help: "Inbound feed frames by feed and frame kind",
		}, []string{"feed", "kind"})
		ticksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickflow_ticks_total",
			Help: "Ticks handed to the broadcast sink",
		}, []string{"topic"})
		decodeErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickflow_decode_errors_total",
			Help: "Feed entries or frames that could not be decoded",
		}, []string{"feed"})
		reconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickflow_reconnects_total",
			Help: "Connection attempts by outcome",
		}, []string{"feed", "outcome"})
		circuitOpenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickflow_circuit_open_total",
			Help: "Times the consecutive failure breaker opened",
		}, []string{"feed"})
		connected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tickflow_connected",
			Help: "1 while the feed socket is connected",
		}, []string{"feed"})
		droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickflow_dropped_total",
			Help: "Messages dropped because a buffer was full",
		}, []string{"metric"})

		registry.MustRegister(
			framesTotal,
			ticksTotal,
			decodeErrorsTotal,
			reconnectsTotal,
			circuitOpenTotal,
			connected,
			droppedTotal,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func ObserveFrame(feed, kind string) {
	if framesTotal != nil && IsFeatureEnabled(FeaturePrometheus) {
		framesTotal.WithLabelValues(feed, kind).Inc()
	}
}

func ObserveTicks(topic string, n int) {
	if ticksTotal != nil && IsFeatureEnabled(FeaturePrometheus) {
		ticksTotal.WithLabelValues(topic).Add(float64(n))
	}
}

func ObserveDecodeErrors(feed string, n int) {
	if decodeErrorsTotal != nil && n > 0 && IsFeatureEnabled(FeaturePrometheus) {
		decodeErrorsTotal.WithLabelValues(feed).Add(float64(n))
	}
}

func ObserveReconnect(feed, outcome string) {
	if reconnectsTotal != nil && IsFeatureEnabled(FeaturePrometheus) {
		reconnectsTotal.WithLabelValues(feed, outcome).Inc()
	}
}

func ObserveCircuitOpen(feed string) {
	if circuitOpenTotal != nil && IsFeatureEnabled(FeaturePrometheus) {
		circuitOpenTotal.WithLabelValues(feed).Inc()
	}
}

func SetConnected(feed string, up bool) {
	if connected == nil || !IsFeatureEnabled(FeaturePrometheus) {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	connected.WithLabelValues(feed).Set(v)
}

func observeDrop(metric string) {
	if droppedTotal != nil && IsFeatureEnabled(FeaturePrometheus) {
		droppedTotal.WithLabelValues(metric).Inc()
	}
}
