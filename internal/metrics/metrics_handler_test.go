package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tickflow/config"
	"tickflow/logger"
)

func resetMetricHandlers() {
	registry.reset()
}

func TestRegisterMetricHandlerReturnsUniqueIDs(t *testing.T) {
	resetMetricHandlers()

	id := RegisterMetricHandler(func(Metric) {})
	if id == 0 {
		t.Fatalf("expected non-zero handler id")
	}

	second := RegisterMetricHandler(func(Metric) {})
	if second == 0 || second == id {
		t.Fatalf("expected unique handler id")
	}
}

func TestRegisterMetricHandlerNil(t *testing.T) {
	resetMetricHandlers()

	if id := RegisterMetricHandler(nil); id != 0 {
		t.Fatalf("expected zero id for nil handler, got %d", id)
	}
}

func TestEmitMetricDispatchesToHandlers(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	fields := logger.Fields{"feed": "main", "unit": "Count"}
	EmitMetric(logger.Logger(), "upstox_session", "frames_received", 3, "gauge", fields)

	select {
	case event := <-events:
		if event.Component != "upstox_session" || event.Name != "frames_received" || event.Type != "gauge" {
			t.Fatalf("unexpected event: %+v", event)
		}
		if _, ok := fields["metric"]; ok {
			t.Fatalf("original fields mutated: %v", fields)
		}
		if _, ok := event.Fields["metric"]; ok {
			t.Fatalf("event fields should not contain metric key: %v", event.Fields)
		}
		if event.Feed != "main" {
			t.Fatalf("feed = %q, want main", event.Feed)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked")
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	resetMetricHandlers()

	var order []string
	first := RegisterMetricHandler(func(Metric) { panic("broken observer") })
	second := RegisterMetricHandler(func(m Metric) { order = append(order, m.Name) })
	t.Cleanup(func() {
		UnregisterMetricHandler(first)
		UnregisterMetricHandler(second)
	})

	EmitMetric(nil, "dispatcher", "sink_write_errors", 1, "counter", logger.Fields{"sink": "hub"})
	EmitMetric(nil, "dispatcher", "sink_write_errors", 1, "counter", nil)

	if len(order) != 2 {
		t.Fatalf("second handler saw %d metrics, want 2", len(order))
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	resetMetricHandlers()

	var seen []Metric
	id := RegisterMetricHandler(func(m Metric) { seen = append(seen, m) })

	EmitMetric(nil, "index_feed", "updates", 1, "counter", nil)
	UnregisterMetricHandler(id)
	EmitMetric(nil, "index_feed", "updates", 1, "counter", nil)

	if len(seen) != 1 {
		t.Fatalf("handler saw %d metrics after unregister, want 1", len(seen))
	}
	if seen[0].Feed != "" {
		t.Fatalf("feed = %q for a metric without a feed field", seen[0].Feed)
	}
}

func TestEmitMetricDefaultType(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	EmitMetric(nil, "index_feed", "updates", 7, "", nil)

	select {
	case event := <-events:
		if event.Type != "counter" {
			t.Fatalf("expected default metric type to be counter, got %s", event.Type)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked for default type")
	}
}

func TestEmitMetricWithoutName(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	EmitMetric(nil, "component", "", 1, "counter", nil)

	select {
	case <-events:
		t.Fatal("handler should not receive metrics without a name")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitMetricDisabledChannelSize(t *testing.T) {
	resetMetricHandlers()

	Configure(config.MetricsConfig{ChannelSize: false, Prometheus: true})
	t.Cleanup(func() { Configure(config.MetricsConfig{ChannelSize: true, Prometheus: true}) })

	events := make(chan Metric, 2)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	EmitMetric(nil, "channel_buffers", "ticks_buffer_length", 1, "gauge", nil)
	EmitMetric(nil, "upstox_session", "reconnects", 1, "counter", nil)

	select {
	case m := <-events:
		if m.Name != "reconnects" {
			t.Fatalf("channel size metric should be suppressed, got %s", m.Name)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("ungated metric should still be emitted")
	}
	select {
	case m := <-events:
		t.Fatalf("unexpected extra metric %s", m.Name)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEmitDropMetricFields(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitDropMetric(nil, DropMetricTickBatch, "main", "tick_update", "")

	m := <-events
	if m.Name != string(DropMetricTickBatch) || m.Fields["feed"] != "main" || m.Fields["topic"] != "tick_update" {
		t.Fatalf("unexpected drop metric: %+v", m)
	}
	if _, ok := m.Fields["stage"]; ok {
		t.Fatalf("empty stage should be omitted")
	}
}

type fakeBuffer struct{}

func (fakeBuffer) Name() string { return "ticks" }
func (fakeBuffer) Len() int     { return 2 }
func (fakeBuffer) Cap() int     { return 8 }

func TestStartChannelSizeMetrics(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 4)
	id := RegisterMetricHandler(func(m Metric) {
		select {
		case events <- m:
		default:
		}
	})
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartChannelSizeMetrics(ctx, 5*time.Millisecond, fakeBuffer{})

	select {
	case m := <-events:
		if m.Name != "ticks_buffer_length" || m.Value != 2 || m.Fields["capacity"] != 8 {
			t.Fatalf("unexpected metric: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("no channel size metric emitted")
	}
}

func TestPrometheusHandlerExposesFeedMetrics(t *testing.T) {
	Init()
	ObserveFrame("main", "binary")
	ObserveTicks("tick_update", 3)
	ObserveReconnect("main", "never_connected")
	ObserveCircuitOpen("main")
	SetConnected("main", true)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, name := range []string{
		"tickflow_frames_total",
		"tickflow_ticks_total",
		"tickflow_reconnects_total",
		"tickflow_circuit_open_total",
		`tickflow_connected{feed="main"} 1`,
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
