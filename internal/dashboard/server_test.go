package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/internal/stream"
	"tickflow/logger"
)

type fixedSource struct {
	session *stream.Session
}

func (f fixedSource) Current() *stream.Session { return f.session }

func newTestServer(t *testing.T, sess *stream.Session) *Server {
	t.Helper()
	srv, err := NewServer(config.DashboardConfig{Enabled: true, MaxMetrics: 10, MaxLogs: 10, ResourceInterval: time.Second}, logger.Logger(), fixedSource{sess}, nil)
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	t.Cleanup(srv.cleanup)
	return srv
}

func serve(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	router, err := srv.buildRouter("tickflow")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	return res
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                               "0.0.0.0:8080",
		"  :9090  ":                      "0.0.0.0:9090",
		"localhost":                      "localhost:8080",
		"0.0.0.0:80":                     "0.0.0.0:80",
		"[::1]:443":                      "[::1]:443",
		"::1":                            "[::1]:8080",
		"*:8080":                         "0.0.0.0:8080",
		"http://10.0.0.12:8080":          "10.0.0.12:8080",
		"https://10.0.0.12":              "10.0.0.12:8080",
		"http://:7070":                   "0.0.0.0:7070",
		"https://dashboard.example.com/": "dashboard.example.com:8080",
	}

	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServer(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{Enabled: false}, logger.Logger(), fixedSource{}, nil)
	if err != nil || srv != nil {
		t.Fatalf("disabled dashboard: srv=%v err=%v", srv, err)
	}

	if _, err := NewServer(config.DashboardConfig{Enabled: true}, logger.Logger(), nil, nil); err == nil {
		t.Fatal("expected error without a session source")
	}

	srv = newTestServer(t, nil)
	if got := srv.Address(); got != "0.0.0.0:8080" {
		t.Fatalf("server address = %q", got)
	}
}

func TestSessionEndpointsWithoutSession(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/api/session", ""},
		{http.MethodPost, "/api/subscribe", `{"instrument_keys":["NSE_EQ|INE002A01018"]}`},
		{http.MethodPost, "/api/unsubscribe", `{"instrument_keys":["NSE_EQ|INE002A01018"]}`},
	} {
		if res := serve(t, srv, tc.method, tc.path, tc.body); res.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s %s = %d, want 503", tc.method, tc.path, res.Code)
		}
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	sess := stream.NewSession(stream.Options{CommandQueueSize: 8}, "", stream.Deps{})
	srv := newTestServer(t, sess)

	res := serve(t, srv, http.MethodPost, "/api/subscribe", `{"instrument_keys":["NSE_EQ|A","NSE_EQ|B"]}`)
	if res.Code != http.StatusOK {
		t.Fatalf("subscribe = %d: %s", res.Code, res.Body)
	}
	var body struct {
		OK         bool     `json:"ok"`
		Subscribed []string `json:"subscribed"`
		Delivery   string   `json:"delivery"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.OK || len(body.Subscribed) != 2 || body.Delivery != "queued" {
		t.Fatalf("unexpected response %s", res.Body)
	}

	res = serve(t, srv, http.MethodPost, "/api/unsubscribe", `{"instrumentKeys":["NSE_EQ|A"]}`)
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), `"unsubscribed"`) {
		t.Fatalf("unsubscribe = %d: %s", res.Code, res.Body)
	}

	if got := sess.Snapshot(); len(got) != 1 || got[0] != "NSE_EQ|B" {
		t.Fatalf("desired set = %v", got)
	}

	res = serve(t, srv, http.MethodGet, "/api/session", "")
	var status stream.Status
	if err := json.Unmarshal(res.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if res.Code != http.StatusOK || status.Phase != "idle" || len(status.DesiredKeys) != 1 {
		t.Fatalf("session = %d: %s", res.Code, res.Body)
	}
}

func TestSubscribePassesKeysVerbatim(t *testing.T) {
	sess := stream.NewSession(stream.Options{CommandQueueSize: 8}, "", stream.Deps{})
	srv := newTestServer(t, sess)

	res := serve(t, srv, http.MethodPost, "/api/subscribe", `{"instrumentKeys":["NSE_EQ|A ","  ","NSE_EQ|a"]}`)
	if res.Code != http.StatusOK {
		t.Fatalf("subscribe = %d: %s", res.Code, res.Body)
	}
	want := []string{"NSE_EQ|A ", "NSE_EQ|a"}
	if got := sess.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("desired set = %q, want %q", got, want)
	}
}

func TestSubscribeRejectsEmptyInput(t *testing.T) {
	sess := stream.NewSession(stream.Options{CommandQueueSize: 8}, "", stream.Deps{})
	srv := newTestServer(t, sess)

	for _, body := range []string{``, `{}`, `{"instrument_keys":[]}`, `{"instrument_keys":["  "]}`, `not json`} {
		if res := serve(t, srv, http.MethodPost, "/api/subscribe", body); res.Code != http.StatusBadRequest {
			t.Fatalf("body %q = %d, want 400", body, res.Code)
		}
	}
	if got := sess.Snapshot(); len(got) != 0 {
		t.Fatalf("desired set = %v", got)
	}
}

func TestMetricsEndpointEmitsStoredMetrics(t *testing.T) {
	srv := newTestServer(t, nil)

	metrics.EmitMetric(logger.Logger(), "dispatcher", "sink_write_errors", 1, "counter", logger.Fields{"sink": "kafka"})

	res := serve(t, srv, http.MethodGet, "/api/metrics", "")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), `"sink_write_errors"`) {
		t.Fatalf("metric missing from %s", res.Body)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	metrics.Init()
	srv := newTestServer(t, nil)

	res := serve(t, srv, http.MethodGet, "/metrics", "")
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "go_goroutines") {
		t.Fatalf("/metrics = %d", res.Code)
	}
}
