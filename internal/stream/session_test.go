package stream

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tickflow/internal/upstox"
	"tickflow/logger"
)

func newTestSession(t *testing.T, deps Deps, w *recordingWaiter, keys ...string) *Session {
	t.Helper()
	s := NewSession(testOptions(), validToken, deps, keys...)
	s.wait = w.wait
	t.Cleanup(s.Shutdown)
	return s
}

func connDialer(conns chan *fakeConn) *fakeDialer {
	return &fakeDialer{dial: func(int) (Conn, error) {
		c := newFakeConn()
		conns <- c
		return c, nil
	}}
}

func nextConn(t *testing.T, conns chan *fakeConn) *fakeConn {
	t.Helper()
	select {
	case c := <-conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("session never dialed")
		return nil
	}
}

func TestClosedMarketNeverAuthorizes(t *testing.T) {
	gate := &fakeGate{}
	auth := &fakeAuthorizer{}
	w := newRecordingWaiter()
	s := newTestSession(t, Deps{Authorizer: auth, Dialer: &fakeDialer{}, Gate: gate}, w)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if d := w.next(t); d != 600*time.Second {
			t.Fatalf("wait %d = %s, want 10m", i, d)
		}
	}
	if n := auth.calls.Load(); n != 0 {
		t.Fatalf("authorizer called %d times while market closed", n)
	}
}

type messageHook struct {
	message string
	fields  chan logrus.Fields
}

func (h *messageHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *messageHook) Fire(entry *logrus.Entry) error {
	if entry.Message != h.message {
		return nil
	}
	data := make(logrus.Fields, len(entry.Data))
	for k, v := range entry.Data {
		data[k] = v
	}
	select {
	case h.fields <- data:
	default:
	}
	return nil
}

// captureLog collects the fields of every entry logged with message.
func captureLog(t *testing.T, message string) chan logrus.Fields {
	t.Helper()
	hook := &messageHook{message: message, fields: make(chan logrus.Fields, 8)}
	log := logger.GetLogger()
	hooks := make(logrus.LevelHooks)
	for level, hs := range log.Hooks {
		hooks[level] = append([]logrus.Hook(nil), hs...)
	}
	hooks.Add(hook)
	prev := log.ReplaceHooks(hooks)
	t.Cleanup(func() { log.ReplaceHooks(prev) })
	return hook.fields
}

func TestMarketClosedLogsNextOpen(t *testing.T) {
	logged := captureLog(t, "market closed; waiting")
	now := time.Date(2024, 3, 4, 16, 0, 0, 0, time.UTC)
	w := newRecordingWaiter()
	s := newTestSession(t, Deps{Authorizer: &fakeAuthorizer{}, Dialer: &fakeDialer{}, Gate: &fakeGate{}}, w)
	s.now = func() time.Time { return now }

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	w.next(t)

	select {
	case fields := <-logged:
		if got, want := fields["next_open"], now.Add(time.Hour).Format(time.RFC3339); got != want {
			t.Fatalf("next_open = %v, want %s", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("market closed wait was not logged")
	}
}

func TestShortCredentialNeverAuthorizes(t *testing.T) {
	auth := &fakeAuthorizer{}
	w := newRecordingWaiter()
	s := NewSession(testOptions(), "short", Deps{Authorizer: auth, Dialer: &fakeDialer{}, Gate: openGate()})
	s.wait = w.wait
	t.Cleanup(s.Shutdown)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d := w.next(t); d != 60*time.Second {
		t.Fatalf("wait = %s, want 1m", d)
	}
	if n := auth.calls.Load(); n != 0 {
		t.Fatalf("authorizer called %d times with a short credential", n)
	}
}

func TestAuthorizeFailureRetriesWithoutCountingFailure(t *testing.T) {
	auth := &fakeAuthorizer{err: &upstox.AuthorizationError{StatusCode: 503}}
	dialer := &fakeDialer{}
	w := newRecordingWaiter()
	s := newTestSession(t, Deps{Authorizer: auth, Dialer: dialer, Gate: openGate()}, w)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if d := w.next(t); d != 60*time.Second {
			t.Fatalf("wait %d = %s, want 1m", i, d)
		}
	}
	if n := dialer.calls.Load(); n != 0 {
		t.Fatalf("dialed %d times without an endpoint", n)
	}
}

func TestThreeConnectFailuresOpenCircuit(t *testing.T) {
	dialer := &fakeDialer{dial: func(int) (Conn, error) {
		return nil, errors.New("dial feed: status 403")
	}}
	w := newRecordingWaiter()
	s := newTestSession(t, Deps{Authorizer: &fakeAuthorizer{}, Dialer: dialer, Gate: openGate()}, w)

	// The dial count is taken when the supervisor sleeps, before the test
	// releases it into the next attempt.
	dials := make(chan int32, 16)
	s.wait = func(ctx context.Context, d time.Duration) bool {
		dials <- dialer.calls.Load()
		return w.wait(ctx, d)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []struct {
		wait  time.Duration
		dials int32
	}{
		{60 * time.Second, 1},
		{60 * time.Second, 2},
		{900 * time.Second, 3},
		{60 * time.Second, 4},
	}
	for i, tc := range want {
		if got := w.next(t); got != tc.wait {
			t.Fatalf("wait after attempt %d = %s, want %s", i+1, got, tc.wait)
		}
		if n := <-dials; n != tc.dials {
			t.Fatalf("dialed %d times before wait %d, want %d", n, i+1, tc.dials)
		}
	}
}

func TestConnectResetsFailureCounter(t *testing.T) {
	conns := make(chan *fakeConn, 1)
	dialer := &fakeDialer{dial: func(n int) (Conn, error) {
		if n <= 2 {
			return nil, errors.New("refused")
		}
		c := newFakeConn()
		conns <- c
		return c, nil
	}}
	w := newRecordingWaiter()
	s := newTestSession(t, Deps{Authorizer: &fakeAuthorizer{}, Dialer: dialer, Gate: openGate()}, w, "K1")

	failures := make(chan int, 4)
	s.wait = func(ctx context.Context, d time.Duration) bool {
		failures <- s.Status().Failures
		return w.wait(ctx, d)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if got := w.next(t); got != 60*time.Second {
			t.Fatalf("wait %d = %s, want 1m", i+1, got)
		}
		if n := <-failures; n != i+1 {
			t.Fatalf("failures during wait %d = %d, want %d", i+1, n, i+1)
		}
	}

	nextConn(t, conns)
	eventually(t, "connect", func() bool { return s.Status().State == StateConnected.String() })
	if st := s.Status(); st.Failures != 0 || st.Phase != PhaseConnected.String() {
		t.Fatalf("status while connected = %+v, want zero failures", st)
	}
}

func TestResubscribesDesiredSetOnEveryConnect(t *testing.T) {
	conns := make(chan *fakeConn, 4)
	w := newRecordingWaiter()
	s := newTestSession(t, Deps{Authorizer: &fakeAuthorizer{}, Dialer: connDialer(conns), Gate: openGate()}, w)

	if d := s.Subscribe([]string{"K1", "K2"}); d != DeliveryQueued {
		t.Fatalf("subscribe before start = %s, want queued", d)
	}
	s.Unsubscribe([]string{"K1"})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	first := nextConn(t, conns)
	eventually(t, "resubscribe on first connect", func() bool { return len(first.commands()) == 1 })
	time.Sleep(30 * time.Millisecond)

	cmds := first.commands()
	if len(cmds) != 1 {
		t.Fatalf("first connection got %d commands, want exactly 1: %+v", len(cmds), cmds)
	}
	if cmds[0].Method != upstox.MethodSubscribe || cmds[0].Data.Mode != "ltpc" || !reflect.DeepEqual(cmds[0].Data.InstrumentKeys, []string{"K2"}) {
		t.Fatalf("unexpected resubscribe %+v", cmds[0])
	}
	if cmds[0].GUID == "" {
		t.Fatal("command carries no guid")
	}

	if d := s.Subscribe([]string{"K3"}); d != DeliverySent {
		t.Fatalf("subscribe while connected = %s, want sent", d)
	}
	if cmds := first.commands(); len(cmds) != 2 || !reflect.DeepEqual(cmds[1].Data.InstrumentKeys, []string{"K3"}) {
		t.Fatalf("immediate subscribe not on the wire: %+v", cmds)
	}

	first.drop()
	eventually(t, "disconnect", func() bool { return !s.subs.Connected() })
	if d := s.Unsubscribe([]string{"K2"}); d != DeliveryQueued {
		t.Fatalf("unsubscribe while disconnected = %s, want queued", d)
	}
	if got := w.next(t); got != 5*time.Second {
		t.Fatalf("wait after a served connection = %s, want 5s", got)
	}

	second := nextConn(t, conns)
	eventually(t, "resubscribe on second connect", func() bool { return len(second.commands()) == 1 })
	time.Sleep(30 * time.Millisecond)

	cmds = second.commands()
	if len(cmds) != 1 || !reflect.DeepEqual(cmds[0].Data.InstrumentKeys, []string{"K3"}) {
		t.Fatalf("second connection commands = %+v, want one subscribe for [K3]", cmds)
	}
	if st := s.Status(); st.State != StateConnected.String() || st.Failures != 0 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestEmptyDesiredSetSendsNothingOnConnect(t *testing.T) {
	conns := make(chan *fakeConn, 1)
	w := newRecordingWaiter()
	s := newTestSession(t, Deps{Authorizer: &fakeAuthorizer{}, Dialer: connDialer(conns), Gate: openGate()}, w)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := nextConn(t, conns)
	eventually(t, "connect", func() bool { return s.subs.Connected() })
	time.Sleep(20 * time.Millisecond)
	if cmds := c.commands(); len(cmds) != 0 {
		t.Fatalf("unexpected commands %+v", cmds)
	}
}

func TestFramesReachSink(t *testing.T) {
	conns := make(chan *fakeConn, 1)
	sink := newRecordingSink()
	w := newRecordingWaiter()
	s := newTestSession(t, Deps{Authorizer: &fakeAuthorizer{}, Dialer: connDialer(conns), Gate: openGate(), Sink: sink}, w, "AAA")

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := nextConn(t, conns)

	c.inbound <- message{messageType: websocket.TextMessage, data: []byte(`{"status":"subscription ok"}`)}
	c.inbound <- binary(ltpcFrame(nil))
	c.inbound <- binary(ltpcFrame(map[string]float64{"AAA": 101.256}))

	select {
	case b := <-sink.batches:
		if b.topic != "tick_update" {
			t.Fatalf("topic = %q", b.topic)
		}
		if len(b.ticks) != 1 || b.ticks["AAA"].LastTradedPrice != 101.26 {
			t.Fatalf("unexpected ticks %+v", b.ticks)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no batch published")
	}

	select {
	case b := <-sink.batches:
		t.Fatalf("unexpected extra batch %+v", b)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestShutdownClosesSocketAndIsFinal(t *testing.T) {
	conns := make(chan *fakeConn, 1)
	w := newRecordingWaiter()
	s := newTestSession(t, Deps{Authorizer: &fakeAuthorizer{}, Dialer: connDialer(conns), Gate: openGate()}, w, "AAA")

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start = %v, want ErrAlreadyStarted", err)
	}
	c := nextConn(t, conns)
	eventually(t, "connect", func() bool { return s.subs.Connected() })

	s.Shutdown()
	s.Shutdown()

	select {
	case <-c.closed:
	default:
		t.Fatal("socket left open after shutdown")
	}
	if st := s.Status(); st.Phase != PhaseStopped.String() || st.State != StateDisconnected.String() {
		t.Fatalf("status after shutdown = %+v", st)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrSessionStopped) {
		t.Fatalf("start after shutdown = %v, want ErrSessionStopped", err)
	}
	if got := s.Snapshot(); !reflect.DeepEqual(got, []string{"AAA"}) {
		t.Fatalf("desired set lost on shutdown: %v", got)
	}
}

func TestWorkerPanicIsRecovered(t *testing.T) {
	dialer := &fakeDialer{dial: func(n int) (Conn, error) {
		if n == 1 {
			panic("dialer exploded")
		}
		return nil, errors.New("refused")
	}}
	w := newRecordingWaiter()
	s := newTestSession(t, Deps{Authorizer: &fakeAuthorizer{}, Dialer: dialer, Gate: openGate()}, w)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d := w.next(t); d != 5*time.Second {
		t.Fatalf("wait after panic = %s, want reconnect interval", d)
	}
	if d := w.next(t); d != 60*time.Second {
		t.Fatalf("wait after connect failure = %s, want 1m", d)
	}
}

func TestParentCancelStopsSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession(testOptions(), validToken, Deps{Authorizer: &fakeAuthorizer{}, Dialer: &fakeDialer{}, Gate: &fakeGate{}})

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown blocked after parent cancel")
	}
}
