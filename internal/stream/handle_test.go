package stream

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func newTestHandle(t *testing.T, initial ...string) *Handle {
	t.Helper()
	factory := func(credential string, keys []string) *Session {
		return NewSession(testOptions(), credential, Deps{
			Authorizer: &fakeAuthorizer{},
			Dialer:     &fakeDialer{},
			Gate:       &fakeGate{},
		}, keys...)
	}
	h := NewHandle(context.Background(), factory, initial...)
	t.Cleanup(h.Shutdown)
	return h
}

func TestHandleRotateCarriesDesiredSet(t *testing.T) {
	h := newTestHandle(t, "NSE_EQ|A")

	if h.Current() != nil {
		t.Fatal("handle has a session before Start")
	}
	if err := h.Start(validToken); err != nil {
		t.Fatal(err)
	}
	if err := h.Start(validToken); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}

	first := h.Current()
	first.Subscribe([]string{"NSE_EQ|B"})

	rotated := validToken + "-rotated"
	if err := h.Rotate(rotated); err != nil {
		t.Fatal(err)
	}
	second := h.Current()
	if second == first {
		t.Fatal("rotate kept the old session")
	}
	if got := first.Status().Phase; got != PhaseStopped.String() {
		t.Fatalf("old session phase = %s, want stopped", got)
	}
	if got := second.Snapshot(); !reflect.DeepEqual(got, []string{"NSE_EQ|A", "NSE_EQ|B"}) {
		t.Fatalf("rotated desired set = %v", got)
	}
	if h.Credential() != rotated {
		t.Fatalf("credential = %q", h.Credential())
	}

	if err := h.Rotate(rotated); err != nil {
		t.Fatal(err)
	}
	if h.Current() != second {
		t.Fatal("rotating to the same credential replaced the session")
	}
}

func TestHandleRotateWithoutSessionStarts(t *testing.T) {
	h := newTestHandle(t, "K1")
	if err := h.Rotate(validToken); err != nil {
		t.Fatal(err)
	}
	if got := h.Current().Snapshot(); !reflect.DeepEqual(got, []string{"K1"}) {
		t.Fatalf("desired set = %v", got)
	}
}

func TestHandleShutdownIsFinal(t *testing.T) {
	h := newTestHandle(t)
	if err := h.Start(validToken); err != nil {
		t.Fatal(err)
	}
	s := h.Current()

	h.Shutdown()
	if h.Current() != nil {
		t.Fatal("session still current after shutdown")
	}
	if got := s.Status().Phase; got != PhaseStopped.String() {
		t.Fatalf("phase = %s", got)
	}
	if err := h.Rotate(validToken); !errors.Is(err, ErrSessionStopped) {
		t.Fatalf("Rotate after shutdown = %v", err)
	}
	if err := h.Start(validToken); !errors.Is(err, ErrSessionStopped) {
		t.Fatalf("Start after shutdown = %v", err)
	}
}

func TestHandleReportsCurrentQueue(t *testing.T) {
	h := newTestHandle(t)
	if h.Len() != 0 || h.Cap() != 0 {
		t.Fatal("empty handle reports a queue")
	}
	if err := h.Start(validToken); err != nil {
		t.Fatal(err)
	}
	if h.Cap() != testOptions().CommandQueueSize {
		t.Fatalf("cap = %d", h.Cap())
	}
}

func TestHandleApplyNeedsSession(t *testing.T) {
	h := newTestHandle(t)

	if _, err := h.Apply(Subscribe, []string{"NSE_EQ|A"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Apply before Start = %v, want ErrNoSession", err)
	}
	if err := h.Start(validToken); err != nil {
		t.Fatal(err)
	}

	if d, err := h.Apply(Subscribe, []string{"NSE_EQ|A", "NSE_EQ|B"}); err != nil || d != DeliveryQueued {
		t.Fatalf("subscribe = %s, %v", d, err)
	}
	if d, err := h.Apply(Unsubscribe, []string{"NSE_EQ|A"}); err != nil || d != DeliveryQueued {
		t.Fatalf("unsubscribe = %s, %v", d, err)
	}
	if got := h.Current().Snapshot(); !reflect.DeepEqual(got, []string{"NSE_EQ|B"}) {
		t.Fatalf("desired set = %v", got)
	}
}
