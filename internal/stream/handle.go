package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// Factory builds a session for credential seeded with keys.
type Factory func(credential string, keys []string) *Session

// Handle holds the running session and swaps it when the credential
// changes. Readers call Current without locking.
type Handle struct {
	ctx     context.Context
	factory Factory
	initial []string

	mu      sync.Mutex
	current atomic.Pointer[Session]
	stopped bool
}

// NewHandle returns an empty handle. The first session is seeded with
// initialKeys; later ones inherit the desired set of their predecessor.
func NewHandle(ctx context.Context, factory Factory, initialKeys ...string) *Handle {
	return &Handle{ctx: ctx, factory: factory, initial: initialKeys}
}

// Current returns the running session, or nil.
func (h *Handle) Current() *Session {
	return h.current.Load()
}

// Credential returns the credential of the running session.
func (h *Handle) Credential() string {
	if s := h.current.Load(); s != nil {
		return s.credential
	}
	return ""
}

// Apply routes a subscription change to the running session.
func (h *Handle) Apply(kind CommandKind, keys []string) (Delivery, error) {
	s := h.current.Load()
	if s == nil {
		return DeliveryNoop, ErrNoSession
	}
	if kind == Unsubscribe {
		return s.Unsubscribe(keys), nil
	}
	return s.Subscribe(keys), nil
}

// Start creates and starts the first session.
func (h *Handle) Start(credential string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return ErrSessionStopped
	}
	if h.current.Load() != nil {
		return ErrAlreadyStarted
	}
	return h.launch(credential, h.initial)
}

// Rotate replaces the running session with one for credential, carrying the
// desired set across. Rotating to the running credential is a no-op.
func (h *Handle) Rotate(credential string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return ErrSessionStopped
	}

	keys := h.initial
	if old := h.current.Load(); old != nil {
		if old.credential == credential {
			return nil
		}
		keys = old.Snapshot()
		old.Shutdown()
		h.current.Store(nil)
	}
	return h.launch(credential, keys)
}

func (h *Handle) launch(credential string, keys []string) error {
	s := h.factory(credential, keys)
	if err := s.Start(h.ctx); err != nil {
		return err
	}
	h.current.Store(s)
	return nil
}

// Shutdown stops the running session. The handle cannot be restarted.
func (h *Handle) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	if s := h.current.Swap(nil); s != nil {
		s.Shutdown()
	}
}

// Name, Len and Cap report the running session's command queue, so the
// queue can be watched across rotations.
func (h *Handle) Name() string { return "control_commands" }

func (h *Handle) Len() int {
	if s := h.current.Load(); s != nil {
		return s.subs.Len()
	}
	return 0
}

func (h *Handle) Cap() int {
	if s := h.current.Load(); s != nil {
		return s.subs.Cap()
	}
	return 0
}
