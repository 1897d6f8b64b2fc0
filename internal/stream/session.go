package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appconfig "tickflow/config"
	metrics "tickflow/internal/metrics"
	"tickflow/internal/upstox"
	"tickflow/logger"
)

const mainFeed = "main"

// Options are the per-session settings taken from configuration.
type Options struct {
	Topic               string
	Mode                string
	MinCredentialLength int
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	CommandPoll         time.Duration
	CommandQueueSize    int
	Policy              Policy
}

// OptionsFromConfig reads session options from the loaded configuration.
func OptionsFromConfig(cfg *appconfig.Config) Options {
	return Options{
		Topic:               cfg.Session.Topic,
		Mode:                cfg.Upstox.Mode,
		MinCredentialLength: cfg.Upstox.MinTokenLength,
		PingInterval:        cfg.Upstox.PingInterval,
		WriteTimeout:        cfg.Upstox.WriteTimeout,
		CommandPoll:         cfg.Session.CommandPoll,
		CommandQueueSize:    cfg.Session.CommandQueueSize,
		Policy:              PolicyFromConfig(cfg.Session),
	}
}

// Status is a point-in-time view of a session.
type Status struct {
	Phase       string   `json:"phase"`
	State       string   `json:"state"`
	Failures    int      `json:"reconnect_counter"`
	DesiredKeys []string `json:"desired_keys"`
	Started     bool     `json:"started"`
}

// Session is one credential's supervised feed connection. It is started
// once and runs until Shutdown.
type Session struct {
	opts       Options
	credential string
	deps       Deps
	subs       *Manager
	frames     *frameHandler
	log        *logger.Entry

	wait func(ctx context.Context, d time.Duration) bool
	now  func() time.Time

	mu       sync.Mutex
	phase    Phase
	state    ConnectionState
	failures int
	started  bool
	stopped  bool
	cancel   context.CancelFunc

	connMu  sync.Mutex
	conn    Conn
	writeMu sync.Mutex

	wg sync.WaitGroup
}

// NewSession builds a session for credential whose desired set starts with
// keys.
func NewSession(opts Options, credential string, deps Deps, keys ...string) *Session {
	if opts.Topic == "" {
		opts.Topic = "tick_update"
	}
	if opts.CommandPoll <= 0 {
		opts.CommandPoll = 200 * time.Millisecond
	}
	log := logger.GetLogger().WithComponent("upstox_session")
	return &Session{
		opts:       opts,
		credential: credential,
		deps:       deps,
		subs:       NewManager(opts.CommandQueueSize, keys...),
		frames: &frameHandler{
			feed:    mainFeed,
			topic:   opts.Topic,
			decoder: upstox.NewDecoder(),
			sink:    deps.Sink,
			log:     log,
		},
		log:  log,
		wait: waitFor,
		now:  time.Now,
	}
}

// Subscribe adds keys to the desired set. See Manager.Subscribe.
func (s *Session) Subscribe(keys []string) Delivery { return s.subs.Subscribe(keys) }

// Unsubscribe removes keys from the desired set. See Manager.Unsubscribe.
func (s *Session) Unsubscribe(keys []string) Delivery { return s.subs.Unsubscribe(keys) }

// Snapshot returns the desired set.
func (s *Session) Snapshot() []string { return s.subs.Snapshot() }

// Subscriptions exposes the manager, for queue metrics.
func (s *Session) Subscriptions() *Manager { return s.subs }

func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		Phase:    s.phase.String(),
		State:    s.state.String(),
		Failures: s.failures,
		Started:  s.started,
	}
	s.mu.Unlock()
	st.DesiredKeys = s.subs.Snapshot()
	return st
}

// Start launches the supervisor. It may be called once.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx)
	}()

	s.log.WithFields(logger.Fields{
		"mode":  s.opts.Mode,
		"topic": s.opts.Topic,
		"keys":  len(s.subs.Snapshot()),
	}).Info("upstox session started")
	return nil
}

// Shutdown stops the session, closes any open socket and waits for the
// loops to exit. It is irreversible and safe to call more than once.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.state = StateClosing
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.closeActiveConn()
	s.wg.Wait()

	s.mu.Lock()
	s.phase = PhaseStopped
	s.state = StateDisconnected
	s.mu.Unlock()
	s.log.Info("upstox session stopped")
}

func (s *Session) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		outcome := s.attempt(ctx)
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		d := s.opts.Policy.Next(outcome, s.failures)
		s.failures = d.Failures
		s.phase = d.Next
		s.mu.Unlock()

		s.recordOutcome(outcome, d)
		if s.wait(ctx, d.Wait) {
			return
		}
	}
}

func (s *Session) recordOutcome(outcome Outcome, d Decision) {
	fields := logger.Fields{
		"outcome":  outcome.String(),
		"wait":     d.Wait.String(),
		"failures": d.Failures,
		"next":     d.Next.String(),
	}
	switch outcome {
	case OutcomeMarketClosed:
		if s.deps.Gate != nil {
			fields["next_open"] = s.deps.Gate.NextOpen(s.now()).Format(time.RFC3339)
		}
		s.log.WithFields(fields).Info("market closed; waiting")
		return
	case OutcomeInvalidCredential:
		s.log.WithFields(fields).Warn("access token missing or too short; waiting")
		return
	case OutcomeAuthorizeFailed:
		s.log.WithFields(fields).Warn("authorize failed; waiting")
		return
	}

	logger.IncrementReconnect()
	metrics.ObserveReconnect(mainFeed, outcome.String())
	if d.CircuitOpened {
		logger.IncrementCircuitOpen()
		metrics.ObserveCircuitOpen(mainFeed)
		s.log.WithFields(fields).Error("too many failed connection attempts; cooling down")
		return
	}
	s.log.WithFields(fields).Info("connection attempt ended; reconnecting")
}

// attempt runs one gate, authorize, connect and serve cycle.
func (s *Session) attempt(ctx context.Context) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", fmt.Sprint(r)).Error("session iteration failed")
			outcome = OutcomeFault
		}
	}()

	s.setPhase(PhaseIdle, StateDisconnected)
	if s.deps.Gate != nil && !s.deps.Gate.IsOpen(s.now()) {
		return OutcomeMarketClosed
	}
	if !upstox.ValidCredential(s.credential, s.opts.MinCredentialLength) {
		return OutcomeInvalidCredential
	}

	s.setPhase(PhaseAuthorizing, StateAuthorizing)
	url, err := s.deps.Authorizer.Authorize(ctx, s.credential)
	if err != nil {
		if errors.Is(err, upstox.ErrInvalidCredential) {
			return OutcomeInvalidCredential
		}
		s.log.WithError(err).Warn("failed to authorize feed endpoint")
		return OutcomeAuthorizeFailed
	}

	s.setPhase(PhaseConnecting, StateDisconnected)
	res := s.connectAndServe(ctx, url)
	switch {
	case res.fault:
		s.log.WithError(res.err).Error("socket worker failed")
		return OutcomeFault
	case res.connected:
		if res.err != nil && ctx.Err() == nil {
			s.log.WithError(res.err).Warn("feed socket closed")
		}
		return OutcomeClosedAfterConnect
	default:
		if ctx.Err() == nil {
			s.log.WithError(res.err).Warn("failed to connect to feed socket")
		}
		return OutcomeNeverConnected
	}
}

type workerResult struct {
	connected bool
	fault     bool
	err       error
}

// connectAndServe runs the socket worker and drains the command queue on
// every poll until the worker exits.
func (s *Session) connectAndServe(ctx context.Context, url string) workerResult {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan workerResult, 1)
	go func() {
		done <- s.serve(attemptCtx, url)
	}()

	ticker := time.NewTicker(s.opts.CommandPoll)
	defer ticker.Stop()
	for {
		select {
		case res := <-done:
			return res
		case <-ctx.Done():
			s.closeActiveConn()
			return <-done
		case <-ticker.C:
			s.subs.DrainPending()
		}
	}
}

func (s *Session) serve(ctx context.Context, url string) (res workerResult) {
	defer func() {
		if r := recover(); r != nil {
			res.fault = true
			res.err = fmt.Errorf("socket worker panic: %v", r)
		}
	}()

	conn, err := s.deps.Dialer.Dial(ctx, url)
	if err != nil {
		res.err = err
		return res
	}
	s.trackConn(conn)
	defer func() {
		s.onClose()
		s.trackConn(nil)
		conn.Close()
	}()
	if ctx.Err() != nil {
		res.err = ctx.Err()
		return res
	}

	res.connected = true
	s.onOpen()

	stopPing := startPingLoop(ctx, conn, s.opts.PingInterval, s.opts.WriteTimeout, s.log)
	defer stopPing()

	res.err = s.readMessages(ctx, conn)
	return res
}

func (s *Session) onOpen() {
	s.mu.Lock()
	s.phase = PhaseConnected
	if s.state != StateClosing {
		s.state = StateConnected
	}
	s.failures = 0
	s.mu.Unlock()
	metrics.SetConnected(mainFeed, true)

	keys := s.subs.OnOpen(SenderFunc(s.send))
	s.log.WithField("keys", len(keys)).Info("feed socket connected")
	if len(keys) == 0 {
		return
	}
	if err := s.send(Subscribe, keys); err != nil {
		s.log.WithError(err).Warn("failed to resubscribe desired keys")
	}
}

func (s *Session) onClose() {
	s.subs.OnClose()
	metrics.SetConnected(mainFeed, false)
	s.mu.Lock()
	if s.state != StateClosing {
		s.state = StateDisconnected
	}
	s.mu.Unlock()
}

func (s *Session) readMessages(ctx context.Context, conn Conn) error {
	idle := s.opts.PingInterval + s.opts.WriteTimeout
	if idle <= 0 {
		idle = defaultPingInterval + defaultWriteTimeout
	}
	extend := func() error { return conn.SetReadDeadline(time.Now().Add(idle)) }
	if err := extend(); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error { return extend() })

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = extend()
		s.frames.handle(messageType, data)
	}
}

func (s *Session) send(kind CommandKind, keys []string) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	method := upstox.MethodSubscribe
	if kind == Unsubscribe {
		method = upstox.MethodUnsubscribe
	}
	return writeCommand(conn, &s.writeMu, s.opts.WriteTimeout, upstox.NewCommand(method, s.opts.Mode, keys))
}

func (s *Session) setPhase(p Phase, st ConnectionState) {
	s.mu.Lock()
	s.phase = p
	if s.state != StateClosing {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *Session) trackConn(conn Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Session) closeActiveConn() {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
