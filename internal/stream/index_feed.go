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

const indexFeedName = "index"

// IndexFeed streams a fixed set of index instruments. It subscribes once per
// connection and needs no subscription manager.
type IndexFeed struct {
	cfg        appconfig.IndexFeedConfig
	minLen     int
	ping       time.Duration
	write      time.Duration
	credential func() string
	deps       Deps
	frames     *frameHandler
	log        *logger.Entry

	wait func(ctx context.Context, d time.Duration) bool
	now  func() time.Time

	writeMu sync.Mutex
}

// NewIndexFeed builds the index feed. credential is read at the start of
// every connection attempt so a rotated token is picked up.
func NewIndexFeed(cfg *appconfig.Config, credential func() string, deps Deps) *IndexFeed {
	log := logger.GetLogger().WithComponent("index_feed")
	return &IndexFeed{
		cfg:        cfg.IndexFeed,
		minLen:     cfg.Upstox.MinTokenLength,
		ping:       cfg.Upstox.PingInterval,
		write:      cfg.Upstox.WriteTimeout,
		credential: credential,
		deps:       deps,
		frames: &frameHandler{
			feed:    indexFeedName,
			topic:   cfg.IndexFeed.Topic,
			decoder: upstox.NewDecoder(),
			sink:    deps.Sink,
			log:     log,
		},
		log:  log,
		wait: waitFor,
		now:  time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (f *IndexFeed) Run(ctx context.Context) {
	f.log.WithField("keys", f.cfg.Keys).Info("index feed started")
	defer f.log.Info("index feed stopped")
	for {
		if ctx.Err() != nil {
			return
		}
		delay := f.iterate(ctx)
		if f.wait(ctx, delay) {
			return
		}
	}
}

// iterate runs one authorize, connect and receive cycle and returns how long
// to wait before the next.
func (f *IndexFeed) iterate(ctx context.Context) (delay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			f.log.WithField("panic", fmt.Sprint(r)).Error("index feed iteration failed")
			delay = f.cfg.RetryWait
		}
	}()

	if f.deps.Gate != nil && !f.deps.Gate.IsOpen(f.now()) {
		f.log.WithField("next_open", f.deps.Gate.NextOpen(f.now()).Format(time.RFC3339)).Debug("market closed; index feed waiting")
		return f.cfg.MarketClosedWait
	}

	credential := ""
	if f.credential != nil {
		credential = f.credential()
	}
	if !upstox.ValidCredential(credential, f.minLen) {
		f.log.Warn("access token missing or too short; index feed waiting")
		return f.cfg.InvalidCredentialWait
	}

	url, err := f.deps.Authorizer.Authorize(ctx, credential)
	if err != nil {
		var malformed *upstox.MalformedResponseError
		switch {
		case errors.Is(err, upstox.ErrInvalidCredential):
			return f.cfg.InvalidCredentialWait
		case errors.As(err, &malformed) && malformed.MissingEndpoint:
			f.log.WithError(err).Warn("authorize response carried no endpoint")
			return f.cfg.InvalidCredentialWait
		default:
			f.log.WithError(err).Warn("index feed authorize failed")
			return f.cfg.RetryWait
		}
	}

	conn, err := f.deps.Dialer.Dial(ctx, url)
	if err != nil {
		if ctx.Err() == nil {
			f.log.WithError(err).Warn("failed to connect index feed")
		}
		metrics.ObserveReconnect(indexFeedName, OutcomeNeverConnected.String())
		return f.cfg.RetryWait
	}
	metrics.SetConnected(indexFeedName, true)
	defer metrics.SetConnected(indexFeedName, false)

	if err := f.serve(ctx, conn); err != nil {
		if ctx.Err() != nil {
			return 0
		}
		f.log.WithError(err).Warn("index feed connection ended")
		metrics.ObserveReconnect(indexFeedName, OutcomeClosedAfterConnect.String())
		return f.cfg.RetryWait
	}
	return 0
}

type inbound struct {
	messageType int
	data        []byte
}

// serve subscribes and receives until the socket fails, ctx ends or a
// receive timeout finds the market closed. The last case returns nil.
func (f *IndexFeed) serve(ctx context.Context, conn Conn) error {
	frames := make(chan inbound)
	errs := make(chan error, 1)
	done := make(chan struct{})
	var wg sync.WaitGroup

	stopPing := startPingLoop(ctx, conn, f.ping, f.write, f.log)
	defer func() {
		close(done)
		conn.Close()
		wg.Wait()
		stopPing()
	}()

	cmd := upstox.NewCommandWithGUID(f.cfg.GUID, upstox.MethodSubscribe, f.cfg.Mode, f.cfg.Keys)
	if err := writeCommand(conn, &f.writeMu, f.write, cmd); err != nil {
		return err
	}
	f.log.WithField("keys", len(f.cfg.Keys)).Info("index feed subscribed")

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				errs <- err
				return
			}
			select {
			case frames <- inbound{messageType: messageType, data: data}:
			case <-done:
				return
			}
		}
	}()

	timer := time.NewTimer(f.cfg.ReceiveTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case msg := <-frames:
			f.frames.handle(msg.messageType, msg.data)
		case <-timer.C:
			if f.deps.Gate != nil && !f.deps.Gate.IsOpen(f.now()) {
				f.log.Info("market closed; leaving index feed receive loop")
				return nil
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(f.cfg.ReceiveTimeout)
	}
}
