package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tickflow/internal/upstox"
	"tickflow/logger"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Conn is the part of a websocket connection the sessions use.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a feed socket for an authorized endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Authorizer exchanges a credential for a short-lived feed endpoint.
type Authorizer interface {
	Authorize(ctx context.Context, credential string) (string, error)
}

// Gate reports whether the venue is trading and when it next opens.
type Gate interface {
	IsOpen(now time.Time) bool
	NextOpen(now time.Time) time.Time
}

// Sink receives every non-empty decoded batch.
type Sink interface {
	Publish(topic string, ticks upstox.Ticks)
}

// Deps are the collaborators shared by sessions and the index feed.
type Deps struct {
	Authorizer Authorizer
	Dialer     Dialer
	Gate       Gate
	Sink       Sink
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	d := *websocket.DefaultDialer
	if handshakeTimeout > 0 {
		d.HandshakeTimeout = handshakeTimeout
	}
	return &WebsocketDialer{dialer: &d}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial feed: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial feed: %w", err)
	}
	return conn, nil
}

// waitFor sleeps for delay and reports whether ctx ended first.
func waitFor(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() != nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

// startPingLoop pings conn every interval until the returned stop function is
// called or a ping fails. stop waits for the loop to exit.
func startPingLoop(ctx context.Context, conn Conn, interval, writeTimeout time.Duration, log *logger.Entry) (stop func()) {
	if interval <= 0 {
		interval = defaultPingInterval
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// writeCommand encodes cmd and writes it as one text frame.
func writeCommand(conn Conn, mu *sync.Mutex, writeTimeout time.Duration, cmd upstox.Command) error {
	payload, err := cmd.Encode()
	if err != nil {
		return err
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	mu.Lock()
	defer mu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s command: %w", cmd.Method, err)
	}
	return nil
}

func frameKind(messageType int) string {
	if messageType == websocket.BinaryMessage {
		return "binary"
	}
	return "text"
}
