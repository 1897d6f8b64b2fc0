// Package stream runs the live feed sessions: the desired subscription set,
// the supervised reconnect loop around the feed socket and the static index
// feed.
package stream

import (
	"errors"
	"sort"
	"strings"
	"sync"

	metrics "tickflow/internal/metrics"
	"tickflow/logger"
)

var (
	// ErrNotConnected is returned by a sender when no socket is open.
	ErrNotConnected = errors.New("stream: not connected")
	// ErrSessionStopped is returned when starting a session that was shut down.
	ErrSessionStopped = errors.New("stream: session stopped")
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("stream: session already started")
	// ErrNoSession is returned by Handle.Apply before a credential arrives.
	ErrNoSession = errors.New("stream: no session (no token)")
)

// CommandKind is the direction of a control command.
type CommandKind int

const (
	Subscribe CommandKind = iota
	Unsubscribe
)

func (k CommandKind) String() string {
	if k == Unsubscribe {
		return "unsubscribe"
	}
	return "subscribe"
}

// ControlCommand is a subscription change waiting for an open socket.
type ControlCommand struct {
	Kind CommandKind
	Keys []string

	// epoch is the connection generation the command was issued under.
	epoch uint64
}

// Delivery tells the caller what happened to a subscription change.
type Delivery int

const (
	// DeliveryNoop means the call carried no keys.
	DeliveryNoop Delivery = iota
	// DeliverySent means the wire command was written before returning.
	DeliverySent
	// DeliveryQueued means no socket was ready; the change is replayed once
	// one opens.
	DeliveryQueued
)

func (d Delivery) String() string {
	switch d {
	case DeliverySent:
		return "sent"
	case DeliveryQueued:
		return "queued"
	default:
		return "noop"
	}
}

// Sender writes one wire command for the given keys.
type Sender interface {
	Send(kind CommandKind, keys []string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(kind CommandKind, keys []string) error

func (f SenderFunc) Send(kind CommandKind, keys []string) error { return f(kind, keys) }

// Manager owns the desired subscription set. It outlives connections: the
// set is replayed in full every time a socket opens, and changes made while
// disconnected are queued instead of dropped.
type Manager struct {
	mu        sync.Mutex
	desired   map[string]struct{}
	connected bool
	epoch     uint64
	sender    Sender

	queue chan ControlCommand
	log   *logger.Log
}

// NewManager returns a manager whose command queue holds queueSize entries,
// seeded with the given keys.
func NewManager(queueSize int, keys ...string) *Manager {
	if queueSize <= 0 {
		queueSize = 1
	}
	m := &Manager{
		desired: make(map[string]struct{}, len(keys)),
		queue:   make(chan ControlCommand, queueSize),
		log:     logger.GetLogger(),
	}
	for _, k := range normalizeKeys(keys) {
		m.desired[k] = struct{}{}
	}
	return m
}

// Subscribe adds keys to the desired set and sends them when connected.
func (m *Manager) Subscribe(keys []string) Delivery {
	return m.apply(Subscribe, keys)
}

// Unsubscribe removes keys from the desired set and sends the removal when
// connected.
func (m *Manager) Unsubscribe(keys []string) Delivery {
	return m.apply(Unsubscribe, keys)
}

func (m *Manager) apply(kind CommandKind, keys []string) Delivery {
	keys = normalizeKeys(keys)
	if len(keys) == 0 {
		return DeliveryNoop
	}

	m.mu.Lock()
	for _, k := range keys {
		if kind == Subscribe {
			m.desired[k] = struct{}{}
		} else {
			delete(m.desired, k)
		}
	}
	cmd := ControlCommand{Kind: kind, Keys: keys, epoch: m.epoch}
	sender, connected := m.sender, m.connected
	m.mu.Unlock()

	if connected && sender != nil {
		err := sender.Send(kind, keys)
		if err == nil {
			return DeliverySent
		}
		m.log.WithComponent("subscriptions").WithError(err).WithFields(logger.Fields{
			"kind": kind.String(),
			"keys": len(keys),
		}).Warn("immediate send failed; queueing command")
	}
	m.enqueue(cmd)
	return DeliveryQueued
}

func (m *Manager) enqueue(cmd ControlCommand) {
	select {
	case m.queue <- cmd:
	default:
		// The desired set already holds the change; the next resubscribe
		// carries it.
		metrics.EmitDropMetric(m.log, metrics.DropMetricControlCommand, "main", "", cmd.Kind.String())
	}
}

// OnOpen marks the manager connected through sender and returns the set to
// resubscribe. Commands queued before this call are superseded by it.
func (m *Manager) OnOpen(sender Sender) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	m.connected = true
	m.sender = sender
	return m.snapshotLocked()
}

// OnClose marks the manager disconnected. Subsequent changes are queued.
func (m *Manager) OnClose() {
	m.mu.Lock()
	m.connected = false
	m.sender = nil
	m.mu.Unlock()
}

// Connected reports whether a sender is attached.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// DrainPending forwards queued commands while connected and returns how many
// were written. Commands issued under an earlier connection are discarded
// because the resubscribe at open already reflected them.
func (m *Manager) DrainPending() int {
	sent := 0
	for {
		m.mu.Lock()
		sender, connected, epoch := m.sender, m.connected, m.epoch
		m.mu.Unlock()
		if !connected || sender == nil {
			return sent
		}

		var cmd ControlCommand
		select {
		case cmd = <-m.queue:
		default:
			return sent
		}

		if cmd.epoch < epoch {
			continue
		}
		if err := sender.Send(cmd.Kind, cmd.Keys); err != nil {
			m.log.WithComponent("subscriptions").WithError(err).WithFields(logger.Fields{
				"kind": cmd.Kind.String(),
				"keys": len(cmd.Keys),
			}).Warn("dropping queued command; next resubscribe covers it")
			continue
		}
		sent++
	}
}

// Snapshot returns a sorted copy of the desired set.
func (m *Manager) Snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() []string {
	keys := make([]string, 0, len(m.desired))
	for k := range m.desired {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Name, Len and Cap expose the command queue to channel size metrics.
func (m *Manager) Name() string { return "control_commands" }
func (m *Manager) Len() int     { return len(m.queue) }
func (m *Manager) Cap() int     { return cap(m.queue) }

// normalizeKeys drops blanks and duplicates, keeping first-seen order.
// Keys are opaque and compared byte for byte.
func normalizeKeys(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
