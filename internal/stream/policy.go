package stream

import (
	"time"

	appconfig "tickflow/config"
)

// Phase is the supervisor state of a session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAuthorizing
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
	PhaseCircuitOpen
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAuthorizing:
		return "authorizing"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseCircuitOpen:
		return "circuit_open"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ConnectionState is what callers see of the socket.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateAuthorizing
	StateConnected
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateAuthorizing:
		return "authorizing"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// Outcome is how one connection attempt ended.
type Outcome int

const (
	OutcomeMarketClosed Outcome = iota
	OutcomeInvalidCredential
	OutcomeAuthorizeFailed
	OutcomeNeverConnected
	OutcomeClosedAfterConnect
	OutcomeFault
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMarketClosed:
		return "market_closed"
	case OutcomeInvalidCredential:
		return "invalid_credential"
	case OutcomeAuthorizeFailed:
		return "authorize_failed"
	case OutcomeNeverConnected:
		return "never_connected"
	case OutcomeClosedAfterConnect:
		return "closed_after_connect"
	case OutcomeFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Decision is the transition chosen after an attempt.
type Decision struct {
	Next          Phase
	Wait          time.Duration
	Failures      int
	CircuitOpened bool
}

// Policy maps attempt outcomes onto waits and the consecutive failure
// counter. It holds no state; the counter is threaded through Next.
type Policy struct {
	MarketClosedWait      time.Duration
	InvalidCredentialWait time.Duration
	AuthorizeRetryWait    time.Duration
	FailureWait           time.Duration
	CircuitCooldown       time.Duration
	ReconnectInterval     time.Duration
	CircuitThreshold      int
}

// PolicyFromConfig reads the session waits.
func PolicyFromConfig(cfg appconfig.SessionConfig) Policy {
	return Policy{
		MarketClosedWait:      cfg.MarketClosedWait,
		InvalidCredentialWait: cfg.InvalidCredentialWait,
		AuthorizeRetryWait:    cfg.AuthorizeRetryWait,
		FailureWait:           cfg.FailureWait,
		CircuitCooldown:       cfg.CircuitCooldown,
		ReconnectInterval:     cfg.ReconnectInterval,
		CircuitThreshold:      cfg.CircuitThreshold,
	}
}

// Next returns the transition for outcome given the current failure count.
// Only attempts that never reached Connected advance the counter; a
// connection that opened, however briefly, resets it.
func (p Policy) Next(outcome Outcome, failures int) Decision {
	switch outcome {
	case OutcomeMarketClosed:
		return Decision{Next: PhaseIdle, Wait: p.MarketClosedWait, Failures: failures}
	case OutcomeInvalidCredential:
		return Decision{Next: PhaseIdle, Wait: p.InvalidCredentialWait, Failures: failures}
	case OutcomeAuthorizeFailed:
		return Decision{Next: PhaseIdle, Wait: p.AuthorizeRetryWait, Failures: failures}
	case OutcomeNeverConnected:
		failures++
		if p.CircuitThreshold > 0 && failures >= p.CircuitThreshold {
			return Decision{Next: PhaseCircuitOpen, Wait: p.CircuitCooldown, Failures: 0, CircuitOpened: true}
		}
		return Decision{Next: PhaseReconnecting, Wait: p.FailureWait, Failures: failures}
	case OutcomeClosedAfterConnect:
		return Decision{Next: PhaseReconnecting, Wait: p.ReconnectInterval, Failures: 0}
	default:
		return Decision{Next: PhaseReconnecting, Wait: p.ReconnectInterval, Failures: failures}
	}
}
