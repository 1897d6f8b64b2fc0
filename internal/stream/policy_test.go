package stream

import (
	"testing"
	"time"

	appconfig "tickflow/config"
)

func TestPolicyNext(t *testing.T) {
	p := PolicyFromConfig(appconfig.Default().Session)

	tests := []struct {
		name     string
		outcome  Outcome
		failures int
		want     Decision
	}{
		{"market closed", OutcomeMarketClosed, 2, Decision{Next: PhaseIdle, Wait: 600 * time.Second, Failures: 2}},
		{"invalid credential", OutcomeInvalidCredential, 1, Decision{Next: PhaseIdle, Wait: 60 * time.Second, Failures: 1}},
		{"authorize failed keeps counter", OutcomeAuthorizeFailed, 2, Decision{Next: PhaseIdle, Wait: 60 * time.Second, Failures: 2}},
		{"first connect failure", OutcomeNeverConnected, 0, Decision{Next: PhaseReconnecting, Wait: 60 * time.Second, Failures: 1}},
		{"second connect failure", OutcomeNeverConnected, 1, Decision{Next: PhaseReconnecting, Wait: 60 * time.Second, Failures: 2}},
		{"third connect failure opens circuit", OutcomeNeverConnected, 2, Decision{Next: PhaseCircuitOpen, Wait: 900 * time.Second, Failures: 0, CircuitOpened: true}},
		{"connected resets counter", OutcomeClosedAfterConnect, 2, Decision{Next: PhaseReconnecting, Wait: 5 * time.Second, Failures: 0}},
		{"fault", OutcomeFault, 1, Decision{Next: PhaseReconnecting, Wait: 5 * time.Second, Failures: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Next(tt.outcome, tt.failures); got != tt.want {
				t.Fatalf("Next(%s, %d) = %+v, want %+v", tt.outcome, tt.failures, got, tt.want)
			}
		})
	}
}

func TestPolicyCircuitOpensExactlyOncePerThreeFailures(t *testing.T) {
	p := PolicyFromConfig(appconfig.Default().Session)

	failures, opened := 0, 0
	for i := 0; i < 9; i++ {
		d := p.Next(OutcomeNeverConnected, failures)
		failures = d.Failures
		if d.CircuitOpened {
			opened++
			if failures != 0 {
				t.Fatalf("counter not reset after circuit opened: %d", failures)
			}
		}
	}
	if opened != 3 {
		t.Fatalf("circuit opened %d times in 9 failures, want 3", opened)
	}

	// A success between failures starts the count over.
	d := p.Next(OutcomeNeverConnected, 0)
	d = p.Next(OutcomeNeverConnected, d.Failures)
	d = p.Next(OutcomeClosedAfterConnect, d.Failures)
	d = p.Next(OutcomeNeverConnected, d.Failures)
	if d.CircuitOpened || d.Failures != 1 {
		t.Fatalf("unexpected decision after reset: %+v", d)
	}
}
