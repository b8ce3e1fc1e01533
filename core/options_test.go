package orchestration

import (
	"testing"
	"time"

	"github.com/theNetworkChuck/claude-phone-sub000/core/capture"
	"github.com/theNetworkChuck/claude-phone-sub000/core/events"
)

func TestNewOrchestratorDefaults(t *testing.T) {
	o := NewOrchestrator()

	if o.maxTurns != DefaultMaxTurns {
		t.Fatalf("expected %d max turns, got %d", DefaultMaxTurns, o.maxTurns)
	}
	if o.captureTimeout != capture.DefaultCaptureTimeout {
		t.Fatalf("expected capture timeout %s, got %s", capture.DefaultCaptureTimeout, o.captureTimeout)
	}
	if o.backendTimeout != DefaultBackendTimeout {
		t.Fatalf("expected backend timeout %s, got %s", DefaultBackendTimeout, o.backendTimeout)
	}
	if o.finalizeDigit != DefaultFinalizeDigit {
		t.Fatalf("expected finalize digit %q, got %q", DefaultFinalizeDigit, o.finalizeDigit)
	}
}

func TestOptionsIgnoreNonPositiveLimits(t *testing.T) {
	o := NewOrchestrator(
		WithMaxTurns(0),
		WithCaptureTimeout(-time.Second),
		WithHandshakeTimeout(0),
		WithBackendTimeout(0),
	)

	if o.maxTurns != DefaultMaxTurns {
		t.Fatalf("expected default max turns to survive, got %d", o.maxTurns)
	}
	if o.captureTimeout != capture.DefaultCaptureTimeout {
		t.Fatalf("expected default capture timeout to survive, got %s", o.captureTimeout)
	}
	if o.handshakeTimeout != capture.DefaultHandshakeTimeout {
		t.Fatalf("expected default handshake timeout to survive, got %s", o.handshakeTimeout)
	}
	if o.backendTimeout != DefaultBackendTimeout {
		t.Fatalf("expected default backend timeout to survive, got %s", o.backendTimeout)
	}
}

func TestWithEventHandlerRecoversPanics(t *testing.T) {
	calls := 0
	o := NewOrchestrator(WithEventHandler(func(events.Event) {
		calls++
		panic("boom")
	}))

	o.emit(events.NewCallStarted("call", "inbound", "morpheus"))
	o.emit(events.NewCallStarted("call", "inbound", "morpheus"))

	if calls != 2 {
		t.Fatalf("expected handler to keep receiving events, got %d calls", calls)
	}
}
