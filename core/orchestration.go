// Package orchestration runs telephone calls: one [CallSession] per call
// drives the turn-taking loop between the caller and the backend, while
// [CallGateway] and [OutboundCallManager] create sessions for inbound and
// outbound calls.
package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/theNetworkChuck/claude-phone-sub000/core/audio"
	"github.com/theNetworkChuck/claude-phone-sub000/core/capture"
	"github.com/theNetworkChuck/claude-phone-sub000/core/devices"
	"github.com/theNetworkChuck/claude-phone-sub000/core/telephony"
)

const (
	DefaultMaxTurns            = 20
	DefaultBackendTimeout      = 30 * time.Second
	DefaultOutboundTurnTimeout = 60 * time.Second
	DefaultFinalizeDigit       = "#"

	minTranscriptLength = 2
	cleanupTimeout      = 5 * time.Second
)

// Orchestrator holds what all calls share: the backend, speech clients, the
// audio tap hub and call settings. It also tracks live calls.
type Orchestrator struct {
	backend      Backend
	speechToText SpeechToText
	textToSpeech TextToSpeech
	taps         TapExpecter

	maxTurns         int
	captureTimeout   time.Duration
	handshakeTimeout time.Duration
	backendTimeout   time.Duration
	holdMusic        audio.Clip
	fillers          []string
	finalizeDigit    string

	emit    eventEmitter
	prompts *promptCache

	mu    sync.Mutex
	calls map[string]*CallSession
}

func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		maxTurns:         DefaultMaxTurns,
		captureTimeout:   capture.DefaultCaptureTimeout,
		handshakeTimeout: capture.DefaultHandshakeTimeout,
		backendTimeout:   DefaultBackendTimeout,
		fillers:          defaultFillers,
		finalizeDigit:    DefaultFinalizeDigit,
		emit:             noopEventEmitter,
		prompts:          newPromptCache(),
		calls:            map[string]*CallSession{},
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// CallParams describes one call handed to the orchestrator.
type CallParams struct {
	CallID    string
	Direction Direction
	Device    devices.Profile
	Media     telephony.Media
	Dialog    telephony.Dialog

	// InitialMessage replaces the greeting, used by outbound calls.
	InitialMessage string
	// EndAfterGreeting hangs up right after the greeting or message.
	EndAfterGreeting bool
	// Context is handed to the backend together with the first prompt.
	Context        string
	BackendTimeout time.Duration
	OnStateChange  func(State)
}

// NewCall creates a session for an answered call. The call starts when
// [CallSession.Run] is called.
func (o *Orchestrator) NewCall(params CallParams) *CallSession {
	c := newCallSession(o, params)

	o.mu.Lock()
	o.calls[c.id] = c
	o.mu.Unlock()

	return c
}

// Call returns the live call with id.
func (o *Orchestrator) Call(id string) (*CallSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.calls[id]
	return c, ok
}

func (o *Orchestrator) ActiveCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

func (o *Orchestrator) forget(c *CallSession) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls[c.id] == c {
		delete(o.calls, c.id)
	}
}

// HangupAll ends every live call and waits for their cleanup or ctx.
func (o *Orchestrator) HangupAll(ctx context.Context) error {
	o.mu.Lock()
	calls := make([]*CallSession, 0, len(o.calls))
	for _, c := range o.calls {
		calls = append(calls, c)
	}
	o.mu.Unlock()

	for _, c := range calls {
		c.Hangup()
	}
	for _, c := range calls {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (o *Orchestrator) holdClip(encoding audio.EncodingInfo) audio.Clip {
	if !o.holdMusic.IsEmpty() {
		return o.holdMusic
	}
	return audio.HoldPattern(encoding)
}
