package orchestration

import (
	"context"
	"time"

	"github.com/theNetworkChuck/claude-phone-sub000/core/audio"
	"github.com/theNetworkChuck/claude-phone-sub000/core/backends"
	"github.com/theNetworkChuck/claude-phone-sub000/core/capture"
	"github.com/theNetworkChuck/claude-phone-sub000/core/events"
	"github.com/theNetworkChuck/claude-phone-sub000/core/speechtotext"
	"github.com/theNetworkChuck/claude-phone-sub000/core/texttospeech"
)

type OrchestratorOption func(*Orchestrator)

// Backend answers caller prompts. *backends.Bridge satisfies it.
type Backend interface {
	Query(ctx context.Context, prompt string, opts backends.QueryOptions) backends.Result
	NewSession(callID string) *backends.Session
}

func WithBackend(backend Backend) OrchestratorOption {
	return func(o *Orchestrator) { o.backend = backend }
}

type SpeechToText interface {
	Transcribe(ctx context.Context, utterance []byte, opts ...speechtotext.TranscriptionOption) (string, error)
}

func WithSpeechToTextClient(client SpeechToText) OrchestratorOption {
	return func(o *Orchestrator) { o.speechToText = client }
}

type TextToSpeech interface {
	Synthesize(ctx context.Context, text string, opts ...texttospeech.TextToSpeechOption) ([]byte, error)
}

func WithTextToSpeechClient(client TextToSpeech) OrchestratorOption {
	return func(o *Orchestrator) { o.textToSpeech = client }
}

// CaptureSession is the per-call audio tap. *capture.Session satisfies it.
type CaptureSession interface {
	OnDTMF(handler func(digit string))
	EnableCapture() error
	DisableCapture() error
	ForceFinalize(reason capture.FinalizeReason)
	NextUtterance(ctx context.Context, timeout time.Duration) (capture.Utterance, error)
	Close() error
}

type TapExpectation interface {
	Wait(ctx context.Context, timeout time.Duration) (CaptureSession, error)
	Cancel()
}

type TapExpecter interface {
	Expect(callID string) (TapExpectation, error)
}

// WithCaptureHub routes audio taps through hub.
func WithCaptureHub(hub *capture.Hub) OrchestratorOption {
	return func(o *Orchestrator) { o.taps = hubTaps{hub: hub} }
}

func WithTapExpecter(taps TapExpecter) OrchestratorOption {
	return func(o *Orchestrator) { o.taps = taps }
}

func WithMaxTurns(maxTurns int) OrchestratorOption {
	return func(o *Orchestrator) {
		if maxTurns > 0 {
			o.maxTurns = maxTurns
		}
	}
}

func WithCaptureTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.captureTimeout = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

func WithBackendTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.backendTimeout = d
		}
	}
}

// WithHoldMusic replaces the synthesized hold pattern played while the
// backend is thinking.
func WithHoldMusic(clip audio.Clip) OrchestratorOption {
	return func(o *Orchestrator) { o.holdMusic = clip }
}

func WithFillers(fillers ...string) OrchestratorOption {
	return func(o *Orchestrator) { o.fillers = fillers }
}

// WithFinalizeDigit sets the DTMF digit that ends the caller's utterance.
func WithFinalizeDigit(digit string) OrchestratorOption {
	return func(o *Orchestrator) { o.finalizeDigit = digit }
}

func WithEventHandler(handler func(events.Event)) OrchestratorOption {
	return func(o *Orchestrator) { o.emit = newSafeEventEmitter(handler) }
}

type hubTaps struct{ hub *capture.Hub }

func (t hubTaps) Expect(callID string) (TapExpectation, error) {
	expectation, err := t.hub.Expect(callID)
	if err != nil {
		return nil, err
	}
	return hubExpectation{expectation: expectation}, nil
}

type hubExpectation struct{ expectation *capture.Expectation }

func (e hubExpectation) Wait(ctx context.Context, timeout time.Duration) (CaptureSession, error) {
	session, err := e.expectation.Wait(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (e hubExpectation) Cancel() { e.expectation.Cancel() }
