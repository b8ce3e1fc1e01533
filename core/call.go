package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/theNetworkChuck/claude-phone-sub000/core/audio"
	"github.com/theNetworkChuck/claude-phone-sub000/core/backends"
	"github.com/theNetworkChuck/claude-phone-sub000/core/capture"
	"github.com/theNetworkChuck/claude-phone-sub000/core/devices"
	"github.com/theNetworkChuck/claude-phone-sub000/core/events"
	"github.com/theNetworkChuck/claude-phone-sub000/core/telephony"
	"github.com/theNetworkChuck/claude-phone-sub000/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type State string

const (
	StateConnecting  State = "CONNECTING"
	StateGreeting    State = "GREETING"
	StateListening   State = "LISTENING"
	StateProcessing  State = "PROCESSING"
	StateResponding  State = "RESPONDING"
	StateTerminating State = "TERMINATING"
	StateClosed      State = "CLOSED"
)

// Reasons a call ended.
const (
	EndReasonGoodbye         = "goodbye"
	EndReasonMaxTurns        = "max-turns"
	EndReasonCallerHangup    = "caller-hangup"
	EndReasonHangupRequested = "hangup-requested"
	EndReasonAnnounced       = "announced"
	EndReasonHandshakeFailed = "handshake-failed"
	EndReasonError           = "error"
)

var ErrCallAlreadyStarted = errors.New("call already started")

// CallSession runs one call. It owns the media and dialog handles of the
// call and releases them exactly once, whatever ends the call.
type CallSession struct {
	o *Orchestrator

	id               string
	direction        Direction
	device           devices.Profile
	media            telephony.Media
	dialog           telephony.Dialog
	greeting         string
	greetingIsFixed  bool
	endAfterGreeting bool
	backendTimeout   time.Duration
	onStateChange    func(State)
	startedAt        time.Time

	// pendingContext is prepended to the first backend prompt only.
	pendingContext string
	backendSession *backends.Session
	turns          Turns

	started   atomic.Bool
	active    atomic.Bool
	turnCount atomic.Int32

	mu              sync.Mutex
	state           State
	endReason       string
	expectation     TapExpectation
	capture         CaptureSession
	removeListeners []func()

	hangupOnce sync.Once
	hangup     chan struct{}

	cleanupOnce sync.Once
	cleanupErr  error
	done        chan struct{}
}

func newCallSession(o *Orchestrator, params CallParams) *CallSession {
	c := &CallSession{
		o:                o,
		id:               params.CallID,
		direction:        params.Direction,
		device:           params.Device,
		media:            params.Media,
		dialog:           params.Dialog,
		endAfterGreeting: params.EndAfterGreeting,
		backendTimeout:   params.BackendTimeout,
		onStateChange:    params.OnStateChange,
		startedAt:        time.Now(),
		state:            StateConnecting,
		hangup:           make(chan struct{}),
		done:             make(chan struct{}),
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	if c.direction == "" {
		c.direction = DirectionInbound
	}
	if c.backendTimeout <= 0 {
		c.backendTimeout = o.backendTimeout
	}

	switch {
	case params.InitialMessage != "":
		c.greeting = params.InitialMessage
	case c.device.Greeting != "":
		c.greeting, c.greetingIsFixed = c.device.Greeting, true
	default:
		c.greeting, c.greetingIsFixed = DefaultGreeting, true
	}

	if !c.endAfterGreeting {
		c.pendingContext = openingContext(params.InitialMessage, params.Context)
	}
	if o.backend != nil {
		c.backendSession = o.backend.NewSession(c.id)
	}
	return c
}

func openingContext(message, background string) string {
	var opening string
	if message != "" {
		opening = fmt.Sprintf("You placed this phone call and opened it by saying: %q", message)
	}
	if background != "" {
		if opening != "" {
			opening += "\n"
		}
		opening += "Background for this call: " + background
	}
	return opening
}

func (c *CallSession) ID() string              { return c.id }
func (c *CallSession) Direction() Direction    { return c.direction }
func (c *CallSession) Device() devices.Profile { return c.device }
func (c *CallSession) Turns() int              { return int(c.turnCount.Load()) }
func (c *CallSession) Transcript() []Turn      { return c.turns.Snapshot() }
func (c *CallSession) Done() <-chan struct{}   { return c.done }
func (c *CallSession) StartedAt() time.Time    { return c.startedAt }

func (c *CallSession) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CallSession) EndReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endReason
}

// Run drives the call until it ends and always cleans up before returning.
// The returned error describes an unhandled failure; the caller has already
// heard an apology for it when the call was still up.
func (c *CallSession) Run(ctx context.Context) (err error) {
	if !c.started.CompareAndSwap(false, true) {
		return ErrCallAlreadyStarted
	}

	ctx, span := tracer.Start(ctx, "call", trace.WithAttributes(
		attribute.String("call.id", c.id),
		attribute.String("call.direction", string(c.direction)),
		attribute.String("call.device", c.device.Name),
	))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.hangup:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("call panicked: %v", recovered)
			c.terminate(ctx, EndReasonError, ApologyPrompt)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		cleanupCtx, cancelCleanup := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancelCleanup()
		if cleanupErr := c.Cleanup(cleanupCtx); cleanupErr != nil {
			logger.Warn("call cleanup finished with errors", "call_id", c.id, "error", cleanupErr)
		}
	}()

	c.active.Store(true)
	callsStartedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("call.direction", string(c.direction))))
	c.o.emit(events.NewCallStarted(c.id, string(c.direction), c.device.Name))
	logger.Info("call started", "call_id", c.id, "direction", c.direction, "device", c.device.Name)

	c.listen()

	if !c.endAfterGreeting {
		if err := c.connect(ctx); err != nil {
			if !c.isActive(ctx) {
				return nil
			}
			c.terminate(ctx, EndReasonHandshakeFailed, ApologyPrompt)
			return fmt.Errorf("failed to connect audio tap: %w", err)
		}
	}

	c.setState(StateGreeting)
	c.speak(ctx, c.greeting, c.greetingIsFixed)
	if c.endAfterGreeting {
		c.terminate(ctx, EndReasonAnnounced, "")
		return nil
	}

	for c.isActive(ctx) {
		if c.Turns() >= c.o.maxTurns {
			c.terminate(ctx, EndReasonMaxTurns, MaxTurnsPrompt)
			return nil
		}

		turn, err := c.runTurn(ctx)
		if err != nil {
			if !c.isActive(ctx) {
				return nil
			}
			c.terminate(ctx, EndReasonError, ApologyPrompt)
			return err
		}

		switch turn.Outcome {
		case TurnInterrupted:
			return nil
		case TurnGoodbye:
			turn.EndedAt = time.Now()
			c.turns.Push(turn)
			c.terminate(ctx, EndReasonGoodbye, FarewellPrompt)
			return nil
		}

		turn.Number = int(c.turnCount.Add(1))
		turn.EndedAt = time.Now()
		c.turns.Push(turn)
		callTurnsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("turn.outcome", string(turn.Outcome))))
		c.o.emit(events.NewTurnCompleted(c.id, turn.Number, string(turn.Outcome)))
	}
	return nil
}

// Hangup ends the call from our side. It is safe to call at any time and
// from any goroutine.
func (c *CallSession) Hangup() {
	c.requestHangup(EndReasonHangupRequested)
	if c.started.CompareAndSwap(false, true) {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := c.Cleanup(ctx); err != nil {
			logger.Warn("call cleanup finished with errors", "call_id", c.id, "error", err)
		}
	}
}

// Cleanup releases everything the call holds, in order: audio tap, backend
// session, media, dialog, then listeners. Only the first call does the work;
// concurrent callers wait for it and get the same result.
func (c *CallSession) Cleanup(ctx context.Context) error {
	c.requestHangup(EndReasonHangupRequested)
	c.cleanupOnce.Do(func() {
		c.cleanupErr = c.cleanup(ctx)
		close(c.done)
	})
	return c.cleanupErr
}

func (c *CallSession) cleanup(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "cleanup call", trace.WithAttributes(attribute.String("call.id", c.id)))
	defer span.End()

	c.active.Store(false)
	c.setState(StateTerminating)

	c.mu.Lock()
	expectation, tap, removeListeners := c.expectation, c.capture, c.removeListeners
	c.expectation, c.capture, c.removeListeners = nil, nil, nil
	c.mu.Unlock()

	var errs []error
	if expectation != nil {
		expectation.Cancel()
	}
	if tap != nil {
		_ = tap.DisableCapture()
		if err := tap.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audio tap: %w", err))
		}
	}
	if c.backendSession != nil {
		c.backendSession.Release()
	}
	if c.media != nil {
		if err := c.media.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy media: %w", err))
		}
	}
	if c.dialog != nil {
		if err := c.dialog.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy dialog: %w", err))
		}
	}
	for _, remove := range removeListeners {
		remove()
	}

	c.setState(StateClosed)
	c.o.forget(c)

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cleanup failed")
	}

	reason := c.EndReason()
	c.o.emit(events.NewCallEnded(c.id, reason, c.Turns(), time.Since(c.startedAt)))
	logger.Info("call ended", "call_id", c.id, "reason", reason, "turns", c.Turns(), "duration", time.Since(c.startedAt))
	return err
}

func (c *CallSession) requestHangup(reason string) {
	c.mu.Lock()
	if c.endReason == "" {
		c.endReason = reason
	}
	c.mu.Unlock()

	c.active.Store(false)
	c.hangupOnce.Do(func() { close(c.hangup) })
}

func (c *CallSession) isActive(ctx context.Context) bool {
	if !c.active.Load() || ctx.Err() != nil {
		return false
	}
	select {
	case <-c.hangup:
		return false
	default:
		return true
	}
}

func (c *CallSession) setState(state State) {
	c.mu.Lock()
	from := c.state
	if from == state || from == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = state
	onChange := c.onStateChange
	c.mu.Unlock()

	logger.Debug("call state changed", "call_id", c.id, "from", from, "to", state)
	c.o.emit(events.NewCallStateChanged(c.id, string(from), string(state)))
	if onChange != nil {
		onChange(state)
	}
}

// terminate moves the call to TERMINATING and says line while the caller is
// still there.
func (c *CallSession) terminate(ctx context.Context, reason, line string) {
	c.mu.Lock()
	if c.endReason == "" {
		c.endReason = reason
	}
	c.mu.Unlock()

	c.setState(StateTerminating)
	c.speak(ctx, line, true)
	c.active.Store(false)
}

func (c *CallSession) listen() {
	removeDTMF := c.dialog.OnDTMF(c.handleDTMF)
	removeTerminated := c.dialog.OnTerminated(func() {
		logger.Info("caller hung up", "call_id", c.id)
		c.requestHangup(EndReasonCallerHangup)
	})

	c.mu.Lock()
	c.removeListeners = append(c.removeListeners, removeDTMF, removeTerminated)
	c.mu.Unlock()

	select {
	case <-c.dialog.Terminated():
		c.requestHangup(EndReasonCallerHangup)
	default:
	}
}

func (c *CallSession) handleDTMF(digit string) {
	logger.Debug("dtmf received", "call_id", c.id, "digit", digit)
	if digit != c.o.finalizeDigit {
		return
	}

	c.mu.Lock()
	tap := c.capture
	c.mu.Unlock()
	if tap != nil {
		tap.ForceFinalize(capture.ReasonDTMF)
	}
}

func (c *CallSession) connect(ctx context.Context) error {
	c.setState(StateConnecting)
	if c.o.taps == nil {
		return errors.New("no audio tap hub configured")
	}

	ctx, span := tracer.Start(ctx, "connect audio tap")
	defer span.End()

	expectation, err := c.o.taps.Expect(c.id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to expect audio tap")
		return err
	}
	c.mu.Lock()
	c.expectation = expectation
	c.mu.Unlock()

	if err := c.media.StartTap(ctx, c.id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start audio tap")
		return fmt.Errorf("failed to start audio tap: %w", err)
	}

	session, err := expectation.Wait(ctx, c.o.handshakeTimeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audio tap handshake failed")
		return err
	}
	session.OnDTMF(c.handleDTMF)

	c.mu.Lock()
	c.capture = session
	c.mu.Unlock()
	return nil
}

// speak synthesizes and plays text. Failures are logged and skipped so the
// call carries on.
func (c *CallSession) speak(ctx context.Context, text string, fixed bool) {
	if text == "" || !c.isActive(ctx) {
		return
	}
	clip, err := c.synthesize(ctx, text, fixed)
	if err != nil {
		logger.Warn("failed to synthesize speech", "call_id", c.id, "error", err)
		return
	}
	c.play(ctx, clip)
}

func (c *CallSession) play(ctx context.Context, clip audio.Clip) {
	if clip.IsEmpty() || !c.isActive(ctx) {
		return
	}
	if err := c.media.Play(ctx, clip); err != nil && ctx.Err() == nil {
		logger.Warn("playback failed", "call_id", c.id, "error", err)
	}
}

func (c *CallSession) synthesize(ctx context.Context, text string, fixed bool) (audio.Clip, error) {
	if c.o.textToSpeech == nil {
		return audio.Clip{}, errors.New("no text-to-speech client configured")
	}

	encoding := c.media.Encoding()
	key := promptCacheKey(c.device.VoiceID, encoding, text)
	if fixed {
		if clip, ok := c.o.prompts.get(key); ok {
			return clip, nil
		}
	}

	ctx, span := tracer.Start(ctx, "synthesize speech", trace.WithAttributes(attribute.Int("text.length", len(text))))
	defer span.End()

	opts := []texttospeech.TextToSpeechOption{texttospeech.WithEncodingInfo(encoding)}
	if c.device.VoiceID != "" {
		opts = append(opts, texttospeech.WithVoice(c.device.VoiceID))
	}
	data, err := c.o.textToSpeech.Synthesize(ctx, text, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		return audio.Clip{}, err
	}

	clip := audio.Clip{Data: data, Encoding: encoding}
	if fixed {
		c.o.prompts.put(key, clip)
	}
	return clip, nil
}
