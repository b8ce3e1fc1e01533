package orchestration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/theNetworkChuck/claude-phone-sub000/core/audio"
	"github.com/theNetworkChuck/claude-phone-sub000/core/backends"
	"github.com/theNetworkChuck/claude-phone-sub000/core/capture"
	"github.com/theNetworkChuck/claude-phone-sub000/core/speechtotext"
	"github.com/theNetworkChuck/claude-phone-sub000/core/telephony"
	"github.com/theNetworkChuck/claude-phone-sub000/core/texttospeech"
)

const (
	speechPrefix = "say:"
	holdMarker   = "hold-music"
)

type recordingMedia struct {
	mu         sync.Mutex
	spoken     []string
	played     []string
	tapStarted []string
	destroyed  atomic.Int32
}

func (m *recordingMedia) Play(ctx context.Context, clip audio.Clip) error {
	if text, ok := strings.CutPrefix(string(clip.Data), speechPrefix); ok {
		m.mu.Lock()
		m.spoken = append(m.spoken, text)
		m.played = append(m.played, text)
		m.mu.Unlock()
		return nil
	}
	if string(clip.Data) == holdMarker {
		m.mu.Lock()
		m.played = append(m.played, holdMarker)
		m.mu.Unlock()
	}
	select {
	case <-time.After(time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *recordingMedia) StartTap(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tapStarted = append(m.tapStarted, callID)
	return nil
}

func (m *recordingMedia) Encoding() audio.EncodingInfo { return audio.GetDefaultEncodingInfo() }

func (m *recordingMedia) Destroy(context.Context) error {
	m.destroyed.Add(1)
	return nil
}

func (m *recordingMedia) Spoken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.spoken...)
}

// Played lists spoken lines and hold music plays in order.
func (m *recordingMedia) Played() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.played...)
}

// blockingBackend holds every query until released, ignoring cancellation
// like a backend process that has already been started.
type blockingBackend struct {
	reply    backends.Result
	entered  chan struct{}
	release  chan struct{}
	once     sync.Once
	finished atomic.Int32
}

func newBlockingBackend(text string) *blockingBackend {
	return &blockingBackend{
		reply:   backends.Result{Text: text},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *blockingBackend) Query(context.Context, string, backends.QueryOptions) backends.Result {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	b.finished.Add(1)
	return b.reply
}

func (b *blockingBackend) NewSession(string) *backends.Session { return nil }

type stubDialog struct {
	mu         sync.Mutex
	next       int
	dtmf       map[int]func(string)
	onHangup   map[int]func()
	terminated chan struct{}
	termOnce   sync.Once
	destroyed  atomic.Int32
}

func newStubDialog() *stubDialog {
	return &stubDialog{
		dtmf:       map[int]func(string){},
		onHangup:   map[int]func(){},
		terminated: make(chan struct{}),
	}
}

func (d *stubDialog) ID() string                  { return "dialog" }
func (d *stubDialog) Terminated() <-chan struct{} { return d.terminated }

func (d *stubDialog) OnDTMF(handler func(string)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.next
	d.next++
	d.dtmf[id] = handler
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.dtmf, id)
	}
}

func (d *stubDialog) OnTerminated(handler func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.next
	d.next++
	d.onHangup[id] = handler
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.onHangup, id)
	}
}

func (d *stubDialog) Destroy(context.Context) error {
	d.destroyed.Add(1)
	return nil
}

func (d *stubDialog) listeners() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dtmf) + len(d.onHangup)
}

func (d *stubDialog) pressDigit(digit string) {
	d.mu.Lock()
	handlers := make([]func(string), 0, len(d.dtmf))
	for _, h := range d.dtmf {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()
	for _, h := range handlers {
		h(digit)
	}
}

func (d *stubDialog) remoteHangup() {
	d.termOnce.Do(func() {
		close(d.terminated)
		d.mu.Lock()
		handlers := make([]func(), 0, len(d.onHangup))
		for _, h := range d.onHangup {
			handlers = append(handlers, h)
		}
		d.mu.Unlock()
		for _, h := range handlers {
			h()
		}
	})
}

type captureStep struct {
	text string
	err  error
}

func says(texts ...string) []captureStep {
	steps := make([]captureStep, 0, len(texts))
	for _, text := range texts {
		steps = append(steps, captureStep{text: text})
	}
	return steps
}

// scriptedCapture replays steps, then blocks until ForceFinalize or ctx.
type scriptedCapture struct {
	mu            sync.Mutex
	script        []captureStep
	afterFinalize string
	lastReason    capture.FinalizeReason

	finalize chan capture.FinalizeReason
	waiting  atomic.Bool
	closed   atomic.Int32
}

func newScriptedCapture(steps ...captureStep) *scriptedCapture {
	return &scriptedCapture{script: steps, finalize: make(chan capture.FinalizeReason, 1)}
}

func (c *scriptedCapture) OnDTMF(func(string))   {}
func (c *scriptedCapture) EnableCapture() error  { return nil }
func (c *scriptedCapture) DisableCapture() error { return nil }

func (c *scriptedCapture) ForceFinalize(reason capture.FinalizeReason) {
	select {
	case c.finalize <- reason:
	default:
	}
}

func (c *scriptedCapture) NextUtterance(ctx context.Context, _ time.Duration) (capture.Utterance, error) {
	c.mu.Lock()
	if len(c.script) > 0 {
		step := c.script[0]
		c.script = c.script[1:]
		c.mu.Unlock()
		if step.err != nil {
			return capture.Utterance{}, step.err
		}
		return capture.Utterance{
			Audio:          []byte(step.text),
			Encoding:       audio.GetDefaultEncodingInfo(),
			FinalizeReason: capture.ReasonSilenceTimeout,
			CapturedAt:     time.Now(),
		}, nil
	}
	c.mu.Unlock()

	c.waiting.Store(true)
	defer c.waiting.Store(false)
	select {
	case reason := <-c.finalize:
		c.mu.Lock()
		c.lastReason = reason
		text := c.afterFinalize
		c.mu.Unlock()
		return capture.Utterance{Audio: []byte(text), FinalizeReason: reason, CapturedAt: time.Now()}, nil
	case <-ctx.Done():
		return capture.Utterance{}, ctx.Err()
	}
}

func (c *scriptedCapture) Close() error {
	c.closed.Add(1)
	return nil
}

type stubTaps struct {
	capture  *scriptedCapture
	waitErr  error
	expected atomic.Int32
	canceled atomic.Int32
}

func (t *stubTaps) Expect(string) (TapExpectation, error) {
	t.expected.Add(1)
	return stubExpectation{taps: t}, nil
}

type stubExpectation struct{ taps *stubTaps }

func (e stubExpectation) Wait(context.Context, time.Duration) (CaptureSession, error) {
	if e.taps.waitErr != nil {
		return nil, e.taps.waitErr
	}
	return e.taps.capture, nil
}

func (e stubExpectation) Cancel() { e.taps.canceled.Add(1) }

var errTranscription = errors.New("transcription failed")

// echoSpeechToText treats the utterance audio as its own transcript.
type echoSpeechToText struct{}

func (echoSpeechToText) Transcribe(_ context.Context, utterance []byte, _ ...speechtotext.TranscriptionOption) (string, error) {
	if string(utterance) == "<error>" {
		return "", errTranscription
	}
	return string(utterance), nil
}

type textSpeech struct {
	mu    sync.Mutex
	calls map[string]int
}

func (s *textSpeech) Synthesize(_ context.Context, text string, _ ...texttospeech.TextToSpeechOption) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[text]++
	return []byte(speechPrefix + text), nil
}

func (s *textSpeech) count(text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[text]
}

type stubBackend struct {
	mu      sync.Mutex
	replies []backends.Result
	reply   backends.Result
	prompts []string
	opts    []backends.QueryOptions
}

func (b *stubBackend) Query(_ context.Context, prompt string, opts backends.QueryOptions) backends.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prompts = append(b.prompts, prompt)
	b.opts = append(b.opts, opts)
	if len(b.replies) > 0 {
		reply := b.replies[0]
		b.replies = b.replies[1:]
		return reply
	}
	return b.reply
}

func (b *stubBackend) NewSession(string) *backends.Session { return nil }

func (b *stubBackend) queries() ([]string, []backends.QueryOptions) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.prompts...), append([]backends.QueryOptions(nil), b.opts...)
}

type testRig struct {
	orchestrator *Orchestrator
	media        *recordingMedia
	dialog       *stubDialog
	capture      *scriptedCapture
	taps         *stubTaps
	backend      *stubBackend
	speech       *textSpeech
}

func newTestRig(steps []captureStep, opts ...OrchestratorOption) *testRig {
	rig := &testRig{
		media:   &recordingMedia{},
		dialog:  newStubDialog(),
		capture: newScriptedCapture(steps...),
		backend: &stubBackend{reply: backends.Result{Text: "VOICE_RESPONSE: Done."}},
		speech:  &textSpeech{},
	}
	rig.taps = &stubTaps{capture: rig.capture}
	rig.orchestrator = NewOrchestrator(append([]OrchestratorOption{
		WithBackend(rig.backend),
		WithSpeechToTextClient(echoSpeechToText{}),
		WithTextToSpeechClient(rig.speech),
		WithTapExpecter(rig.taps),
		WithFillers("One moment."),
	}, opts...)...)
	return rig
}

func (r *testRig) newCall(params CallParams) *CallSession {
	params.Media = r.media
	params.Dialog = r.dialog
	return r.orchestrator.NewCall(params)
}

func runToCompletion(t *testing.T, session *CallSession) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- session.Run(context.Background()) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("call %s did not finish", session.ID())
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var _ telephony.Media = (*recordingMedia)(nil)
var _ telephony.Dialog = (*stubDialog)(nil)
