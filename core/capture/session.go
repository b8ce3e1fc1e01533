package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/theNetworkChuck/claude-phone-sub000/core/audio"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type FinalizeReason string

const (
	ReasonSilenceTimeout FinalizeReason = "silence-timeout"
	ReasonDTMF           FinalizeReason = "dtmf"
	ReasonError          FinalizeReason = "error"
)

var (
	ErrNoUtterance = errors.New("no utterance captured before timeout")
	ErrClosed      = errors.New("audio tap closed")
)

const (
	DefaultCaptureTimeout = 30 * time.Second
	preRoll               = 300 * time.Millisecond
)

type Utterance struct {
	Audio          []byte
	Encoding       audio.EncodingInfo
	FinalizeReason FinalizeReason
	CapturedAt     time.Time
}

type controlMessage struct {
	Event string `json:"event"`
	Digit string `json:"digit,omitempty"`
}

// Session is the live tap of one call. Capture is off until EnableCapture;
// audio arriving while off is dropped.
type Session struct {
	callID   string
	conn     FrameConn
	encoding audio.EncodingInfo

	capturing atomic.Bool

	mu       sync.Mutex
	detector *detector
	buffer   []byte
	onDTMF   func(digit string)

	utterances chan Utterance

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()
}

func newSession(callID string, conn FrameConn, encoding audio.EncodingInfo, params DetectorParams, onClose func()) *Session {
	s := &Session{
		callID:     callID,
		conn:       conn,
		encoding:   encoding,
		detector:   newDetector(encoding.SampleRate, params),
		utterances: make(chan Utterance, 1),
		closed:     make(chan struct{}),
		onClose:    onClose,
	}
	go s.readLoop()
	return s
}

func (s *Session) CallID() string               { return s.callID }
func (s *Session) Encoding() audio.EncodingInfo { return s.encoding }
func (s *Session) IsCapturing() bool            { return s.capturing.Load() }

// OnDTMF registers a handler for digits reported on the tap itself.
func (s *Session) OnDTMF(handler func(digit string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDTMF = handler
}

// EnableCapture starts buffering audio for the next utterance. Enabling an
// already capturing session does nothing.
func (s *Session) EnableCapture() error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.capturing.CompareAndSwap(false, true) {
		return nil
	}
	s.buffer = s.buffer[:0]
	s.detector.reset()
	select {
	case <-s.utterances:
	default:
	}
	return nil
}

// DisableCapture stops buffering. It is idempotent and never fails.
func (s *Session) DisableCapture() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capturing.Store(false)
	s.buffer = s.buffer[:0]
	return nil
}

// ForceFinalize resolves the in-progress capture immediately with reason,
// delivering whatever audio was buffered so far.
func (s *Session) ForceFinalize(reason FinalizeReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeLocked(reason)
}

func (s *Session) finalizeLocked(reason FinalizeReason) {
	if !s.capturing.Load() {
		return
	}
	s.capturing.Store(false)

	u := Utterance{
		Audio:          append([]byte(nil), s.buffer...),
		Encoding:       s.encoding,
		FinalizeReason: reason,
		CapturedAt:     time.Now(),
	}
	s.buffer = s.buffer[:0]
	s.detector.reset()

	select {
	case s.utterances <- u:
	default:
		logger.Warn("dropping utterance, previous one not consumed", "call_id", s.callID)
	}
}

// NextUtterance waits for the current capture to finalize.
func (s *Session) NextUtterance(ctx context.Context, timeout time.Duration) (Utterance, error) {
	ctx, span := tracer.Start(ctx, "await utterance")
	defer span.End()

	if timeout <= 0 {
		timeout = DefaultCaptureTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case u := <-s.utterances:
		span.SetAttributes(attribute.String("utterance.finalize_reason", string(u.FinalizeReason)))
		utteranceCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(u.FinalizeReason))))
		return u, nil
	case <-s.closed:
		select {
		case u := <-s.utterances:
			return u, nil
		default:
		}
		return Utterance{}, ErrClosed
	case <-timer.C:
		return Utterance{}, fmt.Errorf("%w (%s)", ErrNoUtterance, timeout)
	case <-ctx.Done():
		return Utterance{}, ctx.Err()
	}
}

func (s *Session) Done() <-chan struct{} { return s.closed }

// Close ends the tap. Safe to call any number of times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.capturing.Store(false)
		close(s.closed)
		err = s.conn.Close()
		if s.onClose != nil {
			s.onClose()
		}
		logger.Info("audio tap closed", "call_id", s.callID)
	})
	return err
}

func (s *Session) readLoop() {
	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Warn("audio tap read failed", "call_id", s.callID, "error", err)
				}
				s.ForceFinalize(ReasonError)
				_ = s.Close()
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.handleAudio(msg)
		case websocket.TextMessage:
			if stop := s.handleControl(msg); stop {
				s.ForceFinalize(ReasonError)
				_ = s.Close()
				return
			}
		}
	}
}

func (s *Session) handleControl(msg []byte) (stop bool) {
	var control controlMessage
	if err := json.Unmarshal(msg, &control); err != nil {
		logger.Debug("ignoring malformed tap control message", "call_id", s.callID, "error", err)
		return false
	}

	switch control.Event {
	case "dtmf":
		s.mu.Lock()
		handler := s.onDTMF
		s.mu.Unlock()
		if handler != nil {
			handler(control.Digit)
		}
	case "stop":
		return true
	}
	return false
}

func (s *Session) handleAudio(frame []byte) {
	if !s.capturing.Load() {
		return
	}

	samples, err := audio.ToLinear16(frame, s.encoding)
	if err != nil {
		logger.Debug("dropping undecodable tap frame", "call_id", s.callID, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.capturing.Load() {
		return
	}

	s.buffer = append(s.buffer, frame...)
	event := s.detector.process(samples)
	if !s.detector.inSpeech() && event == eventNone {
		if keep := s.encoding.FrameSize(preRoll); len(s.buffer) > keep {
			s.buffer = append(s.buffer[:0], s.buffer[len(s.buffer)-keep:]...)
		}
	}

	switch event {
	case eventSpeechEnded, eventMaxLength:
		s.finalizeLocked(ReasonSilenceTimeout)
	}
}
