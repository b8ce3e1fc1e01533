// Package capture owns the per-call audio tap: the media server forks the
// caller's audio to a websocket, and the session turns it into utterances.
//
// The protocol is expectation-first. The call pre-registers an expectation
// with [Hub.Expect] before asking the media server to start the tap, then
// waits for the handshake. Connections for call ids nobody expects are
// refused.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/theNetworkChuck/claude-phone-sub000/core/audio"
)

const DefaultHandshakeTimeout = 10 * time.Second

var (
	ErrHandshakeTimeout = errors.New("audio tap handshake timed out")
	ErrAlreadyExpected  = errors.New("audio tap already expected for call")
	ErrNotExpected      = errors.New("no audio tap expected for call")
	ErrCancelled        = errors.New("audio tap expectation cancelled")
)

// FrameConn is the message-oriented connection a tap arrives on.
// *websocket.Conn satisfies it.
type FrameConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Hub struct {
	encoding audio.EncodingInfo
	params   DetectorParams
	upgrader websocket.Upgrader

	mu      sync.Mutex
	entries map[string]*Expectation
}

type HubOption func(*Hub)

// WithEncoding sets the encoding the media server sends on the tap.
func WithEncoding(encoding audio.EncodingInfo) HubOption {
	return func(h *Hub) {
		if !encoding.IsZero() {
			h.encoding = encoding
		}
	}
}

func WithDetectorParams(params DetectorParams) HubOption {
	return func(h *Hub) { h.params = params }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		encoding: audio.GetDefaultEncodingInfo(),
		params:   DefaultDetectorParams(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		entries:  map[string]*Expectation{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Encoding() audio.EncodingInfo { return h.encoding }

// Expect registers interest in the tap for callID. Only one expectation (and
// therefore one session) may exist per call id until it is cancelled or its
// session closes.
func (h *Hub) Expect(callID string) (*Expectation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.entries[callID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExpected, callID)
	}
	e := &Expectation{
		callID:    callID,
		hub:       h,
		ready:     make(chan *Session, 1),
		cancelled: make(chan struct{}),
	}
	h.entries[callID] = e
	return e, nil
}

// Attach binds an arrived connection to the expectation for callID.
func (h *Hub) Attach(callID string, conn FrameConn) (*Session, error) {
	h.mu.Lock()
	e, ok := h.entries[callID]
	if !ok || e.attached {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotExpected, callID)
	}
	e.attached = true
	h.mu.Unlock()

	session := newSession(callID, conn, h.encoding, h.params, func() { h.release(callID, e) })
	if !e.deliver(session) {
		_ = session.Close()
		return nil, fmt.Errorf("%w: %s", ErrCancelled, callID)
	}

	logger.Info("audio tap attached", "call_id", callID)
	return session, nil
}

func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func (h *Hub) release(callID string, e *Expectation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.entries[callID] == e {
		delete(h.entries, callID)
	}
}

// ServeHTTP accepts tap connections on a path ending in the call id, such as
// "/tap/{callId}".
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("callId")
	if callID == "" {
		callID = r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
	}

	h.mu.Lock()
	e, ok := h.entries[callID]
	expected := ok && !e.attached
	h.mu.Unlock()
	if !expected {
		logger.Warn("refusing unexpected audio tap", "call_id", callID)
		http.Error(w, "no tap expected for call", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("audio tap upgrade failed", "call_id", callID, "error", err)
		return
	}

	if _, err := h.Attach(callID, conn); err != nil {
		logger.Warn("audio tap rejected", "call_id", callID, "error", err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		_ = conn.Close()
	}
}

type Expectation struct {
	callID string
	hub    *Hub

	// attached is guarded by hub.mu.
	attached bool

	ready      chan *Session
	cancelled  chan struct{}
	cancelOnce sync.Once

	mu      sync.Mutex
	session *Session
	done    bool
}

func (e *Expectation) CallID() string { return e.callID }

func (e *Expectation) deliver(s *Session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return false
	}
	e.session = s
	e.ready <- s
	return true
}

// Wait blocks until the tap connects, the timeout passes, the expectation is
// cancelled, or ctx ends.
func (e *Expectation) Wait(ctx context.Context, timeout time.Duration) (*Session, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-e.ready:
		return s, nil
	case <-e.cancelled:
		return nil, ErrCancelled
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrHandshakeTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel withdraws the expectation and closes a delivered session. Safe to
// call any number of times.
func (e *Expectation) Cancel() {
	e.cancelOnce.Do(func() {
		e.mu.Lock()
		e.done = true
		session := e.session
		e.mu.Unlock()

		close(e.cancelled)
		e.hub.release(e.callID, e)
		if session != nil {
			_ = session.Close()
		}
	})
}
