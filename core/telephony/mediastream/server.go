// Package mediastream connects the call engine to a media server that
// streams each call over one websocket.
//
// The platform opens /media for every call and sends a JSON "start" event
// first. Caller audio arrives as binary messages, control as JSON text
// ("dtmf", "mark", "stop"). The engine answers with "answer" or "reject",
// plays audio as binary frames paced in real time, and drives the call with
// "clear", "fork", "unfork" and "hangup".
package mediastream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/theNetworkChuck/claude-phone-sub000/core/audio"
	"github.com/theNetworkChuck/claude-phone-sub000/core/telephony"
)

const (
	DefaultFrameDuration    = 20 * time.Millisecond
	DefaultHandshakeTimeout = 10 * time.Second

	directionInbound  = "inbound"
	directionOutbound = "outbound"
)

// InboundHandler takes over an inbound call. It must answer or reject the
// call through answerer and may block for the lifetime of the call.
type InboundHandler func(ctx context.Context, call telephony.InboundCall, answerer telephony.Answerer)

type Server struct {
	upgrader         websocket.Upgrader
	onInbound        InboundHandler
	encoding         audio.EncodingInfo
	frameDuration    time.Duration
	tapBaseURL       string
	handshakeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	awaiting map[string]chan *callConn
	active   map[*callConn]struct{}
	wg       sync.WaitGroup
}

type ServerOption func(*Server)

func WithInboundHandler(handler InboundHandler) ServerOption {
	return func(s *Server) { s.onInbound = handler }
}

func WithEncoding(enc audio.EncodingInfo) ServerOption {
	return func(s *Server) { s.encoding = enc }
}

func WithFrameDuration(d time.Duration) ServerOption {
	return func(s *Server) { s.frameDuration = d }
}

// WithTapBaseURL sets the websocket URL the media server forks caller audio
// to; the call ID is appended as the last path segment.
func WithTapBaseURL(url string) ServerOption {
	return func(s *Server) { s.tapBaseURL = url }
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.handshakeTimeout = d }
}

func NewServer(opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		encoding:         audio.GetDefaultEncodingInfo(),
		frameDuration:    DefaultFrameDuration,
		handshakeTimeout: DefaultHandshakeTimeout,
		ctx:              ctx,
		cancel:           cancel,
		awaiting:         map[string]chan *callConn{},
		active:           map[*callConn]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("failed to upgrade media stream", "error", err)
		return
	}

	start, err := s.readStart(ws)
	if err != nil {
		logger.Warn("media stream handshake failed", "remote", r.RemoteAddr, "error", err)
		_ = ws.Close()
		return
	}

	encoding := s.encoding
	if format, ok := audio.ParseFormat(start.Encoding); ok && start.SampleRate > 0 {
		encoding = audio.EncodingInfo{SampleRate: start.SampleRate, Format: format}
	}
	conn := newCallConn(start.CallID, ws, encoding, s.frameDuration, s.tapBaseURL)
	if !s.track(conn) {
		_ = conn.send(outboundMessage{Event: eventHangup})
		conn.close()
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrack(conn)
		conn.readLoop()
	}()

	switch start.Direction {
	case directionOutbound:
		s.deliverOutbound(conn)
	default:
		s.handleInbound(conn, start)
	}
}

func (s *Server) readStart(ws *websocket.Conn) (inboundMessage, error) {
	if err := ws.SetReadDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
		return inboundMessage{}, err
	}
	var start inboundMessage
	for {
		msgType, msg, err := ws.ReadMessage()
		if err != nil {
			return inboundMessage{}, fmt.Errorf("failed to read start event: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := json.Unmarshal(msg, &start); err != nil {
			return inboundMessage{}, fmt.Errorf("failed to parse start event: %w", err)
		}
		if start.Event == eventStart {
			break
		}
	}
	if start.CallID == "" {
		return inboundMessage{}, errors.New("start event without call id")
	}
	return start, ws.SetReadDeadline(time.Time{})
}

func (s *Server) handleInbound(conn *callConn, start inboundMessage) {
	if s.onInbound == nil {
		logger.Warn("no inbound handler configured, rejecting call", "call_id", conn.id)
		_ = conn.send(outboundMessage{Event: eventReject, Code: http.StatusServiceUnavailable, Reason: "unavailable"})
		conn.close()
		return
	}

	call := telephony.InboundCall{CallID: start.CallID, From: start.From, To: start.To, SDP: start.SDP}
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.onInbound(ctx, call, answerer{conn: conn})
}

func (s *Server) deliverOutbound(conn *callConn) {
	s.mu.Lock()
	ch, ok := s.awaiting[conn.id]
	if ok {
		delete(s.awaiting, conn.id)
		ch <- conn
	}
	s.mu.Unlock()

	if !ok {
		logger.Warn("media stream for unknown outbound call", "call_id", conn.id)
		_ = conn.send(outboundMessage{Event: eventHangup})
		conn.close()
	}
}

// await registers interest in the media stream of an outbound call before
// the call is originated, so a fast answer is never missed.
func (s *Server) await(callID string) (<-chan *callConn, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return nil, nil, errors.New("media stream server closed")
	}
	if _, ok := s.awaiting[callID]; ok {
		return nil, nil, fmt.Errorf("call %s already awaiting media", callID)
	}
	ch := make(chan *callConn, 1)
	s.awaiting[callID] = ch
	return ch, func() {
		s.mu.Lock()
		if s.awaiting[callID] == ch {
			delete(s.awaiting, callID)
		}
		var late *callConn
		select {
		case late = <-ch:
		default:
		}
		s.mu.Unlock()

		if late != nil {
			_ = late.send(outboundMessage{Event: eventHangup})
			late.close()
		}
	}, nil
}

func (s *Server) track(conn *callConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.active[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *callConn) {
	s.mu.Lock()
	delete(s.active, conn)
	s.mu.Unlock()
}

// Close hangs up every active media stream and waits for their readers.
func (s *Server) Close() {
	s.cancel()

	s.mu.Lock()
	conns := make([]*callConn, 0, len(s.active))
	for c := range s.active {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.send(outboundMessage{Event: eventHangup})
		c.close()
	}
	s.wg.Wait()
}

type answerer struct{ conn *callConn }

func (a answerer) Answer(_ context.Context, call telephony.InboundCall, localSDP string) (telephony.Media, telephony.Dialog, error) {
	if a.conn.isTerminated() {
		return nil, nil, telephony.ErrCallEnded
	}
	if err := a.conn.send(outboundMessage{Event: eventAnswer, SDP: localSDP}); err != nil {
		return nil, nil, fmt.Errorf("failed to answer call %s: %w", call.CallID, err)
	}
	return mediaHandle{c: a.conn}, dialogHandle{c: a.conn}, nil
}

func (a answerer) Reject(_ context.Context, call telephony.InboundCall, code int, reason string) error {
	defer a.conn.close()
	if err := a.conn.send(outboundMessage{Event: eventReject, Code: code, Reason: reason}); err != nil {
		return fmt.Errorf("failed to reject call %s: %w", call.CallID, err)
	}
	return nil
}
