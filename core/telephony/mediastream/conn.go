package mediastream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/theNetworkChuck/claude-phone-sub000/core/audio"
	"github.com/theNetworkChuck/claude-phone-sub000/core/telephony"
	"go.opentelemetry.io/otel/attribute"
)

// callConn is one media stream connection. It backs both the media and the
// dialog handle of its call.
type callConn struct {
	id            string
	ws            *websocket.Conn
	encoding      audio.EncodingInfo
	frameDuration time.Duration
	tapBaseURL    string

	writeMu sync.Mutex

	mu                 sync.Mutex
	nextHandlerID      int
	dtmfHandlers       map[int]func(string)
	terminatedHandlers map[int]func()

	terminated     chan struct{}
	terminateOnce  sync.Once
	closeOnce      sync.Once
	playbackActive sync.Mutex
}

func newCallConn(id string, ws *websocket.Conn, encoding audio.EncodingInfo, frameDuration time.Duration, tapBaseURL string) *callConn {
	return &callConn{
		id:                 id,
		ws:                 ws,
		encoding:           encoding,
		frameDuration:      frameDuration,
		tapBaseURL:         strings.TrimSuffix(tapBaseURL, "/"),
		dtmfHandlers:       map[int]func(string){},
		terminatedHandlers: map[int]func(){},
		terminated:         make(chan struct{}),
	}
}

func (c *callConn) send(msg outboundMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write %s event: %w", msg.Event, err)
	}
	return nil
}

func (c *callConn) sendAudio(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *callConn) isTerminated() bool {
	select {
	case <-c.terminated:
		return true
	default:
		return false
	}
}

func (c *callConn) terminate() {
	c.terminateOnce.Do(func() {
		close(c.terminated)

		c.mu.Lock()
		handlers := make([]func(), 0, len(c.terminatedHandlers))
		for _, h := range c.terminatedHandlers {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()

		for _, h := range handlers {
			h()
		}
	})
}

func (c *callConn) close() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
		c.terminate()
	})
}

func (c *callConn) readLoop() {
	defer c.close()
	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			if !c.isTerminated() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("media stream read failed", "call_id", c.id, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var event inboundMessage
		if err := json.Unmarshal(msg, &event); err != nil {
			logger.Debug("ignoring malformed media stream event", "call_id", c.id, "error", err)
			continue
		}

		switch event.Event {
		case eventDTMF:
			c.dispatchDTMF(event.Digit)
		case eventStop:
			logger.Info("caller hung up", "call_id", c.id)
			return
		case eventMark:
		}
	}
}

func (c *callConn) dispatchDTMF(digit string) {
	c.mu.Lock()
	handlers := make([]func(string), 0, len(c.dtmfHandlers))
	for _, h := range c.dtmfHandlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(digit)
	}
}

type mediaHandle struct{ c *callConn }

func (m mediaHandle) Encoding() audio.EncodingInfo { return m.c.encoding }

// Play paces frames in real time so cancellation cuts playback short, then
// tells the platform to drop what it already buffered.
func (m mediaHandle) Play(ctx context.Context, clip audio.Clip) error {
	c := m.c
	ctx, span := tracer.Start(ctx, "play clip")
	defer span.End()
	span.SetAttributes(attribute.Int("clip.bytes", len(clip.Data)))

	if c.isTerminated() {
		return telephony.ErrCallEnded
	}

	data, err := convertClip(clip, c.encoding)
	if err != nil {
		return err
	}

	c.playbackActive.Lock()
	defer c.playbackActive.Unlock()

	frameSize := c.encoding.FrameSize(c.frameDuration)
	if frameSize <= 0 {
		return fmt.Errorf("invalid frame size for %s", c.encoding.Format.Name())
	}
	ticker := time.NewTicker(c.frameDuration)
	defer ticker.Stop()

	for offset := 0; offset < len(data); offset += frameSize {
		if err := c.sendAudio(data[offset:min(offset+frameSize, len(data))]); err != nil {
			return fmt.Errorf("failed to write audio frame: %w", err)
		}

		select {
		case <-ticker.C:
		case <-c.terminated:
			return telephony.ErrCallEnded
		case <-ctx.Done():
			if err := c.send(outboundMessage{Event: eventClear}); err != nil {
				logger.Debug("failed to clear playback", "call_id", c.id, "error", err)
			}
			return ctx.Err()
		}
	}
	return nil
}

func (m mediaHandle) StartTap(_ context.Context, callID string) error {
	if m.c.tapBaseURL == "" {
		return errors.New("audio tap url not configured")
	}
	return m.c.send(outboundMessage{Event: eventFork, URL: m.c.tapBaseURL + "/" + callID})
}

func (m mediaHandle) Destroy(context.Context) error {
	if m.c.isTerminated() {
		return nil
	}
	return errors.Join(
		m.c.send(outboundMessage{Event: eventClear}),
		m.c.send(outboundMessage{Event: eventUnfork}),
	)
}

type dialogHandle struct{ c *callConn }

func (d dialogHandle) ID() string                  { return d.c.id }
func (d dialogHandle) Terminated() <-chan struct{} { return d.c.terminated }

func (d dialogHandle) OnDTMF(handler func(digit string)) func() {
	c := d.c
	c.mu.Lock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.dtmfHandlers[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.dtmfHandlers, id)
		c.mu.Unlock()
	}
}

func (d dialogHandle) OnTerminated(handler func()) func() {
	c := d.c
	c.mu.Lock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.terminatedHandlers[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.terminatedHandlers, id)
		c.mu.Unlock()
	}
}

func (d dialogHandle) Destroy(context.Context) error {
	var err error
	if !d.c.isTerminated() {
		err = d.c.send(outboundMessage{Event: eventHangup})
	}
	d.c.close()
	return err
}

func convertClip(clip audio.Clip, target audio.EncodingInfo) ([]byte, error) {
	if clip.Encoding.IsZero() || clip.Encoding == target {
		return clip.Data, nil
	}
	if clip.Encoding.SampleRate != target.SampleRate {
		return nil, fmt.Errorf("cannot play %d Hz audio on a %d Hz stream", clip.Encoding.SampleRate, target.SampleRate)
	}
	samples, err := audio.ToLinear16(clip.Data, clip.Encoding)
	if err != nil {
		return nil, err
	}
	return audio.FromLinear16(samples, target)
}
