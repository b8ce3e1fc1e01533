// Package deepgram transcribes finished utterances over Deepgram's live
// listen websocket.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/theNetworkChuck/claude-phone-sub000/core/audio"
	"github.com/theNetworkChuck/claude-phone-sub000/core/speechtotext"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultListenURL = "wss://api.deepgram.com/v1/listen"

type TranscriptionClient struct {
	apiKey    string
	listenURL string
	model     string
	dialer    *websocket.Dialer
	chunkSize int
}

type ClientOption func(*TranscriptionClient)

func WithListenURL(listenURL string) ClientOption {
	return func(c *TranscriptionClient) { c.listenURL = listenURL }
}

func WithModel(model string) ClientOption {
	return func(c *TranscriptionClient) { c.model = model }
}

// NewTranscriptionClient falls back to DEEPGRAM_API_KEY when apiKey is empty.
func NewTranscriptionClient(apiKey string, opts ...ClientOption) (*TranscriptionClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv("DEEPGRAM_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("deepgram api key not found")
	}

	c := &TranscriptionClient{
		apiKey:    apiKey,
		listenURL: defaultListenURL,
		model:     "nova-3",
		dialer:    websocket.DefaultDialer,
		chunkSize: 8000,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Transcribe streams a complete utterance and returns the joined final
// transcript. An utterance with no recognizable speech yields "".
func (c *TranscriptionClient) Transcribe(ctx context.Context, utterance []byte, opts ...speechtotext.TranscriptionOption) (string, error) {
	ctx, span := tracer.Start(ctx, "transcribe utterance")
	defer span.End()

	options := speechtotext.TranscriptionOptions{EncodingInfo: audio.GetDefaultEncodingInfo(), Language: "en-US"}
	for _, opt := range opts {
		opt(&options)
	}
	span.SetAttributes(attribute.Int("audio.bytes", len(utterance)))

	if len(utterance) == 0 {
		return "", nil
	}

	conn, err := c.connect(ctx, options)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var writeErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		writeErr = c.sendUtterance(conn, utterance)
	}()

	transcript, readErr := readTranscript(conn, options)
	wg.Wait()

	if err := errors.Join(ctx.Err(), writeErr, readErr); err != nil {
		err = fmt.Errorf("deepgram transcription failed: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return transcript, err
	}

	span.SetAttributes(attribute.Int("transcript.length", len(transcript)))
	return transcript, nil
}

func (c *TranscriptionClient) connect(ctx context.Context, options speechtotext.TranscriptionOptions) (*websocket.Conn, error) {
	format, sampleRate, err := encodingParams(options.EncodingInfo)
	if err != nil {
		return nil, fmt.Errorf("invalid encoding: %w", err)
	}

	listenURL, err := url.Parse(c.listenURL)
	if err != nil {
		return nil, fmt.Errorf("invalid listen url: %w", err)
	}
	queryParams := listenURL.Query()
	queryParams.Set("encoding", format)
	queryParams.Set("sample_rate", strconv.Itoa(sampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", c.model)
	queryParams.Set("language", options.Language)
	queryParams.Set("smart_format", "true")
	queryParams.Set("punctuate", "true")
	for _, keyword := range options.Keywords {
		queryParams.Add("keyterm", keyword)
	}
	listenURL.RawQuery = queryParams.Encode()

	conn, _, err := c.dialer.DialContext(ctx, listenURL.String(),
		http.Header{"Authorization": {"Token " + c.apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}
	return conn, nil
}

// sendUtterance writes the audio in chunks and then asks Deepgram to flush
// and close the stream.
func (c *TranscriptionClient) sendUtterance(conn *websocket.Conn, utterance []byte) error {
	for i := 0; i < len(utterance); i += c.chunkSize {
		end := min(i+c.chunkSize, len(utterance))
		if err := conn.WriteMessage(websocket.BinaryMessage, utterance[i:end]); err != nil {
			return fmt.Errorf("failed to write to deepgram: %w", err)
		}
	}

	if err := conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
		return fmt.Errorf("failed to close deepgram stream: %w", err)
	}
	return nil
}

func readTranscript(conn *websocket.Conn, options speechtotext.TranscriptionOptions) (string, error) {
	var segments []string
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return strings.Join(segments, " "), nil
			}
			return strings.Join(segments, " "), fmt.Errorf("failed to read deepgram message: %w", err)
		}
		if msgType == websocket.BinaryMessage {
			continue
		}

		segment, final := parseMessage(msg)
		if segment != "" {
			segments = append(segments, segment)
			if options.PartialTranscriptionCallback != nil {
				options.PartialTranscriptionCallback(segment)
			}
		}
		if final {
			return strings.Join(segments, " "), nil
		}
	}
}

// parseMessage returns the finalized transcript segment carried by msg, if
// any, and whether the stream is finished.
func parseMessage(msg []byte) (segment string, streamClosed bool) {
	var parsedMsg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &parsedMsg); err != nil {
		logger.Debug("failed to unmarshal deepgram message", "error", err)
		return "", false
	}

	switch api.TypeResponse(parsedMsg.Type) {
	case api.TypeMessageResponse:
		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			logger.Debug("failed to unmarshal deepgram results", "error", err)
			return "", false
		}
		if !msgResp.IsFinal || len(msgResp.Channel.Alternatives) == 0 {
			return "", false
		}
		return strings.TrimSpace(msgResp.Channel.Alternatives[0].Transcript), false
	case api.TypeSpeechStartedResponse, api.TypeUtteranceEndResponse:
		return "", false
	case api.TypeCloseStreamResponse:
		return "", true
	}

	return "", false
}
