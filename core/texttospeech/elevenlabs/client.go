// Package elevenlabs synthesizes speech with the ElevenLabs REST API, where
// each device profile carries its own voice id.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/theNetworkChuck/claude-phone-sub000/core/audio"
	"github.com/theNetworkChuck/claude-phone-sub000/core/texttospeech"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io/v1"
	defaultModel   = "eleven_turbo_v2_5"
	// DefaultVoice is used when a device profile has no voice id.
	DefaultVoice = "21m00Tcm4TlvDq8ikWAM"
)

type TextToSpeechClient struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

type ClientOption func(*TextToSpeechClient)

func WithBaseURL(baseURL string) ClientOption {
	return func(c *TextToSpeechClient) { c.baseURL = strings.TrimSuffix(baseURL, "/") }
}

func WithModel(model string) ClientOption {
	return func(c *TextToSpeechClient) { c.model = model }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *TextToSpeechClient) { c.client = client }
}

// NewTextToSpeechClient falls back to ELEVENLABS_API_KEY when apiKey is empty.
func NewTextToSpeechClient(apiKey string, opts ...ClientOption) (*TextToSpeechClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ELEVENLABS_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("elevenlabs api key not found")
	}

	c := &TextToSpeechClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type speechRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

func outputFormat(encoding audio.EncodingInfo) (string, error) {
	switch encoding.Format {
	case audio.EncodingMulaw:
		if encoding.SampleRate == 8000 {
			return "ulaw_8000", nil
		}
	case audio.EncodingALaw:
		if encoding.SampleRate == 8000 {
			return "alaw_8000", nil
		}
	case audio.EncodingLinear16:
		switch encoding.SampleRate {
		case 8000, 16000, 22050, 24000, 44100:
			return fmt.Sprintf("pcm_%d", encoding.SampleRate), nil
		}
	}
	return "", fmt.Errorf("unsupported output encoding %s/%d", encoding.Format.Name(), encoding.SampleRate)
}

// Synthesize returns raw audio for text in the requested encoding.
func (c *TextToSpeechClient) Synthesize(ctx context.Context, text string, opts ...texttospeech.TextToSpeechOption) ([]byte, error) {
	options := texttospeech.Apply(opts...)
	voice := options.VoiceID
	if voice == "" {
		voice = DefaultVoice
	}

	ctx, span := tracer.Start(ctx, "synthesize speech")
	defer span.End()
	span.SetAttributes(attribute.String("tts.voice", voice), attribute.Int("tts.text_length", len(text)))

	clip, err := c.synthesize(ctx, text, voice, options)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return clip, nil
}

func (c *TextToSpeechClient) synthesize(ctx context.Context, text, voice string, options texttospeech.TextToSpeechOptions) ([]byte, error) {
	format, err := outputFormat(options.EncodingInfo)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(speechRequest{
		Text:          text,
		ModelID:       c.model,
		VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	})
	if err != nil {
		return nil, fmt.Errorf("error marshalling JSON: %w", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s?output_format=%s", c.baseURL, url.PathEscape(voice), format)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/basic")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("elevenlabs responded %s: %s", resp.Status, strings.TrimSpace(string(errorBody)))
	}

	var clip bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			clip.Write(chunk[:n])
			if options.SpeechAudioCallback != nil {
				options.SpeechAudioCallback(append([]byte(nil), chunk[:n]...))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("error reading audio: %w", readErr)
		}
	}

	return clip.Bytes(), nil
}
