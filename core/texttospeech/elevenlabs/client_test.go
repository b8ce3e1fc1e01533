package elevenlabs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/theNetworkChuck/claude-phone-sub000/core/audio"
	"github.com/theNetworkChuck/claude-phone-sub000/core/texttospeech"
)

func TestSynthesizeUsesVoiceAndTelephonyFormat(t *testing.T) {
	var gotPath, gotFormat, gotKey string
	var gotBody speechRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotFormat = r.URL.Query().Get("output_format")
		gotKey = r.Header.Get("xi-api-key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte{0xFF, 0xFE, 0xFD})
	}))
	defer server.Close()

	client, err := NewTextToSpeechClient("key", WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clip, err := client.Synthesize(context.Background(), "Hello there",
		texttospeech.WithVoice("voice-123"),
		texttospeech.WithEncodingInfo(audio.GetDefaultEncodingInfo()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(clip) != 3 {
		t.Fatalf("expected 3 bytes of audio, got %d", len(clip))
	}
	if gotPath != "/text-to-speech/voice-123" || gotFormat != "ulaw_8000" || gotKey != "key" {
		t.Fatalf("unexpected request path=%q format=%q key=%q", gotPath, gotFormat, gotKey)
	}
	if gotBody.Text != "Hello there" || gotBody.ModelID == "" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}

func TestSynthesizeSurfacesAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"invalid api key"}`))
	}))
	defer server.Close()

	client, _ := NewTextToSpeechClient("key", WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	_, err := client.Synthesize(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "invalid api key") {
		t.Fatalf("expected API error, got %v", err)
	}
}
