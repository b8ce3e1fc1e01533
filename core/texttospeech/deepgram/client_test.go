package deepgram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/theNetworkChuck/claude-phone-sub000/core/texttospeech"
)

func TestSynthesizeCollectsAudioUntilFlushed(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotModel = r.URL.Query().Get("model")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var parsed websocketMessage
			_ = json.Unmarshal(msg, &parsed)
			switch parsed.Type {
			case "Speak":
				_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2})
				_ = conn.WriteMessage(websocket.BinaryMessage, []byte{3})
			case "Flush":
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Flushed","sequence_id":0}`))
			case "Close":
				return
			}
		}
	}))
	defer server.Close()

	client, err := NewTextToSpeechClient("key", WithSpeakURL("ws"+strings.TrimPrefix(server.URL, "http")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var chunks int
	clip, err := client.Synthesize(context.Background(), "hello",
		texttospeech.WithVoice("aura-2-orion-en"),
		texttospeech.WithSpeechAudioCallback(func([]byte) { chunks++ }))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if string(clip) != string([]byte{1, 2, 3}) || chunks != 2 {
		t.Fatalf("unexpected clip %v (chunks=%d)", clip, chunks)
	}
	if gotModel != "aura-2-orion-en" {
		t.Fatalf("expected requested voice, got %q", gotModel)
	}
}
