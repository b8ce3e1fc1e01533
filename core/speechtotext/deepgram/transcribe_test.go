package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/theNetworkChuck/claude-phone-sub000/core/audio"
	"github.com/theNetworkChuck/claude-phone-sub000/core/speechtotext"
)

func TestParseMessage(t *testing.T) {
	testCases := []struct {
		name     string
		msg      string
		segment  string
		finished bool
	}{
		{
			name:    "final result",
			msg:     `{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":" what's the weather ","confidence":0.98}]}}`,
			segment: "what's the weather",
		},
		{
			name: "interim result",
			msg:  `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"what's"}]}}`,
		},
		{
			name: "utterance end",
			msg:  `{"type":"UtteranceEnd","last_word_end":2.1}`,
		},
		{
			name: "malformed",
			msg:  `{"type":`,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			segment, finished := parseMessage([]byte(testCase.msg))
			if segment != testCase.segment || finished != testCase.finished {
				t.Fatalf("expected (%q, %v), got (%q, %v)", testCase.segment, testCase.finished, segment, finished)
			}
		})
	}
}

func TestTranscribeJoinsFinalSegments(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotQuery, gotAuth string
	var received int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				received += len(msg)
				continue
			}
			if strings.Contains(string(msg), "CloseStream") {
				break
			}
		}

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"turn on"}]}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"the lights"}]}}`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer server.Close()

	client, err := NewTranscriptionClient("test-key", WithListenURL("ws"+strings.TrimPrefix(server.URL, "http")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	utterance := make([]byte, 20000)
	transcript, err := client.Transcribe(context.Background(), utterance,
		speechtotext.WithEncodingInfo(audio.GetDefaultEncodingInfo()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if transcript != "turn on the lights" {
		t.Fatalf("unexpected transcript %q", transcript)
	}
	if received != len(utterance) {
		t.Fatalf("expected %d audio bytes, server got %d", len(utterance), received)
	}
	if gotAuth != "Token test-key" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if !strings.Contains(gotQuery, "encoding=mulaw") || !strings.Contains(gotQuery, "sample_rate=8000") {
		t.Fatalf("unexpected query %q", gotQuery)
	}
}

func TestEncodingParamsRejectsWidebandMulaw(t *testing.T) {
	if _, _, err := encodingParams(audio.EncodingInfo{SampleRate: 16000, Format: audio.EncodingMulaw}); err == nil {
		t.Fatalf("expected error for 16kHz mu-law")
	}
}
