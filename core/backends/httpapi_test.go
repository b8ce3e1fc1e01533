package backends

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type openAIStub struct {
	mu       sync.Mutex
	requests []responsesRequest
	reject   bool
}

func (s *openAIStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req responsesRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer test-key" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if s.reject && len(req.Tools) > 0 {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Unsupported tool type: web_search","type":"invalid_request_error","param":"tools"}}`))
		return
	}

	_, _ = w.Write([]byte(`{"id":"resp_2","output":[{"type":"web_search_call"},{"type":"message","content":[{"type":"output_text","text":"It is sunny."}]}]}`))
}

func newTestHTTPBridge(t *testing.T, server *httptest.Server) *Bridge {
	t.Helper()
	bridge, err := New(context.Background(), Config{
		Kind: KindHTTP,
		HTTP: HTTPConfig{
			Provider:   "openai",
			APIKey:     "test-key",
			BaseURL:    server.URL,
			WebSearch:  true,
			HTTPClient: server.Client(),
		},
		DefaultTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return bridge
}

func TestHTTPBackendRetriesWithoutRejectedTool(t *testing.T) {
	stub := &openAIStub{reject: true}
	server := httptest.NewServer(stub)
	defer server.Close()

	bridge := newTestHTTPBridge(t, server)
	result := bridge.Query(context.Background(), "weather?", QueryOptions{})

	if result.Degraded || result.Text != "It is sunny." {
		t.Fatalf("expected successful retry, got %+v", result)
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.requests) != 2 {
		t.Fatalf("expected exactly 2 requests, got %d", len(stub.requests))
	}
	if len(stub.requests[0].Tools) != 1 || len(stub.requests[1].Tools) != 0 {
		t.Fatalf("expected tool on first request only, got %+v", stub.requests)
	}
}

func TestHTTPBackendPassesPreviousResponseID(t *testing.T) {
	stub := &openAIStub{}
	server := httptest.NewServer(stub)
	defer server.Close()

	bridge := newTestHTTPBridge(t, server)
	session := bridge.NewSession("call-1")
	session.record("earlier", "reply", "resp_1")

	result := bridge.Query(context.Background(), "and now?", QueryOptions{CallID: "call-1", Session: session, DeviceSystemPrompt: "be brief"})
	if result.ContinuationToken != "resp_2" {
		t.Fatalf("expected continuation resp_2, got %q", result.ContinuationToken)
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.requests[0].PreviousResponseID != "resp_1" || stub.requests[0].Instructions != "be brief" {
		t.Fatalf("unexpected request %+v", stub.requests[0])
	}
}

func TestHTTPBackendUnreachableApologizes(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	bridge := newTestHTTPBridge(t, server)
	server.Close()

	result := bridge.Query(context.Background(), "hello", QueryOptions{})
	if result.Text != ApologyText || !errors.Is(result.Err, ErrConnectivity) {
		t.Fatalf("expected apology, got %+v", result)
	}
}

func TestIsCapabilityRejection(t *testing.T) {
	testCases := []struct {
		message    string
		capability string
		aliases    []string
		expected   bool
	}{
		{message: "Unsupported tool type: web_search", capability: "web_search", expected: true},
		{message: "Invalid value for 'tools[0].type': web_search_preview", capability: "web_search", expected: true},
		{message: "google_search is not supported for this model", capability: "google_search", expected: true},
		{message: "rate limit exceeded", capability: "web_search", expected: false},
		{message: "invalid api key", capability: "web_search", expected: false},
		{message: "Invalid value for 'tool_choice': required", capability: "web_search", expected: false},
		{message: "unknown tool: code_interpreter", capability: "browser_search", expected: false},
		{message: "Search Grounding is not supported.", capability: "google_search", aliases: toolAliases["google_search"], expected: true},
	}

	for _, testCase := range testCases {
		t.Run(testCase.message, func(t *testing.T) {
			if got := isCapabilityRejection(errors.New(testCase.message), testCase.capability, testCase.aliases...); got != testCase.expected {
				t.Fatalf("expected %v, got %v", testCase.expected, got)
			}
		})
	}
}

type groqStub struct {
	mu       sync.Mutex
	requests []chatRequest
}

func (s *groqStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if r.URL.Path != "/chat/completions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"Deploy \"}}]}\n\n" +
		"data: not json\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"finished.\"}}]}\n\n" +
		"data: [DONE]\n\n"))
}

func TestGroqProviderStreamsAndReplaysHistory(t *testing.T) {
	stub := &groqStub{}
	server := httptest.NewServer(stub)
	defer server.Close()

	bridge, err := New(context.Background(), Config{
		Kind: KindHTTP,
		HTTP: HTTPConfig{
			Provider:   "groq",
			APIKey:     "test-key",
			BaseURL:    server.URL,
			HTTPClient: server.Client(),
		},
		DefaultTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	session := bridge.NewSession("call-1")
	session.record("deploy status?", "Deploying now.", "")

	result := bridge.Query(context.Background(), "and now?", QueryOptions{CallID: "call-1", Session: session, DeviceSystemPrompt: "be brief"})
	if result.Degraded || result.Text != "Deploy finished." {
		t.Fatalf("unexpected result %+v", result)
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	messages := stub.requests[0].Messages
	if len(messages) != 4 {
		t.Fatalf("expected system, history pair and prompt, got %+v", messages)
	}
	if messages[0].Role != chatRoleSystem || messages[1].Content != "deploy status?" || messages[2].Role != chatRoleAssistant || messages[3].Content != "and now?" {
		t.Fatalf("unexpected messages %+v", messages)
	}
	if !stub.requests[0].Stream {
		t.Fatalf("expected streaming request")
	}
}
