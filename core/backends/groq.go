package backends

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	groqDefaultBaseURL = "https://api.groq.com/openai/v1"
	groqDefaultModel   = "openai/gpt-oss-20b"

	endMessage  = "[DONE]"
	chunkPrefix = "data:"
)

// groqProvider streams OpenAI-compatible chat completions. There is no
// server-side continuation, so the session history is replayed as messages.
type groqProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func newGroqProvider(cfg HTTPConfig) (*groqProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("groq api key not configured")
	}
	p := &groqProvider{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  cfg.HTTPClient,
	}
	if p.model == "" {
		p.model = groqDefaultModel
	}
	if p.baseURL == "" {
		p.baseURL = groqDefaultBaseURL
	}
	return p, nil
}

func (p *groqProvider) toolName() string { return "browser_search" }

type chatMessage struct {
	Role    chatRole `json:"role"`
	Content string   `json:"content"`
}

type chatRole string

const (
	chatRoleSystem    chatRole = "system"
	chatRoleUser      chatRole = "user"
	chatRoleAssistant chatRole = "assistant"
)

type chatTool struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Tools    []chatTool    `json:"tools,omitempty"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func chatMessages(req request) []chatMessage {
	messages := make([]chatMessage, 0, len(req.history)*2+2)
	if req.systemPrompt != "" {
		messages = append(messages, chatMessage{Role: chatRoleSystem, Content: req.systemPrompt})
	}
	for _, exchange := range req.history {
		messages = append(messages,
			chatMessage{Role: chatRoleUser, Content: exchange.Prompt},
			chatMessage{Role: chatRoleAssistant, Content: exchange.Reply},
		)
	}
	return append(messages, chatMessage{Role: chatRoleUser, Content: req.prompt})
}

func (p *groqProvider) generate(ctx context.Context, req request, withTool bool) (reply, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("request.model", p.model),
		attribute.Bool("request.web_search", withTool),
	)

	body := chatRequest{
		Model:    p.model,
		Messages: chatMessages(req),
		Stream:   true,
	}
	if withTool {
		body.Tools = []chatTool{{Type: p.toolName()}}
	}

	requestBytes, err := json.Marshal(body)
	if err != nil {
		return reply{}, fmt.Errorf("error marshalling JSON: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(requestBytes))
	if err != nil {
		return reply{}, fmt.Errorf("error creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return reply{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		respBytes, _ := io.ReadAll(resp.Body)
		var apiErr responsesError
		if json.Unmarshal(respBytes, &apiErr) == nil && apiErr.Error.Message != "" {
			return reply{}, fmt.Errorf("groq responded %s: %s", resp.Status, apiErr.Error.Message)
		}
		return reply{}, fmt.Errorf("groq responded %s: %s", resp.Status, lastBytes(string(respBytes), 400))
	}

	var response strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		chunk := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), chunkPrefix))
		if len(chunk) == 0 {
			continue
		}
		if chunk == endMessage {
			break
		}

		var parsed chatChunk
		if err := json.Unmarshal([]byte(chunk), &parsed); err != nil {
			logger.Debug("skipping malformed stream chunk", "call_id", req.callID, "error", err)
			continue
		}
		if parsed.Error != nil && parsed.Error.Message != "" {
			return reply{}, fmt.Errorf("groq stream failed: %s", parsed.Error.Message)
		}
		if len(parsed.Choices) == 0 {
			continue
		}
		response.WriteString(parsed.Choices[0].Delta.Content)
	}
	if err := scanner.Err(); err != nil {
		return reply{}, fmt.Errorf("error reading streamed response: %w", err)
	}

	return reply{text: strings.TrimSpace(response.String())}, nil
}
