package backends

import (
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
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	openAIDefaultModel   = "gpt-4.1-mini"
)

// openAIProvider talks to the Responses API. Conversations continue through
// previous_response_id.
type openAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func newOpenAIProvider(cfg HTTPConfig) (*openAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key not configured")
	}
	p := &openAIProvider{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  cfg.HTTPClient,
	}
	if p.model == "" {
		p.model = openAIDefaultModel
	}
	if p.baseURL == "" {
		p.baseURL = openAIDefaultBaseURL
	}
	return p, nil
}

func (p *openAIProvider) toolName() string { return "web_search" }

type responsesTool struct {
	Type string `json:"type"`
}

type responsesRequest struct {
	Model              string          `json:"model"`
	Input              string          `json:"input"`
	Instructions       string          `json:"instructions,omitempty"`
	PreviousResponseID string          `json:"previous_response_id,omitempty"`
	Tools              []responsesTool `json:"tools,omitempty"`
}

type responsesResponse struct {
	ID     string `json:"id"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type responsesError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Param   string `json:"param"`
	} `json:"error"`
}

func (p *openAIProvider) generate(ctx context.Context, req request, withTool bool) (reply, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("request.model", p.model),
		attribute.Bool("request.web_search", withTool),
	)

	body := responsesRequest{
		Model:              p.model,
		Input:              req.prompt,
		Instructions:       req.systemPrompt,
		PreviousResponseID: req.continuation,
	}
	if withTool {
		body.Tools = []responsesTool{{Type: p.toolName()}}
	}

	requestBytes, err := json.Marshal(body)
	if err != nil {
		return reply{}, fmt.Errorf("error marshalling JSON: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/responses", bytes.NewReader(requestBytes))
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

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return reply{}, fmt.Errorf("error reading response body: %w", err)
	}
	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		var apiErr responsesError
		if json.Unmarshal(respBytes, &apiErr) == nil && apiErr.Error.Message != "" {
			return reply{}, fmt.Errorf("openai responded %s: %s", resp.Status, apiErr.Error.Message)
		}
		return reply{}, fmt.Errorf("openai responded %s: %s", resp.Status, lastBytes(string(respBytes), 400))
	}

	var parsed responsesResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return reply{}, fmt.Errorf("error unmarshalling response: %w", err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return reply{}, fmt.Errorf("openai response failed: %s", parsed.Error.Message)
	}

	return reply{text: parseResponsesOutput(parsed), continuation: parsed.ID}, nil
}

func parseResponsesOutput(resp responsesResponse) string {
	var parts []string
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" && c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
