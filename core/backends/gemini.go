package backends

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

const geminiDefaultModel = "gemini-2.5-flash"

// geminiProvider has no server-side continuation; the session history is
// replayed as prior contents.
type geminiProvider struct {
	client *genai.Client
	model  string
}

func newGeminiProvider(ctx context.Context, cfg HTTPConfig) (*geminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key not configured")
	}

	clientConfig := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = geminiDefaultModel
	}
	return &geminiProvider{client: client, model: model}, nil
}

func (p *geminiProvider) toolName() string { return "google_search" }

func (p *geminiProvider) generate(ctx context.Context, req request, withTool bool) (reply, error) {
	contents := make([]*genai.Content, 0, len(req.history)*2+1)
	for _, exchange := range req.history {
		contents = append(contents,
			genai.NewContentFromText(exchange.Prompt, genai.RoleUser),
			genai.NewContentFromText(exchange.Reply, genai.RoleModel),
		)
	}
	contents = append(contents, genai.NewContentFromText(req.prompt, genai.RoleUser))

	config := &genai.GenerateContentConfig{}
	if req.systemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(req.systemPrompt, genai.RoleUser)
	}
	if withTool {
		config.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return reply{}, fmt.Errorf("gemini generate content: %w", err)
	}

	return reply{text: resp.Text()}, nil
}
