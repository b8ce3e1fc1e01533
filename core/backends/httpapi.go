package backends

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type HTTPConfig struct {
	// Provider is "openai", "gemini" or "groq".
	Provider string
	APIKey   string
	Model    string
	// BaseURL overrides the provider endpoint.
	BaseURL string
	// WebSearch offers the provider's web search tool on every query.
	WebSearch  bool
	HTTPClient *http.Client
}

type provider interface {
	generate(ctx context.Context, req request, withTool bool) (reply, error)
	// toolName is the capability name providers use when rejecting it.
	toolName() string
}

// httpDriver adapts a hosted provider. When the provider rejects the web
// search tool, the query is retried exactly once without it.
type httpDriver struct {
	provider  provider
	webSearch bool
}

func newHTTPDriver(ctx context.Context, cfg HTTPConfig) (*httpDriver, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	var (
		p   provider
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		p, err = newOpenAIProvider(cfg)
	case "gemini":
		p, err = newGeminiProvider(ctx, cfg)
	case "groq":
		p, err = newGroqProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown http provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	return &httpDriver{provider: p, webSearch: cfg.WebSearch}, nil
}

func (d *httpDriver) query(ctx context.Context, req request) (reply, error) {
	rep, err := d.provider.generate(ctx, req, d.webSearch)
	if err != nil && d.webSearch && ctx.Err() == nil && isCapabilityRejection(err, d.provider.toolName(), toolAliases[d.provider.toolName()]...) {
		logger.Warn("provider rejected web search tool, retrying without it",
			"call_id", req.callID, "error", err)
		return d.provider.generate(ctx, req, false)
	}
	return rep, err
}

var complaintPattern = regexp.MustCompile(`(?i)\b(unsupported|not supported|invalid|unknown|unrecognized)\b`)

// toolAliases lists other names a provider uses for a tool in its errors.
var toolAliases = map[string][]string{
	"google_search": {"googlesearch", "search grounding"},
}

// isCapabilityRejection reports whether err complains about the named
// capability rather than about the request in general.
func isCapabilityRejection(err error, capability string, aliases ...string) bool {
	msg := strings.ToLower(err.Error())
	if !complaintPattern.MatchString(msg) {
		return false
	}
	for _, name := range append([]string{capability}, aliases...) {
		if name != "" && strings.Contains(msg, strings.ToLower(name)) {
			return true
		}
	}
	return false
}
