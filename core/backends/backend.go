// Package backends bridges a call to the language-model backend configured
// at startup.
//
// Three backend kinds exist: a CLI that streams newline-delimited JSON
// records, a CLI that writes its final answer to a file, and a hosted HTTP
// API. The kind is chosen once in [New]; everything after that goes through
// the uniform [Bridge] contract, which never returns an error to the caller.
package backends

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type Kind string

const (
	KindStreamingCLI Kind = "cli-stream"
	KindFileCLI      Kind = "cli-file"
	KindHTTP         Kind = "http"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindStreamingCLI, KindFileCLI, KindHTTP:
		return k, nil
	}
	return "", fmt.Errorf("unknown backend kind %q", s)
}

const (
	// ApologyText is spoken when the backend cannot be reached.
	ApologyText = "I'm sorry, I'm having trouble connecting to my brain right now. Please try again in a moment."
	// TimeoutText is spoken when the backend does not answer in time.
	TimeoutText = "I'm sorry, that took longer than I expected. Could you ask me again?"

	DefaultTimeout = 30 * time.Second
)

var (
	ErrConnectivity     = errors.New("backend unreachable")
	ErrTimeout          = errors.New("backend timed out")
	ErrEmptyReply       = errors.New("backend returned an empty reply")
	ErrInvalidStructure = errors.New("invalid structured output")
)

type Config struct {
	Kind           Kind
	CLI            CLIConfig
	HTTP           HTTPConfig
	DefaultTimeout time.Duration
}

type QueryOptions struct {
	CallID             string
	DeviceSystemPrompt string
	Timeout            time.Duration
	// Session carries the continuation state of a call. Nil means a
	// stateless one-shot query.
	Session *Session
}

// Result is always usable as speech: when the backend fails, Text holds an
// apology and Err the cause.
type Result struct {
	Text              string
	ContinuationToken string
	Degraded          bool
	Err               error
}

type request struct {
	callID       string
	prompt       string
	systemPrompt string
	continuation string
	history      []Exchange
}

type reply struct {
	text         string
	continuation string
}

type driver interface {
	query(ctx context.Context, req request) (reply, error)
}

type Bridge struct {
	kind           Kind
	driver         driver
	defaultTimeout time.Duration
}

// New selects the driver for cfg.Kind. This is the only place that branches
// on the backend kind.
func New(ctx context.Context, cfg Config) (*Bridge, error) {
	var (
		d   driver
		err error
	)
	switch cfg.Kind {
	case KindStreamingCLI:
		d, err = newStreamingDriver(cfg.CLI)
	case KindFileCLI:
		d, err = newFileOutputDriver(cfg.CLI)
	case KindHTTP:
		d, err = newHTTPDriver(ctx, cfg.HTTP)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to configure %s backend: %w", cfg.Kind, err)
	}

	return newBridge(cfg.Kind, d, cfg.DefaultTimeout), nil
}

func newBridge(kind Kind, d driver, defaultTimeout time.Duration) *Bridge {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Bridge{kind: kind, driver: d, defaultTimeout: defaultTimeout}
}

func (b *Bridge) Kind() Kind { return b.kind }

// NewSession creates the continuation state for one call.
func (b *Bridge) NewSession(callID string) *Session {
	return newSession(callID, b.kind)
}

func (b *Bridge) Query(ctx context.Context, prompt string, opts QueryOptions) Result {
	ctx, span := tracer.Start(ctx, "query backend", trace.WithAttributes(
		attribute.String("backend.kind", string(b.kind)),
		attribute.String("call.id", opts.CallID),
	))
	defer span.End()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session := opts.Session
	if session != nil && opts.CallID != "" && session.CallID() != opts.CallID {
		logger.Warn("ignoring backend session bound to another call",
			"call_id", opts.CallID, "session_call_id", session.CallID())
		session = nil
	}

	req := request{callID: opts.CallID, prompt: prompt, systemPrompt: opts.DeviceSystemPrompt}
	if session != nil {
		req.continuation, req.history = session.snapshot()
	}
	span.SetAttributes(attribute.Bool("backend.resumed", req.continuation != ""))

	kindAttr := metric.WithAttributes(attribute.String("backend.kind", string(b.kind)))
	queryCounter.Add(ctx, 1, kindAttr)

	started := time.Now()
	rep, err := b.driver.query(queryCtx, req)
	if err == nil && strings.TrimSpace(rep.text) == "" {
		err = ErrEmptyReply
	}
	if err != nil {
		text := ApologyText
		if errors.Is(queryCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
			text = TimeoutText
		} else {
			err = fmt.Errorf("%w: %w", ErrConnectivity, err)
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		degradedCounter.Add(ctx, 1, kindAttr)
		logger.Warn("backend query degraded", "call_id", opts.CallID, "kind", b.kind, "error", err)
		return Result{Text: text, Degraded: true, Err: err}
	}

	text := strings.TrimSpace(rep.text)
	if session != nil {
		session.record(prompt, text, rep.continuation)
	}
	logger.Debug("backend replied", "call_id", opts.CallID, "kind", b.kind,
		"elapsed", time.Since(started), "chars", len(text))

	return Result{Text: text, ContinuationToken: rep.continuation}
}
