package mediastream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/theNetworkChuck/claude-phone-sub000/core/telephony"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ErrNoAnswer = errors.New("no answer")

const defaultDialTimeout = 30 * time.Second

// Dialer originates calls through the media platform's webhook and hands
// back the media stream the platform opens once the callee answers.
type Dialer struct {
	server       *Server
	originateURL string
	client       *http.Client
}

type DialerOption func(*Dialer)

func WithHTTPClient(client *http.Client) DialerOption {
	return func(d *Dialer) { d.client = client }
}

func NewDialer(server *Server, originateURL string, opts ...DialerOption) *Dialer {
	d := &Dialer{
		server:       server,
		originateURL: originateURL,
		client:       &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type originateRequest struct {
	CallID         string `json:"callId"`
	To             string `json:"to"`
	CallerID       string `json:"callerId,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

func (d *Dialer) Dial(ctx context.Context, req telephony.DialRequest) (telephony.Media, telephony.Dialog, error) {
	ctx, span := tracer.Start(ctx, "dial")
	defer span.End()
	span.SetAttributes(attribute.String("call.id", req.CallID))

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	streams, cancelAwait, err := d.server.await(req.CallID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to await media stream")
		return nil, nil, err
	}
	defer cancelAwait()

	if err := d.originate(ctx, req, timeout); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to originate call")
		return nil, nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case conn := <-streams:
		return mediaHandle{c: conn}, dialogHandle{c: conn}, nil
	case <-timer.C:
		span.SetStatus(codes.Error, "no answer")
		return nil, nil, ErrNoAnswer
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (d *Dialer) originate(ctx context.Context, req telephony.DialRequest, timeout time.Duration) error {
	body, err := json.Marshal(originateRequest{
		CallID:         req.CallID,
		To:             req.To,
		CallerID:       req.CallerID,
		TimeoutSeconds: int(timeout / time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to encode originate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.originateURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create originate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to originate call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &telephony.RejectionError{Code: resp.StatusCode, Reason: string(bytes.TrimSpace(reason))}
	}
	return nil
}
