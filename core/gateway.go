package orchestration

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/theNetworkChuck/claude-phone-sub000/core/devices"
	"github.com/theNetworkChuck/claude-phone-sub000/core/telephony"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// codeNotAcceptableHere is the SIP status for an offer without audio.
const codeNotAcceptableHere = 488

// CallGateway answers inbound calls and runs them on the orchestrator.
type CallGateway struct {
	orchestrator *Orchestrator
	registry     devices.Registry
}

func NewCallGateway(orchestrator *Orchestrator, registry devices.Registry) *CallGateway {
	return &CallGateway{orchestrator: orchestrator, registry: registry}
}

// HandleInbound picks the device for the dialed address, answers with an
// audio-only description and runs the call to completion.
func (g *CallGateway) HandleInbound(ctx context.Context, call telephony.InboundCall, answerer telephony.Answerer) error {
	ctx, span := tracer.Start(ctx, "handle inbound call", trace.WithAttributes(
		attribute.String("call.id", call.CallID),
		attribute.String("call.to", call.To),
	))
	defer span.End()

	device, matched := devices.Resolve(g.registry, call.To)
	if !matched {
		logger.Info("no device for dialed address, using default",
			"call_id", call.CallID, "to", call.To, "device", device.Name)
	}
	span.SetAttributes(attribute.String("call.device", device.Name))

	localSDP := call.SDP
	if call.SDP != "" {
		stripped, err := telephony.StripNonAudio(call.SDP)
		if err != nil {
			code, reason := http.StatusBadRequest, "Bad Request"
			if errors.Is(err, telephony.ErrNoAudio) {
				code, reason = codeNotAcceptableHere, "Not Acceptable Here"
			}
			if rejectErr := answerer.Reject(ctx, call, code, reason); rejectErr != nil {
				logger.Warn("failed to reject call", "call_id", call.CallID, "error", rejectErr)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "unusable session description")
			return &telephony.RejectionError{Code: code, Reason: reason}
		}
		localSDP = stripped
	}

	media, dialog, err := answerer.Answer(ctx, call, localSDP)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to answer call")
		var rejection *telephony.RejectionError
		if errors.As(err, &rejection) {
			return rejection
		}
		return fmt.Errorf("failed to answer call %s: %w", call.CallID, err)
	}

	session := g.orchestrator.NewCall(CallParams{
		CallID:    call.CallID,
		Direction: DirectionInbound,
		Device:    device,
		Media:     media,
		Dialog:    dialog,
	})
	return session.Run(ctx)
}
