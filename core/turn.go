package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/theNetworkChuck/claude-phone-sub000/core/audio"
	"github.com/theNetworkChuck/claude-phone-sub000/core/backends"
	"github.com/theNetworkChuck/claude-phone-sub000/core/capture"
	"github.com/theNetworkChuck/claude-phone-sub000/core/events"
	"github.com/theNetworkChuck/claude-phone-sub000/core/speechtotext"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// runTurn listens for one utterance and answers it. Expected failures, such
// as silence, bad transcripts or a degraded backend, are answered with a
// prompt and reported through the turn outcome.
func (c *CallSession) runTurn(ctx context.Context) (Turn, error) {
	ctx, span := tracer.Start(ctx, "turn", trace.WithAttributes(
		attribute.String("call.id", c.id),
		attribute.Int("call.turn", c.Turns()+1),
	))
	defer span.End()

	c.mu.Lock()
	tap := c.capture
	c.mu.Unlock()
	if tap == nil {
		return Turn{}, errors.New("audio tap not connected")
	}

	c.setState(StateListening)
	encoding := c.media.Encoding()
	c.play(ctx, audio.ReadyCue(encoding))

	if err := tap.EnableCapture(); err != nil {
		return Turn{}, fmt.Errorf("failed to enable capture: %w", err)
	}
	utterance, err := tap.NextUtterance(ctx, c.o.captureTimeout)
	_ = tap.DisableCapture()

	switch {
	case !c.isActive(ctx):
		return Turn{Outcome: TurnInterrupted}, nil
	case errors.Is(err, capture.ErrNoUtterance):
		c.speak(ctx, TimeoutPrompt, true)
		return Turn{Outcome: TurnTimedOut, VoiceLine: TimeoutPrompt}, nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture failed")
		return Turn{}, fmt.Errorf("failed to capture utterance: %w", err)
	}

	span.SetAttributes(attribute.String("utterance.finalize_reason", string(utterance.FinalizeReason)))
	c.o.emit(events.NewUtteranceCaptured(c.id, string(utterance.FinalizeReason), len(utterance.Audio)))
	c.play(ctx, audio.GotItCue(encoding))

	c.setState(StateProcessing)
	transcript, err := c.transcribe(ctx, utterance)
	if !c.isActive(ctx) {
		return Turn{Outcome: TurnInterrupted}, nil
	}
	if err != nil || len([]rune(transcript)) < minTranscriptLength {
		if err != nil {
			logger.Warn("transcription failed", "call_id", c.id, "error", err)
		}
		c.speak(ctx, ClarificationPrompt, true)
		return Turn{Transcript: transcript, VoiceLine: ClarificationPrompt, Outcome: TurnClarification}, nil
	}
	c.o.emit(events.NewTranscriptFinal(c.id, transcript))
	logger.Info("caller said", "call_id", c.id, "transcript", transcript)

	if IsGoodbye(transcript) {
		return Turn{Transcript: transcript, VoiceLine: FarewellPrompt, Outcome: TurnGoodbye}, nil
	}

	result := c.think(ctx, transcript)
	if !c.isActive(ctx) {
		return Turn{Transcript: transcript, Outcome: TurnInterrupted}, nil
	}

	voiceLine := result.Text
	if !result.Degraded {
		voiceLine = ExtractVoiceLine(result.Text)
	}
	if voiceLine == "" {
		voiceLine = backends.ApologyText
	}
	c.o.emit(events.NewBackendReplied(c.id, voiceLine, result.Degraded))

	c.setState(StateResponding)
	c.speak(ctx, voiceLine, false)
	return Turn{Transcript: transcript, VoiceLine: voiceLine, Outcome: TurnAnswered, Degraded: result.Degraded}, nil
}

func (c *CallSession) transcribe(ctx context.Context, utterance capture.Utterance) (string, error) {
	if c.o.speechToText == nil {
		return "", errors.New("no speech-to-text client configured")
	}

	ctx, span := tracer.Start(ctx, "transcribe utterance", trace.WithAttributes(attribute.Int("utterance.bytes", len(utterance.Audio))))
	defer span.End()

	opts := []speechtotext.TranscriptionOption{speechtotext.WithEncodingInfo(utterance.Encoding)}
	if c.device.Name != "" {
		opts = append(opts, speechtotext.WithKeywords(c.device.Name))
	}
	transcript, err := c.o.speechToText.Transcribe(ctx, utterance.Audio, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		return "", err
	}
	return strings.TrimSpace(transcript), nil
}

// think queries the backend while a filler line and hold music keep the
// caller company.
func (c *CallSession) think(ctx context.Context, transcript string) backends.Result {
	c.speak(ctx, pickFiller(c.o.fillers), true)

	hold := startBackgroundTask(ctx, "hold music", c.playHoldMusic)

	prompt := transcript
	if c.pendingContext != "" {
		prompt = c.pendingContext + "\n\nThe person you called said: " + transcript
		c.pendingContext = ""
	}

	var result backends.Result
	if c.o.backend == nil {
		result = backends.Result{Text: backends.ApologyText, Degraded: true, Err: errors.New("no backend configured")}
	} else {
		result = c.o.backend.Query(ctx, prompt, backends.QueryOptions{
			CallID:             c.id,
			DeviceSystemPrompt: VoiceSystemPrompt(c.device.SystemPrompt),
			Timeout:            c.backendTimeout,
			Session:            c.backendSession,
		})
	}

	if err := hold.Stop(); err != nil {
		logger.Debug("hold music stopped with error", "call_id", c.id, "error", err)
	}
	if result.Err != nil {
		logger.Warn("backend reply degraded", "call_id", c.id, "error", result.Err)
	}
	return result
}

func (c *CallSession) playHoldMusic(ctx context.Context) error {
	clip := c.o.holdClip(c.media.Encoding())
	for c.isActive(ctx) {
		if err := c.media.Play(ctx, clip); err != nil {
			return err
		}
	}
	return ctx.Err()
}
