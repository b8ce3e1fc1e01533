package events

const (
	// KindUtteranceCaptured identifies a finalized caller utterance.
	KindUtteranceCaptured Kind = "call_turn.utterance_captured"
	// KindTranscriptFinal identifies the transcript of a captured utterance.
	KindTranscriptFinal Kind = "call_turn.transcript_final"
	// KindBackendReplied identifies a backend reply for the current turn.
	KindBackendReplied Kind = "call_turn.backend_replied"
	// KindTurnCompleted identifies the end of a turn.
	KindTurnCompleted Kind = "call_turn.completed"
)

// UtteranceCaptured carries metadata about a finalized utterance.
type UtteranceCaptured struct {
	Base
	FinalizeReason string
	Bytes          int
}

// NewUtteranceCaptured creates an utterance captured event.
func NewUtteranceCaptured(callID, reason string, size int) UtteranceCaptured {
	return UtteranceCaptured{Base: NewBase(KindUtteranceCaptured, callID), FinalizeReason: reason, Bytes: size}
}

// TranscriptFinal carries the final transcript of an utterance.
type TranscriptFinal struct {
	Base
	Transcript string
}

// NewTranscriptFinal creates a transcript final event.
func NewTranscriptFinal(callID, transcript string) TranscriptFinal {
	return TranscriptFinal{Base: NewBase(KindTranscriptFinal, callID), Transcript: transcript}
}

// BackendReplied carries the spoken part of a backend reply.
type BackendReplied struct {
	Base
	VoiceLine string
	Degraded  bool
}

// NewBackendReplied creates a backend replied event.
func NewBackendReplied(callID, voiceLine string, degraded bool) BackendReplied {
	return BackendReplied{Base: NewBase(KindBackendReplied, callID), VoiceLine: voiceLine, Degraded: degraded}
}

// TurnCompleted marks the end of a turn.
type TurnCompleted struct {
	Base
	Turn    int
	Outcome string
}

// NewTurnCompleted creates a turn completed event.
func NewTurnCompleted(callID string, turn int, outcome string) TurnCompleted {
	return TurnCompleted{Base: NewBase(KindTurnCompleted, callID), Turn: turn, Outcome: outcome}
}
