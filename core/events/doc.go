// Package events defines the typed call lifecycle event contract.
//
// Event kinds are grouped by receiver-facing namespaces:
//
//   - call_state.*
//   - call_turn.*
//
// call_state events
//
//   - CallStarted (call_state.started): a call session was created and owns
//     its media and dialog handles.
//   - CallStateChanged (call_state.changed): the session moved between
//     CONNECTING, GREETING, LISTENING, PROCESSING, RESPONDING, TERMINATING
//     and CLOSED.
//   - CallEnded (call_state.ended): cleanup finished; carries the reason and
//     the number of completed turns.
//
// call_turn events
//
//   - UtteranceCaptured (call_turn.utterance_captured): the capture session
//     finalized an utterance; includes the finalize reason.
//   - TranscriptFinal (call_turn.transcript_final): the utterance transcript.
//   - BackendReplied (call_turn.backend_replied): the backend answered; carries
//     the spoken voice line and whether the reply was a degraded apology.
//   - TurnCompleted (call_turn.completed): a turn finished, successfully or
//     through a re-prompt.
package events
