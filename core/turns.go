package orchestration

import (
	"slices"
	"sync"
	"time"
)

type TurnOutcome string

const (
	TurnAnswered      TurnOutcome = "answered"
	TurnTimedOut      TurnOutcome = "timeout"
	TurnClarification TurnOutcome = "clarification"
	TurnGoodbye       TurnOutcome = "goodbye"
	TurnInterrupted   TurnOutcome = "interrupted"
)

// Turn is one completed exchange of a call.
type Turn struct {
	Number     int
	Transcript string
	VoiceLine  string
	Outcome    TurnOutcome
	Degraded   bool
	EndedAt    time.Time
}

// Turns is the transcript of a call.
type Turns struct {
	mu    sync.Mutex
	turns []Turn
}

// Push adds a new turn to the stored turns
func (t *Turns) Push(turn Turn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = append(t.turns, turn)
}

func (t *Turns) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.turns)
}

// Values is an iterator that goes over all the stored turns starting from the
// earliest towards the latest
func (t *Turns) Values(yield func(Turn) bool) {
	for _, turn := range t.Snapshot() {
		if !yield(turn) {
			return
		}
	}
}

// Snapshot returns a copy of the stored turns.
func (t *Turns) Snapshot() []Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.turns)
}
