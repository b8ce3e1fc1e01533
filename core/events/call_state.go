package events

import "time"

const (
	// KindCallStarted identifies creation of a call session.
	KindCallStarted Kind = "call_state.started"
	// KindCallStateChanged identifies a state machine transition.
	KindCallStateChanged Kind = "call_state.changed"
	// KindCallEnded identifies completion of call cleanup.
	KindCallEnded Kind = "call_state.ended"
)

// CallStarted marks the creation of a call session.
type CallStarted struct {
	Base
	Direction string
	Device    string
}

// NewCallStarted creates a call started event.
func NewCallStarted(callID, direction, device string) CallStarted {
	return CallStarted{Base: NewBase(KindCallStarted, callID), Direction: direction, Device: device}
}

// CallStateChanged marks a transition of the call state machine.
type CallStateChanged struct {
	Base
	From string
	To   string
}

// NewCallStateChanged creates a call state changed event.
func NewCallStateChanged(callID, from, to string) CallStateChanged {
	return CallStateChanged{Base: NewBase(KindCallStateChanged, callID), From: from, To: to}
}

// CallEnded marks completion of cleanup for a call session.
type CallEnded struct {
	Base
	Reason   string
	Turns    int
	Duration time.Duration
}

// NewCallEnded creates a call ended event.
func NewCallEnded(callID, reason string, turns int, duration time.Duration) CallEnded {
	return CallEnded{Base: NewBase(KindCallEnded, callID), Reason: reason, Turns: turns, Duration: duration}
}
