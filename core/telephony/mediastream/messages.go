package mediastream

// Platform to engine events.
const (
	eventStart = "start"
	eventDTMF  = "dtmf"
	eventStop  = "stop"
	eventMark  = "mark"
)

// Engine to platform events.
const (
	eventAnswer = "answer"
	eventReject = "reject"
	eventClear  = "clear"
	eventFork   = "fork"
	eventUnfork = "unfork"
	eventHangup = "hangup"
)

type inboundMessage struct {
	Event      string `json:"event"`
	CallID     string `json:"callId,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	SDP        string `json:"sdp,omitempty"`
	Direction  string `json:"direction,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Digit      string `json:"digit,omitempty"`
	Name       string `json:"name,omitempty"`
}

type outboundMessage struct {
	Event  string `json:"event"`
	SDP    string `json:"sdp,omitempty"`
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
	URL    string `json:"url,omitempty"`
}
