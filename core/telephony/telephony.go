// Package telephony is the contract between the call engine and whatever
// signaling stack and media server carry the call.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/theNetworkChuck/claude-phone-sub000/core/audio"
)

var ErrCallEnded = errors.New("call already ended")

// Media is the media-server handle of one call.
type Media interface {
	// Play blocks until the clip finished playing or ctx ends, in which case
	// playback stops as soon as possible.
	Play(ctx context.Context, clip audio.Clip) error
	// StartTap asks the media server to fork caller audio to the audio tap
	// endpoint for callID.
	StartTap(ctx context.Context, callID string) error
	Encoding() audio.EncodingInfo
	Destroy(ctx context.Context) error
}

// Dialog is the signaling handle of one call.
type Dialog interface {
	ID() string
	// OnDTMF registers a digit handler for the rest of the call and returns
	// a function removing it.
	OnDTMF(handler func(digit string)) (remove func())
	// OnTerminated registers a handler called once when the remote side
	// hangs up and returns a function removing it.
	OnTerminated(handler func()) (remove func())
	Terminated() <-chan struct{}
	// Destroy hangs up if needed and releases the dialog.
	Destroy(ctx context.Context) error
}

type InboundCall struct {
	CallID string
	From   string
	To     string
	SDP    string
}

// Answerer accepts or rejects one inbound call.
type Answerer interface {
	Answer(ctx context.Context, call InboundCall, localSDP string) (Media, Dialog, error)
	Reject(ctx context.Context, call InboundCall, code int, reason string) error
}

type DialRequest struct {
	CallID   string
	To       string
	CallerID string
	Timeout  time.Duration
}

// Dialer places outbound calls. Dial returns once the callee answered.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Media, Dialog, error)
}

// RejectionError carries a SIP-style status code for a refused call.
type RejectionError struct {
	Code   int
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("call rejected: %d %s", e.Code, e.Reason)
}
