package orchestration

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/theNetworkChuck/claude-phone-sub000/core/devices"
	"github.com/theNetworkChuck/claude-phone-sub000/core/telephony"
)

const offerWithVideo = "v=0\r\n" +
	"o=- 4242 1 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"m=video 40002 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n"

const offerVideoOnly = "v=0\r\n" +
	"o=- 4242 1 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=video 40002 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n"

type stubAnswerer struct {
	media     telephony.Media
	dialog    telephony.Dialog
	answerErr error

	answeredSDP string
	answered    bool
	rejectCode  int
}

func (a *stubAnswerer) Answer(_ context.Context, _ telephony.InboundCall, localSDP string) (telephony.Media, telephony.Dialog, error) {
	if a.answerErr != nil {
		return nil, nil, a.answerErr
	}
	a.answered = true
	a.answeredSDP = localSDP
	return a.media, a.dialog, nil
}

func (a *stubAnswerer) Reject(_ context.Context, _ telephony.InboundCall, code int, _ string) error {
	a.rejectCode = code
	return nil
}

func testRegistry(t *testing.T) devices.Registry {
	t.Helper()
	registry, err := devices.NewStaticRegistry(
		devices.Profile{Name: "Morpheus", DialedAddress: "9000", Greeting: "Morpheus here."},
		devices.Profile{Name: "Cephanie", DialedAddress: "9002", Greeting: "Cephanie speaking.", IsDefault: true},
	)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return registry
}

func TestGatewayAnswersWithDialedDevice(t *testing.T) {
	rig := newTestRig(says("goodbye"))
	answerer := &stubAnswerer{media: rig.media, dialog: rig.dialog}
	gateway := NewCallGateway(rig.orchestrator, testRegistry(t))

	err := gateway.HandleInbound(context.Background(), telephony.InboundCall{
		CallID: "in-1",
		From:   "sip:alice@pbx.local",
		To:     "sip:9000@pbx.local",
		SDP:    offerWithVideo,
	}, answerer)
	if err != nil {
		t.Fatalf("expected call to succeed, got %v", err)
	}

	if !strings.Contains(answerer.answeredSDP, "m=audio") || strings.Contains(answerer.answeredSDP, "m=video") {
		t.Fatalf("expected audio-only answer, got %q", answerer.answeredSDP)
	}
	expected := []string{"Morpheus here.", FarewellPrompt}
	if spoken := rig.media.Spoken(); !slices.Equal(spoken, expected) {
		t.Fatalf("expected spoken lines %q, got %q", expected, spoken)
	}
	if got := rig.media.tapStarted; !slices.Equal(got, []string{"in-1"}) {
		t.Fatalf("expected audio tap for in-1, got %q", got)
	}
}

func TestGatewayFallsBackToDefaultDevice(t *testing.T) {
	rig := newTestRig(says("bye"))
	answerer := &stubAnswerer{media: rig.media, dialog: rig.dialog}
	gateway := NewCallGateway(rig.orchestrator, testRegistry(t))

	err := gateway.HandleInbound(context.Background(), telephony.InboundCall{
		CallID: "in-2",
		To:     "sip:7777@pbx.local",
	}, answerer)
	if err != nil {
		t.Fatalf("expected call to succeed, got %v", err)
	}

	if spoken := rig.media.Spoken(); len(spoken) == 0 || spoken[0] != "Cephanie speaking." {
		t.Fatalf("expected default device greeting, got %q", spoken)
	}
}

func TestGatewayRejectsOfferWithoutAudio(t *testing.T) {
	rig := newTestRig(nil)
	answerer := &stubAnswerer{media: rig.media, dialog: rig.dialog}
	gateway := NewCallGateway(rig.orchestrator, testRegistry(t))

	err := gateway.HandleInbound(context.Background(), telephony.InboundCall{
		CallID: "in-3",
		To:     "9000",
		SDP:    offerVideoOnly,
	}, answerer)

	var rejection *telephony.RejectionError
	if !errors.As(err, &rejection) || rejection.Code != 488 {
		t.Fatalf("expected 488 rejection, got %v", err)
	}
	if answerer.answered || answerer.rejectCode != 488 {
		t.Fatalf("expected call rejected with 488 and not answered")
	}
}

func TestGatewayPropagatesAnswerRejection(t *testing.T) {
	rig := newTestRig(nil)
	answerer := &stubAnswerer{answerErr: &telephony.RejectionError{Code: 486, Reason: "Busy Here"}}
	gateway := NewCallGateway(rig.orchestrator, testRegistry(t))

	err := gateway.HandleInbound(context.Background(), telephony.InboundCall{CallID: "in-4", To: "9000"}, answerer)

	var rejection *telephony.RejectionError
	if !errors.As(err, &rejection) || rejection.Code != 486 {
		t.Fatalf("expected 486 rejection, got %v", err)
	}
	if rig.orchestrator.ActiveCalls() != 0 {
		t.Fatalf("expected no call session for a rejected call")
	}
}
