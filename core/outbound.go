package orchestration

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/theNetworkChuck/claude-phone-sub000/core/devices"
	"github.com/theNetworkChuck/claude-phone-sub000/core/telephony"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Mode string

const (
	ModeAnnounce     Mode = "announce"
	ModeConversation Mode = "conversation"
)

type OutboundStatus string

const (
	StatusQueued         OutboundStatus = "queued"
	StatusDialing        OutboundStatus = "dialing"
	StatusPlaying        OutboundStatus = "playing"
	StatusInConversation OutboundStatus = "in-conversation"
	StatusCompleted      OutboundStatus = "completed"
	StatusFailed         OutboundStatus = "failed"
	StatusCancelled      OutboundStatus = "cancelled"
)

func (s OutboundStatus) IsFinal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

const (
	DefaultDialTimeout = 30 * time.Second
	minDialTimeout     = 5
	maxDialTimeout     = 120
	maxMessageLength   = 1000
	maxContextLength   = 4000
)

var (
	ErrCallNotFound = errors.New("call not found")
	ErrShuttingDown = errors.New("outbound call manager is shutting down")

	e164Pattern      = regexp.MustCompile(`^\+?[0-9]{8,15}$`)
	extensionPattern = regexp.MustCompile(`^[0-9]{2,6}$`)
)

type OutboundRequest struct {
	To             string
	Message        string
	Mode           Mode
	Device         string
	CallerID       string
	TimeoutSeconds int
	Context        string
}

// ValidationError names the request field that was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// OutboundCall is the status record of a placed call.
type OutboundCall struct {
	CallID     string
	To         string
	Mode       Mode
	Device     string
	Status     OutboundStatus
	CreatedAt  time.Time
	AnsweredAt time.Time
	EndedAt    time.Time
	Turns      int
	Error      string
}

type outboundEntry struct {
	record    OutboundCall
	cancel    context.CancelFunc
	session   *CallSession
	cancelled bool
}

// OutboundCallManager places calls in the background and keeps their status
// records for later lookup.
type OutboundCallManager struct {
	orchestrator *Orchestrator
	dialer       telephony.Dialer
	registry     devices.Registry
	callerID     string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	calls map[string]*outboundEntry
}

type OutboundOption func(*OutboundCallManager)

// WithDefaultCallerID sets the caller id used when a request has none.
func WithDefaultCallerID(callerID string) OutboundOption {
	return func(m *OutboundCallManager) { m.callerID = callerID }
}

func NewOutboundCallManager(orchestrator *Orchestrator, dialer telephony.Dialer, registry devices.Registry, opts ...OutboundOption) *OutboundCallManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &OutboundCallManager{
		orchestrator: orchestrator,
		dialer:       dialer,
		registry:     registry,
		ctx:          ctx,
		cancel:       cancel,
		calls:        map[string]*outboundEntry{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *OutboundCallManager) validate(req *OutboundRequest) (devices.Profile, error) {
	req.To = strings.TrimSpace(req.To)
	if req.To == "" {
		return devices.Profile{}, &ValidationError{Field: "to", Message: "is required"}
	}
	if !e164Pattern.MatchString(req.To) && !extensionPattern.MatchString(req.To) {
		return devices.Profile{}, &ValidationError{Field: "to", Message: "must be an E.164 number or a 2-6 digit extension"}
	}

	req.Message = strings.TrimSpace(req.Message)
	if n := utf8.RuneCountInString(req.Message); n == 0 || n > maxMessageLength {
		return devices.Profile{}, &ValidationError{Field: "message", Message: fmt.Sprintf("must be 1-%d characters", maxMessageLength)}
	}

	switch req.Mode {
	case "":
		req.Mode = ModeAnnounce
	case ModeAnnounce, ModeConversation:
	default:
		return devices.Profile{}, &ValidationError{Field: "mode", Message: `must be "announce" or "conversation"`}
	}

	switch {
	case req.TimeoutSeconds == 0:
		req.TimeoutSeconds = int(DefaultDialTimeout / time.Second)
	case req.TimeoutSeconds < minDialTimeout || req.TimeoutSeconds > maxDialTimeout:
		return devices.Profile{}, &ValidationError{Field: "timeoutSeconds", Message: fmt.Sprintf("must be between %d and %d", minDialTimeout, maxDialTimeout)}
	}

	if utf8.RuneCountInString(req.Context) > maxContextLength {
		return devices.Profile{}, &ValidationError{Field: "context", Message: fmt.Sprintf("must be at most %d characters", maxContextLength)}
	}

	if req.Device == "" {
		if m.registry == nil {
			return devices.Profile{}, nil
		}
		return m.registry.Default(), nil
	}
	if m.registry == nil {
		return devices.Profile{}, &ValidationError{Field: "device", Message: fmt.Sprintf("unknown device %q", req.Device)}
	}
	device, ok := m.registry.LookupName(req.Device)
	if !ok {
		return devices.Profile{}, &ValidationError{Field: "device", Message: fmt.Sprintf("unknown device %q", req.Device)}
	}
	return device, nil
}

// Place validates req and starts dialing in the background. The returned
// record is in the queued state.
func (m *OutboundCallManager) Place(req OutboundRequest) (OutboundCall, error) {
	device, err := m.validate(&req)
	if err != nil {
		return OutboundCall{}, err
	}
	if m.ctx.Err() != nil {
		return OutboundCall{}, ErrShuttingDown
	}

	ctx, cancel := context.WithCancel(m.ctx)
	entry := &outboundEntry{
		record: OutboundCall{
			CallID:    uuid.NewString(),
			To:        req.To,
			Mode:      req.Mode,
			Device:    device.Name,
			Status:    StatusQueued,
			CreatedAt: time.Now(),
		},
		cancel: cancel,
	}

	m.mu.Lock()
	m.calls[entry.record.CallID] = entry
	m.mu.Unlock()

	logger.Info("outbound call queued", "call_id", entry.record.CallID, "to", req.To, "mode", req.Mode, "device", device.Name)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.run(ctx, entry, req, device)
	}()

	return entry.record, nil
}

func (m *OutboundCallManager) run(ctx context.Context, entry *outboundEntry, req OutboundRequest, device devices.Profile) {
	callID := entry.record.CallID
	ctx, span := tracer.Start(ctx, "outbound call", trace.WithAttributes(
		attribute.String("call.id", callID),
		attribute.String("call.mode", string(req.Mode)),
	))
	defer span.End()

	m.setStatus(entry, StatusDialing)

	callerID := req.CallerID
	if callerID == "" {
		callerID = m.callerID
	}
	media, dialog, err := m.dialer.Dial(ctx, telephony.DialRequest{
		CallID:   callID,
		To:       req.To,
		CallerID: callerID,
		Timeout:  time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		logger.Warn("outbound call not connected", "call_id", callID, "error", err)
		m.finish(entry, err)
		return
	}

	m.mu.Lock()
	entry.record.AnsweredAt = time.Now()
	m.mu.Unlock()

	backendTimeout := time.Duration(0)
	if req.Mode == ModeConversation {
		backendTimeout = DefaultOutboundTurnTimeout
	}
	session := m.orchestrator.NewCall(CallParams{
		CallID:           callID,
		Direction:        DirectionOutbound,
		Device:           device,
		Media:            media,
		Dialog:           dialog,
		InitialMessage:   req.Message,
		EndAfterGreeting: req.Mode == ModeAnnounce,
		Context:          req.Context,
		BackendTimeout:   backendTimeout,
		OnStateChange: func(state State) {
			switch state {
			case StateGreeting:
				m.setStatus(entry, StatusPlaying)
			case StateListening:
				m.setStatus(entry, StatusInConversation)
			}
		},
	})

	m.mu.Lock()
	entry.session = session
	cancelled := entry.cancelled
	m.mu.Unlock()
	if cancelled {
		session.Hangup()
	}

	err = session.Run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "call failed")
	}

	m.mu.Lock()
	entry.record.Turns = session.Turns()
	m.mu.Unlock()
	m.finish(entry, err)
}

func (m *OutboundCallManager) setStatus(entry *outboundEntry, status OutboundStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.record.Status.IsFinal() {
		return
	}
	entry.record.Status = status
}

func (m *OutboundCallManager) finish(entry *outboundEntry, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.record.EndedAt = time.Now()
	switch {
	case entry.cancelled:
		entry.record.Status = StatusCancelled
	case err != nil:
		entry.record.Status = StatusFailed
		entry.record.Error = err.Error()
	default:
		entry.record.Status = StatusCompleted
	}
	logger.Info("outbound call finished", "call_id", entry.record.CallID, "status", entry.record.Status, "turns", entry.record.Turns)
}

// Status returns the current status record of a placed call.
func (m *OutboundCallManager) Status(callID string) (OutboundCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.calls[callID]
	if !ok {
		return OutboundCall{}, false
	}
	return entry.record, true
}

// Hangup cancels a call that is still dialing or ends it once connected.
// Hanging up a finished call does nothing.
func (m *OutboundCallManager) Hangup(callID string) error {
	m.mu.Lock()
	entry, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return ErrCallNotFound
	}
	if entry.record.Status.IsFinal() {
		m.mu.Unlock()
		return nil
	}
	entry.cancelled = true
	session := entry.session
	m.mu.Unlock()

	if session != nil {
		session.Hangup()
		return nil
	}
	entry.cancel()
	return nil
}

// Shutdown cancels every call in flight and waits for them to finish or
// for ctx to end.
func (m *OutboundCallManager) Shutdown(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
