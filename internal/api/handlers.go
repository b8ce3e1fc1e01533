package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/jinzhu/copier"
	orchestration "github.com/theNetworkChuck/claude-phone-sub000/core"
	"github.com/theNetworkChuck/claude-phone-sub000/core/backends"
	"github.com/theNetworkChuck/claude-phone-sub000/core/devices"
)

const (
	maxBodyBytes = 1 << 20
	maxTimeout   = 5 * time.Minute
)

type OutboundCalls interface {
	Place(req orchestration.OutboundRequest) (orchestration.OutboundCall, error)
	Status(callID string) (orchestration.OutboundCall, bool)
	Hangup(callID string) error
}

type QueryBackend interface {
	Query(ctx context.Context, prompt string, opts backends.QueryOptions) backends.Result
	QueryStructured(ctx context.Context, prompt string, schema *jsonschema.Schema, maxRetries int, opts backends.QueryOptions) backends.StructuredResult
}

type SessionStore interface {
	Get(callID string) *backends.Session
	End(callID string) bool
}

type Handler struct {
	// Calls is nil when outbound calling is not configured.
	Calls    OutboundCalls
	Backend  QueryBackend
	Sessions SessionStore
	Devices  devices.Registry
	// StructuredTimeout bounds /ask-structured queries. Zero uses the
	// backend default.
	StructuredTimeout time.Duration
	// ActiveCalls reports the number of live calls for the health check.
	ActiveCalls func() int
}

type placeCallRequest struct {
	To             string          `json:"to"`
	Message        string          `json:"message"`
	Mode           string          `json:"mode,omitempty"`
	Device         string          `json:"device,omitempty"`
	CallerID       string          `json:"callerId,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty"`
	Context        json.RawMessage `json:"context,omitempty"`
}

type placeCallResponse struct {
	Success bool   `json:"success"`
	CallID  string `json:"callId"`
	Status  string `json:"status"`
}

// callView is the API shape of an outbound call record.
type callView struct {
	CallID     string                       `json:"callId"`
	To         string                       `json:"to"`
	Mode       orchestration.Mode           `json:"mode"`
	Device     string                       `json:"device"`
	Status     orchestration.OutboundStatus `json:"status"`
	CreatedAt  time.Time                    `json:"createdAt"`
	AnsweredAt *time.Time                   `json:"answeredAt,omitempty" copier:"-"`
	EndedAt    *time.Time                   `json:"endedAt,omitempty" copier:"-"`
	Turns      int                          `json:"turns"`
	Error      string                       `json:"error,omitempty"`
}

type callStatusResponse struct {
	Success bool `json:"success"`
	callView
}

type queryRequest struct {
	Query   string          `json:"query"`
	Device  string          `json:"device,omitempty"`
	Context string          `json:"context,omitempty"`
	Format  string          `json:"format,omitempty"`
	Schema  json.RawMessage `json:"schema,omitempty"`
	Timeout int             `json:"timeout,omitempty"`
}

type queryResponse struct {
	Success    bool           `json:"success"`
	Response   string         `json:"response"`
	VoiceLine  string         `json:"voiceLine"`
	Structured map[string]any `json:"structured,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type askRequest struct {
	Prompt       string `json:"prompt"`
	CallID       string `json:"callId,omitempty"`
	DevicePrompt string `json:"devicePrompt,omitempty"`
}

type askResponse struct {
	Success   bool   `json:"success"`
	Response  string `json:"response"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

type askStructuredRequest struct {
	Prompt     string          `json:"prompt"`
	CallID     string          `json:"callId,omitempty"`
	Schema     json.RawMessage `json:"schema"`
	MaxRetries *int            `json:"maxRetries,omitempty"`
}

type askStructuredResponse struct {
	Success     bool           `json:"success"`
	Data        map[string]any `json:"data"`
	RawResponse string         `json:"raw_response"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
}

type endSessionRequest struct {
	CallID string `json:"callId"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type healthResponse struct {
	Status      string `json:"status"`
	ActiveCalls int    `json:"activeCalls"`
	Outbound    bool   `json:"outbound"`
}

func (h *Handler) PlaceCall(w http.ResponseWriter, r *http.Request) {
	if h.Calls == nil {
		writeError(w, http.StatusServiceUnavailable, "outbound calling is not configured")
		return
	}

	var req placeCallRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	callContext, err := contextText(req.Context)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	call, err := h.Calls.Place(orchestration.OutboundRequest{
		To:             req.To,
		Message:        req.Message,
		Mode:           orchestration.Mode(req.Mode),
		Device:         req.Device,
		CallerID:       req.CallerID,
		TimeoutSeconds: req.TimeoutSeconds,
		Context:        callContext,
	})
	var validationErr *orchestration.ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Error())
		return
	case errors.Is(err, orchestration.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		logger.Error("failed to place call", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, placeCallResponse{Success: true, CallID: call.CallID, Status: string(call.Status)})
}

func (h *Handler) CallStatus(w http.ResponseWriter, r *http.Request) {
	if h.Calls == nil {
		writeError(w, http.StatusNotFound, orchestration.ErrCallNotFound.Error())
		return
	}

	call, ok := h.Calls.Status(r.PathValue("callId"))
	if !ok {
		writeError(w, http.StatusNotFound, orchestration.ErrCallNotFound.Error())
		return
	}

	view, err := newCallView(call)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, callStatusResponse{Success: true, callView: view})
}

func (h *Handler) HangupCall(w http.ResponseWriter, r *http.Request) {
	if h.Calls == nil {
		writeError(w, http.StatusNotFound, orchestration.ErrCallNotFound.Error())
		return
	}

	err := h.Calls.Hangup(r.PathValue("callId"))
	switch {
	case errors.Is(err, orchestration.ErrCallNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	var devicePrompt string
	if req.Device != "" {
		device, ok := h.lookupDevice(req.Device)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown device %q", req.Device))
			return
		}
		devicePrompt = device.SystemPrompt
	}

	prompt := req.Query
	if c := strings.TrimSpace(req.Context); c != "" {
		prompt = "Context: " + c + "\n\n" + req.Query
	}
	opts := backends.QueryOptions{
		DeviceSystemPrompt: orchestration.VoiceSystemPrompt(devicePrompt),
		Timeout:            requestTimeout(req.Timeout),
	}

	switch req.Format {
	case "", "text":
		res := h.Backend.Query(r.Context(), prompt, opts)
		if res.Degraded {
			writeJSON(w, http.StatusInternalServerError, queryResponse{
				Response:  res.Text,
				VoiceLine: res.Text,
				Error:     degradedMessage(res),
			})
			return
		}
		writeJSON(w, http.StatusOK, queryResponse{
			Success:   true,
			Response:  res.Text,
			VoiceLine: orchestration.ExtractVoiceLine(res.Text),
		})
	case "json":
		schema, err := parseSchema(req.Schema)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		res := h.Backend.QueryStructured(r.Context(), prompt, schema, backends.DefaultMaxRetries, opts)
		resp := queryResponse{
			Success:    res.OK(),
			Response:   res.RawText,
			VoiceLine:  orchestration.ExtractVoiceLine(res.RawText),
			Structured: res.Data,
		}
		if res.ValidationErr != nil {
			resp.Error = res.ValidationErr.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeError(w, http.StatusBadRequest, `format must be "text" or "json"`)
	}
}

func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	opts := backends.QueryOptions{CallID: req.CallID, DeviceSystemPrompt: req.DevicePrompt}
	if req.CallID != "" && h.Sessions != nil {
		opts.Session = h.Sessions.Get(req.CallID)
	}

	res := h.Backend.Query(r.Context(), req.Prompt, opts)
	if res.Degraded {
		writeJSON(w, http.StatusInternalServerError, askResponse{Response: res.Text, Error: degradedMessage(res)})
		return
	}
	writeJSON(w, http.StatusOK, askResponse{Success: true, Response: res.Text, SessionID: res.ContinuationToken})
}

func (h *Handler) AskStructured(w http.ResponseWriter, r *http.Request) {
	var req askStructuredRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if len(req.Schema) == 0 {
		writeError(w, http.StatusBadRequest, "schema is required")
		return
	}
	schema, err := parseSchema(req.Schema)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	maxRetries := backends.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 || maxRetries > backends.MaxStructuredRetries {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("maxRetries must be between 0 and %d", backends.MaxStructuredRetries))
		return
	}
	opts := backends.QueryOptions{CallID: req.CallID, Timeout: h.StructuredTimeout}
	if req.CallID != "" && h.Sessions != nil {
		opts.Session = h.Sessions.Get(req.CallID)
	}

	res := h.Backend.QueryStructured(r.Context(), req.Prompt, schema, maxRetries, opts)
	resp := askStructuredResponse{
		Success:     res.OK(),
		Data:        res.Data,
		RawResponse: res.RawText,
		Attempts:    res.AttemptsUsed,
	}
	if res.ValidationErr != nil {
		resp.Error = res.ValidationErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CallID == "" {
		writeError(w, http.StatusBadRequest, "callId is required")
		return
	}
	if h.Sessions != nil {
		h.Sessions.End(req.CallID)
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Outbound: h.Calls != nil}
	if h.ActiveCalls != nil {
		resp.ActiveCalls = h.ActiveCalls()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) lookupDevice(name string) (devices.Profile, bool) {
	if h.Devices == nil {
		return devices.Profile{}, false
	}
	if device, ok := h.Devices.LookupName(name); ok {
		return device, true
	}
	return h.Devices.LookupAddress(name)
}

func newCallView(call orchestration.OutboundCall) (callView, error) {
	var view callView
	if err := copier.Copy(&view, &call); err != nil {
		return callView{}, fmt.Errorf("failed to map call record: %w", err)
	}
	if !call.AnsweredAt.IsZero() {
		answered := call.AnsweredAt
		view.AnsweredAt = &answered
	}
	if !call.EndedAt.IsZero() {
		ended := call.EndedAt
		view.EndedAt = &ended
	}
	return view, nil
}

// contextText accepts the call context either as a JSON string or as any
// JSON value, which is passed on in compact form.
func contextText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fmt.Errorf("invalid context: %w", err)
	}
	compact, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("invalid context: %w", err)
	}
	return string(compact), nil
}

func parseSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &schema, nil
}

func requestTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return min(time.Duration(seconds)*time.Second, maxTimeout)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// degradedMessage describes why the backend answered with a fallback line.
func degradedMessage(res backends.Result) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	return "backend unavailable"
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Success: false, Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
