package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcperr"
)

// maxBodyBytes bounds request bodies on the control surface.
const maxBodyBytes = 4 << 20

// ConnectRequest is the body of POST /connect and POST /sessions.
type ConnectRequest struct {
	Server string `json:"server"`
}

func (r *ConnectRequest) validate() error {
	r.Server = strings.TrimSpace(r.Server)
	if r.Server == "" {
		return mcperr.Session(mcperr.BadRequest, "server is required")
	}
	return nil
}

// CallRequest is the body of POST /call.
type CallRequest struct {
	SessionID string          `json:"sessionId"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	// TimeoutMs overrides the default call deadline.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

func (r *CallRequest) validate() error {
	if r.SessionID == "" {
		return mcperr.Session(mcperr.BadRequest, "sessionId is required")
	}
	if r.Method == "" {
		return mcperr.Session(mcperr.BadRequest, "method is required")
	}
	if r.TimeoutMs < 0 {
		return mcperr.Session(mcperr.BadRequest, "timeoutMs must not be negative")
	}
	return nil
}

func (r *CallRequest) timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// CallResponse is the success body of POST /call.
type CallResponse struct {
	Success bool `json:"success"`
	Result  any  `json:"result"`
}

// ConnectResponse is the success body of POST /connect and POST /sessions.
type ConnectResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
}

type validator interface{ validate() error }

// decodeRequest reads a JSON body into one of the request types. Unknown
// fields are rejected.
func decodeRequest[T any, PT interface {
	*T
	validator
}](r *http.Request) (*T, error) {
	var req T
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, mcperr.Session(mcperr.BadRequest, "request body is required")
		}
		return nil, mcperr.Session(mcperr.BadRequest, "invalid request body: %v", err)
	}
	if err := PT(&req).validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	if e, ok := mcperr.As(err); ok {
		resp.Kind = e.Code()
	}
	writeJSON(w, mcperr.HTTPStatus(err), resp)
}
