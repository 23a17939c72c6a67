package contracts

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorEnvelope is the wire form of a failed request.
type ErrorEnvelope struct {
	StatusCode int              `json:"status_code"`
	ErrorCode  string           `json:"error_code"`
	Message    string           `json:"message"`
	Details    map[string]Value `json:"details,omitempty"`
	TraceID    string           `json:"trace_id"`
	Timestamp  time.Time        `json:"timestamp"`
}

// NewErrorEnvelope builds the envelope for err using the shared taxonomy.
func NewErrorEnvelope(err error, clock Clock) ErrorEnvelope {
	traceID := TraceIDOf(err)
	if traceID == "" {
		traceID = NewTraceID()
	}
	return ErrorEnvelope{
		StatusCode: HTTPStatus(err),
		ErrorCode:  string(KindOf(err)),
		Message:    err.Error(),
		TraceID:    traceID,
		Timestamp:  clock.Now(),
	}
}

// WriteError serializes the envelope for err onto w.
func WriteError(w http.ResponseWriter, err error, clock Clock) {
	env := NewErrorEnvelope(err, clock)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.StatusCode)
	_ = json.NewEncoder(w).Encode(env)
}
