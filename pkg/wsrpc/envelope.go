// Package wsrpc implements a bidirectional request/response messaging
// framework layered over WebSocket: services expose named operations,
// clients invoke them synchronously, asynchronously, or fire-and-forget,
// and services may themselves depend on other services through a
// retrying proxy.
package wsrpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reserved op names. User-registered ops must not collide with these,
// case-insensitively.
const (
	OpResponse           = "RESPONSE"
	OpError              = "ERROR"
	OpStatus             = "STATUS"
	OpCloseAllSessions   = "CLOSE_ALL_SESSIONS"
	OpDependencyUpdated  = "DEPENDENCY_UPDATED"
)

// Envelope is the wire message exchanged on every WebSocket frame: an id
// for correlation, an op selecting a handler or reserved behavior, an
// opaque already-encoded body, and timing marks stamped by the transport
// layer. Envelope is immutable after it is handed to a transport for
// sending; callers that need to mutate timing marks do so before send.
type Envelope struct {
	ID   string          `json:"id,omitempty"`
	Op   string          `json:"op"`
	Body json.RawMessage `json:"body,omitempty"`

	SentMillis            *int64 `json:"sentMillis,omitempty"`
	ReceivedMillis        *int64 `json:"receivedMillis,omitempty"`
	StartProcessingMillis *int64 `json:"startProcessingMillis,omitempty"`
	StopProcessingMillis  *int64 `json:"stopProcessingMillis,omitempty"`
}

// IsReply reports whether e is a RESPONSE or ERROR envelope correlated to
// an earlier request.
func (e *Envelope) IsReply() bool {
	return e != nil && e.ID != "" && (e.Op == OpResponse || e.Op == OpError)
}

// ExpectsResponse reports whether e is a request that wants a reply: it
// carries an id and is not itself a reply.
func (e *Envelope) ExpectsResponse() bool {
	return e != nil && e.ID != "" && !e.IsReply()
}

// NewEnvelope mints a new envelope for op with the given body. If
// expectsResponse is true a fresh globally-unique id is generated;
// fire-and-forget messages are created with expectsResponse=false and
// carry no id.
func NewEnvelope(expectsResponse bool, op string, body json.RawMessage) *Envelope {
	e := &Envelope{Op: op, Body: body}
	if expectsResponse {
		e.ID = uuid.NewString()
	}
	return e
}

// NewSuccessResponse builds the RESPONSE envelope for a request that
// expected one. It copies the request's id so the caller's pending
// registry can route it back, and also copies the request's SentMillis:
// on a reply, SentMillis means "the original request's send time", not
// "when this reply was sent" — an intentional overload preserved from the
// framework this was modeled on, because the caller needs the request's
// send time to compute round-trip latency. Returns an error if request
// did not expect a response.
func NewSuccessResponse(request *Envelope, body json.RawMessage) (*Envelope, error) {
	if !request.ExpectsResponse() {
		return nil, fmt.Errorf("wsrpc: cannot create a success response for a request (op=%q) that did not expect one", request.Op)
	}
	return &Envelope{
		ID:         request.ID,
		Op:         OpResponse,
		Body:       body,
		SentMillis: request.SentMillis,
	}, nil
}

// NewErrorResponse builds the ERROR envelope carrying the serialized
// detail of err. When request is non-nil its id and SentMillis are copied
// onto the result, with the same "request's send time" meaning of
// SentMillis as on NewSuccessResponse. request may be nil (e.g. when the
// triggering request could not be decoded) — in that case the resulting
// envelope has no id and is an orphan error, not a reply.
// stackDepth caps the number of stack frames embedded in the error
// detail: 0 means none, a positive number truncates, a negative number
// means "unbounded / verbatim".
func NewErrorResponse(request *Envelope, err error, stackDepth int) *Envelope {
	detail := NewErrorDetail(err, stackDepth)
	body, marshalErr := json.Marshal(detail)
	if marshalErr != nil {
		// Should not happen for ErrorDetail, but never let a marshal
		// failure here escalate into a panic in the error path itself.
		body = json.RawMessage(`{"error":"failed to encode error detail"}`)
	}

	env := &Envelope{Op: OpError, Body: body}
	if request != nil {
		env.ID = request.ID
		env.SentMillis = request.SentMillis
	}
	return env
}

// stampMillis returns a pointer to the current epoch-millisecond
// timestamp, suitable for one of the Envelope timing fields.
func stampMillis() *int64 {
	ms := time.Now().UnixMilli()
	return &ms
}

// durationMillis returns b-a in milliseconds, or (0, false) if either
// mark is absent.
func durationMillis(a, b *int64) (int64, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	return *b - *a, true
}
