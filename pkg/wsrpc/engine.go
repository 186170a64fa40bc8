package wsrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ReplyRouter receives envelopes classified as replies (RESPONSE/ERROR
// with a non-empty id). Clients route these to their PendingRegistry;
// services have no outstanding calls of their own to route to and pass
// nil, which the engine treats as "ignore" per spec §4.H.
type ReplyRouter func(sess *Session, env *Envelope)

// DefaultStackDepth is how many stack frames NewErrorResponse captures
// for handler/dispatch failures when an Engine isn't configured with a
// different depth.
const DefaultStackDepth = 8

// Engine is the endpoint engine of spec §4.E: the per-session receive
// loop that dispatches inbound frames to a handler or to the reply
// router, and that never lets an error escape the loop.
type Engine struct {
	Handlers *HandlerTable

	replyRouter ReplyRouter
	logger      *zap.Logger
	metrics     *FrameworkMetrics
	stackDepth  int

	// OrphanErrors receives ERROR envelopes generated with no known
	// correlation id (decode failures before an op/id could be read, or
	// a failure while handling an inbound message that carried no id).
	// Per spec §9's open question, these have nowhere natural to route
	// on the client side; exposing the channel lets a host observe them
	// instead of them being silently dropped. Buffered and best-effort:
	// a full channel drops the orphan rather than blocking dispatch.
	OrphanErrors chan *Envelope
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine)

// WithLogger installs a structured logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics installs the framework's Prometheus collectors.
func WithMetrics(m *FrameworkMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithStackDepth overrides DefaultStackDepth for error responses
// produced by this engine.
func WithStackDepth(depth int) EngineOption {
	return func(e *Engine) { e.stackDepth = depth }
}

// withReplyRouter is unexported: only Client constructs an Engine with a
// router (Service passes none), following the explicit-composition design note
// in spec §9 rather than exposing router wiring as public API surface
// a user could get wrong.
func withReplyRouter(router ReplyRouter) EngineOption {
	return func(e *Engine) { e.replyRouter = router }
}

// NewEngine builds an Engine around handlers.
func NewEngine(handlers *HandlerTable, opts ...EngineOption) *Engine {
	e := &Engine{
		Handlers:     handlers,
		logger:       zap.NewNop(),
		stackDepth:   DefaultStackDepth,
		OrphanErrors: make(chan *Envelope, 64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Accept wraps conn in a new Session and starts its receive loop on a
// new goroutine. The returned Session is OPEN by the time Accept
// returns; closing it is the caller's responsibility (directly, or by
// letting the peer close the connection, which the receive loop detects).
func (e *Engine) Accept(id string, conn *websocket.Conn) *Session {
	sess := newSession(id, conn)
	go e.serve(sess)
	return sess
}

// Send stamps SentMillis (unless env is a reply, whose SentMillis was
// already copied from its request by NewSuccessResponse/NewErrorResponse)
// and writes env through sess's transport.
func (e *Engine) Send(sess *Session, env *Envelope) error {
	if !env.IsReply() {
		env.SentMillis = stampMillis()
	}
	if err := sess.transport.send(env); err != nil {
		if e.metrics != nil {
			e.metrics.sendErrors.Inc()
		}
		return fmt.Errorf("wsrpc: sending envelope (op=%q id=%q): %w", env.Op, env.ID, err)
	}
	if e.metrics != nil {
		e.metrics.envelopesSent.Inc()
	}
	return nil
}

// serve is the per-session receive loop. It never returns an error or
// panics out to its goroutine's caller: every failure path here produces
// either a logged line, an ERROR envelope sent to the peer, or both.
func (e *Engine) serve(sess *Session) {
	defer sess.Close("receive loop ended")

	for {
		env, err := sess.transport.readEnvelope()
		if err != nil {
			if isConnectionFault(err) {
				e.logger.Debug("session connection closed", zap.String("session", sess.ID), zap.Error(err))
				return
			}
			// Decode fault: the socket is fine, the payload wasn't.
			// The session stays open; we can't correlate this to a
			// request id, so it becomes an orphan error.
			e.logger.Warn("failed to decode inbound envelope", zap.String("session", sess.ID), zap.Error(err))
			e.emitOrphanError(sess, err)
			continue
		}

		receivedAt := time.Now().UnixMilli()
		env.ReceivedMillis = &receivedAt
		if e.metrics != nil {
			e.metrics.envelopesReceived.Inc()
		}

		e.dispatch(sess, env)
	}
}

// dispatch implements spec §4.E steps 2-7 for a single inbound envelope.
func (e *Engine) dispatch(sess *Session, env *Envelope) {
	if env.Op == "" {
		e.logger.Warn("rejecting envelope with empty op", zap.String("session", sess.ID))
		e.respondError(sess, env, errors.New("wsrpc: received an envelope with no op"))
		return
	}

	if env.IsReply() {
		if e.replyRouter != nil {
			e.replyRouter(sess, env)
		}
		// Services have no replyRouter: per spec 4.H, handleResponse is
		// a no-op there.
		return
	}

	handler, ok := e.Handlers.Lookup(env.Op)
	if !ok {
		e.respondError(sess, env, fmt.Errorf("Unknown message type %q", env.Op))
		return
	}

	// Handler invocation runs on its own goroutine so one slow/blocking
	// op can't stall dispatch of the next inbound frame; the send path
	// remains serialized through the transport's sendMu regardless of
	// how many handlers are in flight.
	go e.invokeHandler(sess, env, handler)
}

func (e *Engine) invokeHandler(sess *Session, env *Envelope, handler HandlerFunc) {
	start := time.Now()
	startMillis := start.UnixMilli()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panicked", zap.String("session", sess.ID), zap.String("op", env.Op), zap.Any("panic", r))
			e.respondError(sess, env, fmt.Errorf("handler for op %q panicked: %v", env.Op, r))
		}
	}()

	respBody, err := handler(context.Background(), env.Body)
	if e.metrics != nil {
		e.metrics.dispatchLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		e.respondError(sess, env, err)
		return
	}

	if !env.ExpectsResponse() {
		return
	}

	resp, respErr := NewSuccessResponse(env, respBody)
	if respErr != nil {
		e.respondError(sess, env, respErr)
		return
	}
	stopMillis := time.Now().UnixMilli()
	resp.StartProcessingMillis = &startMillis
	resp.StopProcessingMillis = &stopMillis

	if err := e.Send(sess, resp); err != nil {
		e.logger.Warn("failed to send response", zap.String("session", sess.ID), zap.String("op", env.Op), zap.Error(err))
	}
}

// respondError synthesizes and sends an ERROR envelope in reaction to
// request. Per spec §4.E step 7, a failure while producing/sending this
// error reply is swallowed (logged), never propagated.
func (e *Engine) respondError(sess *Session, request *Envelope, cause error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic while producing error response", zap.Any("panic", r))
		}
	}()

	if e.metrics != nil {
		e.metrics.dispatchErrors.Inc()
	}

	errEnv := NewErrorResponse(request, cause, e.stackDepth)
	if request == nil || request.ID == "" {
		e.emitOrphanError(sess, cause)
	}

	if !sess.IsOpen() {
		return
	}
	if err := e.Send(sess, errEnv); err != nil {
		e.logger.Warn("failed to send error response", zap.String("session", sess.ID), zap.Error(err))
	}
}

func (e *Engine) emitOrphanError(sess *Session, cause error) {
	env := NewErrorResponse(nil, cause, e.stackDepth)
	select {
	case e.OrphanErrors <- env:
	default:
		e.logger.Debug("orphan error channel full, dropping", zap.String("session", sess.ID))
	}
}

// isConnectionFault classifies a read error as a dead connection (peer
// went away, normal/abnormal close, or the local socket was closed) as
// opposed to a payload the engine simply failed to decode.
func isConnectionFault(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		return true
	}
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
	) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
