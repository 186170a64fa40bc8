package wsrpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client wraps a single managed Session, builds outbound calls, and owns
// the waiters for any calls still in flight. A Client is safe for
// concurrent use by multiple goroutines issuing calls; SetSession/Close
// serialize against those calls installing/tearing down the session.
type Client struct {
	engine *Engine

	mu      sync.Mutex
	session *Session
	pending *PendingRegistry
}

// NewClient builds a Client with its own (initially empty) handler
// table, so a peer service may itself address requests back to this
// client over the same session; register handlers via c.Handlers().
func NewClient(opts ...EngineOption) *Client {
	c := &Client{pending: NewPendingRegistry()}
	allOpts := append([]EngineOption{withReplyRouter(c.handleResponse)}, opts...)
	c.engine = NewEngine(NewHandlerTable(), allOpts...)
	return c
}

// AsClient satisfies Clientish, letting NewClient's embedders (or
// NewClient itself) be passed to Connect.
func (c *Client) AsClient() *Client { return c }

func (c *Client) handleResponse(_ *Session, env *Envelope) {
	c.pending.SignalResult(env.ID, env)
}

func (c *Client) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Handlers exposes the client's handler table for registering ops a peer
// may invoke on this client over its managed session.
func (c *Client) Handlers() *HandlerTable {
	return c.engine.Handlers
}

// SetSession installs sess as the managed session, returning whatever
// session was previously installed (the caller is responsible for
// closing it if it's still open and no longer wanted). Rejects sess if
// it isn't open. Installing a new session purges any waiters left from
// the previous one.
func (c *Client) SetSession(sess *Session) (*Session, error) {
	if !sess.IsOpen() {
		return nil, fmt.Errorf("wsrpc: cannot install a session that is not open")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.session
	if prev != nil {
		c.pending.Purge("session replaced")
	}
	c.session = sess
	sess.onClose(func(reason string) {
		c.pending.Purge(reason)
	})
	return prev, nil
}

// IsOpen reports whether a session is installed and still open.
func (c *Client) IsOpen() bool {
	return c.currentSession().IsOpen()
}

// Close closes the managed session (if any) with reason, which purges
// its pending registry entries via the onClose hook installed by
// SetSession.
func (c *Client) Close(reason string) error {
	sess := c.currentSession()
	if sess == nil {
		return nil
	}
	return sess.Close(reason)
}

// SendMessage sends body as a fire-and-forget message under mt: the
// envelope carries no id and no waiter is registered.
func SendMessage[Req, Res any](c *Client, mt MessageType[Req, Res], body Req) error {
	sess := c.currentSession()
	if sess == nil || !sess.IsOpen() {
		return fmt.Errorf("wsrpc: client has no open session")
	}

	encoded, err := mt.EncodeRequest(body)
	if err != nil {
		return fmt.Errorf("wsrpc: encoding %q request: %w", mt.Name, err)
	}

	return c.engine.Send(sess, NewEnvelope(false, mt.Name, encoded))
}

// SendRequest sends body under mt and blocks until a reply arrives or
// timeout elapses (0 = wait forever). The returned Response reflects
// either the peer's reply or a synthesized timeout/session-closed error.
func SendRequest[Req, Res any](c *Client, mt MessageType[Req, Res], body Req, timeout time.Duration) (Response[Res], error) {
	var zero Response[Res]

	sess := c.currentSession()
	if sess == nil || !sess.IsOpen() {
		return zero, fmt.Errorf("wsrpc: client has no open session")
	}

	encoded, err := mt.EncodeRequest(body)
	if err != nil {
		return zero, fmt.Errorf("wsrpc: encoding %q request: %w", mt.Name, err)
	}

	env := NewEnvelope(true, mt.Name, encoded)
	pc, err := c.pending.StartTracking(env)
	if err != nil {
		return zero, err
	}

	// Registration happens-before transmit, so a reply that arrives the
	// instant after Send returns is guaranteed to find its waiter.
	if err := c.engine.Send(sess, env); err != nil {
		c.pending.StopTracking(env.ID)
		return zero, fmt.Errorf("wsrpc: sending %q request: %w", mt.Name, err)
	}

	// AwaitResult's timeout path completes pc itself but never removes it
	// from the registry (a late reply that still finds the entry completes
	// nothing, since pc is already done) — so the registry entry is only
	// cleared here, unconditionally, exactly once termination is known.
	replyEnv, err := pc.AwaitResult(timeout)
	c.pending.StopTracking(env.ID)
	if err != nil {
		return zero, err
	}
	return newResponse(replyEnv, mt.DecodeResponse), nil
}

// AsyncResult is delivered on the channel SendRequestAsync returns.
type AsyncResult[Res any] struct {
	Response Response[Res]
	Err      error
}

// SendRequestAsync behaves like SendRequest but does not block the
// caller: it returns immediately with a channel that receives exactly
// one AsyncResult once the reply arrives, the call times out, or the
// session closes.
func SendRequestAsync[Req, Res any](c *Client, mt MessageType[Req, Res], body Req, timeout time.Duration) <-chan AsyncResult[Res] {
	out := make(chan AsyncResult[Res], 1)
	go func() {
		resp, err := SendRequest(c, mt, body, timeout)
		out <- AsyncResult[Res]{Response: resp, Err: err}
	}()
	return out
}

// PingAll implements Pingable for Client: it pings the single managed
// session, if any is open.
func (c *Client) PingAll() {
	sess := c.currentSession()
	if sess == nil || !sess.IsOpen() {
		return
	}
	sess.transport.sendPing()
}

// Clientish is the constraint Connect requires: any type embedding or
// wrapping a *Client so Connect can install the dialed session onto it.
type Clientish interface {
	AsClient() *Client
}

// ClientConfig configures Connect's dial.
type ClientConfig struct {
	Dialer *websocket.Dialer
}

// Connect is the only way to obtain a client bound to a fresh session:
// it builds impl via newImpl, dials address, and installs the resulting
// session on impl.AsClient(). T is typically a struct embedding *Client
// (or *Client itself) that exposes whatever typed call methods a
// concrete service's client wraps around SendRequest/SendMessage.
func Connect[T Clientish](address string, newImpl func() T, config *ClientConfig) (T, error) {
	var zero T

	impl := newImpl()

	dialer := websocket.DefaultDialer
	if config != nil && config.Dialer != nil {
		dialer = config.Dialer
	}

	conn, _, err := dialer.Dial(address, nil)
	if err != nil {
		return zero, fmt.Errorf("wsrpc: dialing %s: %w", address, err)
	}

	sess := impl.AsClient().engine.Accept(uuid.NewString(), conn)
	if _, err := impl.AsClient().SetSession(sess); err != nil {
		sess.Close("failed to install freshly dialed session")
		return zero, err
	}

	return impl, nil
}
