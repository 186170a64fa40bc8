package wsrpc

import (
	"fmt"
	"sync"
	"time"
)

// PendingCall is a registered waiter for a reply, keyed by request id
// within a session's PendingRegistry. Its lifecycle is: created by
// StartTracking, terminal when a reply is signaled, the await times out,
// or the owning session closes — stopTracking runs exactly once in all
// three cases.
type PendingCall struct {
	Request *Envelope

	result chan *Envelope // buffered 1: latch semantics, a signal before the first await is not lost
	done   sync.Once

	// Interrupted is a caller-visible flag for marking a wait as
	// interrupted. Nothing in this package sets it: AwaitResult takes no
	// context or other cancellation input and returns only on a reply,
	// its own timeout, or a Purge, so the flag stays false unless a
	// caller sets it.
	Interrupted bool
}

func newPendingCall(req *Envelope) *PendingCall {
	return &PendingCall{
		Request: req,
		result:  make(chan *Envelope, 1),
	}
}

// complete signals pc with env. A second call is a no-op: the registry
// guarantees at-most-one signal by removing the waiter as part of the
// first completion (see PendingRegistry.SignalResult/stopTracking).
func (pc *PendingCall) complete(env *Envelope) {
	pc.done.Do(func() {
		pc.result <- env
	})
}

// AwaitResult blocks until pc is signaled or timeout elapses. timeout==0
// means wait forever; negative timeouts are rejected. On timeout,
// AwaitResult synthesizes an ERROR envelope with a timeout cause, completes
// pc with it and returns it; it does not itself call StopTracking. A reply
// signaled after that is discarded: complete runs at most once per waiter,
// and once StopTracking has run SignalResult finds no waiter at all.
func (pc *PendingCall) AwaitResult(timeout time.Duration) (*Envelope, error) {
	if timeout < 0 {
		return nil, fmt.Errorf("wsrpc: negative timeout %s is invalid", timeout)
	}

	if timeout == 0 {
		return <-pc.result, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-pc.result:
		return env, nil
	case <-timer.C:
		timeoutErr := fmt.Errorf("wsrpc: request %s (op=%q) timed out after %s", pc.Request.ID, pc.Request.Op, timeout)
		env := NewErrorResponse(pc.Request, timeoutErr, 0)
		pc.complete(env)
		return env, nil
	}
}

// PendingRegistry is the per-session request-id -> PendingCall map on the
// client side.
type PendingRegistry struct {
	mu    sync.Mutex
	calls map[string]*PendingCall
}

// NewPendingRegistry returns an empty registry, created when a session is
// installed on a Client.
func NewPendingRegistry() *PendingRegistry {
	return &PendingRegistry{calls: make(map[string]*PendingCall)}
}

// StartTracking registers a waiter for req, which must carry a non-empty
// id. A second StartTracking for an id already being tracked fails the
// caller rather than silently replacing the first waiter.
func (r *PendingRegistry) StartTracking(req *Envelope) (*PendingCall, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("wsrpc: cannot track a request with no id (op=%q)", req.Op)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[req.ID]; exists {
		return nil, fmt.Errorf("wsrpc: request id %s is already being tracked", req.ID)
	}

	pc := newPendingCall(req)
	r.calls[req.ID] = pc
	return pc, nil
}

// SignalResult completes the waiter tracked under env.ID with env and
// removes it from the registry. If no waiter is tracked under that id
// (already timed out, already signaled, or never registered — e.g. an
// orphan reply) this is a no-op, not an error: replies can race a
// timeout or arrive after a session already closed.
func (r *PendingRegistry) SignalResult(id string, env *Envelope) {
	r.mu.Lock()
	pc, ok := r.calls[id]
	if ok {
		delete(r.calls, id)
	}
	r.mu.Unlock()

	if ok {
		pc.complete(env)
	}
}

// StopTracking removes the waiter for id unconditionally, without
// completing it. The caller of AwaitResult is responsible for calling
// this exactly once termination is known — including the timeout path,
// where AwaitResult completes pc itself but leaves the registry entry in
// place (a late reply that reaches SignalResult before StopTracking finds
// the entry, and its completion is a no-op because pc is already done).
func (r *PendingRegistry) StopTracking(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, id)
}

// Purge drops every outstanding waiter, completing each with a terminal
// "session closed" ERROR envelope so blocked callers unblock. Invoked
// once, when the owning session closes.
func (r *PendingRegistry) Purge(reason string) {
	r.mu.Lock()
	calls := r.calls
	r.calls = make(map[string]*PendingCall)
	r.mu.Unlock()

	for id, pc := range calls {
		closedErr := fmt.Errorf("wsrpc: session closed while awaiting reply to request %s: %s", id, reason)
		pc.complete(NewErrorResponse(pc.Request, closedErr, 0))
	}
}

// Len reports the number of outstanding waiters, for metrics/diagnostics.
func (r *PendingRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
