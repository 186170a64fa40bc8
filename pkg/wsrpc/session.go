package wsrpc

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// sessionState tracks where a Session sits in the state machine described
// in spec §4.E: NEW -> OPEN -> (CLOSING) -> CLOSED.
type sessionState int32

const (
	sessionNew sessionState = iota
	sessionOpen
	sessionClosing
	sessionClosed
)

// Session wraps one WebSocket connection. It is exclusively owned by one
// Client or one Service-side endpoint at a time; the owner is responsible
// for eventually calling Close.
type Session struct {
	ID string

	transport *frameTransport
	state     atomic.Int32

	closeOnce  sync.Once
	closeHooks []func(reason string)
	hooksMu    sync.Mutex
}

func newSession(id string, conn *websocket.Conn) *Session {
	s := &Session{ID: id, transport: newFrameTransport(conn)}
	s.state.Store(int32(sessionOpen))
	return s
}

// IsOpen reports whether the session can still accept sends.
func (s *Session) IsOpen() bool {
	return s != nil && sessionState(s.state.Load()) == sessionOpen
}

// onClose registers a hook invoked exactly once when the session
// transitions to CLOSED, after the underlying connection is closed.
// Client and Service use this to purge per-session state (pending registry
// entries, service session-set membership) regardless of who initiated the
// close.
func (s *Session) onClose(hook func(reason string)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.closeHooks = append(s.closeHooks, hook)
}

// Close transitions the session to CLOSING then CLOSED, closes the
// underlying connection, and runs every registered close hook exactly
// once. Calling Close on an already-closing/closed session is a no-op.
func (s *Session) Close(reason string) error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.state.Store(int32(sessionClosing))
		closeErr = s.transport.close()
		s.state.Store(int32(sessionClosed))

		s.hooksMu.Lock()
		hooks := s.closeHooks
		s.hooksMu.Unlock()

		for _, h := range hooks {
			h(reason)
		}
	})
	return closeErr
}
