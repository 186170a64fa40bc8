package wsrpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StatusExtension supplies the implementation-provided part of a STATUS
// reply. It must not panic; if it returns an error, the status reply is
// still a success — the error is captured into the extension slot instead
// of failing the STATUS call, per the "status must be robust" rule.
type StatusExtension func(ctx context.Context) (any, error)

// StatusPayload is the body of a STATUS reply: host telemetry the core
// treats as opaque, plus whatever an implementation's StatusExtension
// contributes.
type StatusPayload struct {
	Host      HostStatus `json:"host"`
	Extension any        `json:"extension,omitempty"`
}

var statusMessageType = NewMessageType[struct{}, StatusPayload](OpStatus)
var closeAllSessionsMessageType = NewMessageType[struct{}, struct{}](OpCloseAllSessions)

// Service is the endpoint engine extended with a service-class-scoped
// session set, keep-alive, broadcast, and the built-in STATUS/
// CLOSE_ALL_SESSIONS handlers. A Service has no reply router: handleResponse
// is a no-op (spec 4.H) since a service never itself issues a call it's
// waiting on — a service that needs to call a peer does so through a
// Client held by a ServiceProxy.
type Service struct {
	Class string

	engine  *Engine
	metrics *FrameworkMetrics
	logger  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	extension StatusExtension

	// onSessionEvent, if set, is notified of session open/close so a host
	// can relay lifecycle telemetry to an external observer without the
	// core depending on how (or whether) that observer is reached.
	onSessionEvent func(event, sessionID, reason string)
}

// Session lifecycle event names passed to a WithSessionHook callback.
const (
	SessionEventOpened = "session_opened"
	SessionEventClosed = "session_closed"
)

// WithSessionHook installs a callback notified on every session open
// (reason "") and close (reason as passed to Session.Close).
func WithSessionHook(hook func(event, sessionID, reason string)) ServiceOption {
	return func(s *Service) { s.onSessionEvent = hook }
}

// ServiceOption configures a Service at construction time.
type ServiceOption func(*Service)

// WithStatusExtension installs the implementation-provided STATUS payload
// contributor. Without one, STATUS replies with a nil extension slot.
func WithStatusExtension(ext StatusExtension) ServiceOption {
	return func(s *Service) { s.extension = ext }
}

// WithServiceLogger installs a structured logger, also passed through to
// the underlying Engine.
func WithServiceLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithServiceMetrics installs the framework's Prometheus collectors, also
// passed through to the underlying Engine.
func WithServiceMetrics(m *FrameworkMetrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService builds a Service identified by class, registering STATUS and
// CLOSE_ALL_SESSIONS on handlers in addition to whatever ops the caller
// has already registered or registers afterward — handlers is used
// directly, not copied.
func NewService(class string, handlers *HandlerTable, opts ...ServiceOption) *Service {
	s := &Service{
		Class:    class,
		logger:   zap.NewNop(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}

	engineOpts := []EngineOption{WithLogger(s.logger)}
	if s.metrics != nil {
		engineOpts = append(engineOpts, WithMetrics(s.metrics))
	}
	s.engine = NewEngine(handlers, engineOpts...)

	RegisterSupplier(handlers, statusMessageType, s.handleStatus)
	RegisterHandler(handlers, closeAllSessionsMessageType, s.handleCloseAllSessions)

	DefaultKeepAliveScheduler().Register(s)

	return s
}

// Accept wraps conn in a Session tracked under s.Class, starts its receive
// loop, and removes it from tracking when it closes.
func (s *Service) Accept(id string, conn *websocket.Conn) *Session {
	sess := s.engine.Accept(id, conn)

	s.mu.Lock()
	s.sessions[id] = sess
	count := len(s.sessions)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetSessionsActive(s.Class, count)
	}
	if s.onSessionEvent != nil {
		s.onSessionEvent(SessionEventOpened, id, "")
	}

	sess.onClose(func(reason string) { s.untrack(id, reason) })
	return sess
}

func (s *Service) untrack(id, reason string) {
	s.mu.Lock()
	delete(s.sessions, id)
	count := len(s.sessions)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetSessionsActive(s.Class, count)
	}
	if s.onSessionEvent != nil {
		s.onSessionEvent(SessionEventClosed, id, reason)
	}
}

// SessionCount reports how many sessions are currently tracked.
func (s *Service) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Service) snapshot() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Send writes env to sess through this service's engine (stamping
// SentMillis as appropriate).
func (s *Service) Send(sess *Session, env *Envelope) error {
	return s.engine.Send(sess, env)
}

// Broadcast fans env out to every tracked session, independently of
// whether earlier deliveries in the fan-out failed. It returns a map of
// session id to the error encountered sending to that session (absent
// keys delivered successfully).
func (s *Service) Broadcast(env *Envelope) map[string]error {
	sessions := s.snapshot()
	results := make(map[string]error)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			if err := s.engine.Send(sess, env); err != nil {
				mu.Lock()
				results[sess.ID] = err
				mu.Unlock()
			}
		}(sess)
	}
	wg.Wait()

	return results
}

// BroadcastBatch fans a burst of envelopes out to every tracked session as
// a single batched write per session, preserving the order of envs on the
// wire for each recipient. Useful for a host that has several
// fire-and-forget updates to settle at once and wants every session to see
// them back-to-back rather than interleaved with other traffic. It returns
// a map of session id to the error that session's batch write encountered
// (absent keys delivered successfully).
func (s *Service) BroadcastBatch(envs []*Envelope) map[string]error {
	for _, env := range envs {
		if !env.IsReply() {
			env.SentMillis = stampMillis()
		}
	}

	sessions := s.snapshot()
	results := make(map[string]error)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			if err := sess.transport.sendBatch(envs); err != nil {
				mu.Lock()
				results[sess.ID] = err
				mu.Unlock()
				return
			}
			if s.metrics != nil {
				s.metrics.envelopesSent.Add(float64(len(envs)))
			}
		}(sess)
	}
	wg.Wait()

	return results
}

func (s *Service) handleStatus(ctx context.Context) (StatusPayload, error) {
	payload := StatusPayload{Host: CollectHostStatus()}

	if s.extension != nil {
		ext, err := s.safeExtension(ctx)
		if err != nil {
			payload.Extension = NewErrorDetail(err, 0)
		} else {
			payload.Extension = ext
		}
	}

	return payload, nil
}

// safeExtension insulates STATUS from a panicking extension, since a
// STATUS failure is never allowed to surface as an ERROR reply.
func (s *Service) safeExtension(ctx context.Context) (ext any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("status extension panicked", zap.Any("panic", r))
			ext, err = nil, fmt.Errorf("status extension panicked: %v", r)
		}
	}()
	return s.extension(ctx)
}

func (s *Service) handleCloseAllSessions(ctx context.Context, _ struct{}) (struct{}, error) {
	for _, sess := range s.snapshot() {
		sess.Close("service is going away")
	}
	return struct{}{}, nil
}
