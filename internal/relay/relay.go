// Package relay republishes session and proxy lifecycle events to an
// external monitoring consumer over NATS. It is a one-way telemetry
// sink, not a message bus: nothing in this package ever subscribes, and
// nothing in pkg/wsrpc's dispatch path depends on it being reachable.
package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event is one lifecycle occurrence worth telling an external observer
// about.
type Event struct {
	Kind            string `json:"kind"`
	ServiceClass    string `json:"serviceClass,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	ProxyName       string `json:"proxyName,omitempty"`
	Reason          string `json:"reason,omitempty"`
	TimestampMillis int64  `json:"timestampMillis"`
}

const (
	EventSessionOpened        = "session_opened"
	EventSessionClosed        = "session_closed"
	EventProxyReconnectFailed = "proxy_reconnect_failed"
)

// Emitter is the interface the rest of the host codebase depends on,
// letting a relay-less deployment pass NoopEmitter without every call
// site checking for a nil *Relay.
type Emitter interface {
	Publish(Event)
}

// NoopEmitter discards every event. The default when relay.enabled is
// false in configuration.
type NoopEmitter struct{}

func (NoopEmitter) Publish(Event) {}

// Relay is a NATS-backed Emitter.
type Relay struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// Connect dials url and returns a Relay publishing under subject. Connect
// events are logged, not retried here beyond what the nats.go client's
// own reconnect options already do.
func Connect(url, subject string, logger *zap.Logger) (*Relay, error) {
	r := &Relay{subject: subject, logger: logger}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ConnectHandler(r.onConnect),
		nats.DisconnectErrHandler(r.onDisconnect),
		nats.ReconnectHandler(r.onReconnect),
		nats.ErrorHandler(r.onError),
	)
	if err != nil {
		return nil, fmt.Errorf("relay: connecting to NATS at %s: %w", url, err)
	}

	r.conn = conn
	return r, nil
}

func (r *Relay) onConnect(conn *nats.Conn) {
	r.logger.Info("relay connected to NATS", zap.String("url", conn.ConnectedUrl()))
}

func (r *Relay) onDisconnect(_ *nats.Conn, err error) {
	r.logger.Warn("relay disconnected from NATS", zap.Error(err))
}

func (r *Relay) onReconnect(conn *nats.Conn) {
	r.logger.Info("relay reconnected to NATS", zap.String("url", conn.ConnectedUrl()))
}

func (r *Relay) onError(_ *nats.Conn, _ *nats.Subscription, err error) {
	r.logger.Warn("relay NATS error", zap.Error(err))
}

// Publish best-effort publishes ev: a failure is logged, never returned,
// since losing a telemetry event must never affect the session or proxy
// whose lifecycle produced it.
func (r *Relay) Publish(ev Event) {
	ev.TimestampMillis = time.Now().UnixMilli()

	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Warn("relay failed to encode event", zap.Error(err))
		return
	}
	if err := r.conn.Publish(r.subject, data); err != nil {
		r.logger.Warn("relay failed to publish event", zap.String("kind", ev.Kind), zap.Error(err))
	}
}

// Close drains and closes the underlying NATS connection.
func (r *Relay) Close() error {
	return r.conn.Drain()
}
