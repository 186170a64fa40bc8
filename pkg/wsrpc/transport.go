package wsrpc

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// MaxTextMessageLength is the largest serialized envelope sent as a
// single text frame. Anything larger is streamed as a continuous
// UTF-8 binary message instead. 64 KiB by design; kept as a var so a
// deployment can tune it.
var MaxTextMessageLength = 64 * 1024

const (
	writeWait = 10 * time.Second
)

// frameTransport encodes/decodes envelopes on top of a gorilla/websocket
// connection and serializes sends so that, on a single session, the
// completion of one send happens-before the next begins.
type frameTransport struct {
	conn       *websocket.Conn
	sendMu     sync.Mutex
	lastRTT    atomic.Int64 // nanoseconds; read via LastRTT, written by the PONG handler
	lastPongAt atomic.Int64 // unix millis; seeded at construction so a session fresh off Accept isn't immediately idle
}

func newFrameTransport(conn *websocket.Conn) *frameTransport {
	t := &frameTransport{conn: conn}
	t.lastPongAt.Store(time.Now().UnixMilli())
	conn.SetPongHandler(func(payload string) error {
		now := time.Now().UnixMilli()
		t.lastPongAt.Store(now)
		if sentMillis, err := strconv.ParseInt(payload, 10, 64); err == nil {
			rtt := time.Duration(now-sentMillis) * time.Millisecond
			t.lastRTT.Store(int64(rtt))
		}
		return nil
	})
	return t
}

// IdleFor reports how long it has been since the last PONG was observed
// (or since construction, if none yet).
func (t *frameTransport) IdleFor() time.Duration {
	return time.Since(time.UnixMilli(t.lastPongAt.Load()))
}

// sendPing writes a WebSocket PING frame carrying the current epoch-millis
// as its application payload, matched against on the PONG handler to
// estimate round-trip time; absence of a PONG is not treated as fatal.
func (t *frameTransport) sendPing() error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteControl(websocket.PingMessage, pingPayload(), time.Now().Add(writeWait))
}

// LastRTT reports the most recently estimated keep-alive round-trip time,
// or zero if no PONG has been observed yet.
func (t *frameTransport) LastRTT() time.Duration {
	return time.Duration(t.lastRTT.Load())
}

// send marshals env and writes it as a text frame if it fits under
// MaxTextMessageLength, or as a streamed binary message otherwise. A
// partial/failed encode never touches the connection; a write failure is
// returned to the caller, who is expected to treat the session as dead.
func (t *frameTransport) send(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wsrpc: encoding envelope: %w", err)
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if len(data) <= MaxTextMessageLength {
		return t.conn.WriteMessage(websocket.TextMessage, data)
	}

	w, err := t.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return fmt.Errorf("wsrpc: opening binary stream writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("wsrpc: streaming binary envelope: %w", err)
	}
	return w.Close()
}

// sendBatch encodes and writes several envelopes, in order, under a
// single acquisition of sendMu. Used for fire-and-forget
// broadcast/queue draining, never for a reply — replies always go
// through send so their individual completion is observable.
func (t *frameTransport) sendBatch(envs []*Envelope) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	for _, env := range envs {
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("wsrpc: encoding envelope: %w", err)
		}
		if len(data) <= MaxTextMessageLength {
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
			continue
		}
		w, err := t.conn.NextWriter(websocket.BinaryMessage)
		if err != nil {
			return fmt.Errorf("wsrpc: opening binary stream writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}

// readEnvelope reads a single WebSocket message (text or binary) and
// decodes it into an Envelope. A decode failure is returned as an
// ordinary error — it never closes the connection itself, so a caller in
// the receive loop can translate it into an error-path response.
func (t *frameTransport) readEnvelope() (*Envelope, error) {
	msgType, r, err := t.conn.NextReader()
	if err != nil {
		return nil, err
	}

	var data []byte
	switch msgType {
	case websocket.TextMessage:
		data, err = io.ReadAll(r)
	case websocket.BinaryMessage:
		data, err = io.ReadAll(r)
	default:
		return nil, fmt.Errorf("wsrpc: unexpected websocket frame type %d", msgType)
	}
	if err != nil {
		return nil, fmt.Errorf("wsrpc: reading frame: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wsrpc: decoding envelope: %w", err)
	}
	return &env, nil
}

func (t *frameTransport) close() error {
	return t.conn.Close()
}
