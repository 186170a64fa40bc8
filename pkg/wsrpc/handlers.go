package wsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// HandlerFunc is the type-erased shape every registered op is reduced to:
// a raw-encoded-body-in, encoded-body-out function. The three typed handler
// shapes (Req->Res, ()->Res, Req->(), registered by RegisterHandler,
// RegisterSupplier and RegisterConsumer) all compose down to this through
// a MessageType's codecs.
type HandlerFunc func(ctx context.Context, body json.RawMessage) (json.RawMessage, error)

// HandlerTable is a concurrency-safe, case-insensitive mapping from op
// name to handler. Storage is case-canonical (uppercased); lookup
// upper-cases its argument before indexing.
type HandlerTable struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewHandlerTable returns an empty table.
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{handlers: make(map[string]HandlerFunc)}
}

// canonicalOp upper-cases and trims an op name for case-insensitive
// storage/lookup.
func canonicalOp(op string) string {
	return strings.ToUpper(strings.TrimSpace(op))
}

// RegisterRaw installs a type-erased handler under op, overwriting any
// previous registration for the same (case-insensitive) name.
func (t *HandlerTable) RegisterRaw(op string, h HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[canonicalOp(op)] = h
}

// Lookup finds the handler registered for op, if any.
func (t *HandlerTable) Lookup(op string) (HandlerFunc, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[canonicalOp(op)]
	return h, ok
}

// RegisterHandler wires a Req->Res function under mt.Name: the inbound
// raw body is decoded via mt.DecodeRequest, fn is invoked, and its result
// is encoded via mt.EncodeResponse.
func RegisterHandler[Req, Res any](t *HandlerTable, mt MessageType[Req, Res], fn func(ctx context.Context, req Req) (Res, error)) {
	t.RegisterRaw(mt.Name, func(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
		req, err := mt.DecodeRequest(body)
		if err != nil {
			return nil, fmt.Errorf("wsrpc: decoding request for op %q: %w", mt.Name, err)
		}
		res, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return mt.EncodeResponse(res)
	})
}

// RegisterSupplier wires a ()->Res function under mt.Name: no request
// body is decoded, fn is invoked directly.
func RegisterSupplier[Res any](t *HandlerTable, mt MessageType[struct{}, Res], fn func(ctx context.Context) (Res, error)) {
	t.RegisterRaw(mt.Name, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		res, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return mt.EncodeResponse(res)
	})
}

// RegisterConsumer wires a Req->() function under mt.Name: fn's return
// produces an empty success body, used for requests that expect an
// acknowledgement but no payload, or for fire-and-forget ops a peer might
// still address by name.
func RegisterConsumer[Req any](t *HandlerTable, mt MessageType[Req, struct{}], fn func(ctx context.Context, req Req) error) {
	t.RegisterRaw(mt.Name, func(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
		req, err := mt.DecodeRequest(body)
		if err != nil {
			return nil, fmt.Errorf("wsrpc: decoding request for op %q: %w", mt.Name, err)
		}
		if err := fn(ctx, req); err != nil {
			return nil, err
		}
		return mt.EncodeResponse(struct{}{})
	})
}
