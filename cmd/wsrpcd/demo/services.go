// Package demo wires a handful of seed services exercising the core
// framework end to end: an echo/greet backend, a frontend that fronts it
// through a service proxy, and a slow op used to demonstrate timeouts.
package demo

import (
	"context"
	"fmt"
	"time"

	"wsrpc/internal/relay"
	"wsrpc/pkg/wsrpc"
)

const (
	ClassBackend  = "backend"
	ClassFrontend = "frontend"

	OpEcho  = "ECHO"
	OpGreet = "GREET"
	OpSlow  = "SLOW_ECHO"
)

var (
	echoMessageType  = wsrpc.NewMessageType[any, any](OpEcho)
	greetMessageType = wsrpc.NewMessageType[string, string](OpGreet)
	slowMessageType  = wsrpc.NewMessageType[time.Duration, string](OpSlow)
)

// NewBackendService registers ECHO, GREET, and SLOW_ECHO and returns a
// Service ready to Accept connections under ClassBackend.
func NewBackendService(metrics *wsrpc.FrameworkMetrics, emitter relay.Emitter) *wsrpc.Service {
	handlers := wsrpc.NewHandlerTable()

	wsrpc.RegisterHandler(handlers, echoMessageType, func(_ context.Context, body any) (any, error) {
		return body, nil
	})

	wsrpc.RegisterHandler(handlers, greetMessageType, func(_ context.Context, name string) (string, error) {
		return fmt.Sprintf("Hello, %s!", name), nil
	})

	// SLOW_ECHO sleeps for the requested duration before echoing a fixed
	// string back, purely to give a caller a deterministic way to trigger
	// a client-side timeout.
	wsrpc.RegisterHandler(handlers, slowMessageType, func(ctx context.Context, sleepFor time.Duration) (string, error) {
		select {
		case <-time.After(sleepFor):
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	return wsrpc.NewService(ClassBackend, handlers,
		wsrpc.WithServiceMetrics(metrics),
		wsrpc.WithSessionHook(sessionHook(ClassBackend, emitter)),
	)
}

// sessionHook adapts a relay.Emitter into the (event, sessionID, reason
// string) shape wsrpc.WithSessionHook expects, tagging every event with
// class so the external observer can tell services apart.
func sessionHook(class string, emitter relay.Emitter) func(event, sessionID, reason string) {
	return func(event, sessionID, reason string) {
		emitter.Publish(relay.Event{
			Kind:         event,
			ServiceClass: class,
			SessionID:    sessionID,
			Reason:       reason,
		})
	}
}

// BackendClient is the typed client half a frontend uses to call the
// backend service's GREET op through a ServiceProxy.
type BackendClient struct {
	*wsrpc.Client
}

// NewBackendClient satisfies the newImpl func(() T) shape Connect and
// ServiceProxy require.
func NewBackendClient() *BackendClient {
	return &BackendClient{Client: wsrpc.NewClient()}
}

// Greet calls the backend's GREET op and blocks for the reply.
func (c *BackendClient) Greet(name string, timeout time.Duration) (string, error) {
	resp, err := wsrpc.SendRequest(c.Client, greetMessageType, name, timeout)
	if err != nil {
		return "", err
	}
	if err := resp.ThrowIfError(); err != nil {
		return "", err
	}
	return resp.GetResponse()
}

// NewFrontendService registers a GREET handler that delegates to the
// backend through backendProxy, demonstrating the proxy-mediated
// frontend->backend dependency from the seed test scenarios.
func NewFrontendService(backendProxy *wsrpc.ServiceProxy[*BackendClient], metrics *wsrpc.FrameworkMetrics, emitter relay.Emitter) *wsrpc.Service {
	handlers := wsrpc.NewHandlerTable()

	wsrpc.RegisterHandler(handlers, greetMessageType, func(ctx context.Context, name string) (string, error) {
		backend, err := backendProxy.Get(ctx)
		if err != nil {
			return "", fmt.Errorf("frontend: resolving backend proxy: %w", err)
		}
		return backend.Greet(name, 5*time.Second)
	})

	return wsrpc.NewService(ClassFrontend, handlers,
		wsrpc.WithServiceMetrics(metrics),
		wsrpc.WithSessionHook(sessionHook(ClassFrontend, emitter)),
	)
}
