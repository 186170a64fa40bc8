package wsrpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// startTestEngine serves handlers over a single-session upgrade endpoint
// and returns the dialable ws:// URL plus a cleanup func.
func startTestEngine(t *testing.T, engine *Engine) (wsURL string, cleanup func()) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		engine.Accept("test-session", conn)
	}))

	wsURL = "ws" + strings.TrimPrefix(server.URL, "http")
	return wsURL, server.Close
}

func dialClient(t *testing.T, wsURL string) *Client {
	t.Helper()
	impl, err := Connect(wsURL, NewClient, nil)
	require.NoError(t, err)
	return impl
}

func TestEngine_EchoRequestReply(t *testing.T) {
	handlers := NewHandlerTable()
	echoType := NewMessageType[string, string]("ECHO")
	RegisterHandler(handlers, echoType, func(_ context.Context, s string) (string, error) {
		return s, nil
	})

	engine := NewEngine(handlers)
	wsURL, cleanup := startTestEngine(t, engine)
	defer cleanup()

	client := dialClient(t, wsURL)
	defer client.Close("test done")

	resp, err := SendRequest(client, echoType, "hello", 2*time.Second)
	require.NoError(t, err)
	require.True(t, resp.IsSuccessful())

	got, err := resp.GetResponse()
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestEngine_UnknownOpProducesErrorReply(t *testing.T) {
	handlers := NewHandlerTable()
	engine := NewEngine(handlers)
	wsURL, cleanup := startTestEngine(t, engine)
	defer cleanup()

	client := dialClient(t, wsURL)
	defer client.Close("test done")

	unknownType := NewMessageType[string, string]("NOT_REGISTERED")
	resp, err := SendRequest(client, unknownType, "hi", 2*time.Second)
	require.NoError(t, err)
	assert.False(t, resp.IsSuccessful())
	assert.Contains(t, resp.GetError().Error, "Unknown message type")
}

func TestEngine_HandlerErrorProducesErrorReply(t *testing.T) {
	handlers := NewHandlerTable()
	failType := NewMessageType[struct{}, struct{}]("FAIL")
	RegisterHandler(handlers, failType, func(_ context.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, assertableErr("deliberate failure")
	})

	engine := NewEngine(handlers)
	wsURL, cleanup := startTestEngine(t, engine)
	defer cleanup()

	client := dialClient(t, wsURL)
	defer client.Close("test done")

	resp, err := SendRequest(client, failType, struct{}{}, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, resp.IsSuccessful())
	assert.Equal(t, "deliberate failure", resp.GetError().Error)
}

func TestEngine_HandlerPanicProducesErrorReplyNotCrash(t *testing.T) {
	handlers := NewHandlerTable()
	panicType := NewMessageType[struct{}, struct{}]("PANIC")
	RegisterHandler(handlers, panicType, func(_ context.Context, _ struct{}) (struct{}, error) {
		panic("handler exploded")
	})

	engine := NewEngine(handlers)
	wsURL, cleanup := startTestEngine(t, engine)
	defer cleanup()

	client := dialClient(t, wsURL)
	defer client.Close("test done")

	resp, err := SendRequest(client, panicType, struct{}{}, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, resp.IsSuccessful())
	assert.Contains(t, resp.GetError().Error, "panicked")
}

func TestEngine_FireAndForgetGetsNoReply(t *testing.T) {
	handlers := NewHandlerTable()
	notifyType := NewMessageType[string, struct{}]("NOTIFY")

	received := make(chan string, 1)
	RegisterHandler(handlers, notifyType, func(_ context.Context, s string) (struct{}, error) {
		received <- s
		return struct{}{}, nil
	})

	engine := NewEngine(handlers)
	wsURL, cleanup := startTestEngine(t, engine)
	defer cleanup()

	client := dialClient(t, wsURL)
	defer client.Close("test done")

	require.NoError(t, SendMessage(client, notifyType, "fire and forget"))

	select {
	case got := <-received:
		assert.Equal(t, "fire and forget", got)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never observed the fire-and-forget message")
	}
}

func TestEngine_RequestTimesOutWithoutServerReply(t *testing.T) {
	handlers := NewHandlerTable()
	slowType := NewMessageType[struct{}, struct{}]("SLOW")
	RegisterHandler(handlers, slowType, func(ctx context.Context, _ struct{}) (struct{}, error) {
		select {
		case <-time.After(time.Minute):
		case <-ctx.Done():
		}
		return struct{}{}, nil
	})

	engine := NewEngine(handlers)
	wsURL, cleanup := startTestEngine(t, engine)
	defer cleanup()

	client := dialClient(t, wsURL)
	defer client.Close("test done")

	resp, err := SendRequest(client, slowType, struct{}{}, 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, resp.IsSuccessful())
	assert.Contains(t, resp.GetError().Error, "timed out")

	// A timed-out call must not leak its waiter: stopTracking runs exactly
	// once per call, whether it terminates by reply, timeout, or close.
	assert.Equal(t, 0, client.pending.Len(), "pending registry must be empty after a timed-out SendRequest")
}

func TestEngine_SessionCloseOnServerSidePurgesClientWaiters(t *testing.T) {
	handlers := NewHandlerTable()
	neverAnsweredType := NewMessageType[struct{}, struct{}]("NEVER_ANSWERED")
	block := make(chan struct{})
	RegisterHandler(handlers, neverAnsweredType, func(_ context.Context, _ struct{}) (struct{}, error) {
		<-block
		return struct{}{}, nil
	})

	engine := NewEngine(handlers)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		sess := engine.Accept("test-session", conn)
		go func() {
			time.Sleep(30 * time.Millisecond)
			sess.Close("server shutting down")
		}()
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := dialClient(t, wsURL)
	defer client.Close("test done")

	resp, err := SendRequest(client, neverAnsweredType, struct{}{}, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, resp.IsSuccessful())
	assert.Contains(t, resp.GetError().Error, "session closed")
}

func TestEngine_LargePayloadStreamsAsBinaryAndStillRoundTrips(t *testing.T) {
	handlers := NewHandlerTable()
	echoType := NewMessageType[string, string]("BIG_ECHO")
	RegisterHandler(handlers, echoType, func(_ context.Context, s string) (string, error) {
		return s, nil
	})

	engine := NewEngine(handlers)
	wsURL, cleanup := startTestEngine(t, engine)
	defer cleanup()

	client := dialClient(t, wsURL)
	defer client.Close("test done")

	big := strings.Repeat("x", MaxTextMessageLength+1)
	resp, err := SendRequest(client, echoType, big, 5*time.Second)
	require.NoError(t, err)
	require.True(t, resp.IsSuccessful())

	got, err := resp.GetResponse()
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestEngine_DispatchRunsConcurrentlyAcrossRequests(t *testing.T) {
	handlers := NewHandlerTable()
	blockType := NewMessageType[struct{}, struct{}]("BLOCK")
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	RegisterHandler(handlers, blockType, func(_ context.Context, _ struct{}) (struct{}, error) {
		entered <- struct{}{}
		<-release
		return struct{}{}, nil
	})

	engine := NewEngine(handlers)
	wsURL, cleanup := startTestEngine(t, engine)
	defer cleanup()

	client := dialClient(t, wsURL)
	defer client.Close("test done")

	ch1 := SendRequestAsync(client, blockType, struct{}{}, 5*time.Second)
	ch2 := SendRequestAsync(client, blockType, struct{}{}, 5*time.Second)

	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("both concurrent requests should have entered their handlers without waiting on each other")
		}
	}
	close(release)

	r1 := <-ch1
	r2 := <-ch2
	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)
}
