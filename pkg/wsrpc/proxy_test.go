package wsrpc

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceProxy_GetConnectsAndCaches(t *testing.T) {
	handlers := NewHandlerTable()
	engine := NewEngine(handlers)
	wsURL, cleanup := startTestEngine(t, engine)
	defer cleanup()

	proxy := NewServiceProxy("backend", wsURL, NewClient)

	first, err := proxy.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, first.IsOpen())

	second, err := proxy.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second, "a still-open cached client must be reused, not redialed")
}

func TestServiceProxy_GetRedialsAfterCachedSessionCloses(t *testing.T) {
	handlers := NewHandlerTable()
	engine := NewEngine(handlers)
	wsURL, cleanup := startTestEngine(t, engine)
	defer cleanup()

	proxy := NewServiceProxy("backend", wsURL, NewClient)

	first, err := proxy.Get(context.Background())
	require.NoError(t, err)
	first.Close("force reconnect")

	second, err := proxy.Get(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.True(t, second.IsOpen())
}

func TestServiceProxy_GetRetriesUntilServerComesUp(t *testing.T) {
	// Reserve a port and immediately free it, so early connect attempts
	// against it fail fast with "connection refused" rather than hanging
	// on a listener that accepts but never serves.
	reserved, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := reserved.Addr().String()
	require.NoError(t, reserved.Close())

	wsURL := "ws://" + addr + "/ws"

	proxy := NewServiceProxy("backend", wsURL, NewClient,
		WithProxyBackoff[*Client](5*time.Millisecond, 1.2, 40))

	resultCh := make(chan error, 1)
	go func() {
		_, err := proxy.Get(context.Background())
		resultCh <- err
	}()

	// Give the proxy a couple of failed attempts against the now-closed
	// port before the server claims it.
	time.Sleep(30 * time.Millisecond)

	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		NewEngine(NewHandlerTable()).Accept("late", conn)
	}))
	listener, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	ts.Listener = listener
	ts.Start()
	defer ts.Close()

	select {
	case err := <-resultCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("proxy never connected once the server came up")
	}
}

func TestServiceProxy_GetFailsAfterMaxRetries(t *testing.T) {
	proxy := NewServiceProxy("backend", "ws://127.0.0.1:1/never-listens", NewClient,
		WithProxyBackoff[*Client](time.Millisecond, 1.0, 2))

	_, err := proxy.Get(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not connect")
}

func TestServiceProxy_GetPropagatesContextCancellationDuringBackoff(t *testing.T) {
	proxy := NewServiceProxy("backend", "ws://127.0.0.1:1/never-listens", NewClient,
		WithProxyBackoff[*Client](time.Second, 1.0, 10))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := proxy.Get(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServiceProxy_ConcurrentGet_AllCallersShareOneCachedClient(t *testing.T) {
	handlers := NewHandlerTable()
	engine := NewEngine(handlers)
	wsURL, cleanup := startTestEngine(t, engine)
	defer cleanup()

	proxy := NewServiceProxy("backend", wsURL, NewClient)

	const n = 10
	results := make(chan *Client, n)
	for i := 0; i < n; i++ {
		go func() {
			impl, err := proxy.Get(context.Background())
			require.NoError(t, err)
			results <- impl
		}()
	}

	first := <-results
	for i := 1; i < n; i++ {
		other := <-results
		assert.Same(t, first, other, "every concurrent Get must observe the single winning cached client")
	}
}

func TestProxyManager_SetGetRemove(t *testing.T) {
	m := NewProxyManager()
	proxy := NewServiceProxy("backend", "ws://unused", NewClient)

	m.Set("backend", proxy)

	got, err := GetProxy[*Client](m, "backend")
	require.NoError(t, err)
	assert.Same(t, proxy, got)

	assert.True(t, m.Remove("backend", proxy))
	_, err = GetProxy[*Client](m, "backend")
	assert.Error(t, err)
}

func TestProxyManager_RemoveRejectsStaleHolder(t *testing.T) {
	m := NewProxyManager()
	original := NewServiceProxy("backend", "ws://unused", NewClient)
	replacement := NewServiceProxy("backend", "ws://unused-2", NewClient)

	m.Set("backend", original)
	m.Set("backend", replacement)

	assert.False(t, m.Remove("backend", original), "a stale holder must not be able to evict the current registration")

	got, err := GetProxy[*Client](m, "backend")
	require.NoError(t, err)
	assert.Same(t, replacement, got)
}

func TestGetProxy_TypeMismatchFailsLoudly(t *testing.T) {
	m := NewProxyManager()
	m.Set("backend", NewServiceProxy("backend", "ws://unused", NewClient))

	type otherClient struct{ *Client }

	_, err := GetProxy[*otherClient](m, "backend")
	assert.Error(t, err)
}
