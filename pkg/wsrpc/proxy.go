package wsrpc

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Proxy backoff defaults, per design: an initial delay, a multiplier
// applied after every failed attempt, and a bound on retries after the
// first attempt (so at most DefaultMaxRetries+1 connect attempts).
const (
	DefaultRetryInitialDelay = 50 * time.Millisecond
	DefaultRetryMultiplier   = 1.5
	DefaultMaxRetries        = 10
)

// ServiceProxy is a named, lazy handle to a client of another service. Get
// returns the cached client if its session is still open; otherwise it
// redials with exponential backoff, caching and returning the first
// success.
type ServiceProxy[T Clientish] struct {
	Name    string
	address string
	newImpl func() T
	config  *ClientConfig
	metrics *FrameworkMetrics

	initialDelay time.Duration
	multiplier   float64
	maxRetries   int

	mu        sync.Mutex
	cached    T
	hasCached bool
}

// ProxyOption configures a ServiceProxy at construction time.
type ProxyOption[T Clientish] func(*ServiceProxy[T])

// WithProxyConfig overrides the dialer used when (re)connecting.
func WithProxyConfig[T Clientish](config *ClientConfig) ProxyOption[T] {
	return func(p *ServiceProxy[T]) { p.config = config }
}

// WithProxyMetrics installs the framework's Prometheus collectors.
func WithProxyMetrics[T Clientish](m *FrameworkMetrics) ProxyOption[T] {
	return func(p *ServiceProxy[T]) { p.metrics = m }
}

// WithProxyBackoff overrides the default backoff schedule.
func WithProxyBackoff[T Clientish](initialDelay time.Duration, multiplier float64, maxRetries int) ProxyOption[T] {
	return func(p *ServiceProxy[T]) {
		p.initialDelay = initialDelay
		p.multiplier = multiplier
		p.maxRetries = maxRetries
	}
}

// NewServiceProxy builds a proxy named name that dials address to produce
// a T via newImpl (passed through to Connect) whenever its cached client
// is absent or its session has closed.
func NewServiceProxy[T Clientish](name, address string, newImpl func() T, opts ...ProxyOption[T]) *ServiceProxy[T] {
	p := &ServiceProxy[T]{
		Name:         name,
		address:      address,
		newImpl:      newImpl,
		initialDelay: DefaultRetryInitialDelay,
		multiplier:   DefaultRetryMultiplier,
		maxRetries:   DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns an open client, connecting (or reconnecting) as needed. ctx
// governs the backoff wait between attempts, not individual dial calls:
// if ctx is canceled mid-backoff, Get makes one last connect attempt and,
// only if that also fails, returns ctx.Err() as the failure cause.
//
// Concurrent callers may race to (re)connect; whichever attempt completes
// first is cached, and the loser's successfully-dialed client (if any) is
// closed rather than leaked.
func (p *ServiceProxy[T]) Get(ctx context.Context) (T, error) {
	p.mu.Lock()
	if p.hasCached && p.cached.AsClient().IsOpen() {
		cached := p.cached
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	delay := p.initialDelay
	var lastErr error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return p.connectAfterInterruption(ctx)
			}
			if p.metrics != nil {
				p.metrics.RecordProxyBackoff(delay.Seconds())
			}
			delay = time.Duration(float64(delay) * p.multiplier)
		}

		impl, err := Connect(p.address, p.newImpl, p.config)
		if p.metrics != nil {
			p.metrics.RecordProxyReconnectAttempt(err)
		}
		if err == nil {
			return p.install(impl), nil
		}
		lastErr = err
	}

	var zero T
	return zero, fmt.Errorf("wsrpc: proxy %q could not connect a %T after %d attempts: %w", p.Name, zero, p.maxRetries+1, lastErr)
}

func (p *ServiceProxy[T]) connectAfterInterruption(ctx context.Context) (T, error) {
	var zero T
	impl, err := Connect(p.address, p.newImpl, p.config)
	if p.metrics != nil {
		p.metrics.RecordProxyReconnectAttempt(err)
	}
	if err == nil {
		return p.install(impl), nil
	}
	return zero, fmt.Errorf("wsrpc: proxy %q backoff wait was canceled (%w) and the final connect attempt also failed: %w", p.Name, ctx.Err(), err)
}

// install caches impl, closing a concurrently-cached loser's session
// instead of leaking it.
func (p *ServiceProxy[T]) install(impl T) T {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hasCached && p.cached.AsClient().IsOpen() {
		impl.AsClient().Close("discarded: another connect attempt won the race")
		return p.cached
	}
	p.cached = impl
	p.hasCached = true
	return impl
}

// ProxyManager holds named service proxies. Set replaces unconditionally;
// Remove requires the caller to hold the exact proxy currently registered
// under name, so a stale holder can't evict a newer replacement.
type ProxyManager struct {
	mu      sync.Mutex
	proxies map[string]any
}

// NewProxyManager returns an empty manager.
func NewProxyManager() *ProxyManager {
	return &ProxyManager{proxies: make(map[string]any)}
}

// Set registers proxy under name, replacing whatever was registered
// there before.
func (m *ProxyManager) Set(name string, proxy any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proxies[name] = proxy
}

// Remove deletes the registration under name only if proxy is identical
// to the one currently registered, reporting whether it removed anything.
func (m *ProxyManager) Remove(name string, proxy any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.proxies[name]; ok && current == proxy {
		delete(m.proxies, name)
		return true
	}
	return false
}

// GetProxy looks up the proxy registered under name and asserts it has
// the expected client type T, failing loudly (rather than via a zero
// value or panic) on either a missing registration or a type mismatch.
func GetProxy[T Clientish](m *ProxyManager, name string) (*ServiceProxy[T], error) {
	m.mu.Lock()
	v, ok := m.proxies[name]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("wsrpc: no proxy registered under %q", name)
	}
	proxy, ok := v.(*ServiceProxy[T])
	if !ok {
		var want *ServiceProxy[T]
		return nil, fmt.Errorf("wsrpc: proxy %q is %T, expected %T", name, v, want)
	}
	return proxy, nil
}
