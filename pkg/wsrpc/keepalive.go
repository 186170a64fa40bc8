package wsrpc

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPingFrequency is how often the keep-alive scheduler pings a
// tracked session.
const DefaultPingFrequency = 30 * time.Second

// Pingable is anything the keep-alive scheduler can ping: a Service's
// tracked session set and a Client's lone session both qualify.
type Pingable interface {
	// PingAll sends a PING frame to every session currently tracked,
	// logging (not failing) any individual send error.
	PingAll()
}

// KeepAliveScheduler is the process-wide keep-alive daemon: one ticker
// shared by every registered Pingable, rather than one goroutine per
// service class. It is started lazily on first registration and is safe
// to Stop and later reuse via a fresh Register call, which restarts it.
type KeepAliveScheduler struct {
	mu        sync.Mutex
	frequency time.Duration
	targets   map[Pingable]struct{}
	stop      chan struct{}
	running   bool
	logger    *zap.Logger
}

var defaultScheduler = NewKeepAliveScheduler(DefaultPingFrequency)

// DefaultKeepAliveScheduler returns the process-wide singleton daemon
// Services register with by default; it is initialized at package load
// with DefaultPingFrequency.
func DefaultKeepAliveScheduler() *KeepAliveScheduler {
	return defaultScheduler
}

// NewKeepAliveScheduler builds a scheduler pinging every registered
// target every frequency. Most callers want DefaultKeepAliveScheduler;
// a distinct instance is useful in tests that want a faster tick without
// perturbing other tests sharing the singleton.
func NewKeepAliveScheduler(frequency time.Duration) *KeepAliveScheduler {
	return &KeepAliveScheduler{
		frequency: frequency,
		targets:   make(map[Pingable]struct{}),
		logger:    zap.NewNop(),
	}
}

// SetLogger installs a structured logger for scheduler-level diagnostics.
func (k *KeepAliveScheduler) SetLogger(logger *zap.Logger) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.logger = logger
}

// Register adds target to the ping rotation, starting the scheduler's
// ticker goroutine if this is the first registered target.
func (k *KeepAliveScheduler) Register(target Pingable) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.targets[target] = struct{}{}
	if !k.running {
		k.stop = make(chan struct{})
		k.running = true
		go k.run(k.stop)
	}
}

// Unregister removes target from the rotation. The ticker keeps running
// (with zero targets, each tick is a no-op) so a subsequent Register
// doesn't race Stop.
func (k *KeepAliveScheduler) Unregister(target Pingable) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.targets, target)
}

// Stop halts the ticker goroutine. Safe to call when not running.
func (k *KeepAliveScheduler) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.running {
		return
	}
	close(k.stop)
	k.running = false
}

func (k *KeepAliveScheduler) run(stop chan struct{}) {
	ticker := time.NewTicker(k.frequency)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			k.tick()
		}
	}
}

func (k *KeepAliveScheduler) tick() {
	k.mu.Lock()
	targets := make([]Pingable, 0, len(k.targets))
	for t := range k.targets {
		targets = append(targets, t)
	}
	k.mu.Unlock()

	for _, t := range targets {
		t.PingAll()
	}
}

// idleSessionMultiplier bounds how long a session may go without a PONG
// before the keep-alive tick treats it as dead rather than merely slow.
const idleSessionMultiplier = 2

// PingAll implements Pingable for Service: it pings every tracked session,
// logging individual send failures without affecting the others. Before
// pinging, it reaps any session that hasn't produced a PONG within
// idleSessionMultiplier*DefaultPingFrequency — a peer that stopped
// answering keep-alives is indistinguishable from a dead connection, and
// left untracked it would otherwise sit in the session map forever.
func (s *Service) PingAll() {
	for _, sess := range s.snapshot() {
		if !sess.IsOpen() {
			continue
		}
		if sess.transport.IdleFor() > idleSessionMultiplier*DefaultPingFrequency {
			s.logger.Debug("reaping idle session", zap.String("session", sess.ID))
			sess.Close("keep-alive: no pong received within the idle window")
			continue
		}
		if err := sess.transport.sendPing(); err != nil {
			s.logger.Debug("keep-alive ping failed", zap.String("session", sess.ID), zap.Error(err))
		}
	}
}
