package worldsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Connectivity is the owned online/offline state shared by the store, queue
// and orchestrator. Transitions are published on the bus and delivered to
// internal watchers.
type Connectivity struct {
	mu       sync.Mutex
	online   bool
	changed  time.Time
	bus      *Bus
	watchers []func(online bool)
}

// NewConnectivity creates the state with an initial value.
func NewConnectivity(online bool, bus *Bus) *Connectivity {
	return &Connectivity{online: online, bus: bus, changed: time.Now().UTC()}
}

// IsOnline returns the current state.
func (c *Connectivity) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// LastChange returns when the state last flipped.
func (c *Connectivity) LastChange() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// SetOnline records the state and reports whether it changed. Watchers and
// bus subscribers are only notified on transitions.
func (c *Connectivity) SetOnline(online bool) bool {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return false
	}
	c.online = online
	c.changed = time.Now().UTC()
	watchers := append([]func(bool){}, c.watchers...)
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(Event{Type: EventConnectivityChanged, Online: online})
	}
	for _, w := range watchers {
		w(online)
	}
	return true
}

func (c *Connectivity) watch(fn func(online bool)) {
	c.mu.Lock()
	c.watchers = append(c.watchers, fn)
	c.mu.Unlock()
}

// ============================================================================
// Monitor
// ============================================================================

// Pinger checks whether the remote service answers.
type Pinger interface {
	Health(ctx context.Context) error
}

// Monitor polls a Pinger and feeds the result into a Connectivity.
type Monitor struct {
	conn     *Connectivity
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewMonitor creates a monitor. interval defaults to 30 seconds.
func NewMonitor(conn *Connectivity, pinger Pinger, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := interval / 2
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &Monitor{conn: conn, pinger: pinger, interval: interval, timeout: timeout, logger: logger}
}

// Check probes once and updates the connectivity state. Any answer from the
// service, including a rejection, counts as online.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.pinger.Health(ctx)
	online := err == nil || !errors.Is(err, ErrRemoteUnreachable)
	if err != nil {
		m.logger.Debug("Health probe failed", zap.Error(err), zap.Bool("online", online))
	}
	if m.conn.SetOnline(online) {
		m.logger.Info("Connectivity changed", zap.Bool("online", online))
	}
	return online
}

// Start runs the probe loop until Stop is called.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go func() {
		defer close(doneCh)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-stopCh
			cancel()
		}()

		m.Check(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

// Stop ends the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	doneCh := m.doneCh
	m.mu.Unlock()
	<-doneCh
}
