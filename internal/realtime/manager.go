package realtime

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/edgewatt/tibberlink/internal/api"
)

const (
	defaultWatchdogGrace     = 60 * time.Second
	defaultWatchdogPoll      = 5 * time.Second
	defaultLivenessWindow    = 60 * time.Second
	defaultReconnectCooldown = 60 * time.Second

	// invalidLoginBackoff is deliberately flat: only an external token
	// refresh can fix a rejected login, so quadratic growth buys nothing.
	invalidLoginBackoff = 30 * time.Second
)

// ErrSessionActive is returned by Reconfigure when the subscription endpoint
// cannot be swapped because a session is established.
var ErrSessionActive = errors.New("subscription session active, endpoint unchanged")

// State describes the connection lifecycle. It is always derived from the
// transport, never stored, so it cannot go stale.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// Subscriber is a resource consuming a live feed. The manager reconnects it
// after session loss and consults it for health.
type Subscriber interface {
	// ID identifies the resource across reconnects.
	ID() string
	// RealTimeConsumption reports the eligibility tri-state: the value and
	// whether it is known at all.
	RealTimeConsumption() (enabled, known bool)
	// RealTimeRunning reports whether the feed is consumed and recently
	// alive.
	RealTimeRunning() bool
	// ResubscribeRealTime re-establishes the feed after a reconnect.
	ResubscribeRealTime(ctx context.Context) error
	// UnsubscribeRealTime stops the feed.
	UnsubscribeRealTime()
}

// Manager owns at most one Transport, keeps the set of subscribers and runs
// the watchdog that replaces dead sessions.
type Manager struct {
	token     string
	userAgent string
	logger    *logrus.Logger

	watchdogGrace     time.Duration
	watchdogPoll      time.Duration
	livenessWindow    time.Duration
	reconnectCooldown time.Duration

	liveness *LivenessIndex

	mu             sync.Mutex
	endpoint       string
	transport      *Transport
	subscribers    []Subscriber
	watchdogCancel context.CancelFunc
	watchdogDone   chan struct{}
}

// NewManager creates a Manager. The subscription endpoint is not known until
// the viewer info has been fetched, so it arrives later via Reconfigure.
func NewManager(token, userAgent string, logger *logrus.Logger) *Manager {
	return &Manager{
		token:             token,
		userAgent:         userAgent,
		logger:            logger,
		watchdogGrace:     defaultWatchdogGrace,
		watchdogPoll:      defaultWatchdogPoll,
		livenessWindow:    defaultLivenessWindow,
		reconnectCooldown: defaultReconnectCooldown,
		liveness:          NewLivenessIndex(),
	}
}

// Liveness returns the per-resource last-seen index. Subscribers touch it on
// every delivered message.
func (m *Manager) Liveness() *LivenessIndex { return m.liveness }

// LivenessWindow returns how recently a resource must have received data to
// count as alive.
func (m *Manager) LivenessWindow() time.Duration { return m.livenessWindow }

// State derives the lifecycle state from the transport.
func (m *Manager) State() State {
	m.mu.Lock()
	transport := m.transport
	m.mu.Unlock()

	if transport == nil {
		return StateDisconnected
	}
	if transport.Running() {
		return StateConnected
	}
	return StateConnecting
}

// AddSubscriber registers a resource for the live feed. Returns false when
// the resource is already registered or known to be ineligible.
func (m *Manager) AddSubscriber(s Subscriber) bool {
	if enabled, known := s.RealTimeConsumption(); known && !enabled {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.subscribers {
		if existing.ID() == s.ID() {
			return false
		}
	}
	m.subscribers = append(m.subscribers, s)
	return true
}

// Reconfigure binds the subscription endpoint. The binding can only change
// while disconnected; rebinding to the same endpoint is a no-op.
func (m *Manager) Reconfigure(endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if endpoint == m.endpoint {
		return nil
	}
	if m.transport != nil {
		return ErrSessionActive
	}
	m.endpoint = endpoint
	return nil
}

// Connect establishes the websocket session. Concurrent callers collapse
// into a single handshake; a call on a connected manager is a no-op. The
// watchdog starts on the first success.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transport != nil && m.transport.Running() {
		return nil
	}
	if m.transport == nil {
		if m.endpoint == "" {
			return api.ErrEndpointMissing
		}
		m.transport = NewTransport(m.endpoint, m.token, m.userAgent, m.logger)
	}
	if err := m.transport.Connect(ctx); err != nil {
		return err
	}

	if m.watchdogDone == nil {
		m.logger.Debug("Starting watchdog")
		wctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		m.watchdogCancel = cancel
		m.watchdogDone = done
		go m.watchdog(wctx, done)
	}
	return nil
}

// Disconnect stops the watchdog, unsubscribes every resource and releases
// the transport. Safe to call when already disconnected.
func (m *Manager) Disconnect() {
	m.logger.Debug("Stopping subscription manager")

	m.mu.Lock()
	cancel := m.watchdogCancel
	done := m.watchdogDone
	m.watchdogCancel = nil
	m.watchdogDone = nil
	m.mu.Unlock()

	if cancel != nil {
		m.logger.Debug("Stopping watchdog")
		cancel()
		<-done
	}

	for _, s := range m.subscribersSnapshot() {
		s.UnsubscribeRealTime()
	}

	m.mu.Lock()
	transport := m.transport
	m.transport = nil
	m.mu.Unlock()
	if transport != nil {
		if err := transport.Close(); err != nil {
			m.logger.WithError(err).Debug("Error closing transport")
		}
	}
}

// Subscribe opens a feed on the current session.
func (m *Manager) Subscribe(ctx context.Context, query string) (*Subscription, error) {
	m.mu.Lock()
	transport := m.transport
	m.mu.Unlock()
	if transport == nil {
		return nil, ErrNotConnected
	}
	return transport.Subscribe(ctx, query)
}

// Unsubscribe retires a feed on the current session.
func (m *Manager) Unsubscribe(id int) error {
	m.mu.Lock()
	transport := m.transport
	m.mu.Unlock()
	if transport == nil {
		return nil
	}
	return transport.Unsubscribe(id)
}

func (m *Manager) subscribersSnapshot() []Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	subscribers := make([]Subscriber, len(m.subscribers))
	copy(subscribers, m.subscribers)
	return subscribers
}

// watchdog replaces dead sessions. It sleeps through an initial grace so a
// fresh connection has time to produce data, then polls.
func (m *Manager) watchdog(ctx context.Context, done chan struct{}) {
	defer close(done)

	if !sleepCtx(ctx, m.watchdogGrace) {
		return
	}

	retryCount := 0
	nextLivenessCheck := time.Now()

	for {
		if !sleepCtx(ctx, m.watchdogPoll) {
			m.logger.Debug("Watchdog: stopping")
			return
		}

		if m.healthy(&nextLivenessCheck) {
			retryCount = 0
			continue
		}

		m.mu.Lock()
		transport := m.transport
		m.mu.Unlock()
		if transport != nil {
			transport.ExpireReconnectAt()
			m.logger.Error("Watchdog: connection is down")
			if err := transport.Close(); err != nil {
				m.logger.WithError(err).Error("Error in watchdog close")
			}
		}

		if ctx.Err() != nil {
			m.logger.Debug("Watchdog: stopping")
			return
		}

		if err := m.reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			var delay time.Duration
			if errors.Is(err, api.ErrInvalidLogin) {
				delay = invalidLoginBackoff
			} else {
				delay = reconnectBackoff(retryCount)
			}
			retryCount++
			m.logger.WithError(err).WithFields(logrus.Fields{
				"delay_seconds": delay.Seconds(),
				"retry_count":   retryCount,
			}).Error("Error in watchdog connect, retrying")
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		retryCount = 0
		m.logger.Debug("Watchdog: reconnected successfully")
		if !sleepCtx(ctx, m.reconnectCooldown) {
			return
		}
	}
}

// healthy reports whether the session needs no intervention. The transport
// must be running; on top of that, at most once per liveness window, every
// eligible subscriber must have received data recently.
func (m *Manager) healthy(nextLivenessCheck *time.Time) bool {
	m.mu.Lock()
	transport := m.transport
	m.mu.Unlock()
	if transport == nil || !transport.Running() {
		return false
	}

	now := time.Now()
	if now.Before(*nextLivenessCheck) {
		return true
	}
	*nextLivenessCheck = now.Add(m.livenessWindow)

	for _, s := range m.subscribersSnapshot() {
		enabled, known := s.RealTimeConsumption()
		m.logger.WithFields(logrus.Fields{
			"resource_id": s.ID(),
			"eligible":    !known || enabled,
		}).Debug("Watchdog: checking feed")
		if known && !enabled {
			continue
		}
		if !s.RealTimeRunning() {
			m.logger.WithField("resource_id", s.ID()).Warn("Watchdog: feed is not alive")
			return false
		}
	}
	return true
}

// reconnect dials a fresh session and re-establishes every feed.
func (m *Manager) reconnect(ctx context.Context) error {
	m.mu.Lock()
	transport := m.transport
	if transport == nil {
		if m.endpoint == "" {
			m.mu.Unlock()
			return api.ErrEndpointMissing
		}
		transport = NewTransport(m.endpoint, m.token, m.userAgent, m.logger)
		m.transport = transport
	}
	m.mu.Unlock()

	if err := transport.Connect(ctx); err != nil {
		return err
	}
	return m.resubscribeAll(ctx)
}

func (m *Manager) resubscribeAll(ctx context.Context) error {
	m.logger.Debug("Resubscribing all feeds")
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range m.subscribersSnapshot() {
		s := s
		g.Go(func() error {
			return s.ResubscribeRealTime(ctx)
		})
	}
	return g.Wait()
}

// reconnectBackoff grows quadratically with the retry count on top of a
// random base so simultaneous clients spread out, capped at five minutes.
func reconnectBackoff(retryCount int) time.Duration {
	seconds := math.Min(1+rand.Float64()*29+float64(retryCount*retryCount), 300)
	return time.Duration(seconds * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
