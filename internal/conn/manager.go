// internal/conn/manager.go
package conn

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/memeclash/memeclash/internal/backoff"
	"github.com/memeclash/memeclash/internal/clock"
	"github.com/memeclash/memeclash/internal/store"
)

// Tuning constants for listener lifecycle management.
const (
	// MaxRetryAttempts bounds automatic listener recreation after delivery
	// errors; past it the listener is dropped and the caller must
	// re-subscribe to recover.
	MaxRetryAttempts = 3
	// RetryBase seeds the per-listener exponential backoff (base * 2^retry).
	RetryBase = time.Second

	// CleanupInterval is how often the background sweep runs; MaxListenerAge
	// and MaxListenerIdle bound listener lifetime and inactivity.
	CleanupInterval = 5 * time.Minute
	MaxListenerAge  = 30 * time.Minute
	MaxListenerIdle = 30 * time.Minute

	// HeartbeatInterval drives the liveness check: the manager is connected
	// while any listener delivered data within ConnectedWindow.
	HeartbeatInterval = 30 * time.Second
	ConnectedWindow   = 5 * time.Minute

	// ListenerWarnThreshold is the leak indicator; exceeding it logs a
	// warning on every heartbeat.
	ListenerWarnThreshold = 50
)

// errCallbackPanic marks a data callback that panicked; recovered panics are
// treated as retryable, exactly like transport errors.
var errCallbackPanic = errors.New("listener callback panicked")

// ErrManagerClosed is returned by Subscribe after Close.
var ErrManagerClosed = errors.New("connection manager is closed")

// Listener is the manager's bookkeeping for one live subscription.
type Listener struct {
	ID           string
	Path         string
	CreatedAt    time.Time
	LastActivity time.Time
	RetryCount   int

	unsubscribe store.UnsubscribeFunc
	onData      func([]byte)
	onError     func(error)
	retryTimer  clock.Timer
}

// Handle is returned from Subscribe: Unsubscribe tears the listener down,
// Retry forces an immediate in-place recreation.
type Handle struct {
	Unsubscribe func() bool
	Retry       func()
}

// Manager is the single point of truth for live subscriptions to remote
// paths. It dedupes listeners by id, retries failed ones with capped
// exponential backoff, garbage-collects stale ones, and derives an overall
// connection status from delivery recency.
type Manager struct {
	store  store.Store
	clock  clock.Clock
	logger *logrus.Logger

	mu        sync.Mutex
	listeners map[string]*Listener
	connected bool
	closed    bool

	sweepTicker     clock.Ticker
	heartbeatTicker clock.Ticker

	// OnStatusChange fires outside the lock whenever heartbeat liveness
	// flips. The reconnection controller hangs off this.
	OnStatusChange func(connected bool)
}

// NewManager builds a manager and starts its background sweep and heartbeat.
func NewManager(st store.Store, clk clock.Clock, logger *logrus.Logger) *Manager {
	m := &Manager{
		store:     st,
		clock:     clk,
		logger:    logger,
		listeners: make(map[string]*Listener),
		connected: true,
	}
	m.sweepTicker = clk.NewTicker(CleanupInterval, m.sweep)
	m.heartbeatTicker = clk.NewTicker(HeartbeatInterval, m.heartbeat)
	return m
}

// Subscribe registers a listener for path under listenerID. An existing
// listener with the same id is torn down first, so re-subscribing is
// idempotent. Every successful delivery refreshes the listener's activity
// and resets its retry budget.
func (m *Manager) Subscribe(ctx context.Context, listenerID, path string, onData func([]byte), onError func(error)) (Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Handle{}, ErrManagerClosed
	}
	if existing, ok := m.listeners[listenerID]; ok {
		m.teardownLocked(existing)
		delete(m.listeners, listenerID)
	}
	now := m.clock.Now()
	l := &Listener{
		ID:           listenerID,
		Path:         path,
		CreatedAt:    now,
		LastActivity: now,
		onData:       onData,
		onError:      onError,
	}
	m.listeners[listenerID] = l
	m.mu.Unlock()

	if err := m.attach(ctx, l); err != nil {
		m.mu.Lock()
		delete(m.listeners, listenerID)
		m.mu.Unlock()
		return Handle{}, err
	}

	return Handle{
		Unsubscribe: func() bool { return m.Unsubscribe(listenerID) },
		Retry:       func() { m.RetryListener(ctx, listenerID) },
	}, nil
}

// attach performs the raw store subscription for l, wiring the wrapped
// callbacks.
func (m *Manager) attach(ctx context.Context, l *Listener) error {
	unsub, err := m.store.Subscribe(ctx, l.Path,
		func(data []byte) { m.deliver(ctx, l.ID, data) },
		func(err error) { m.onDeliveryError(ctx, l.ID, err) },
	)
	if err != nil {
		return err
	}
	m.mu.Lock()
	l.unsubscribe = unsub
	m.mu.Unlock()
	return nil
}

// deliver runs the caller's data callback, treating callback panics as
// retryable delivery failures.
func (m *Manager) deliver(ctx context.Context, listenerID string, data []byte) {
	m.mu.Lock()
	l, ok := m.listeners[listenerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	l.LastActivity = m.clock.Now()
	l.RetryCount = 0
	cb := l.onData
	m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			m.logger.WithField("listener", listenerID).Warnf("data callback panicked: %v", r)
			m.onDeliveryError(ctx, listenerID, fmt.Errorf("%w: %v", errCallbackPanic, r))
		}
	}()
	cb(data)
}

// onDeliveryError surfaces the error to the caller and schedules an
// automatic retry with exponential backoff.
func (m *Manager) onDeliveryError(ctx context.Context, listenerID string, err error) {
	m.mu.Lock()
	l, ok := m.listeners[listenerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	errCb := l.onError
	m.mu.Unlock()

	m.logger.WithField("listener", listenerID).WithError(err).Warn("listener delivery error")
	if errCb != nil {
		errCb(err)
	}
	m.scheduleRetry(ctx, listenerID)
}

// scheduleRetry arms the backoff timer for an automatic in-place retry, or
// removes the listener once the retry budget is spent.
func (m *Manager) scheduleRetry(ctx context.Context, listenerID string) {
	m.mu.Lock()
	l, ok := m.listeners[listenerID]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	if l.RetryCount >= MaxRetryAttempts {
		m.teardownLocked(l)
		delete(m.listeners, listenerID)
		m.mu.Unlock()
		m.logger.WithField("listener", listenerID).Warn("listener retries exhausted, removing")
		return
	}
	delay := RetryBase
	for i := 0; i < l.RetryCount; i++ {
		delay *= 2
	}
	if l.retryTimer != nil {
		l.retryTimer.Stop()
	}
	l.retryTimer = m.clock.AfterFunc(delay, func() {
		m.RetryListener(ctx, listenerID)
	})
	m.mu.Unlock()
}

// RetryListener tears down and recreates a listener in place, incrementing
// its retry count. A recreation failure flows back into the same backoff
// path.
func (m *Manager) RetryListener(ctx context.Context, listenerID string) {
	m.mu.Lock()
	l, ok := m.listeners[listenerID]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
	if l.unsubscribe != nil {
		l.unsubscribe()
		l.unsubscribe = nil
	}
	l.RetryCount++
	attempt := l.RetryCount
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{"listener": listenerID, "attempt": attempt}).Info("retrying listener")
	if err := m.attach(ctx, l); err != nil {
		m.logger.WithField("listener", listenerID).WithError(err).Warn("listener recreation failed")
		m.scheduleRetry(ctx, listenerID)
	}
}

// Unsubscribe removes and tears down the listener; reports whether one
// existed. Teardown is synchronous: no deliveries happen after return.
func (m *Manager) Unsubscribe(listenerID string) bool {
	m.mu.Lock()
	l, ok := m.listeners[listenerID]
	if ok {
		m.teardownLocked(l)
		delete(m.listeners, listenerID)
	}
	m.mu.Unlock()
	return ok
}

// UnsubscribeByPattern bulk-removes every listener whose path matches
// pattern. The pattern is a regular expression when it compiles as one,
// otherwise a plain substring match. Used when leaving a lobby to release
// chat, state and presence paths in one call.
func (m *Manager) UnsubscribeByPattern(pattern string) int {
	var match func(string) bool
	if re, err := regexp.Compile(pattern); err == nil {
		match = re.MatchString
	} else {
		match = func(p string) bool { return strings.Contains(p, pattern) }
	}

	m.mu.Lock()
	count := 0
	for id, l := range m.listeners {
		if match(l.Path) {
			m.teardownLocked(l)
			delete(m.listeners, id)
			count++
		}
	}
	m.mu.Unlock()
	if count > 0 {
		m.logger.WithFields(logrus.Fields{"pattern": pattern, "count": count}).Info("bulk unsubscribed listeners")
	}
	return count
}

// sweep removes listeners past the age or idle bound. Long sessions would
// otherwise accumulate listeners without bound.
func (m *Manager) sweep() {
	now := m.clock.Now()
	m.mu.Lock()
	removed := 0
	for id, l := range m.listeners {
		if now.Sub(l.CreatedAt) > MaxListenerAge || now.Sub(l.LastActivity) > MaxListenerIdle {
			m.teardownLocked(l)
			delete(m.listeners, id)
			removed++
		}
	}
	m.mu.Unlock()
	if removed > 0 {
		m.logger.WithField("removed", removed).Info("cleanup sweep removed stale listeners")
	}
}

// heartbeat recomputes overall connection status from delivery recency and
// warns when the listener count looks like a leak.
func (m *Manager) heartbeat() {
	now := m.clock.Now()
	m.mu.Lock()
	alive := false
	for _, l := range m.listeners {
		if now.Sub(l.LastActivity) <= ConnectedWindow {
			alive = true
			break
		}
	}
	count := len(m.listeners)
	changed := alive != m.connected
	m.connected = alive
	cb := m.OnStatusChange
	m.mu.Unlock()

	if count > ListenerWarnThreshold {
		m.logger.WithField("count", count).Warn("active listener count exceeds threshold, possible leak")
	}
	if changed {
		if alive {
			m.logger.Info("connection heartbeat: connected")
		} else {
			m.logger.Warn("connection heartbeat: disconnected")
		}
		if cb != nil {
			cb(alive)
		}
	}
}

// Connected reports the heartbeat-derived overall status.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// ListenerCount returns the number of active listeners.
func (m *Manager) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// ListenerInfo returns a snapshot of one listener's bookkeeping, for tests
// and diagnostics.
func (m *Manager) ListenerInfo(listenerID string) (Listener, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.listeners[listenerID]; ok {
		return Listener{
			ID:           l.ID,
			Path:         l.Path,
			CreatedAt:    l.CreatedAt,
			LastActivity: l.LastActivity,
			RetryCount:   l.RetryCount,
		}, true
	}
	return Listener{}, false
}

// Close tears down every listener and stops the background tickers. Invoked
// on page unload or after an extended hidden-tab period.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id, l := range m.listeners {
		m.teardownLocked(l)
		delete(m.listeners, id)
	}
	m.mu.Unlock()
	m.sweepTicker.Stop()
	m.heartbeatTicker.Stop()
	m.logger.Info("connection manager closed")
}

// teardownLocked cancels timers and the store subscription. Caller holds the
// lock.
func (m *Manager) teardownLocked(l *Listener) {
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
	if l.unsubscribe != nil {
		l.unsubscribe()
		l.unsubscribe = nil
	}
}

// Backoff exposes the retry policy constants as a backoff.Policy, letting
// callers compute expected delays (tests rely on this to assert
// monotonicity).
func Backoff() backoff.Policy {
	return backoff.Policy{Base: RetryBase, Cap: RetryBase << MaxRetryAttempts, MaxAttempts: MaxRetryAttempts}
}
