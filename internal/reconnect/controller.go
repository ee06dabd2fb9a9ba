// internal/reconnect/controller.go
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/memeclash/memeclash/internal/clock"
)

// State is the controller's connection state.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
)

// Defaults per the session policy: up to five automatic attempts, three
// seconds apart. Manual triggers reset the budget.
const (
	DefaultMaxAttempts = 5
	DefaultInterval    = 3 * time.Second
)

// Snapshot is the client-local reconnection state handed to the UI layer.
type Snapshot struct {
	IsConnected        bool
	IsReconnecting     bool
	ReconnectAttempts  int
	LastConnectionTime time.Time
	ConnectionError    error
}

// Controller recovers session continuity after a detected connection loss.
// It distinguishes "transient, still a lobby member" from "evicted, must
// rejoin": on each attempt it first checks membership and only falls back to
// an idempotent rejoin when the check fails.
type Controller struct {
	clock  clock.Clock
	logger *logrus.Logger

	// CheckMembership returns nil while the player is still a member of the
	// lobby. Rejoin performs an idempotent join, succeeding even if the
	// player never actually left.
	CheckMembership func(ctx context.Context) error
	Rejoin          func(ctx context.Context) error

	// Notify surfaces user-visible connection events (toast-equivalent).
	// Breadcrumb records structured observability events. Both are optional
	// collaborator calls, not part of the core contract.
	Notify     func(event, message string)
	Breadcrumb func(event string, fields map[string]interface{})

	MaxAttempts int
	Interval    time.Duration

	mu         sync.Mutex
	state      State
	attempts   int
	lastOnline time.Time
	lastErr    error
	online     bool
	retryTimer clock.Timer
}

// NewController returns a controller in the initial connected state.
func NewController(clk clock.Clock, logger *logrus.Logger) *Controller {
	return &Controller{
		clock:       clk,
		logger:      logger,
		MaxAttempts: DefaultMaxAttempts,
		Interval:    DefaultInterval,
		state:       StateConnected,
		online:      true,
		lastOnline:  clk.Now(),
	}
}

// HandleConnectionLoss transitions connected -> disconnected and starts the
// automatic reconnection path. Safe to call repeatedly; a loss reported
// while already reconnecting is ignored.
func (c *Controller) HandleConnectionLoss(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Warn("connection lost")
	c.emit("connection_lost", "Connection lost. Reconnecting...")
	c.crumb("connection_lost", nil)
	c.tryReconnect(ctx)
}

// TriggerReconnection is the user-initiated override: it zeroes the attempt
// budget, cancels any pending backoff timer and retries immediately.
func (c *Controller) TriggerReconnection(ctx context.Context) {
	c.mu.Lock()
	c.attempts = 0
	c.stopTimerLocked()
	if c.state == StateConnected {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	c.tryReconnect(ctx)
}

// ResetConnectionState hard-resets to the initial connected state with zero
// attempts. Used after a successful fresh mount.
func (c *Controller) ResetConnectionState() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.state = StateConnected
	c.attempts = 0
	c.lastErr = nil
	c.lastOnline = c.clock.Now()
	c.mu.Unlock()
}

// SetOnline feeds the browser online/offline signal. Going offline forces
// disconnected and cancels pending work; coming back online resets the
// attempt budget and retries immediately.
func (c *Controller) SetOnline(ctx context.Context, online bool) {
	c.mu.Lock()
	was := c.online
	c.online = online
	if !online {
		c.stopTimerLocked()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.logger.Warn("network offline")
		c.crumb("network_offline", nil)
		return
	}
	c.attempts = 0
	c.mu.Unlock()
	if !was {
		c.logger.Info("network online, retrying")
		c.crumb("network_online", nil)
		c.tryReconnect(ctx)
	}
}

// tryReconnect runs one reconnection attempt if the state machine permits.
func (c *Controller) tryReconnect(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateConnected || !c.online {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.MaxAttempts {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	attempt := c.attempts + 1
	c.mu.Unlock()

	c.logger.WithField("attempt", attempt).Info("reconnection attempt")

	// Membership first: a transient drop usually leaves the player record
	// intact and only the subscriptions need resuming.
	if c.CheckMembership != nil && c.CheckMembership(ctx) == nil {
		c.succeed("still a member")
		return
	}
	if c.Rejoin != nil {
		if err := c.Rejoin(ctx); err == nil {
			c.succeed("rejoined")
			return
		} else {
			c.fail(ctx, err)
			return
		}
	}
	c.fail(ctx, context.Canceled)
}

func (c *Controller) succeed(how string) {
	c.mu.Lock()
	c.state = StateConnected
	c.attempts = 0
	c.lastErr = nil
	c.lastOnline = c.clock.Now()
	c.stopTimerLocked()
	c.mu.Unlock()

	c.logger.WithField("path", how).Info("reconnected")
	c.emit("reconnected", "Connection restored.")
	c.crumb("reconnected", map[string]interface{}{"path": how})
}

func (c *Controller) fail(ctx context.Context, err error) {
	c.mu.Lock()
	c.attempts++
	c.lastErr = err
	if c.attempts >= c.MaxAttempts {
		c.state = StateDisconnected
		c.stopTimerLocked()
		attempts := c.attempts
		c.mu.Unlock()
		c.logger.WithError(err).WithField("attempts", attempts).Error("reconnection abandoned")
		c.emit("reconnect_failed", "Could not reconnect. Check your connection and retry.")
		c.crumb("reconnect_failed", map[string]interface{}{"attempts": attempts})
		return
	}
	c.state = StateDisconnected
	c.stopTimerLocked()
	c.retryTimer = c.clock.AfterFunc(c.Interval, func() {
		c.tryReconnect(ctx)
	})
	attempt := c.attempts
	c.mu.Unlock()
	c.logger.WithError(err).WithField("attempt", attempt).Warn("reconnection attempt failed, retry scheduled")
}

// SnapshotState returns the current client-local reconnection state.
func (c *Controller) SnapshotState() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		IsConnected:        c.state == StateConnected,
		IsReconnecting:     c.state == StateReconnecting,
		ReconnectAttempts:  c.attempts,
		LastConnectionTime: c.lastOnline,
		ConnectionError:    c.lastErr,
	}
}

// State returns the current machine state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close cancels any pending retry timer.
func (c *Controller) Close() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.mu.Unlock()
}

func (c *Controller) stopTimerLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Controller) emit(event, message string) {
	if c.Notify != nil {
		c.Notify(event, message)
	}
}

func (c *Controller) crumb(event string, fields map[string]interface{}) {
	if c.Breadcrumb != nil {
		c.Breadcrumb(event, fields)
	}
}
