// internal/matchmaking/subscriber.go
package matchmaking

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/memeclash/memeclash/internal/backoff"
	"github.com/memeclash/memeclash/internal/clock"
	"github.com/memeclash/memeclash/internal/conn"
)

// Liveness policy for the Battle Royale queue. The queue is higher-churn
// than a lobby, so it gets a much tighter heartbeat than the general
// listener cleanup.
const (
	HeartbeatCheckEvery = 10 * time.Second
	ConnectionTimeout   = 15 * time.Second
	MaxRetryAttempts    = 5
)

// QueueEntry is one player waiting in the Battle Royale queue.
type QueueEntry struct {
	UID           string    `json:"uid"`
	DisplayName   string    `json:"displayName"`
	Rating        int       `json:"rating"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// MatchNotice is the "match found" notification for a queued player.
type MatchNotice struct {
	LobbyCode string    `json:"lobbyCode"`
	MatchedAt time.Time `json:"matchedAt"`
}

// Subscriber is a specialized Connection Manager client for the Battle
// Royale queue. On top of raw subscription delivery it maintains message-
// inferred liveness: every inbound message across its three streams bumps a
// heartbeat, and a periodic check flips the status to disconnected when the
// heartbeat goes stale.
type Subscriber struct {
	mgr    *conn.Manager
	clock  clock.Clock
	logger *logrus.Logger
	uid    string

	policy backoff.Policy

	// OnQueue delivers the current queue sorted by enqueue time. OnPosition
	// delivers this player's 1-based position (0 = not queued). OnMatchFound
	// fires once a match notice lands. OnStatusChange reports liveness flips.
	OnQueue        func([]QueueEntry)
	OnPosition     func(int)
	OnMatchFound   func(MatchNotice)
	OnStatusChange func(connected bool)

	mu            sync.Mutex
	queue         []QueueEntry
	position      int
	match         *MatchNotice
	lastHeartbeat time.Time
	connected     bool
	attempts      int
	retryTimer    clock.Timer
	ticker        clock.Ticker
	active        bool
}

// NewSubscriber builds a queue subscriber for uid on top of the shared
// connection manager.
func NewSubscriber(mgr *conn.Manager, clk clock.Clock, logger *logrus.Logger, uid string) *Subscriber {
	p := backoff.Default
	p.Jitter = true
	p.MaxAttempts = MaxRetryAttempts
	return &Subscriber{
		mgr:    mgr,
		clock:  clk,
		logger: logger,
		uid:    uid,
		policy: p,
	}
}

// Listener ids and paths for the three logical streams.
func (s *Subscriber) queueListenerID() string    { return "mm-queue-" + s.uid }
func (s *Subscriber) positionListenerID() string { return "mm-position-" + s.uid }
func (s *Subscriber) matchListenerID() string    { return "mm-match-" + s.uid }

func (s *Subscriber) queuePath() string    { return "battleRoyaleQueue" }
func (s *Subscriber) positionPath() string { return "battleRoyaleQueue/" + s.uid }
func (s *Subscriber) matchPath() string    { return "matchmaking/matches/" + s.uid }

// Start establishes the three streams and arms the liveness check.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = true
	s.connected = true
	s.lastHeartbeat = s.clock.Now()
	s.mu.Unlock()

	if err := s.subscribeAll(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.ticker = s.clock.NewTicker(HeartbeatCheckEvery, s.checkHeartbeat)
	s.mu.Unlock()
	return nil
}

// subscribeAll (re-)establishes the three streams atomically in a fixed
// order: queue listing, own position, match notice.
func (s *Subscriber) subscribeAll(ctx context.Context) error {
	type stream struct {
		id, path string
		onData   func([]byte)
	}
	streams := []stream{
		{s.queueListenerID(), s.queuePath(), s.handleQueue},
		{s.positionListenerID(), s.positionPath(), s.handlePosition},
		{s.matchListenerID(), s.matchPath(), s.handleMatch},
	}
	for _, st := range streams {
		onData := st.onData
		_, err := s.mgr.Subscribe(ctx, st.id, st.path,
			func(data []byte) {
				s.beat()
				onData(data)
			},
			func(err error) { s.handleStreamError(ctx, err) },
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// beat refreshes the message-inferred heartbeat and flips the status back to
// connected if it had gone stale.
func (s *Subscriber) beat() {
	s.mu.Lock()
	s.lastHeartbeat = s.clock.Now()
	s.attempts = 0
	flipped := !s.connected
	s.connected = true
	cb := s.OnStatusChange
	s.mu.Unlock()
	if flipped {
		s.logger.Info("matchmaking stream alive again")
		if cb != nil {
			cb(true)
		}
	}
}

// checkHeartbeat flips the status to disconnected when no message arrived
// within the timeout window.
func (s *Subscriber) checkHeartbeat() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	stale := s.clock.Now().Sub(s.lastHeartbeat) > ConnectionTimeout
	flipped := stale && s.connected
	if stale {
		s.connected = false
	}
	cb := s.OnStatusChange
	s.mu.Unlock()
	if flipped {
		s.logger.Warn("matchmaking heartbeat timed out")
		if cb != nil {
			cb(false)
		}
	}
}

// handleStreamError applies the jittered exponential backoff policy, then
// re-establishes all three streams. Past the attempt budget the subscriber
// stays disconnected until a manual Reconnect.
func (s *Subscriber) handleStreamError(ctx context.Context, err error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	flipped := s.connected
	s.connected = false
	if s.policy.Exhausted(s.attempts) {
		s.stopTimerLocked()
		cb := s.OnStatusChange
		s.mu.Unlock()
		s.logger.WithError(err).Error("matchmaking retries exhausted, awaiting manual reconnect")
		if flipped && cb != nil {
			cb(false)
		}
		return
	}
	delay := s.policy.Delay(s.attempts)
	s.attempts++
	s.stopTimerLocked()
	s.retryTimer = s.clock.AfterFunc(delay, func() {
		if serr := s.subscribeAll(ctx); serr != nil {
			s.handleStreamError(ctx, serr)
		}
	})
	attempt := s.attempts
	cb := s.OnStatusChange
	s.mu.Unlock()
	s.logger.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Warn("matchmaking stream error, retrying")
	if flipped && cb != nil {
		cb(false)
	}
}

// Reconnect is the manual recovery path: reset the attempt budget and
// re-establish every stream immediately.
func (s *Subscriber) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.attempts = 0
	s.stopTimerLocked()
	s.mu.Unlock()
	if err := s.subscribeAll(ctx); err != nil {
		return err
	}
	s.beat()
	return nil
}

// UnsubscribeAll tears down every stream and resets all derived state to
// empty. Used on leaving the queue or navigating away.
func (s *Subscriber) UnsubscribeAll() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.stopTimerLocked()
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	s.queue = nil
	s.position = 0
	s.match = nil
	s.connected = false
	s.mu.Unlock()

	s.mgr.Unsubscribe(s.queueListenerID())
	s.mgr.Unsubscribe(s.positionListenerID())
	s.mgr.Unsubscribe(s.matchListenerID())
	s.logger.Info("matchmaking subscriber torn down")
}

func (s *Subscriber) handleQueue(data []byte) {
	var raw map[string]QueueEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.WithError(err).Warn("bad queue payload")
		return
	}
	entries := make([]QueueEntry, 0, len(raw))
	for uid, e := range raw {
		if e.UID == "" {
			e.UID = uid
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
		}
		return entries[i].UID < entries[j].UID
	})

	pos := 0
	for i, e := range entries {
		if e.UID == s.uid {
			pos = i + 1
			break
		}
	}

	s.mu.Lock()
	s.queue = entries
	s.position = pos
	qcb, pcb := s.OnQueue, s.OnPosition
	s.mu.Unlock()
	if qcb != nil {
		qcb(entries)
	}
	if pcb != nil {
		pcb(pos)
	}
}

func (s *Subscriber) handlePosition(data []byte) {
	// The own-entry stream only matters as a heartbeat source plus eviction
	// signal: a null payload means the player was dequeued.
	if len(data) == 0 || string(data) == "null" {
		s.mu.Lock()
		s.position = 0
		cb := s.OnPosition
		s.mu.Unlock()
		if cb != nil {
			cb(0)
		}
	}
}

func (s *Subscriber) handleMatch(data []byte) {
	if string(data) == "null" || len(data) == 0 {
		return
	}
	var notice MatchNotice
	if err := json.Unmarshal(data, &notice); err != nil {
		s.logger.WithError(err).Warn("bad match payload")
		return
	}
	if notice.LobbyCode == "" {
		return
	}
	s.mu.Lock()
	s.match = &notice
	cb := s.OnMatchFound
	s.mu.Unlock()
	s.logger.WithField("lobby", notice.LobbyCode).Info("match found")
	if cb != nil {
		cb(notice)
	}
}

// Snapshot returns the current derived state.
func (s *Subscriber) Snapshot() (queue []QueueEntry, position int, match *MatchNotice, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueueEntry(nil), s.queue...), s.position, s.match, s.connected
}

func (s *Subscriber) stopTimerLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}
