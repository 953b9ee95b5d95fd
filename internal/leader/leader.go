// Package leader implements tab-leader election: exactly one logical
// client on a broadcast channel is leader, all others are followers. The
// package reports leadership through IsLeader and the become-leader /
// relinquish callbacks; it does not start or stop any pull/push loop
// itself. The heartbeat-timer idiom (a time.Timer
// reset on every heartbeat, with a background goroutine selecting on
// ctx.Done() and the timer channel) is grounded on the pack's Raft election
// implementation (consensus/raft/election.go); the transport is C10.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaysync/engine/internal/broadcast"
	"github.com/relaysync/engine/internal/types"
)

const (
	// ElectionDelay is how long a newly-started tab listens for an existing
	// leader's heartbeat before considering itself free to claim leadership.
	ElectionDelay = time.Second
	// LeaderTimeout is how long without a heartbeat before a follower
	// assumes the leader is gone (3x HeartbeatInterval).
	LeaderTimeout = 15 * time.Second
	// HeartbeatInterval is how often the leader announces itself.
	HeartbeatInterval = 5 * time.Second
)

// Elector runs the tab leader protocol over a shared broadcast channel.
type Elector struct {
	tabID  string
	handle *broadcast.Handle
	logger *zap.Logger

	onBecomeLeader func()
	onRelinquish   func()

	mu       sync.Mutex
	isLeader bool
	stopped  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs an Elector for the named channel. onBecomeLeader is called
// when this tab wins leadership; onRelinquish when it loses or gives it up.
func New(hub *broadcast.Hub, channelName string, logger *zap.Logger, onBecomeLeader, onRelinquish func()) *Elector {
	return &Elector{
		tabID:          uuid.NewString(),
		handle:         hub.Open(channelName),
		logger:         logger,
		onBecomeLeader: onBecomeLeader,
		onRelinquish:   onRelinquish,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// TabID returns this elector's identity, used to break ties on concurrent
// claims.
func (e *Elector) TabID() string { return e.tabID }

// IsLeader reports whether this tab currently holds leadership.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// available reports whether the broadcast transport backing this elector
// can be used. When it cannot (e.g. a private-mode-style constraint), the
// tab unconditionally assumes leadership: there is no coordination to lose.
func (e *Elector) available() bool {
	return e.handle != nil
}

// Run starts the election loop and blocks until ctx is cancelled or Stop is
// called. Call it from its own goroutine.
func (e *Elector) Run(ctx context.Context) {
	defer close(e.doneCh)

	if !e.available() {
		e.logger.Warn("broadcast channel unavailable, assuming leadership unconditionally", zap.String("tabId", e.tabID))
		e.becomeLeader()
		select {
		case <-ctx.Done():
		case <-e.stopCh:
		}
		e.shutdown()
		return
	}

	electionTimer := time.NewTimer(ElectionDelay)
	defer electionTimer.Stop()
	var heartbeatTimer *time.Timer

	for {
		var heartbeatCh <-chan time.Time
		if heartbeatTimer != nil {
			heartbeatCh = heartbeatTimer.C
		}

		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case <-e.stopCh:
			e.shutdown()
			return

		case raw := <-e.handle.Receive():
			msg, ok := raw.(types.BroadcastMessage)
			if !ok {
				continue
			}
			switch msg.Type {
			case types.MsgHeartbeat:
				if !e.IsLeader() {
					resetTimer(electionTimer, LeaderTimeout)
				}
			case types.MsgClaim:
				if msg.TabID < e.tabID {
					// The other claimant wins the tie; step down if we were
					// leader and restart our own election clock.
					if e.IsLeader() {
						e.stepDown()
						heartbeatTimer = nil
					}
					resetTimer(electionTimer, LeaderTimeout)
				} else {
					e.handle.Post(types.BroadcastMessage{Type: types.MsgChallenge, TabID: e.tabID})
				}
			case types.MsgRelinquish:
				if !e.IsLeader() {
					resetTimer(electionTimer, ElectionDelay)
				}
			case types.MsgChallenge:
				// Informational: the challenger is contesting a claim we made;
				// the resolution still happens via subsequent claim comparisons.
			}

		case <-electionTimer.C:
			if e.IsLeader() {
				continue
			}
			e.handle.Post(types.BroadcastMessage{Type: types.MsgClaim, TabID: e.tabID, Timestamp: time.Now().UnixNano()})
			e.becomeLeader()
			heartbeatTimer = time.NewTimer(HeartbeatInterval)

		case <-heartbeatCh:
			if !e.IsLeader() {
				heartbeatTimer = nil
				continue
			}
			e.handle.Post(types.BroadcastMessage{Type: types.MsgHeartbeat, TabID: e.tabID, Timestamp: time.Now().UnixNano()})
			heartbeatTimer.Reset(HeartbeatInterval)
		}
	}
}

// Stop relinquishes leadership (if held) and ends the election loop.
func (e *Elector) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	close(e.stopCh)
	<-e.doneCh
}

func (e *Elector) shutdown() {
	if e.IsLeader() {
		if e.available() {
			e.handle.Post(types.BroadcastMessage{Type: types.MsgRelinquish, TabID: e.tabID, Reason: "stopped"})
		}
		e.stepDown()
	}
	if e.available() {
		e.handle.Close()
	}
}

func (e *Elector) becomeLeader() {
	e.mu.Lock()
	already := e.isLeader
	e.isLeader = true
	e.mu.Unlock()
	if !already {
		e.logger.Info("became tab leader", zap.String("tabId", e.tabID))
		if e.onBecomeLeader != nil {
			e.onBecomeLeader()
		}
	}
}

func (e *Elector) stepDown() {
	e.mu.Lock()
	was := e.isLeader
	e.isLeader = false
	e.mu.Unlock()
	if was {
		e.logger.Info("relinquished tab leadership", zap.String("tabId", e.tabID))
		if e.onRelinquish != nil {
			e.onRelinquish()
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
