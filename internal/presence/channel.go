package presence

import (
	"context"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/bus"
	"go.uber.org/zap"
)

// TypingWriter pushes the local typing flag to the remote store.
// Best effort: lost updates are acceptable, latest write wins.
type TypingWriter interface {
	SetTyping(ctx context.Context, conversationID, userID string, typing bool) error
}

// Channel carries the bidirectional typing signal for one conversation.
// The local flag follows draft emptiness transitions, never keystrokes;
// the peer flag is whatever the stream last reported.
type Channel struct {
	mu             sync.Mutex
	conversationID string
	selfID         string
	selfTyping     bool
	peerTyping     bool
	writer         TypingWriter
	bus            *bus.Bus
	logger         *zap.Logger
	idleTimeout    time.Duration
	idleTimer      *time.Timer
}

// NewChannel creates a channel for the given conversation.
func NewChannel(conversationID, selfID string, writer TypingWriter, idleTimeout time.Duration, b *bus.Bus, logger *zap.Logger) *Channel {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Second
	}
	return &Channel{
		conversationID: conversationID,
		selfID:         selfID,
		writer:         writer,
		bus:            b,
		logger:         logger,
		idleTimeout:    idleTimeout,
	}
}

// SetDraft reflects the composer contents. Only the transition between an
// empty and a non-empty draft reaches the network; a non-empty draft also
// restarts the idle timer that clears the flag when the user walks away.
func (c *Channel) SetDraft(draft string) {
	typing := draft != ""

	c.mu.Lock()
	if typing == c.selfTyping {
		if typing {
			c.resetIdleTimerLocked()
		}
		c.mu.Unlock()
		return
	}
	c.selfTyping = typing
	if typing {
		c.resetIdleTimerLocked()
	} else {
		c.stopIdleTimerLocked()
	}
	c.mu.Unlock()

	c.publishSelf(typing)
}

// Sent clears the typing flag after a message goes out.
func (c *Channel) Sent() {
	c.clearSelf()
}

// SelfTyping returns the local flag.
func (c *Channel) SelfTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfTyping
}

// PeerTyping returns the last observed peer flag.
func (c *Channel) PeerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerTyping
}

// HandlePeer records a typing frame observed on the remote stream and
// surfaces changes as presence.peer_typing events.
func (c *Channel) HandlePeer(typing bool) {
	c.mu.Lock()
	changed := c.peerTyping != typing
	c.peerTyping = typing
	c.mu.Unlock()
	if changed && c.bus != nil {
		c.bus.Publish(bus.Now("presence.peer_typing", typing))
	}
}

// Close drops the typing flag if it is still raised.
func (c *Channel) Close() {
	c.clearSelf()
}

func (c *Channel) clearSelf() {
	c.mu.Lock()
	wasTyping := c.selfTyping
	c.selfTyping = false
	c.stopIdleTimerLocked()
	c.mu.Unlock()
	if wasTyping {
		c.publishSelf(false)
	}
}

func (c *Channel) resetIdleTimerLocked() {
	c.stopIdleTimerLocked()
	c.idleTimer = time.AfterFunc(c.idleTimeout, c.clearSelf)
}

func (c *Channel) stopIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (c *Channel) publishSelf(typing bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.writer.SetTyping(ctx, c.conversationID, c.selfID, typing); err != nil {
		// Best effort only; never retried.
		if c.logger != nil {
			c.logger.Debug("typing update dropped", zap.Error(err))
		}
	}
	if c.bus != nil {
		c.bus.Publish(bus.Now("presence.self_typing", typing))
	}
}
