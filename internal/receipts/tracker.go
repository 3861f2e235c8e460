package receipts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/store"
	"go.uber.org/zap"
)

// ReadWriter is the remote batch read-mark contract.
type ReadWriter interface {
	MarkRead(ctx context.Context, conversationID string, msgIDs []string, readerID string) error
}

// Tracker marks inbound messages read and maintains the local unread
// counter for one conversation. Depending on configuration it fires on
// conversation focus or on explicit visibility reports from the screen.
type Tracker struct {
	mu             sync.Mutex
	conversationID string
	selfID         string
	trigger        string
	focused        bool
	db             *store.DB
	remote         ReadWriter
	bus            *bus.Bus
	logger         *zap.Logger
	cancel         context.CancelFunc
}

// NewTracker creates a tracker for the given conversation.
func NewTracker(conversationID, selfID, trigger string, db *store.DB, remote ReadWriter, b *bus.Bus, logger *zap.Logger) *Tracker {
	if trigger == "" {
		trigger = config.TriggerFocus
	}
	return &Tracker{
		conversationID: conversationID,
		selfID:         selfID,
		trigger:        trigger,
		db:             db,
		remote:         remote,
		bus:            b,
		logger:         logger,
	}
}

// Start subscribes to message events so inbound messages arriving while
// the conversation is foregrounded get marked without another focus change.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	ch, unsub := t.bus.Subscribe("message.", 64)

	go func() {
		defer unsub()
		for {
			select {
			case <-ch:
				t.mu.Lock()
				shouldFlush := t.focused && t.trigger == config.TriggerFocus
				t.mu.Unlock()
				if shouldFlush {
					if err := t.Flush(ctx); err != nil && t.logger != nil {
						t.logger.Error("read-mark flush failed", zap.Error(err))
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the background subscription.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// SetFocused records foreground state. Gaining focus flushes immediately
// when the trigger mode is "focus".
func (t *Tracker) SetFocused(ctx context.Context, focused bool) error {
	t.mu.Lock()
	t.focused = focused
	flush := focused && t.trigger == config.TriggerFocus
	t.mu.Unlock()
	if !flush {
		return nil
	}
	return t.Flush(ctx)
}

// MarkVisible marks the given message tokens read. Used by screens running
// in "visibility" trigger mode as messages scroll into view.
func (t *Tracker) MarkVisible(ctx context.Context, tokens []string) error {
	msgs, err := t.db.ListMessages(t.conversationID, 0)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	visible := make(map[string]bool, len(tokens))
	for _, token := range tokens {
		visible[token] = true
	}
	var batch []store.Message
	for _, m := range msgs {
		if visible[m.ClientToken] {
			batch = append(batch, m)
		}
	}
	return t.mark(ctx, batch, false)
}

// Flush marks every unread inbound message read as one batch. Re-running
// with nothing unread is a no-op: no remote write, no counter change.
func (t *Tracker) Flush(ctx context.Context) error {
	msgs, err := t.db.ListMessages(t.conversationID, 0)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	return t.mark(ctx, msgs, true)
}

func (t *Tracker) mark(ctx context.Context, candidates []store.Message, resetUnread bool) error {
	var (
		ids    []string
		tokens []string
	)
	for _, m := range candidates {
		// Never the local user's own messages, never twice.
		if m.SenderID == t.selfID || m.IsRead || !m.Synced {
			continue
		}
		ids = append(ids, m.MsgID)
		tokens = append(tokens, m.ClientToken)
	}
	if len(ids) == 0 {
		return nil
	}

	if err := t.remote.MarkRead(ctx, t.conversationID, ids, t.selfID); err != nil {
		return fmt.Errorf("remote mark read: %w", err)
	}
	if err := t.db.MarkMessagesRead(t.conversationID, tokens); err != nil {
		return fmt.Errorf("local mark read: %w", err)
	}
	// Both paths settle the unread counter: a full flush zeroes it, a
	// visibility batch recounts what is still unread below the fold.
	if resetUnread {
		if err := t.db.ResetUnread(t.conversationID, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("reset unread: %w", err)
		}
	} else {
		if err := t.db.RecountUnread(t.conversationID, t.selfID, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("recount unread: %w", err)
		}
	}
	if t.bus != nil {
		t.bus.Publish(bus.Now("receipt.marked", map[string]any{
			"conversation_id": t.conversationID,
			"count":           len(ids),
		}))
	}
	return nil
}
