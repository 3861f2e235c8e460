package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/media"
	"github.com/parleyhq/parley/internal/store"
	"go.uber.org/zap"
)

// ReplayQueued drains the offline queue for this conversation, submitting
// entries strictly in their original creation order. Each entry leaves
// the queue only after the remote store confirms it; the first transient
// failure stops the pass and leaves the remainder intact for the next
// reconnect. Resubmitting a token the server already accepted is safe;
// the create is an idempotent upsert keyed on it.
func (e *Engine) ReplayQueued(ctx context.Context) error {
	pending, err := e.db.PendingOutbox(e.conv.ID)
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	e.bus.Publish(bus.Now("sync.replay_started", len(pending)))
	if err := e.ensureRemote(ctx); err != nil {
		return err
	}

	for _, entry := range pending {
		m := e.messageForEntry(entry)

		if len(m.LocalMediaURIs) > 0 && len(m.MediaRefs) == 0 {
			// The queue row id and the live send counter are separate
			// sequences; object paths stay unique through the uuid
			// suffix in DestPath, not through the seq.
			refs, err := e.uploads.UploadBatch(ctx, m.LocalMediaURIs, e.conv.ID, entry.ID, m.Kind)
			if err != nil {
				// A file the pipeline will never accept would block the
				// queue forever; withdraw it and keep draining.
				if errors.Is(err, media.ErrTooLarge) || errors.Is(err, media.ErrUnsupported) {
					_ = e.db.ClearOutbox(entry.ClientToken)
					e.discard(entry.ClientToken, err)
					continue
				}
				return fmt.Errorf("upload queued media: %w", err)
			}
			m.MediaRefs = refs
			m.LocalMediaURIs = nil
		}

		canonical, err := e.remote.CreateMessage(ctx, m)
		if err != nil {
			return fmt.Errorf("replay %s: %w", entry.ClientToken, err)
		}
		e.Reconcile(*canonical)
		if err := e.db.ClearOutbox(entry.ClientToken); err != nil && e.logger != nil {
			e.logger.Warn("clear outbox entry", zap.String("client_token", entry.ClientToken), zap.Error(err))
		}
	}
	e.bus.Publish(bus.Now("sync.replay_finished", len(pending)))
	return nil
}

// messageForEntry resolves the in-memory entry for a queued submission,
// falling back to rebuilding it from the queue row after a restart.
func (e *Engine) messageForEntry(entry store.OutboxEntry) *store.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.index[entry.ClientToken]; ok {
		copied := *m
		return &copied
	}
	return &store.Message{
		ConversationID: entry.ConversationID,
		ClientToken:    entry.ClientToken,
		MsgID:          entry.ClientToken,
		SenderID:       e.selfID,
		Kind:           entry.Kind,
		Body:           entry.Body,
		LocalMediaURIs: entry.LocalMediaURIs,
		DurationSecs:   entry.DurationSecs,
		Reply:          entry.Reply,
		State:          store.StatePendingLocal,
	}
}
