package sync

import (
	"context"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/store"
	"go.uber.org/zap"
)

// Reconcile merges one confirmed remote message into local state. Matching
// is by client token, never by content or position: a still-pending local
// entry is replaced in place and marked synced; anything unmatched is
// appended in canonical order rather than dropped, whoever sent it.
// Replaying the same event any number of times yields the same state.
func (e *Engine) Reconcile(canonical store.Message) {
	canonical.ConversationID = e.conv.ID
	canonical.Synced = true
	canonical.State = store.StateSynced

	e.mu.Lock()
	existing, ok := e.index[canonical.ClientToken]
	if ok {
		wasSynced := existing.Synced
		changed := existing.Body != canonical.Body ||
			existing.Edited != canonical.Edited ||
			existing.Deleted != canonical.Deleted ||
			existing.IsRead != canonical.IsRead
		existing.MsgID = canonical.MsgID
		existing.CreatedAt = canonical.CreatedAt
		existing.Body = canonical.Body
		existing.MediaRefs = canonical.MediaRefs
		existing.LocalMediaURIs = nil
		existing.Edited = canonical.Edited
		existing.Deleted = canonical.Deleted
		existing.IsRead = canonical.IsRead
		existing.Synced = true
		existing.State = store.StateSynced
		m := *existing
		e.normalizeLocked()
		e.mu.Unlock()

		if err := e.db.UpsertMessage(&m); err != nil && e.logger != nil {
			e.logger.Error("persist reconciled message", zap.Error(err))
		}
		_ = e.db.ClearOutbox(m.ClientToken)

		if !wasSynced {
			e.bus.Publish(bus.Now("message.synced", m))
		} else if changed {
			e.bus.Publish(bus.Now("message.updated", m))
		}
		return
	}

	m := canonical
	e.msgs = append(e.msgs, &m)
	e.index[m.ClientToken] = &m
	e.normalizeLocked()
	inbound := m.SenderID != e.selfID
	e.mu.Unlock()

	if err := e.db.UpsertMessage(&m); err != nil && e.logger != nil {
		e.logger.Error("persist inbound message", zap.Error(err))
	}
	_ = e.db.TouchLastMessage(e.conv.ID, previewOf(&m), m.SenderID, m.CreatedAt)
	if inbound && !m.IsRead {
		_ = e.db.IncrementUnread(e.conv.ID)
	}
	e.bus.Publish(bus.Now("message.appended", m))
}

// ApplySnapshot runs a full reconciliation pass over an ordered snapshot
// from the remote stream. Every emission goes through here; the pass is
// idempotent so reconnects and replays are harmless.
func (e *Engine) ApplySnapshot(msgs []store.Message) {
	for _, m := range msgs {
		e.Reconcile(m)
	}
}

// Run attaches the engine to the remote stream and to connectivity
// transitions: every stream emission is reconciled, and each offline to
// online edge triggers a replay of the queued outbox.
func (e *Engine) Run(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	netCh, unsubNet := e.bus.Subscribe("net.online", 8)
	go func() {
		defer unsubNet()
		for {
			select {
			case <-netCh:
				if err := e.ReplayQueued(ctx); err != nil && e.logger != nil {
					e.logger.Warn("queue replay interrupted", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	stream, err := e.remote.Subscribe(ctx, e.conv.ID)
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case snapshot, ok := <-stream:
				if !ok {
					return
				}
				e.ApplySnapshot(snapshot)
			case <-ctx.Done():
				return
			}
		}
	}()

	// Catch up anything queued while the engine was down.
	if e.online() {
		go func() {
			if err := e.ReplayQueued(ctx); err != nil && e.logger != nil {
				e.logger.Warn("startup replay interrupted", zap.Error(err))
			}
		}()
	}
	return nil
}

// Stop cancels the stream subscription and replay listener. Switching
// conversations stops the previous engine before starting the next.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}
