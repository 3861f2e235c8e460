// Package sync owns the ordered message list of a conversation. The engine
// is the single writer of that list: optimistic local entries go in
// immediately, submissions run asynchronously, and confirmed remote events
// are merged back in without ever duplicating a logical message.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/store"
	"go.uber.org/zap"
)

// Patch is a partial update applied to a canonical message.
type Patch struct {
	Body    *string
	Deleted *bool
}

// Remote is the remote message store contract the engine submits to.
// CreateMessage must treat the message's ClientToken as an idempotency
// token: resubmitting the same token yields the same canonical row.
type Remote interface {
	EnsureConversation(ctx context.Context, a, b string) error
	CreateMessage(ctx context.Context, m *store.Message) (*store.Message, error)
	UpdateMessage(ctx context.Context, conversationID, msgID string, patch Patch) error
	Subscribe(ctx context.Context, conversationID string) (<-chan []store.Message, error)
}

// Uploader converts local media files into remote object addresses.
type Uploader interface {
	UploadBatch(ctx context.Context, localURIs []string, conversationID string, seq int64, kind string) ([]string, error)
}

// Ownership and lifecycle violations, rejected before any state changes.
var (
	ErrNotOwner  = errors.New("sync: message belongs to another sender")
	ErrNotSynced = errors.New("sync: message has no canonical id yet")
	ErrNotFound  = errors.New("sync: unknown message")
)

// Engine is the source of truth for one conversation's message list.
// All mutations take the engine lock; operations that span an await
// (submission, upload) re-enter through the lock and locate their entry
// by client token, never by position.
type Engine struct {
	mu     gosync.Mutex
	conv   *store.Conversation
	selfID string
	peerID string
	msgs   []*store.Message
	index  map[string]*store.Message // client token -> entry

	remoteReady bool // conversation ensured on the remote store
	seq         int64

	db      *store.DB
	remote  Remote
	uploads Uploader
	online  func() bool
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// NewEngine creates the engine for the conversation between selfID and
// peerID, creating the local conversation row lazily and warm-loading any
// cached messages so offline restarts render instantly.
func NewEngine(selfID, peerID string, db *store.DB, remote Remote, uploads Uploader, online func() bool, b *bus.Bus, logger *zap.Logger) (*Engine, error) {
	conv, err := db.EnsureConversation(selfID, peerID)
	if err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}
	cached, err := db.ListMessages(conv.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("load cached messages: %w", err)
	}

	e := &Engine{
		conv:    conv,
		selfID:  selfID,
		peerID:  peerID,
		index:   make(map[string]*store.Message, len(cached)),
		db:      db,
		remote:  remote,
		uploads: uploads,
		online:  online,
		bus:     b,
		logger:  logger,
	}
	for i := range cached {
		m := cached[i]
		e.msgs = append(e.msgs, &m)
		e.index[m.ClientToken] = &m
	}
	e.seq = int64(len(cached))
	return e, nil
}

// ConversationID returns the stable pair-derived conversation id.
func (e *Engine) ConversationID() string {
	return e.conv.ID
}

// Messages returns a snapshot of the ordered list.
func (e *Engine) Messages() []store.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]store.Message, len(e.msgs))
	for i, m := range e.msgs {
		out[i] = *m
	}
	return out
}

// SendText creates an optimistic text message and submits it. The entry is
// visible before any network I/O starts; offline it goes to the replay
// queue instead of being submitted. Submission failures are surfaced as
// message.send_failed events and the entry is withdrawn.
func (e *Engine) SendText(ctx context.Context, body string, reply *store.ReplyRef) (*store.Message, error) {
	if body == "" {
		return nil, fmt.Errorf("sync: empty message body")
	}
	return e.sendOptimistic(ctx, &store.Message{
		Kind:  store.KindText,
		Body:  body,
		Reply: reply,
	}, nil)
}

// SendMedia creates an optimistic media message. Submission is gated on
// the upload pipeline: the entry carries its local paths until the upload
// resolves, then is submitted with the remote addresses. Pipeline
// validation errors are returned synchronously, before a slot is consumed.
func (e *Engine) SendMedia(ctx context.Context, localURIs []string, caption, kind string, durationSecs float64, reply *store.ReplyRef) (*store.Message, error) {
	if len(localURIs) == 0 {
		return nil, fmt.Errorf("sync: no media files given")
	}
	if kind != store.KindImage && kind != store.KindAudio {
		return nil, fmt.Errorf("sync: unsupported media kind %q", kind)
	}
	return e.sendOptimistic(ctx, &store.Message{
		Kind:           kind,
		Body:           caption,
		LocalMediaURIs: localURIs,
		DurationSecs:   durationSecs,
		Reply:          reply,
	}, localURIs)
}

func (e *Engine) sendOptimistic(ctx context.Context, m *store.Message, mediaURIs []string) (*store.Message, error) {
	token := uuid.NewString()
	m.ConversationID = e.conv.ID
	m.ClientToken = token
	m.MsgID = token
	m.SenderID = e.selfID
	m.State = store.StatePendingLocal

	online := e.online()
	if online {
		// Provisional timestamp for rendering; the server's wins on confirm.
		m.CreatedAt = time.Now().UnixMilli()
		if mediaURIs != nil {
			m.State = store.StateUploading
		} else {
			m.State = store.StateSubmitted
		}
	}

	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.msgs = append(e.msgs, m)
	e.index[token] = m
	e.mu.Unlock()

	// A message that cannot be persisted or queued can never be submitted
	// or replayed; withdraw it rather than leave it forever pending.
	if err := e.db.UpsertMessage(m); err != nil {
		e.discard(token, err)
		return nil, fmt.Errorf("persist optimistic message: %w", err)
	}
	_ = e.db.TouchLastMessage(e.conv.ID, previewOf(m), e.selfID, time.Now().UnixMilli())
	e.bus.Publish(bus.Now("message.appended", *m))

	if !online {
		if err := e.db.QueueOutbox(&store.OutboxEntry{
			ClientToken:    token,
			ConversationID: e.conv.ID,
			Kind:           m.Kind,
			Body:           m.Body,
			LocalMediaURIs: mediaURIs,
			DurationSecs:   m.DurationSecs,
			Reply:          m.Reply,
		}); err != nil {
			e.discard(token, err)
			return nil, fmt.Errorf("queue message: %w", err)
		}
		return m, nil
	}

	go e.submit(context.WithoutCancel(ctx), token, seq)
	return m, nil
}

// submit uploads media if needed and creates the message remotely. On any
// failure the optimistic entry is withdrawn rather than left stuck.
func (e *Engine) submit(ctx context.Context, token string, seq int64) {
	e.mu.Lock()
	entry, ok := e.index[token]
	if !ok {
		e.mu.Unlock()
		return
	}
	m := *entry
	e.mu.Unlock()

	if len(m.LocalMediaURIs) > 0 && len(m.MediaRefs) == 0 {
		refs, err := e.uploads.UploadBatch(ctx, m.LocalMediaURIs, e.conv.ID, seq, m.Kind)
		if err != nil {
			e.discard(token, fmt.Errorf("upload media: %w", err))
			return
		}
		e.mu.Lock()
		if entry, ok := e.index[token]; ok {
			entry.MediaRefs = refs
			entry.LocalMediaURIs = nil
			entry.State = store.StateSubmitted
			m = *entry
		}
		e.mu.Unlock()
		_ = e.db.UpsertMessage(&m)
		e.bus.Publish(bus.Now("message.updated", m))
	}

	if err := e.ensureRemote(ctx); err != nil {
		e.discard(token, err)
		return
	}
	canonical, err := e.remote.CreateMessage(ctx, &m)
	if err != nil {
		e.discard(token, fmt.Errorf("create message: %w", err))
		return
	}
	e.Reconcile(*canonical)
}

func (e *Engine) ensureRemote(ctx context.Context) error {
	e.mu.Lock()
	ready := e.remoteReady
	e.mu.Unlock()
	if ready {
		return nil
	}
	if err := e.remote.EnsureConversation(ctx, e.selfID, e.peerID); err != nil {
		return fmt.Errorf("ensure remote conversation: %w", err)
	}
	e.mu.Lock()
	e.remoteReady = true
	e.mu.Unlock()
	return nil
}

// discard withdraws a failed optimistic entry so it never shows as
// perpetually sending, and tells the caller via the bus.
func (e *Engine) discard(token string, cause error) {
	e.mu.Lock()
	if _, ok := e.index[token]; ok {
		delete(e.index, token)
		for i, m := range e.msgs {
			if m.ClientToken == token {
				e.msgs = append(e.msgs[:i], e.msgs[i+1:]...)
				break
			}
		}
	}
	e.mu.Unlock()

	_ = e.db.RemoveMessage(e.conv.ID, token)
	if e.logger != nil {
		e.logger.Warn("send failed, optimistic entry withdrawn",
			zap.String("client_token", token), zap.Error(cause))
	}
	e.bus.Publish(bus.Now("message.send_failed", map[string]string{
		"client_token": token,
		"error":        cause.Error(),
	}))
}

// EditMessage replaces the content of a canonical, sender-owned message.
// The local mutation is immediate; the remote update runs asynchronously.
func (e *Engine) EditMessage(ctx context.Context, token, newBody string) error {
	m, err := e.mutateOwned(token, func(m *store.Message) {
		m.Body = newBody
		m.Edited = true
	})
	if err != nil {
		return err
	}

	go func(msgID string) {
		body := newBody
		if err := e.remote.UpdateMessage(context.WithoutCancel(ctx), e.conv.ID, msgID, Patch{Body: &body}); err != nil {
			if e.logger != nil {
				e.logger.Error("remote edit failed", zap.String("msg_id", msgID), zap.Error(err))
			}
			e.bus.Publish(bus.Now("message.update_failed", map[string]string{"msg_id": msgID, "error": err.Error()}))
		}
	}(m.MsgID)
	return nil
}

// DeleteMessage soft-deletes a canonical, sender-owned message. The row
// stays as a tombstone so ordering and reply targets survive.
func (e *Engine) DeleteMessage(ctx context.Context, token string) error {
	m, err := e.mutateOwned(token, func(m *store.Message) {
		m.Deleted = true
	})
	if err != nil {
		return err
	}

	go func(msgID string) {
		deleted := true
		if err := e.remote.UpdateMessage(context.WithoutCancel(ctx), e.conv.ID, msgID, Patch{Deleted: &deleted}); err != nil {
			if e.logger != nil {
				e.logger.Error("remote delete failed", zap.String("msg_id", msgID), zap.Error(err))
			}
			e.bus.Publish(bus.Now("message.update_failed", map[string]string{"msg_id": msgID, "error": err.Error()}))
		}
	}(m.MsgID)
	return nil
}

// mutateOwned enforces the ownership and sync checks before any mutation,
// then applies fn under the lock and persists the result.
func (e *Engine) mutateOwned(token string, fn func(*store.Message)) (store.Message, error) {
	e.mu.Lock()
	entry, ok := e.index[token]
	if !ok {
		e.mu.Unlock()
		return store.Message{}, ErrNotFound
	}
	if entry.SenderID != e.selfID {
		e.mu.Unlock()
		return store.Message{}, ErrNotOwner
	}
	if !entry.Synced {
		e.mu.Unlock()
		return store.Message{}, ErrNotSynced
	}
	fn(entry)
	m := *entry
	e.mu.Unlock()

	if err := e.db.UpsertMessage(&m); err != nil {
		return store.Message{}, fmt.Errorf("persist mutation: %w", err)
	}
	e.bus.Publish(bus.Now("message.updated", m))
	return m, nil
}

// normalizeLocked restores canonical order: synced messages ascending by
// server timestamp, unsynced entries after them in creation order. The
// sort is stable so reconciliation never reorders confirmed history.
func (e *Engine) normalizeLocked() {
	sort.SliceStable(e.msgs, func(i, j int) bool {
		a, b := e.msgs[i], e.msgs[j]
		switch {
		case a.Synced && b.Synced:
			return a.CreatedAt < b.CreatedAt
		case a.Synced != b.Synced:
			return a.Synced
		default:
			return false // unsynced keep relative creation order
		}
	})
}

func previewOf(m *store.Message) string {
	if m.Body != "" {
		return m.Body
	}
	switch m.Kind {
	case store.KindImage:
		return "[photo]"
	case store.KindAudio:
		return "[voice message]"
	default:
		return ""
	}
}
