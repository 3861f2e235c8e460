package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/store"
	"go.uber.org/zap"
)

type fakeRemote struct {
	mu        gosync.Mutex
	byToken   map[string]store.Message
	nextTS    int64
	createErr error
	patches   []Patch
	stream    chan []store.Message
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		byToken: make(map[string]store.Message),
		nextTS:  1000,
		stream:  make(chan []store.Message, 8),
	}
}

func (r *fakeRemote) EnsureConversation(ctx context.Context, a, b string) error { return nil }

func (r *fakeRemote) CreateMessage(ctx context.Context, m *store.Message) (*store.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return nil, r.createErr
	}
	if existing, ok := r.byToken[m.ClientToken]; ok {
		return &existing, nil
	}
	r.nextTS++
	canonical := *m
	canonical.MsgID = fmt.Sprintf("srv-%d", len(r.byToken)+1)
	canonical.CreatedAt = r.nextTS
	canonical.Synced = true
	canonical.State = store.StateSynced
	r.byToken[m.ClientToken] = canonical
	return &canonical, nil
}

func (r *fakeRemote) UpdateMessage(ctx context.Context, conversationID, msgID string, patch Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches = append(r.patches, patch)
	return nil
}

func (r *fakeRemote) Subscribe(ctx context.Context, conversationID string) (<-chan []store.Message, error) {
	return r.stream, nil
}

func (r *fakeRemote) createdCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byToken)
}

type fakeUploader struct {
	err   error
	calls int
}

func (u *fakeUploader) UploadBatch(ctx context.Context, localURIs []string, conversationID string, seq int64, kind string) ([]string, error) {
	u.calls++
	if u.err != nil {
		return nil, u.err
	}
	refs := make([]string, len(localURIs))
	for i, uri := range localURIs {
		refs[i] = "https://blobs.example/" + filepath.Base(uri)
	}
	return refs, nil
}

type connFlag struct {
	mu     gosync.Mutex
	online bool
}

func (c *connFlag) set(v bool) {
	c.mu.Lock()
	c.online = v
	c.mu.Unlock()
}

func (c *connFlag) get() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func testEngine(t *testing.T, remote Remote, uploads Uploader, conn *connFlag) (*Engine, *store.DB, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	b := bus.New()
	e, err := NewEngine("alice", "bob", db, remote, uploads, conn.get, b, zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, db, b
}

func waitEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestSendTextOnlineSyncs(t *testing.T) {
	remote := newFakeRemote()
	conn := &connFlag{online: true}
	e, _, b := testEngine(t, remote, &fakeUploader{}, conn)

	events, unsub := b.Subscribe("message.", 16)
	defer unsub()

	m, err := e.SendText(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.ClientToken == "" || m.MsgID != m.ClientToken {
		t.Fatalf("expected provisional id equal to token, got %q / %q", m.MsgID, m.ClientToken)
	}
	if m.CreatedAt == 0 {
		t.Fatal("online send should carry a provisional timestamp")
	}

	waitEvent(t, events, "message.appended")
	waitEvent(t, events, "message.synced")

	msgs := e.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0]
	if !got.Synced || got.State != store.StateSynced {
		t.Fatalf("message not synced: %+v", got)
	}
	if got.MsgID == got.ClientToken {
		t.Fatal("canonical id not assigned")
	}
	if got.CreatedAt != 1001 {
		t.Fatalf("server timestamp not adopted, got %d", got.CreatedAt)
	}
}

func TestSendTextOfflineQueuesWithoutTimestamp(t *testing.T) {
	remote := newFakeRemote()
	conn := &connFlag{online: false}
	e, db, _ := testEngine(t, remote, &fakeUploader{}, conn)

	m, err := e.SendText(context.Background(), "stored for later", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.CreatedAt != 0 {
		t.Fatalf("offline send must not guess a timestamp, got %d", m.CreatedAt)
	}
	if m.State != store.StatePendingLocal {
		t.Fatalf("state = %q, want %q", m.State, store.StatePendingLocal)
	}
	if remote.createdCount() != 0 {
		t.Fatal("no network call expected while offline")
	}

	pending, err := db.PendingOutbox(e.ConversationID())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ClientToken != m.ClientToken {
		t.Fatalf("outbox = %+v", pending)
	}
}

func TestReplayQueuedPreservesOrder(t *testing.T) {
	remote := newFakeRemote()
	conn := &connFlag{online: false}
	e, db, _ := testEngine(t, remote, &fakeUploader{}, conn)

	ctx := context.Background()
	for _, body := range []string{"first", "second", "third"} {
		if _, err := e.SendText(ctx, body, nil); err != nil {
			t.Fatalf("send %q: %v", body, err)
		}
	}

	conn.set(true)
	if err := e.ReplayQueued(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}

	msgs := e.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if msgs[i].Body != want {
			t.Fatalf("position %d = %q, want %q", i, msgs[i].Body, want)
		}
		if !msgs[i].Synced {
			t.Fatalf("position %d not synced after replay", i)
		}
		if i > 0 && msgs[i].CreatedAt <= msgs[i-1].CreatedAt {
			t.Fatal("server timestamps out of order")
		}
	}

	pending, err := db.PendingOutbox(e.ConversationID())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("outbox should be empty, got %d entries", len(pending))
	}
}

func TestReplayQueuedStopsOnTransientFailure(t *testing.T) {
	remote := newFakeRemote()
	conn := &connFlag{online: false}
	e, db, _ := testEngine(t, remote, &fakeUploader{}, conn)

	ctx := context.Background()
	if _, err := e.SendText(ctx, "one", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := e.SendText(ctx, "two", nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	conn.set(true)
	remote.createErr = errors.New("gateway timeout")
	if err := e.ReplayQueued(ctx); err == nil {
		t.Fatal("expected replay error")
	}

	pending, err := db.PendingOutbox(e.ConversationID())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("queue must stay intact after transient failure, got %d", len(pending))
	}

	remote.createErr = nil
	if err := e.ReplayQueued(ctx); err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if remote.createdCount() != 2 {
		t.Fatalf("created = %d, want 2", remote.createdCount())
	}
}

func TestSendFailureWithdrawsOptimisticEntry(t *testing.T) {
	remote := newFakeRemote()
	remote.createErr = errors.New("boom")
	conn := &connFlag{online: true}
	e, db, b := testEngine(t, remote, &fakeUploader{}, conn)

	events, unsub := b.Subscribe("message.send_failed", 4)
	defer unsub()

	m, err := e.SendText(context.Background(), "doomed", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	ev := waitEvent(t, events, "message.send_failed")
	payload := ev.Payload.(map[string]string)
	if payload["client_token"] != m.ClientToken {
		t.Fatalf("failure event for wrong token: %+v", payload)
	}

	if len(e.Messages()) != 0 {
		t.Fatal("failed entry must be withdrawn from the list")
	}
	rows, err := db.ListMessages(e.ConversationID(), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Fatal("failed entry must be removed from the cache")
	}
}

func TestSendPersistFailureWithdrawsEntry(t *testing.T) {
	remote := newFakeRemote()
	conn := &connFlag{online: false}
	e, db, b := testEngine(t, remote, &fakeUploader{}, conn)

	events, unsub := b.Subscribe("message.send_failed", 4)
	defer unsub()

	// A dead cache means neither the row nor the queue entry can be
	// written; the optimistic entry must not linger in the list.
	_ = db.Close()
	if _, err := e.SendText(context.Background(), "unstorable", nil); err == nil {
		t.Fatal("expected error when the cache is unavailable")
	}
	waitEvent(t, events, "message.send_failed")

	if got := len(e.Messages()); got != 0 {
		t.Fatalf("entry left pending after persist failure: %d messages", got)
	}
}

func TestSendMediaUploadsBeforeCreate(t *testing.T) {
	remote := newFakeRemote()
	uploads := &fakeUploader{}
	conn := &connFlag{online: true}
	e, _, b := testEngine(t, remote, uploads, conn)

	events, unsub := b.Subscribe("message.synced", 4)
	defer unsub()

	_, err := e.SendMedia(context.Background(), []string{"/tmp/a.jpg", "/tmp/b.jpg"}, "two pics", store.KindImage, 0, nil)
	if err != nil {
		t.Fatalf("send media: %v", err)
	}
	waitEvent(t, events, "message.synced")

	if uploads.calls != 1 {
		t.Fatalf("upload calls = %d, want 1", uploads.calls)
	}
	got := e.Messages()[0]
	if len(got.MediaRefs) != 2 || len(got.LocalMediaURIs) != 0 {
		t.Fatalf("media refs not resolved: %+v", got)
	}
}

func TestEditAndDeleteEnforceOwnershipAndSync(t *testing.T) {
	remote := newFakeRemote()
	conn := &connFlag{online: false}
	e, _, b := testEngine(t, remote, &fakeUploader{}, conn)
	ctx := context.Background()

	// Unsynced own message: no canonical id yet, mutation refused.
	m, err := e.SendText(ctx, "draftish", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := e.EditMessage(ctx, m.ClientToken, "nope"); !errors.Is(err, ErrNotSynced) {
		t.Fatalf("edit unsynced = %v, want ErrNotSynced", err)
	}

	// Peer's message: never editable locally.
	e.Reconcile(store.Message{
		ClientToken: "peer-1", MsgID: "peer-1", SenderID: "bob",
		Kind: store.KindText, Body: "mine", CreatedAt: 500,
	})
	if err := e.DeleteMessage(ctx, "peer-1"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("delete peer message = %v, want ErrNotOwner", err)
	}
	if err := e.EditMessage(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("edit unknown = %v, want ErrNotFound", err)
	}

	// Own synced message: mutation applies locally and goes remote.
	conn.set(true)
	if err := e.ReplayQueued(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}
	events, unsub := b.Subscribe("message.updated", 4)
	defer unsub()
	if err := e.EditMessage(ctx, m.ClientToken, "revised"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	waitEvent(t, events, "message.updated")

	var found bool
	for _, got := range e.Messages() {
		if got.ClientToken == m.ClientToken {
			found = true
			if got.Body != "revised" || !got.Edited {
				t.Fatalf("edit not applied: %+v", got)
			}
		}
	}
	if !found {
		t.Fatal("edited message missing")
	}
}

func TestDeleteLeavesTombstoneAndReplySnapshotSurvives(t *testing.T) {
	remote := newFakeRemote()
	conn := &connFlag{online: true}
	e, _, b := testEngine(t, remote, &fakeUploader{}, conn)
	ctx := context.Background()

	events, unsub := b.Subscribe("message.", 32)
	defer unsub()

	orig, err := e.SendText(ctx, "the original", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitEvent(t, events, "message.synced")

	var origCanonical store.Message
	for _, m := range e.Messages() {
		if m.ClientToken == orig.ClientToken {
			origCanonical = m
		}
	}

	reply := &store.ReplyRef{
		MsgID:    origCanonical.MsgID,
		Kind:     origCanonical.Kind,
		Preview:  origCanonical.Body,
		SenderID: origCanonical.SenderID,
	}
	if _, err := e.SendText(ctx, "replying to that", reply); err != nil {
		t.Fatalf("send reply: %v", err)
	}
	waitEvent(t, events, "message.synced")

	if err := e.DeleteMessage(ctx, orig.ClientToken); err != nil {
		t.Fatalf("delete: %v", err)
	}

	msgs := e.Messages()
	if len(msgs) != 2 {
		t.Fatalf("tombstone must stay in the list, got %d messages", len(msgs))
	}
	if !msgs[0].Deleted {
		t.Fatal("original not tombstoned")
	}
	if msgs[1].Reply == nil || msgs[1].Reply.Preview != "the original" {
		t.Fatalf("reply snapshot lost: %+v", msgs[1].Reply)
	}
}
