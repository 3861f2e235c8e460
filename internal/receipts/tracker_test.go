package receipts

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/store"
)

type fakeReadWriter struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (f *fakeReadWriter) MarkRead(_ context.Context, _ string, msgIDs []string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, append([]string(nil), msgIDs...))
	return nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedConversation(t *testing.T, db *store.DB) string {
	t.Helper()
	c, err := db.EnsureConversation("u_ana", "u_bruno")
	if err != nil {
		t.Fatal(err)
	}
	msgs := []*store.Message{
		{ConversationID: c.ID, ClientToken: "m1", MsgID: "m1", SenderID: "u_bruno", Kind: store.KindText, Body: "hi", CreatedAt: 1000, Synced: true, State: store.StateSynced},
		{ConversationID: c.ID, ClientToken: "m2", MsgID: "m2", SenderID: "u_bruno", Kind: store.KindText, Body: "there", CreatedAt: 2000, Synced: true, State: store.StateSynced},
		{ConversationID: c.ID, ClientToken: "m3", MsgID: "m3", SenderID: "u_ana", Kind: store.KindText, Body: "own", CreatedAt: 3000, Synced: true, State: store.StateSynced},
	}
	for _, m := range msgs {
		if err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}
	_ = db.IncrementUnread(c.ID)
	_ = db.IncrementUnread(c.ID)
	return c.ID
}

func TestFocusMarksInboundBatch(t *testing.T) {
	db := testDB(t)
	convID := seedConversation(t, db)
	remote := &fakeReadWriter{}
	tr := NewTracker(convID, "u_ana", config.TriggerFocus, db, remote, bus.New(), nil)

	if err := tr.SetFocused(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	if len(remote.calls) != 1 {
		t.Fatalf("remote calls = %d, want 1 batch", len(remote.calls))
	}
	if got := remote.calls[0]; len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Errorf("batch = %v, want [m1 m2] (own message excluded)", got)
	}

	conv, _ := db.GetConversation(convID)
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", conv.UnreadCount)
	}
	if conv.LastSeenAt == 0 {
		t.Error("last_seen_at not updated")
	}
}

func TestFlushIdempotent(t *testing.T) {
	db := testDB(t)
	convID := seedConversation(t, db)
	remote := &fakeReadWriter{}
	tr := NewTracker(convID, "u_ana", config.TriggerFocus, db, remote, bus.New(), nil)

	if err := tr.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(remote.calls) != 1 {
		t.Errorf("remote calls = %d, want 1 (second flush is a no-op)", len(remote.calls))
	}
}

func TestLocalStateUntouchedOnRemoteFailure(t *testing.T) {
	db := testDB(t)
	convID := seedConversation(t, db)
	remote := &fakeReadWriter{err: context.DeadlineExceeded}
	tr := NewTracker(convID, "u_ana", config.TriggerFocus, db, remote, bus.New(), nil)

	if err := tr.Flush(context.Background()); err == nil {
		t.Fatal("expected error from remote failure")
	}
	conv, _ := db.GetConversation(convID)
	if conv.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2 (unchanged)", conv.UnreadCount)
	}
}

func TestMarkVisibleSubset(t *testing.T) {
	db := testDB(t)
	convID := seedConversation(t, db)
	remote := &fakeReadWriter{}
	tr := NewTracker(convID, "u_ana", config.TriggerVisibility, db, remote, bus.New(), nil)

	if err := tr.MarkVisible(context.Background(), []string{"m1"}); err != nil {
		t.Fatal(err)
	}

	if len(remote.calls) != 1 || len(remote.calls[0]) != 1 || remote.calls[0][0] != "m1" {
		t.Errorf("calls = %v, want just m1", remote.calls)
	}
	msgs, _ := db.ListMessages(convID, 0)
	for _, m := range msgs {
		if m.ClientToken == "m2" && m.IsRead {
			t.Error("m2 marked read though not visible")
		}
	}
}

func TestMarkVisibleSettlesUnreadCounter(t *testing.T) {
	db := testDB(t)
	convID := seedConversation(t, db)
	remote := &fakeReadWriter{}
	tr := NewTracker(convID, "u_ana", config.TriggerVisibility, db, remote, bus.New(), nil)

	if err := tr.MarkVisible(context.Background(), []string{"m1"}); err != nil {
		t.Fatal(err)
	}
	conv, _ := db.GetConversation(convID)
	if conv.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1 (m2 still below the fold)", conv.UnreadCount)
	}
	if conv.LastSeenAt == 0 {
		t.Error("last_seen_at not updated by visibility marking")
	}

	if err := tr.MarkVisible(context.Background(), []string{"m2"}); err != nil {
		t.Fatal(err)
	}
	conv, _ = db.GetConversation(convID)
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 after all inbound marked", conv.UnreadCount)
	}
}

func TestFocusWithoutUnreadIsNoop(t *testing.T) {
	db := testDB(t)
	c, err := db.EnsureConversation("u_ana", "u_bruno")
	if err != nil {
		t.Fatal(err)
	}
	remote := &fakeReadWriter{}
	tr := NewTracker(c.ID, "u_ana", config.TriggerFocus, db, remote, bus.New(), nil)

	if err := tr.SetFocused(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if len(remote.calls) != 0 {
		t.Errorf("remote calls = %d, want 0", len(remote.calls))
	}
}
