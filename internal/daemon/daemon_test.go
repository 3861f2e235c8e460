package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/api"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/lock"
	"github.com/parleyhq/parley/internal/media"
	"github.com/parleyhq/parley/internal/netmon"
	"github.com/parleyhq/parley/internal/profile"
	"github.com/parleyhq/parley/internal/status"
	"github.com/parleyhq/parley/internal/store"
	intsync "github.com/parleyhq/parley/internal/sync"
	"go.uber.org/zap"
)

type stubRemote struct {
	created int
}

func (r *stubRemote) EnsureConversation(ctx context.Context, a, b string) error { return nil }

func (r *stubRemote) CreateMessage(ctx context.Context, m *store.Message) (*store.Message, error) {
	r.created++
	canonical := *m
	canonical.MsgID = fmt.Sprintf("srv-%d", r.created)
	canonical.CreatedAt = int64(1000 + r.created)
	canonical.Synced = true
	canonical.State = store.StateSynced
	return &canonical, nil
}

func (r *stubRemote) UpdateMessage(ctx context.Context, conversationID, msgID string, patch intsync.Patch) error {
	return nil
}

func (r *stubRemote) Subscribe(ctx context.Context, conversationID string) (<-chan []store.Message, error) {
	ch := make(chan []store.Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (r *stubRemote) SetTyping(ctx context.Context, conversationID, userID string, typing bool) error {
	return nil
}

func (r *stubRemote) MarkRead(ctx context.Context, conversationID string, msgIDs []string, readerID string) error {
	return nil
}

type stubProber struct{ online bool }

func (p *stubProber) Probe(ctx context.Context) bool { return p.online }

func TestDaemonLifecycle(t *testing.T) {
	// Use a short path to avoid the Unix socket length limit.
	tmpDir, err := os.MkdirTemp("/tmp", "parley-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	sessionName := "test"
	sessionDir := filepath.Join(tmpDir, sessionName)
	socketPath := filepath.Join(sessionDir, "d.sock")
	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		t.Fatal(err)
	}

	lk, err := lock.Acquire(sessionDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(sessionDir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger := zap.NewNop()
	b := bus.New()
	machine := status.NewMachine(b)
	monitor := netmon.NewMonitor(&stubProber{online: false}, time.Hour, b, logger)
	recorder := media.NewRecorder(sessionDir, logger)
	profiles := profile.NewClient("http://127.0.0.1:0", db, time.Minute, logger)

	rmt := &stubRemote{}
	manager := intsync.NewManager("alice", db, rmt, nil, monitor.Online, b, time.Second, "focus", logger)
	defer manager.CloseAll()

	router := api.NewRouter(
		api.NewSessionService(sessionName, "alice", machine, monitor),
		api.NewConversationService("alice", db, manager, profiles),
		api.NewMessageService(manager),
		api.NewRecorderService(recorder),
		api.NewEventService(b, logger),
	)
	srv, err := NewServer(Params{SessionName: sessionName, SocketPath: socketPath}, logger, router)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
	get := func(path string, out any) {
		t.Helper()
		resp, err := client.Get("http://daemon" + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("GET %s: decode: %v", path, err)
		}
	}
	post := func(path string, body any, wantStatus int, out any) {
		t.Helper()
		data, _ := json.Marshal(body)
		resp, err := client.Post("http://daemon"+path, "application/json", bytes.NewReader(data))
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != wantStatus {
			t.Fatalf("POST %s: status %d, want %d", path, resp.StatusCode, wantStatus)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				t.Fatalf("POST %s: decode: %v", path, err)
			}
		}
	}

	// Session status.
	var sessionResp struct {
		Session string `json:"session"`
		UserID  string `json:"user_id"`
		Status  string `json:"status"`
		Online  bool   `json:"online"`
	}
	get("/v1/session", &sessionResp)
	if sessionResp.Session != sessionName || sessionResp.UserID != "alice" {
		t.Errorf("session = %+v", sessionResp)
	}
	if sessionResp.Status != string(status.Booting) {
		t.Errorf("status = %q, want BOOTING", sessionResp.Status)
	}
	if sessionResp.Online {
		t.Error("expected online = false")
	}

	// Empty conversation list.
	var listResp struct {
		Conversations []json.RawMessage `json:"conversations"`
	}
	get("/v1/conversations", &listResp)
	if len(listResp.Conversations) != 0 {
		t.Errorf("conversations = %d, want 0", len(listResp.Conversations))
	}

	// Open a conversation with bob and send while offline.
	var openResp struct {
		Conversation struct {
			ID     string `json:"id"`
			PeerID string `json:"peer_id"`
		} `json:"conversation"`
	}
	post("/v1/conversations", map[string]string{"peer_id": "bob"}, http.StatusOK, &openResp)
	if openResp.Conversation.PeerID != "bob" {
		t.Errorf("peer = %q, want bob", openResp.Conversation.PeerID)
	}
	convID := openResp.Conversation.ID

	var sendResp struct {
		Message struct {
			ClientToken string `json:"client_token"`
			State       string `json:"state"`
		} `json:"message"`
	}
	post("/v1/conversations/"+convID+"/messages",
		map[string]string{"body": "hello from the cli"}, http.StatusAccepted, &sendResp)
	if sendResp.Message.State != store.StatePendingLocal {
		t.Errorf("offline send state = %q", sendResp.Message.State)
	}
	if rmt.created != 0 {
		t.Error("offline send must not reach the remote store")
	}

	var msgsResp struct {
		Messages []struct {
			Body   string `json:"body"`
			Synced bool   `json:"synced"`
		} `json:"messages"`
	}
	get("/v1/conversations/"+convID+"/messages", &msgsResp)
	if len(msgsResp.Messages) != 1 || msgsResp.Messages[0].Body != "hello from the cli" {
		t.Fatalf("messages = %+v", msgsResp.Messages)
	}
}
