package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/presence"
	"github.com/parleyhq/parley/internal/receipts"
	"github.com/parleyhq/parley/internal/store"
	"go.uber.org/zap"
)

// RemoteStore is the full remote surface a live session needs: the message
// store plus the typing and read-mark side channels.
type RemoteStore interface {
	Remote
	presence.TypingWriter
	receipts.ReadWriter
}

// TypingFrame is the payload of stream.presence events relayed from the
// remote stream.
type TypingFrame struct {
	ConversationID string
	UserID         string
	Typing         bool
}

// Session bundles everything live for one open conversation.
type Session struct {
	Engine   *Engine
	Presence *presence.Channel
	Receipts *receipts.Tracker

	cancel context.CancelFunc
}

// Manager owns the set of open conversation sessions. Opening the same
// peer twice returns the existing session; sessions stay live until
// closed so background replay keeps running for every open conversation.
type Manager struct {
	mu       gosync.Mutex
	selfID   string
	sessions map[string]*Session

	db          *store.DB
	remote      RemoteStore
	uploads     Uploader
	online      func() bool
	bus         *bus.Bus
	logger      *zap.Logger
	idleTimeout time.Duration
	trigger     string
}

// NewManager creates the session manager for the local user.
func NewManager(selfID string, db *store.DB, remote RemoteStore, uploads Uploader, online func() bool, b *bus.Bus, idleTimeout time.Duration, trigger string, logger *zap.Logger) *Manager {
	return &Manager{
		selfID:      selfID,
		sessions:    make(map[string]*Session),
		db:          db,
		remote:      remote,
		uploads:     uploads,
		online:      online,
		bus:         b,
		logger:      logger,
		idleTimeout: idleTimeout,
		trigger:     trigger,
	}
}

// Open returns the live session for the conversation with peerID,
// creating and starting it on first use.
func (m *Manager) Open(ctx context.Context, peerID string) (*Session, error) {
	convID := store.PairID(m.selfID, peerID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[convID]; ok {
		return s, nil
	}

	engine, err := NewEngine(m.selfID, peerID, m.db, m.remote, m.uploads, m.online, m.bus, m.logger)
	if err != nil {
		return nil, err
	}
	s := &Session{
		Engine:   engine,
		Presence: presence.NewChannel(convID, m.selfID, m.remote, m.idleTimeout, m.bus, m.logger),
		Receipts: receipts.NewTracker(convID, m.selfID, m.trigger, m.db, m.remote, m.bus, m.logger),
	}

	ctx, s.cancel = context.WithCancel(ctx)
	if err := engine.Run(ctx); err != nil {
		// The stream will come back with connectivity; the session is
		// still usable offline.
		if m.logger != nil {
			m.logger.Warn("remote stream unavailable", zap.String("conversation_id", convID), zap.Error(err))
		}
	}
	s.Receipts.Start(ctx)
	go m.relayPeerTyping(ctx, convID, s.Presence)

	m.sessions[convID] = s
	return s, nil
}

// Get returns an already-open session, or nil.
func (m *Manager) Get(conversationID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[conversationID]
}

// Close tears down one session.
func (m *Manager) Close(conversationID string) {
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	if ok {
		delete(m.sessions, conversationID)
	}
	m.mu.Unlock()
	if ok {
		m.stop(s)
	}
}

// CloseAll tears down every open session. Called on daemon shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		m.stop(s)
	}
}

func (m *Manager) stop(s *Session) {
	s.Presence.Close()
	s.Receipts.Stop()
	s.Engine.Stop()
	if s.cancel != nil {
		s.cancel()
	}
}

// relayPeerTyping forwards typing frames from the remote stream to the
// conversation's presence channel, dropping frames for other
// conversations and the local user's own echoes.
func (m *Manager) relayPeerTyping(ctx context.Context, conversationID string, ch *presence.Channel) {
	events, unsub := m.bus.Subscribe("stream.presence", 32)
	defer unsub()
	for {
		select {
		case ev := <-events:
			frame, ok := ev.Payload.(TypingFrame)
			if !ok || frame.ConversationID != conversationID || frame.UserID == m.selfID {
				continue
			}
			ch.HandlePeer(frame.Typing)
		case <-ctx.Done():
			return
		}
	}
}
