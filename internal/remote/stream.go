package remote

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/sync"
	"go.uber.org/zap"
)

// frame is one websocket emission from the message store. "snapshot"
// carries the full ordered history, "message" a single confirmed event,
// "typing" a presence flag change.
type frame struct {
	Type     string        `json:"type"`
	Messages []wireMessage `json:"messages,omitempty"`
	Message  *wireMessage  `json:"message,omitempty"`
	UserID   string        `json:"user_id,omitempty"`
	Typing   bool          `json:"typing,omitempty"`
}

// Subscribe opens the conversation's event stream. The returned channel
// carries message batches until ctx is cancelled; the connection itself
// is maintained with exponential backoff, so a dropped socket means a
// gap in emissions, never a dead channel. The server resends a snapshot
// on every attach, which the reconciler absorbs idempotently.
func (c *Client) Subscribe(ctx context.Context, conversationID string) (<-chan []store.Message, error) {
	out := make(chan []store.Message, 16)
	go func() {
		defer close(out)
		for {
			if err := c.streamOnce(ctx, conversationID, out); err != nil {
				if ctx.Err() != nil {
					return
				}
				if c.logger != nil {
					c.logger.Warn("stream dropped, reconnecting",
						zap.String("conversation_id", conversationID), zap.Error(err))
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return out, nil
}

// streamOnce dials with backoff, then reads frames until the socket dies.
func (c *Client) streamOnce(ctx context.Context, conversationID string, out chan<- []store.Message) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxInterval(30*time.Second),
		backoff.WithMaxElapsedTime(0),
	), ctx)

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		var err error
		conn, err = c.dial(ctx, conversationID)
		return err
	}, policy)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	c.bus.Publish(bus.Now("stream.connected", conversationID))
	defer c.bus.Publish(bus.Now("stream.disconnected", conversationID))

	// Unblock ReadMessage when the subscription is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			if c.logger != nil {
				c.logger.Warn("bad stream frame", zap.Error(err))
			}
			continue
		}
		c.handleFrame(ctx, conversationID, f, out)
	}
}

func (c *Client) handleFrame(ctx context.Context, conversationID string, f frame, out chan<- []store.Message) {
	switch f.Type {
	case "snapshot":
		batch := make([]store.Message, 0, len(f.Messages))
		for i := range f.Messages {
			batch = append(batch, f.Messages[i].toStore())
		}
		select {
		case out <- batch:
		case <-ctx.Done():
		}
	case "message":
		if f.Message == nil {
			return
		}
		select {
		case out <- []store.Message{f.Message.toStore()}:
		case <-ctx.Done():
		}
	case "typing":
		c.bus.Publish(bus.Now("stream.presence", sync.TypingFrame{
			ConversationID: conversationID,
			UserID:         f.UserID,
			Typing:         f.Typing,
		}))
	}
}

func (c *Client) dial(ctx context.Context, conversationID string) (*websocket.Conn, error) {
	url := wsURL(c.baseURL) + "/v1/conversations/" + conversationID + "/stream"
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func wsURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}
