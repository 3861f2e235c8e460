// Package remote is the HTTP and websocket client for the hosted message
// store, blob storage and profile service. Everything here is transport;
// ordering, idempotence and merge rules live in the sync engine.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/sync"
	"go.uber.org/zap"
)

// wireMessage is the message store's JSON representation.
type wireMessage struct {
	ClientToken  string   `json:"client_token"`
	MsgID        string   `json:"msg_id"`
	SenderID     string   `json:"sender_id"`
	Kind         string   `json:"kind"`
	Body         string   `json:"body,omitempty"`
	MediaRefs    []string `json:"media_refs,omitempty"`
	DurationSecs float64  `json:"duration_secs,omitempty"`
	Reply        *struct {
		MsgID    string `json:"msg_id"`
		Kind     string `json:"kind"`
		Preview  string `json:"preview"`
		SenderID string `json:"sender_id"`
	} `json:"reply,omitempty"`
	CreatedAt int64 `json:"created_at,omitempty"`
	Edited    bool  `json:"edited,omitempty"`
	Deleted   bool  `json:"deleted,omitempty"`
	IsRead    bool  `json:"is_read,omitempty"`
}

func (w *wireMessage) toStore() store.Message {
	m := store.Message{
		ClientToken:  w.ClientToken,
		MsgID:        w.MsgID,
		SenderID:     w.SenderID,
		Kind:         w.Kind,
		Body:         w.Body,
		MediaRefs:    w.MediaRefs,
		DurationSecs: w.DurationSecs,
		CreatedAt:    w.CreatedAt,
		Edited:       w.Edited,
		Deleted:      w.Deleted,
		IsRead:       w.IsRead,
	}
	if w.Reply != nil {
		m.Reply = &store.ReplyRef{
			MsgID:    w.Reply.MsgID,
			Kind:     w.Reply.Kind,
			Preview:  w.Reply.Preview,
			SenderID: w.Reply.SenderID,
		}
	}
	return m
}

func toWire(m *store.Message) wireMessage {
	w := wireMessage{
		ClientToken:  m.ClientToken,
		SenderID:     m.SenderID,
		Kind:         m.Kind,
		Body:         m.Body,
		MediaRefs:    m.MediaRefs,
		DurationSecs: m.DurationSecs,
	}
	if m.Reply != nil {
		w.Reply = &struct {
			MsgID    string `json:"msg_id"`
			Kind     string `json:"kind"`
			Preview  string `json:"preview"`
			SenderID string `json:"sender_id"`
		}{m.Reply.MsgID, m.Reply.Kind, m.Reply.Preview, m.Reply.SenderID}
	}
	return w
}

// Client talks to the hosted message store. It implements the message
// store, typing and read-mark contracts the session manager expects.
type Client struct {
	baseURL string
	http    *http.Client
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewClient creates a message store client for the given base URL.
func NewClient(baseURL string, b *bus.Bus, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		bus:     b,
		logger:  logger,
	}
}

// EnsureConversation creates the two-party conversation if it does not
// exist. The id is derived from the pair, so concurrent calls from both
// participants converge on the same row.
func (c *Client) EnsureConversation(ctx context.Context, a, b string) error {
	convID := store.PairID(a, b)
	body := map[string]any{"participants": []string{a, b}}
	return c.do(ctx, http.MethodPut, "/v1/conversations/"+convID, body, nil)
}

// CreateMessage submits a message keyed by its client token. The server
// treats the token as an idempotency key: resubmission returns the
// canonical row created the first time.
func (c *Client) CreateMessage(ctx context.Context, m *store.Message) (*store.Message, error) {
	var out wireMessage
	path := fmt.Sprintf("/v1/conversations/%s/messages/%s", m.ConversationID, m.ClientToken)
	if err := c.do(ctx, http.MethodPut, path, toWire(m), &out); err != nil {
		return nil, err
	}
	canonical := out.toStore()
	canonical.ConversationID = m.ConversationID
	return &canonical, nil
}

// UpdateMessage applies a partial edit or tombstone to a canonical message.
func (c *Client) UpdateMessage(ctx context.Context, conversationID, msgID string, patch sync.Patch) error {
	body := map[string]any{}
	if patch.Body != nil {
		body["body"] = *patch.Body
		body["edited"] = true
	}
	if patch.Deleted != nil {
		body["deleted"] = *patch.Deleted
	}
	path := fmt.Sprintf("/v1/conversations/%s/messages/%s", conversationID, msgID)
	return c.do(ctx, http.MethodPatch, path, body, nil)
}

// MarkRead marks a batch of canonical messages read for readerID.
func (c *Client) MarkRead(ctx context.Context, conversationID string, msgIDs []string, readerID string) error {
	body := map[string]any{"msg_ids": msgIDs, "reader_id": readerID}
	return c.do(ctx, http.MethodPost, "/v1/conversations/"+conversationID+"/read", body, nil)
}

// SetTyping pushes the typing flag. Best effort by contract; the caller
// drops failures.
func (c *Client) SetTyping(ctx context.Context, conversationID, userID string, typing bool) error {
	body := map[string]any{"typing": typing}
	path := fmt.Sprintf("/v1/conversations/%s/typing/%s", conversationID, userID)
	return c.do(ctx, http.MethodPut, path, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var buf io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}
