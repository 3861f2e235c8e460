// Package api is the daemon's local HTTP surface, served over the session
// Unix socket. Clients (terminal UI, scripts) talk JSON here; everything
// stateful happens in the session manager behind it.
package api

import (
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/thread"
)

type replyView struct {
	MsgID    string `json:"msg_id"`
	Kind     string `json:"kind"`
	Preview  string `json:"preview"`
	SenderID string `json:"sender_id"`
}

type messageView struct {
	ClientToken    string     `json:"client_token"`
	MsgID          string     `json:"msg_id"`
	SenderID       string     `json:"sender_id"`
	Kind           string     `json:"kind"`
	Body           string     `json:"body,omitempty"`
	MediaRefs      []string   `json:"media_refs,omitempty"`
	LocalMediaURIs []string   `json:"local_media_uris,omitempty"`
	DurationSecs   float64    `json:"duration_secs,omitempty"`
	Reply          *replyView `json:"reply,omitempty"`
	CreatedAt      int64      `json:"created_at,omitempty"`
	Edited         bool       `json:"edited"`
	Deleted        bool       `json:"deleted"`
	IsRead         bool       `json:"is_read"`
	Synced         bool       `json:"synced"`
	State          string     `json:"state"`
}

type conversationView struct {
	ID                string `json:"id"`
	PeerID            string `json:"peer_id"`
	LastMessageBody   string `json:"last_message_body,omitempty"`
	LastMessageAt     int64  `json:"last_message_at,omitempty"`
	LastMessageSender string `json:"last_message_sender,omitempty"`
	UnreadCount       int    `json:"unread_count"`
}

type itemView struct {
	Message         *messageView `json:"message,omitempty"`
	UnreadSeparator bool         `json:"unread_separator,omitempty"`
}

type sectionView struct {
	Label string     `json:"label"`
	Items []itemView `json:"items"`
}

func toMessageView(m *store.Message) *messageView {
	v := &messageView{
		ClientToken:    m.ClientToken,
		MsgID:          m.MsgID,
		SenderID:       m.SenderID,
		Kind:           m.Kind,
		Body:           m.Body,
		MediaRefs:      m.MediaRefs,
		LocalMediaURIs: m.LocalMediaURIs,
		DurationSecs:   m.DurationSecs,
		CreatedAt:      m.CreatedAt,
		Edited:         m.Edited,
		Deleted:        m.Deleted,
		IsRead:         m.IsRead,
		Synced:         m.Synced,
		State:          m.State,
	}
	if m.Deleted {
		// Tombstones keep their slot but never leak content.
		v.Body = ""
		v.MediaRefs = nil
		v.LocalMediaURIs = nil
	}
	if m.Reply != nil {
		v.Reply = &replyView{
			MsgID:    m.Reply.MsgID,
			Kind:     m.Reply.Kind,
			Preview:  m.Reply.Preview,
			SenderID: m.Reply.SenderID,
		}
	}
	return v
}

func toConversationView(c *store.Conversation, selfID string) conversationView {
	return conversationView{
		ID:                c.ID,
		PeerID:            c.Peer(selfID),
		LastMessageBody:   c.LastMessageBody,
		LastMessageAt:     c.LastMessageAt,
		LastMessageSender: c.LastMessageSender,
		UnreadCount:       c.UnreadCount,
	}
}

func toSectionViews(sections []thread.Section) []sectionView {
	out := make([]sectionView, 0, len(sections))
	for _, s := range sections {
		sv := sectionView{Label: s.Label, Items: make([]itemView, 0, len(s.Items))}
		for _, item := range s.Items {
			iv := itemView{UnreadSeparator: item.UnreadSeparator}
			if item.Message != nil {
				iv.Message = toMessageView(item.Message)
			}
			sv.Items = append(sv.Items, iv)
		}
		out = append(out, sv)
	}
	return out
}
