package store

import (
	"sort"
	"strings"
)

// Message kinds.
const (
	KindText  = "text"
	KindImage = "image"
	KindAudio = "audio"
)

// Message states. A message moves through exactly one of these at a time;
// boolean flag combinations never encode the lifecycle.
const (
	StatePendingLocal = "pending_local" // created optimistically, not submitted
	StateUploading    = "uploading"     // media still going to blob storage
	StateSubmitted    = "submitted"     // create request in flight
	StateSynced       = "synced"        // canonical id and timestamp assigned
)

// Conversation is the two-party container, viewed from the local user.
// UnreadCount and LastSeenAt are the local participant's own counters;
// the peer's live in the remote store.
type Conversation struct {
	ID                string
	ParticipantLo     string
	ParticipantHi     string
	LastMessageBody   string
	LastMessageAt     int64
	LastMessageSender string
	UnreadCount       int
	LastSeenAt        int64
}

// PairID derives the canonical conversation id for an unordered pair of
// user ids. Both participants compute the same id, which makes lazy
// conversation creation idempotent by construction.
func PairID(a, b string) string {
	p := []string{a, b}
	sort.Strings(p)
	return strings.Join(p, "~")
}

// Peer returns the other participant.
func (c *Conversation) Peer(selfID string) string {
	if c.ParticipantLo == selfID {
		return c.ParticipantHi
	}
	return c.ParticipantLo
}

// ReplyRef is a denormalized snapshot of a replied-to message. It is a
// copy, not a reference: it survives the original being edited or deleted.
type ReplyRef struct {
	MsgID    string
	Kind     string
	Preview  string
	SenderID string
}

// Message is one entry in a conversation. ClientToken is the idempotency
// token that unifies the local and canonical identifier spaces: locally
// created messages mint it, inbound messages reuse their canonical id.
// MsgID equals ClientToken until the remote store assigns the canonical id.
// CreatedAt of 0 means not yet timestamped by the server.
type Message struct {
	RowID          int64
	ConversationID string
	ClientToken    string
	MsgID          string
	SenderID       string
	Kind           string
	Body           string
	MediaRefs      []string
	LocalMediaURIs []string
	DurationSecs   float64
	Reply          *ReplyRef
	CreatedAt      int64
	Edited         bool
	Deleted        bool
	IsRead         bool
	Synced         bool
	State          string
}

// OutboxEntry is a queued outgoing message waiting for connectivity.
type OutboxEntry struct {
	ID             int64
	ClientToken    string
	ConversationID string
	Kind           string
	Body           string
	LocalMediaURIs []string
	DurationSecs   float64
	Reply          *ReplyRef
	Status         string // queued, replaying
	CreatedAt      int64
}

// Profile is a cached profile-service read.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Phone       string
	Online      bool
	FetchedAt   int64
}
