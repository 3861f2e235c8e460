package store

import (
	"database/sql"
	"time"
)

// EnsureConversation inserts the conversation row for a participant pair if
// it does not exist yet and returns it. Repeated calls for the same
// unordered pair always resolve to the same row.
func (db *DB) EnsureConversation(a, b string) (*Conversation, error) {
	id := PairID(a, b)
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, participant_lo, participant_hi, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, lo, hi, now)
	if err != nil {
		return nil, err
	}
	return db.GetConversation(id)
}

// GetConversation returns a single conversation, or nil if unknown.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, participant_lo, participant_hi, last_message_body,
			last_message_at, last_message_sender, unread_count, last_seen_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.ParticipantLo, &c.ParticipantHi, &c.LastMessageBody,
			&c.LastMessageAt, &c.LastMessageSender, &c.UnreadCount, &c.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns conversations sorted by last activity descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participant_lo, participant_hi, last_message_body,
			last_message_at, last_message_sender, unread_count, last_seen_at
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.ParticipantLo, &c.ParticipantHi, &c.LastMessageBody,
			&c.LastMessageAt, &c.LastMessageSender, &c.UnreadCount, &c.LastSeenAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// TouchLastMessage updates the denormalized list preview for a conversation.
func (db *DB) TouchLastMessage(id, body, senderID string, at int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations
		SET last_message_body = ?, last_message_at = MAX(last_message_at, ?),
			last_message_sender = ?, updated_at = ?
		WHERE id = ?`,
		truncate(body, 100), at, senderID, now, id)
	return err
}

// IncrementUnread bumps the local participant's unread counter.
func (db *DB) IncrementUnread(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET unread_count = unread_count + 1, updated_at = ?
		WHERE id = ?`, now, id)
	return err
}

// ResetUnread clears the unread counter and records when the local
// participant last saw the conversation.
func (db *DB) ResetUnread(id string, seenAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations
		SET unread_count = 0, last_seen_at = MAX(last_seen_at, ?), updated_at = ?
		WHERE id = ?`, seenAt, now, id)
	return err
}

// RecountUnread derives the unread counter from the message rows and
// records when the local participant last saw the conversation. Used
// after partial read-marking, where some inbound messages may stay unread.
func (db *DB) RecountUnread(id, selfID string, seenAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations
		SET unread_count = (
			SELECT COUNT(*) FROM messages
			WHERE conversation_id = ? AND sender_id != ? AND is_read = 0
		), last_seen_at = MAX(last_seen_at, ?), updated_at = ?
		WHERE id = ?`, id, selfID, seenAt, now, id)
	return err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
