package store

import (
	"database/sql"
	"encoding/json"
)

// UpsertMessage inserts or updates a message, idempotent on
// (conversation_id, client_token). Replaying the same event is a no-op
// beyond refreshing mutable fields.
func (db *DB) UpsertMessage(m *Message) error {
	refs, err := json.Marshal(m.MediaRefs)
	if err != nil {
		return err
	}
	localURIs, err := json.Marshal(m.LocalMediaURIs)
	if err != nil {
		return err
	}
	var reply ReplyRef
	if m.Reply != nil {
		reply = *m.Reply
	}
	var createdAt any
	if m.CreatedAt > 0 {
		createdAt = m.CreatedAt
	}
	_, err = db.Exec(`
		INSERT INTO messages (conversation_id, client_token, msg_id, sender_id, kind, body,
			media_refs, local_media_uris, duration_secs,
			reply_msg_id, reply_kind, reply_preview, reply_sender_id,
			created_at, edited, deleted, is_read, synced, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, client_token) DO UPDATE SET
			msg_id = excluded.msg_id,
			body = excluded.body,
			media_refs = excluded.media_refs,
			local_media_uris = excluded.local_media_uris,
			created_at = COALESCE(excluded.created_at, messages.created_at),
			edited = excluded.edited,
			deleted = excluded.deleted,
			is_read = excluded.is_read,
			synced = excluded.synced,
			state = excluded.state`,
		m.ConversationID, m.ClientToken, m.MsgID, m.SenderID, m.Kind, m.Body,
		string(refs), string(localURIs), m.DurationSecs,
		reply.MsgID, reply.Kind, reply.Preview, reply.SenderID,
		createdAt, m.Edited, m.Deleted, m.IsRead, m.Synced, m.State)
	return err
}

// RemoveMessage deletes a message row. Used only to withdraw a failed
// optimistic entry; confirmed messages are tombstoned, never removed.
func (db *DB) RemoveMessage(conversationID, clientToken string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND client_token = ?`,
		conversationID, clientToken)
	return err
}

// MarkMessagesRead flips is_read for the given tokens.
func (db *DB) MarkMessagesRead(conversationID string, tokens []string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, token := range tokens {
		if _, err := tx.Exec(`
			UPDATE messages SET is_read = 1
			WHERE conversation_id = ? AND client_token = ?`, conversationID, token); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListMessages returns a conversation's messages in canonical order:
// server-timestamped ascending, then unsynced entries in creation order.
func (db *DB) ListMessages(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, client_token, msg_id, sender_id, kind, body,
			media_refs, local_media_uris, duration_secs,
			reply_msg_id, reply_kind, reply_preview, reply_sender_id,
			created_at, edited, deleted, is_read, synced, state
		FROM messages
		WHERE conversation_id = ?
		ORDER BY synced DESC, CASE WHEN synced = 1 THEN created_at ELSE id END ASC, id ASC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var (
		m         Message
		refs      string
		localURIs string
		reply     ReplyRef
		createdAt sql.NullInt64
	)
	if err := rows.Scan(&m.RowID, &m.ConversationID, &m.ClientToken, &m.MsgID, &m.SenderID,
		&m.Kind, &m.Body, &refs, &localURIs, &m.DurationSecs,
		&reply.MsgID, &reply.Kind, &reply.Preview, &reply.SenderID,
		&createdAt, &m.Edited, &m.Deleted, &m.IsRead, &m.Synced, &m.State); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(refs), &m.MediaRefs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(localURIs), &m.LocalMediaURIs); err != nil {
		return nil, err
	}
	if reply.MsgID != "" {
		m.Reply = &reply
	}
	if createdAt.Valid {
		m.CreatedAt = createdAt.Int64
	}
	return &m, nil
}
