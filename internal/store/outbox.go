package store

import (
	"encoding/json"
	"time"
)

// QueueOutbox appends an entry to the offline send queue.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	localURIs, err := json.Marshal(e.LocalMediaURIs)
	if err != nil {
		return err
	}
	var reply ReplyRef
	if e.Reply != nil {
		reply = *e.Reply
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	_, err = db.Exec(`
		INSERT INTO outbox (client_token, conversation_id, kind, body, local_media_uris,
			duration_secs, reply_msg_id, reply_kind, reply_preview, reply_sender_id,
			status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'queued', ?)
		ON CONFLICT(client_token) DO NOTHING`,
		e.ClientToken, e.ConversationID, e.Kind, e.Body, string(localURIs),
		e.DurationSecs, reply.MsgID, reply.Kind, reply.Preview, reply.SenderID,
		e.CreatedAt)
	return err
}

// PendingOutbox returns queued entries for a conversation in original
// creation order. Replay must submit them in exactly this order.
func (db *DB) PendingOutbox(conversationID string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_token, conversation_id, kind, body, local_media_uris,
			duration_secs, reply_msg_id, reply_kind, reply_preview, reply_sender_id,
			status, created_at
		FROM outbox WHERE conversation_id = ? AND status = 'queued'
		ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var (
			e         OutboxEntry
			localURIs string
			reply     ReplyRef
		)
		if err := rows.Scan(&e.ID, &e.ClientToken, &e.ConversationID, &e.Kind, &e.Body,
			&localURIs, &e.DurationSecs,
			&reply.MsgID, &reply.Kind, &reply.Preview, &reply.SenderID,
			&e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(localURIs), &e.LocalMediaURIs); err != nil {
			return nil, err
		}
		if reply.MsgID != "" {
			e.Reply = &reply
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClearOutbox removes an entry once its message has been confirmed.
func (db *DB) ClearOutbox(clientToken string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_token = ?`, clientToken)
	return err
}
