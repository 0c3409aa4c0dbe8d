package cache

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/skillmart/chatsync/internal/model"
)

// UpsertMessage inserts or updates a message (idempotent on conversation_id + id).
// Only confirmed messages belong in the cache; pending and failed entries are
// client-local and never written here.
func (db *DB) UpsertMessage(m *model.Message) error {
	var attachment string
	if m.Attachment != nil {
		data, err := json.Marshal(m.Attachment)
		if err != nil {
			return err
		}
		attachment = string(data)
	}
	var readAt any
	if m.ReadAt != nil {
		readAt = m.ReadAt.UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, id, sender_id, type, content, attachment_json, read, read_at, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, id) DO UPDATE SET
			content = excluded.content,
			attachment_json = excluded.attachment_json,
			read = excluded.read,
			read_at = excluded.read_at,
			timestamp = excluded.timestamp`,
		m.ConversationID, m.ID, m.SenderID, string(m.Type), m.Content, attachment,
		m.Read, readAt, m.Timestamp.UnixMilli(), time.Now().UnixMilli())
	return err
}

// ListMessages returns cached messages for a conversation using keyset
// pagination by timestamp, newest first.
func (db *DB) ListMessages(conversationID string, before time.Time, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	beforeTs := before.UnixMilli()
	if before.IsZero() {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT conversation_id, id, sender_id, type, content, attachment_json, read, read_at, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*model.Message
	for rows.Next() {
		var m model.Message
		var msgType, attachment string
		var readAt sql.NullInt64
		var ts int64
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.SenderID, &msgType, &m.Content,
			&attachment, &m.Read, &readAt, &ts); err != nil {
			return nil, err
		}
		m.Type = model.MessageType(msgType)
		if attachment != "" {
			var att model.Attachment
			if err := json.Unmarshal([]byte(attachment), &att); err == nil {
				m.Attachment = &att
			}
		}
		if readAt.Valid {
			at := time.UnixMilli(readAt.Int64)
			m.ReadAt = &at
		}
		m.Timestamp = time.UnixMilli(ts)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}
