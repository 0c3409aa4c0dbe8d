package cache

import (
	"encoding/json"
	"time"

	"github.com/skillmart/chatsync/internal/model"
)

// UpsertConversation inserts or updates a conversation snapshot (idempotent on id).
func (db *DB) UpsertConversation(c *model.Conversation) error {
	unread, err := json.Marshal(c.Unread)
	if err != nil {
		return err
	}
	var lmID, lmContent, lmSender string
	var lmAt int64
	if c.LastMessage != nil {
		lmID = c.LastMessage.ID
		lmContent = c.LastMessage.Content
		lmSender = c.LastMessage.SenderID
		lmAt = c.LastMessage.Timestamp.UnixMilli()
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, participant_id, participant_username, participant_avatar_url,
			last_message_id, last_message_content, last_message_sender_id, last_message_at,
			unread_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant_id = excluded.participant_id,
			participant_username = excluded.participant_username,
			participant_avatar_url = excluded.participant_avatar_url,
			last_message_id = excluded.last_message_id,
			last_message_content = excluded.last_message_content,
			last_message_sender_id = excluded.last_message_sender_id,
			last_message_at = excluded.last_message_at,
			unread_json = excluded.unread_json,
			updated_at = excluded.updated_at`,
		c.ID, c.Participant.ID, c.Participant.Username, c.Participant.AvatarURL,
		lmID, lmContent, lmSender, lmAt,
		string(unread), c.UpdatedAt.UnixMilli())
	return err
}

// ListConversations returns cached summaries sorted by recency, most recent first.
func (db *DB) ListConversations(limit int) ([]*model.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participant_id, participant_username, participant_avatar_url,
			last_message_id, last_message_content, last_message_sender_id, last_message_at,
			unread_json, updated_at
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []*model.Conversation
	for rows.Next() {
		var c model.Conversation
		var lmID, lmContent, lmSender, unread string
		var lmAt, updatedAt int64
		if err := rows.Scan(&c.ID, &c.Participant.ID, &c.Participant.Username, &c.Participant.AvatarURL,
			&lmID, &lmContent, &lmSender, &lmAt, &unread, &updatedAt); err != nil {
			return nil, err
		}
		if lmID != "" {
			c.LastMessage = &model.LastMessage{
				ID:        lmID,
				Content:   lmContent,
				SenderID:  lmSender,
				Timestamp: time.UnixMilli(lmAt),
			}
		}
		if err := json.Unmarshal([]byte(unread), &c.Unread); err != nil {
			c.Unread = map[string]int{}
		}
		c.UpdatedAt = time.UnixMilli(updatedAt)
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}
