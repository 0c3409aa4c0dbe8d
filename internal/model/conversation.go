package model

import "time"

// User is the counterpart descriptor attached to a conversation summary.
// Presence metadata is supplied by the server, never computed locally.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	AvatarURL    string     `json:"avatarUrl,omitempty"`
	Online       bool       `json:"online"`
	LastActiveAt *time.Time `json:"lastActiveAt,omitempty"`
}

// LastMessage is the snapshot of the most recent message in a conversation.
type LastMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the summary entry of the conversation list. Unread maps
// each participant's user ID to their unread count, exactly one entry per
// participant; the server owns the counters.
type Conversation struct {
	ID          string         `json:"id"`
	Participant User           `json:"participant"`
	LastMessage *LastMessage   `json:"lastMessage,omitempty"`
	Unread      map[string]int `json:"unread"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// ActivityTime is the recency key used to order the conversation list and to
// page it backward: the last message timestamp when present, UpdatedAt otherwise.
func (c *Conversation) ActivityTime() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.Timestamp
	}
	return c.UpdatedAt
}

// Clone returns a deep copy so callers can hand summaries out of a store
// without aliasing the stored record.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	if c.LastMessage != nil {
		lm := *c.LastMessage
		cp.LastMessage = &lm
	}
	if c.Unread != nil {
		cp.Unread = make(map[string]int, len(c.Unread))
		for k, v := range c.Unread {
			cp.Unread[k] = v
		}
	}
	return &cp
}
