package model

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates text messages from attachment messages.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeMedia MessageType = "media"
)

// Validation errors for outbound payloads. These are rejected before anything
// is enqueued and never reach the network.
var (
	ErrEmptyContent      = errors.New("text message requires non-empty content")
	ErrInvalidAttachment = errors.New("media message requires exactly one attachment")
)

// Attachment describes an uploaded file. Upload itself is external; by the
// time a message is sent the attachment already resolved to a URL.
type Attachment struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	URL      string `json:"url,omitempty"`
}

// Message is one chat message. While Pending is true the ID is a
// client-generated token; the server assigns the permanent ID on confirmation.
// Pending and Failed are client-local state and never travel over the wire.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	Read           bool        `json:"read"`
	ReadAt         *time.Time  `json:"readAt,omitempty"`

	Pending bool `json:"-"`
	Failed  bool `json:"-"`
}

// NewOutgoing builds an optimistic message for the send queue. The type is
// resolved from the payload: an attachment makes it media, otherwise it is
// text with non-empty trimmed content. The temporary ID is a fresh UUID and
// is never reused across messages.
func NewOutgoing(conversationID, senderID, content string, att *Attachment) (*Message, error) {
	m := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Timestamp:      time.Now(),
		Pending:        true,
	}
	if att != nil {
		if att.FileName == "" || att.MimeType == "" {
			return nil, ErrInvalidAttachment
		}
		m.Type = TypeMedia
		m.Attachment = att
		return m, nil
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	m.Type = TypeText
	m.Content = content
	return m, nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Attachment != nil {
		att := *m.Attachment
		cp.Attachment = &att
	}
	if m.ReadAt != nil {
		at := *m.ReadAt
		cp.ReadAt = &at
	}
	return &cp
}

// Preview returns the content used for conversation list snapshots.
func (m *Message) Preview() string {
	if m.Type == TypeMedia {
		if m.Attachment != nil && m.Attachment.FileName != "" {
			return m.Attachment.FileName
		}
		return "[attachment]"
	}
	return m.Content
}
