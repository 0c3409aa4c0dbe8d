package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/skillmart/chatsync/internal/bus"
	"github.com/skillmart/chatsync/internal/model"
)

// Bus event kinds published by the two channels. Everything a channel emits
// is decoded into one of these tagged variants at the boundary; malformed
// payloads are rejected here and never reach the stores.
const (
	KindChatMessage      = "chat.message"
	KindChatRead         = "chat.read"
	KindChatTyping       = "chat.typing"
	KindNotifyNew        = "notify.new"
	KindNotifyAlert      = "notify.alert"
	KindNotifyListUpdate = "notify.list_update"
	KindNotifyConvRead   = "notify.conversation_read"
)

// envelope is the wire format for every event on both channels.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ReadReceipt is delivered on the chat channel when the counterpart reads
// messages in the joined conversation.
type ReadReceipt struct {
	Conversation      *model.Conversation `json:"conversation"`
	ReadByUserID      string              `json:"readByUserId"`
	ReadUpToMessageID string              `json:"readUpToMessageId"`
	ReadAt            time.Time           `json:"readAt"`
}

// Typing is delivered on the chat channel while the counterpart is typing.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// Notification is a general-purpose notification on the notification channel.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatAlert announces a new message in some conversation of the user,
// joined or not.
type ChatAlert struct {
	Message           *model.Message      `json:"message"`
	Conversation      *model.Conversation `json:"conversation"`
	IsNewConversation bool                `json:"isNewConversation"`
	Type              string              `json:"type"`
}

// ListUpdate carries a conversation list delta for a new message.
type ListUpdate struct {
	Message           *model.Message      `json:"message"`
	Conversation      *model.Conversation `json:"conversation"`
	IsNewConversation bool                `json:"isNewConversation"`
}

// ConversationRead is emitted when the counterpart reads messages this user
// sent; it only ever affects unread counters.
type ConversationRead struct {
	Conversation *model.Conversation `json:"conversation"`
	ReadByUserID string              `json:"readByUserId"`
}

// DecodeFunc turns a server event into a bus event. ok is false for event
// names the channel does not carry.
type DecodeFunc func(event string, data json.RawMessage) (bus.Event, bool, error)

// DecodeChatEvent decodes the per-conversation chat channel events.
func DecodeChatEvent(event string, data json.RawMessage) (bus.Event, bool, error) {
	switch event {
	case "message:send":
		var p struct {
			Message *model.Message `json:"message"`
		}
		if err := json.Unmarshal(data, &p); err != nil || p.Message == nil || p.Message.ID == "" {
			return bus.Event{}, false, fmt.Errorf("malformed message:send payload")
		}
		return bus.At(KindChatMessage, p.Message), true, nil
	case "message:read":
		var p ReadReceipt
		if err := json.Unmarshal(data, &p); err != nil || p.Conversation == nil || p.ReadByUserID == "" {
			return bus.Event{}, false, fmt.Errorf("malformed message:read payload")
		}
		return bus.At(KindChatRead, &p), true, nil
	case "typing":
		var p Typing
		if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
			return bus.Event{}, false, fmt.Errorf("malformed typing payload")
		}
		return bus.At(KindChatTyping, &p), true, nil
	}
	return bus.Event{}, false, nil
}

// DecodeNotifyEvent decodes the session-wide notification channel events.
func DecodeNotifyEvent(event string, data json.RawMessage) (bus.Event, bool, error) {
	switch event {
	case "notification:new":
		var p Notification
		if err := json.Unmarshal(data, &p); err != nil {
			return bus.Event{}, false, fmt.Errorf("malformed notification:new payload")
		}
		return bus.At(KindNotifyNew, &p), true, nil
	case "chat:alert":
		var p ChatAlert
		if err := json.Unmarshal(data, &p); err != nil || p.Message == nil {
			return bus.Event{}, false, fmt.Errorf("malformed chat:alert payload")
		}
		return bus.At(KindNotifyAlert, &p), true, nil
	case "chat:list_update":
		var p ListUpdate
		if err := json.Unmarshal(data, &p); err != nil || p.Message == nil {
			return bus.Event{}, false, fmt.Errorf("malformed chat:list_update payload")
		}
		return bus.At(KindNotifyListUpdate, &p), true, nil
	case "conversation:read":
		var p ConversationRead
		if err := json.Unmarshal(data, &p); err != nil || p.Conversation == nil || p.ReadByUserID == "" {
			return bus.Event{}, false, fmt.Errorf("malformed conversation:read payload")
		}
		return bus.At(KindNotifyConvRead, &p), true, nil
	}
	return bus.Event{}, false, nil
}
