package store

import (
	"sync"
	"time"

	"github.com/skillmart/chatsync/internal/model"
)

// ConversationList is the session-wide conversation summary collection,
// ordered most-recently-active first with at most one entry per conversation
// id. It outlives any single conversation view and is mutated by the send
// pipeline, the chat channel and the notification channel, all through the
// same id-based upsert semantics.
type ConversationList struct {
	mu    sync.RWMutex
	convs []*model.Conversation
	index map[string]int
}

// NewConversationList creates an empty conversation list.
func NewConversationList() *ConversationList {
	return &ConversationList{index: make(map[string]int)}
}

// Upsert merges a summary by id and moves it to the front when its activity
// time advanced. A new id is inserted at the front.
func (l *ConversationList) Upsert(c *model.Conversation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.index[c.ID]; ok {
		existing := l.convs[i]
		moved := c.ActivityTime().After(existing.ActivityTime())
		l.convs[i] = c.Clone()
		if moved {
			l.moveToFront(i)
		}
		return
	}
	l.convs = append([]*model.Conversation{c.Clone()}, l.convs...)
	l.reindex()
}

// Touch updates the last-message snapshot from a pushed message and moves the
// conversation to the front. Unread counters are left alone; the server owns
// them and updates arrive separately. Returns false for an unknown id, in
// which case the caller needs a full refetch because the delta is unknown.
func (l *ConversationList) Touch(m *model.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[m.ConversationID]
	if !ok {
		return false
	}
	c := l.convs[i]
	if c.LastMessage != nil && c.LastMessage.ID == m.ID && !m.Timestamp.After(c.LastMessage.Timestamp) {
		return true
	}
	c.LastMessage = &model.LastMessage{
		ID:        m.ID,
		Content:   m.Preview(),
		SenderID:  m.SenderID,
		Timestamp: m.Timestamp,
	}
	c.UpdatedAt = m.Timestamp
	l.moveToFront(i)
	return true
}

// SetUnread replaces the unread counters of one conversation without touching
// its last-message snapshot or its position. Returns false for unknown ids.
func (l *ConversationList) SetUnread(conversationID string, unread map[string]int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[conversationID]
	if !ok {
		return false
	}
	counts := make(map[string]int, len(unread))
	for k, v := range unread {
		counts[k] = v
	}
	l.convs[i].Unread = counts
	return true
}

// Replace swaps the whole list for a freshly fetched page, newest first.
func (l *ConversationList) Replace(convs []*model.Conversation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.convs = make([]*model.Conversation, 0, len(convs))
	for _, c := range convs {
		l.convs = append(l.convs, c.Clone())
	}
	l.reindex()
}

// AppendOlder adds a backward page to the tail, skipping ids already held.
// Returns the number of conversations actually appended.
func (l *ConversationList) AppendOlder(batch []*model.Conversation) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	added := 0
	for _, c := range batch {
		if _, ok := l.index[c.ID]; ok {
			continue
		}
		l.convs = append(l.convs, c.Clone())
		l.index[c.ID] = len(l.convs) - 1
		added++
	}
	return added
}

// Get returns a copy of the summary for the given conversation id.
func (l *ConversationList) Get(id string) (*model.Conversation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i, ok := l.index[id]; ok {
		return l.convs[i].Clone(), true
	}
	return nil, false
}

// Len returns the number of held conversations.
func (l *ConversationList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.convs)
}

// Snapshot returns a recency-ordered copy of the list.
func (l *ConversationList) Snapshot() []*model.Conversation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*model.Conversation, len(l.convs))
	for i, c := range l.convs {
		out[i] = c.Clone()
	}
	return out
}

// OldestActivity returns the activity time of the least recent conversation,
// used as the cursor for backward list pagination.
func (l *ConversationList) OldestActivity() (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.convs) == 0 {
		return time.Time{}, false
	}
	return l.convs[len(l.convs)-1].ActivityTime(), true
}

// moveToFront and reindex are called with the lock held.
func (l *ConversationList) moveToFront(i int) {
	c := l.convs[i]
	l.convs = append(l.convs[:i], l.convs[i+1:]...)
	l.convs = append([]*model.Conversation{c}, l.convs...)
	l.reindex()
}

func (l *ConversationList) reindex() {
	l.index = make(map[string]int, len(l.convs))
	for i, c := range l.convs {
		l.index[c.ID] = i
	}
}
