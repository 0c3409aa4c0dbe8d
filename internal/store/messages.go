// Package store holds the in-memory state the sync engine converges:
// the message timeline of the active conversation and the session-wide
// conversation list. All producers go through the same id-based upsert,
// which is what keeps REST confirmations, socket pushes and replays from
// ever disagreeing or duplicating.
package store

import (
	"sync"
	"time"

	"github.com/skillmart/chatsync/internal/model"
)

// MessageStore is the ordered message collection for one open conversation.
// Messages are kept newest-first. The store is owned by exactly one
// conversation session and discarded wholesale on navigation away.
type MessageStore struct {
	mu    sync.RWMutex
	msgs  []*model.Message
	index map[string]int
}

// NewMessageStore creates an empty message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{index: make(map[string]int)}
}

// Prepend inserts a message as the newest entry. The caller must ensure the
// id is not already present; Upsert is the safe entry point for server data.
func (s *MessageStore) Prepend(m *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append([]*model.Message{m.Clone()}, s.msgs...)
	s.reindex()
}

// AppendOlder adds a page of history to the oldest tail, skipping ids that
// are already held. Returns the number of messages actually appended.
func (s *MessageStore) AppendOlder(batch []*model.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, m := range batch {
		if _, ok := s.index[m.ID]; ok {
			continue
		}
		s.msgs = append(s.msgs, m.Clone())
		s.index[m.ID] = len(s.msgs) - 1
		added++
	}
	return added
}

// Upsert applies a server-delivered message idempotently. If the id already
// exists the record is merged in place with pending forced false; otherwise
// the message is prepended as newest. Returns true when a new entry was
// inserted. Applying the same payload twice leaves the store unchanged.
func (s *MessageStore) Upsert(m *model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.index[m.ID]; ok {
		merge(s.msgs[i], m)
		return false
	}
	cp := m.Clone()
	cp.Pending = false
	cp.Failed = false
	s.msgs = append([]*model.Message{cp}, s.msgs...)
	s.reindex()
	return true
}

// Confirm replaces the optimistic entry identified by tempID with the
// server-confirmed message. If a socket push already delivered the confirmed
// id, the optimistic entry is removed and the existing record merged instead,
// so either arrival order converges to exactly one entry.
func (s *MessageStore) Confirm(tempID string, confirmed *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ti, hasTemp := s.index[tempID]
	if ci, ok := s.index[confirmed.ID]; ok && confirmed.ID != tempID {
		merge(s.msgs[ci], confirmed)
		if hasTemp {
			s.msgs = append(s.msgs[:ti], s.msgs[ti+1:]...)
			s.reindex()
		}
		return
	}
	if !hasTemp {
		cp := confirmed.Clone()
		cp.Pending = false
		cp.Failed = false
		s.msgs = append([]*model.Message{cp}, s.msgs...)
		s.reindex()
		return
	}
	cp := confirmed.Clone()
	cp.Pending = false
	cp.Failed = false
	s.msgs[ti] = cp
	s.reindex()
}

// MarkFailed flags the optimistic entry as terminally failed. The entry stays
// visible so the user can retry; it is never silently dropped.
func (s *MessageStore) MarkFailed(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[tempID]
	if !ok {
		return false
	}
	s.msgs[i].Pending = false
	s.msgs[i].Failed = true
	return true
}

// MarkPending re-flags a failed entry as pending ahead of a manual retry.
func (s *MessageStore) MarkPending(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[tempID]
	if !ok {
		return false
	}
	s.msgs[i].Pending = true
	s.msgs[i].Failed = false
	return true
}

// ApplyCounterpartRead marks messages not sent by readerID as read, from the
// message identified by upToID through the oldest entry. An unknown upToID
// marks the whole timeline. Returns the number of messages changed.
func (s *MessageStore) ApplyCounterpartRead(readerID, upToID string, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if i, ok := s.index[upToID]; ok {
		start = i
	}
	changed := 0
	for _, m := range s.msgs[start:] {
		if m.SenderID == readerID || m.Read {
			continue
		}
		m.Read = true
		ts := at
		m.ReadAt = &ts
		changed++
	}
	return changed
}

// LatestReadFrom returns the newest message sent by senderID that the
// counterpart has read. Drives the "seen" indicator.
func (s *MessageStore) LatestReadFrom(senderID string) (*model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.msgs {
		if m.SenderID == senderID && m.Read && !m.Pending && !m.Failed {
			return m.Clone(), true
		}
	}
	return nil, false
}

// Get returns a copy of the message with the given id.
func (s *MessageStore) Get(id string) (*model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i, ok := s.index[id]; ok {
		return s.msgs[i].Clone(), true
	}
	return nil, false
}

// Exists reports whether a message with the given id is held.
func (s *MessageStore) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Len returns the number of held messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Snapshot returns a newest-first copy of the timeline.
func (s *MessageStore) Snapshot() []*model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Clone()
	}
	return out
}

// OldestTimestamp returns the timestamp of the oldest held message. This is
// the pagination cursor for backward history fetches.
func (s *MessageStore) OldestTimestamp() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.msgs) == 0 {
		return time.Time{}, false
	}
	return s.msgs[len(s.msgs)-1].Timestamp, true
}

// merge folds an incoming server record into an existing one in place.
// Fields are last-write-wins; pending can only ever be cleared here.
func merge(dst, src *model.Message) {
	dst.Content = src.Content
	dst.Type = src.Type
	dst.SenderID = src.SenderID
	if src.Attachment != nil {
		att := *src.Attachment
		dst.Attachment = &att
	}
	if !src.Timestamp.IsZero() {
		dst.Timestamp = src.Timestamp
	}
	dst.Read = src.Read
	if src.ReadAt != nil {
		at := *src.ReadAt
		dst.ReadAt = &at
	}
	dst.Pending = false
	dst.Failed = false
}

func (s *MessageStore) reindex() {
	s.index = make(map[string]int, len(s.msgs))
	for i, m := range s.msgs {
		s.index[m.ID] = i
	}
}
