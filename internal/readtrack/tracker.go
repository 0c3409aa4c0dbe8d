// Package readtrack drives the mark-read protocol for the open conversation.
package readtrack

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/skillmart/chatsync/internal/api"
	"github.com/skillmart/chatsync/internal/bus"
	"github.com/skillmart/chatsync/internal/model"
	"github.com/skillmart/chatsync/internal/store"
)

// Marker performs the mark-read REST call.
type Marker interface {
	MarkRead(ctx context.Context, conversationID string) (*api.MarkReadResponse, error)
}

// CountersUpdate is the payload of convlist.read_synced events; the consumer
// folds the fresh counters into the conversation list.
type CountersUpdate struct {
	Conversation *model.Conversation
	ReadByUserID string
}

// Tracker keeps a needs-sync flag that is raised by every incoming message
// from the counterpart and cleared only once a mark-read call succeeds. At
// most one call is outstanding; arrivals during the call re-raise the flag
// via a generation counter, so a read event is eventually sent after any new
// incoming message while already-read conversations cause no traffic.
type Tracker struct {
	conversationID string
	userID         string
	msgs           *store.MessageStore
	marker         Marker
	bus            *bus.Bus
	logger         *zap.Logger

	mu        sync.Mutex
	needsSync bool
	inFlight  bool
	gen       uint64
}

// New creates a tracker for one conversation.
func New(conversationID, userID string, msgs *store.MessageStore, marker Marker, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		conversationID: conversationID,
		userID:         userID,
		msgs:           msgs,
		marker:         marker,
		bus:            b,
		logger:         logger,
	}
}

// Observe inspects a newly received message and raises the needs-sync flag
// when its sender is not the current user.
func (t *Tracker) Observe(m *model.Message) {
	if m.SenderID == t.userID {
		return
	}
	t.mu.Lock()
	t.needsSync = true
	t.gen++
	t.mu.Unlock()
}

// Prime raises the flag unconditionally, used when a conversation with a
// non-zero unread count is opened.
func (t *Tracker) Prime() {
	t.mu.Lock()
	t.needsSync = true
	t.gen++
	t.mu.Unlock()
}

// NeedsSync reports whether a mark-read call is still owed.
func (t *Tracker) NeedsSync() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.needsSync
}

// Sync issues a mark-read call if one is owed and none is outstanding.
// Returns true when a call was made and succeeded. The flag is cleared only
// on success, and only if no new arrival re-raised it during the call; a
// failure leaves it raised so the next arrival or caller retries.
func (t *Tracker) Sync(ctx context.Context) (bool, error) {
	t.mu.Lock()
	if !t.needsSync || t.inFlight {
		t.mu.Unlock()
		return false, nil
	}
	t.inFlight = true
	startGen := t.gen
	t.mu.Unlock()

	resp, err := t.marker.MarkRead(ctx, t.conversationID)

	t.mu.Lock()
	t.inFlight = false
	if err == nil && t.gen == startGen {
		t.needsSync = false
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("mark-read failed", zap.Error(err), zap.String("conversation", t.conversationID))
		return false, err
	}

	t.bus.Publish(bus.At("convlist.read_synced", &CountersUpdate{
		Conversation: resp.Conversation,
		ReadByUserID: resp.ReadByUserID,
	}))
	return true, nil
}

// SeenByCounterpart returns the newest message sent by the current user that
// the counterpart has read, for the "seen" indicator. This is independent of
// the mark-read direction above.
func (t *Tracker) SeenByCounterpart() (*model.Message, bool) {
	return t.msgs.LatestReadFrom(t.userID)
}
