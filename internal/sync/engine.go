// Package sync keeps the session-wide conversation list converged. Three
// producers feed it: the send pipeline, the chat channel and the
// notification channel. All of them land in one handler goroutine here, so
// every mutation goes through the same id-based upsert on the list.
package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skillmart/chatsync/internal/bus"
	"github.com/skillmart/chatsync/internal/cache"
	"github.com/skillmart/chatsync/internal/model"
	"github.com/skillmart/chatsync/internal/outbox"
	"github.com/skillmart/chatsync/internal/readtrack"
	"github.com/skillmart/chatsync/internal/store"
	"github.com/skillmart/chatsync/internal/transport"
)

// Lister performs the conversation list REST call.
type Lister interface {
	Conversations(ctx context.Context, userID string, before time.Time, limit int) ([]*model.Conversation, error)
}

// Engine reconciles the conversation list and mirrors it into the cache.
type Engine struct {
	userID string
	convs  *store.ConversationList
	lister Lister
	cache  *cache.DB // optional
	bus    *bus.Bus
	logger *zap.Logger
	limit  int

	mu       sync.Mutex
	cursor   time.Time
	hasMore  bool
	primed   bool
	inFlight bool

	cancel context.CancelFunc
	unsubs []func()
}

// NewEngine creates an engine. cacheDB may be nil to disable the mirror.
func NewEngine(userID string, convs *store.ConversationList, lister Lister, cacheDB *cache.DB, b *bus.Bus, logger *zap.Logger, pageSize int) *Engine {
	return &Engine{
		userID: userID,
		convs:  convs,
		lister: lister,
		cache:  cacheDB,
		bus:    b,
		logger: logger,
		limit:  pageSize,
	}
}

// WarmStart seeds the list from the cache so a restarted client has
// something to show before the first fetch completes.
func (e *Engine) WarmStart() {
	if e.cache == nil {
		return
	}
	convs, err := e.cache.ListConversations(e.limit)
	if err != nil {
		e.logger.Warn("cache warm start failed", zap.Error(err))
		return
	}
	if len(convs) == 0 {
		return
	}
	e.convs.Replace(convs)
	e.logger.Info("conversation list warm-started", zap.Int("conversations", len(convs)))
	e.publishUpdated()
}

// Start subscribes to both push channels and the send pipeline.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	chatCh, unsubChat := e.bus.Subscribe("chat.", 256)
	notifyCh, unsubNotify := e.bus.Subscribe("notify.", 256)
	ackCh, unsubAck := e.bus.Subscribe("message.send_ack", 64)
	readCh, unsubRead := e.bus.Subscribe("convlist.read_synced", 64)
	e.unsubs = []func(){unsubChat, unsubNotify, unsubAck, unsubRead}

	go func() {
		for {
			select {
			case evt := <-chatCh:
				e.handle(ctx, evt)
			case evt := <-notifyCh:
				e.handle(ctx, evt)
			case evt := <-ackCh:
				e.handle(ctx, evt)
			case evt := <-readCh:
				e.handle(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the handler goroutine and revokes all subscriptions.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
}

// Refresh replaces the list with the newest page. Concurrent calls coalesce
// into the single in-flight fetch.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		return nil
	}
	e.inFlight = true
	e.mu.Unlock()

	convs, err := e.lister.Conversations(ctx, e.userID, time.Time{}, e.limit)

	e.mu.Lock()
	e.inFlight = false
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.primed = true
	e.hasMore = len(convs) >= e.limit
	e.mu.Unlock()

	e.convs.Replace(convs)
	e.setCursorToOldest()
	for _, c := range convs {
		e.cacheConversation(c)
	}
	e.publishUpdated()
	return nil
}

// LoadOlder pages the list backward with the same cursor-on-timestamp
// mechanics and short-page heuristic as message history.
func (e *Engine) LoadOlder(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if !e.primed || !e.hasMore || e.inFlight {
		e.mu.Unlock()
		return false, nil
	}
	e.inFlight = true
	cursor := e.cursor
	e.mu.Unlock()

	convs, err := e.lister.Conversations(ctx, e.userID, cursor, e.limit)

	e.mu.Lock()
	e.inFlight = false
	if err != nil {
		e.mu.Unlock()
		return false, err
	}
	e.hasMore = len(convs) >= e.limit
	e.mu.Unlock()

	e.convs.AppendOlder(convs)
	e.setCursorToOldest()
	for _, c := range convs {
		e.cacheConversation(c)
	}
	e.publishUpdated()
	return true, nil
}

// HasMore reports whether older conversations are believed to exist.
func (e *Engine) HasMore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasMore
}

func (e *Engine) handle(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case transport.KindChatMessage:
		m, ok := evt.Payload.(*model.Message)
		if !ok {
			return
		}
		e.applyPushedMessage(ctx, m)

	case transport.KindChatRead:
		rr, ok := evt.Payload.(*transport.ReadReceipt)
		if !ok || rr.Conversation == nil {
			return
		}
		e.applyCounters(rr.Conversation)

	case transport.KindNotifyAlert:
		p, ok := evt.Payload.(*transport.ChatAlert)
		if !ok {
			return
		}
		e.applyListDelta(ctx, p.Message, p.Conversation, p.IsNewConversation)

	case transport.KindNotifyListUpdate:
		p, ok := evt.Payload.(*transport.ListUpdate)
		if !ok {
			return
		}
		e.applyListDelta(ctx, p.Message, p.Conversation, p.IsNewConversation)

	case transport.KindNotifyConvRead:
		p, ok := evt.Payload.(*transport.ConversationRead)
		if !ok || p.Conversation == nil {
			return
		}
		// Counterpart read: counters only, never last-message content.
		e.applyCounters(p.Conversation)

	case "message.send_ack":
		ack, ok := evt.Payload.(*outbox.Ack)
		if !ok {
			return
		}
		if ack.Conversation != nil {
			e.convs.Upsert(ack.Conversation)
			e.cacheConversation(ack.Conversation)
		}
		if ack.Message != nil {
			e.cacheMessage(ack.Message)
		}
		e.publishUpdated()

	case "convlist.read_synced":
		p, ok := evt.Payload.(*readtrack.CountersUpdate)
		if !ok || p.Conversation == nil {
			return
		}
		e.applyCounters(p.Conversation)
	}
}

// applyPushedMessage bumps the conversation for a chat-channel push. An
// unknown conversation means the delta cannot be applied locally, so the
// whole list is refetched.
func (e *Engine) applyPushedMessage(ctx context.Context, m *model.Message) {
	e.cacheMessage(m)
	if !e.convs.Touch(m) {
		go e.refetch(ctx)
		return
	}
	if c, ok := e.convs.Get(m.ConversationID); ok {
		e.cacheConversation(c)
	}
	e.publishUpdated()
}

// applyListDelta handles notification-channel message events for any
// conversation, joined or not.
func (e *Engine) applyListDelta(ctx context.Context, m *model.Message, c *model.Conversation, isNew bool) {
	if m != nil {
		e.cacheMessage(m)
	}
	known := false
	if c != nil {
		_, known = e.convs.Get(c.ID)
	}
	if isNew || c == nil || !known {
		go e.refetch(ctx)
		return
	}
	e.convs.Upsert(c)
	e.cacheConversation(c)
	e.publishUpdated()
}

func (e *Engine) applyCounters(c *model.Conversation) {
	if !e.convs.SetUnread(c.ID, c.Unread) {
		return
	}
	if stored, ok := e.convs.Get(c.ID); ok {
		e.cacheConversation(stored)
	}
	e.publishUpdated()
}

func (e *Engine) refetch(ctx context.Context) {
	if err := e.Refresh(ctx); err != nil {
		e.logger.Warn("conversation list refetch failed", zap.Error(err))
	}
}

func (e *Engine) setCursorToOldest() {
	if ts, ok := e.convs.OldestActivity(); ok {
		e.mu.Lock()
		e.cursor = ts
		e.mu.Unlock()
	}
}

func (e *Engine) cacheConversation(c *model.Conversation) {
	if e.cache == nil {
		return
	}
	if err := e.cache.UpsertConversation(c); err != nil {
		e.logger.Warn("cache conversation write failed", zap.Error(err), zap.String("conversation", c.ID))
	}
}

func (e *Engine) cacheMessage(m *model.Message) {
	if e.cache == nil || m == nil || m.Pending || m.Failed {
		return
	}
	if err := e.cache.UpsertMessage(m); err != nil {
		e.logger.Warn("cache message write failed", zap.Error(err), zap.String("msg_id", m.ID))
	}
}

func (e *Engine) publishUpdated() {
	e.bus.Publish(bus.At("convlist.updated", e.convs.Len()))
}
