// Package conversation owns the state of the currently open conversation:
// one session object holds the message store, the send queue, the pager and
// the read tracker, and is discarded wholesale when the user navigates away.
package conversation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skillmart/chatsync/internal/bus"
	"github.com/skillmart/chatsync/internal/model"
	"github.com/skillmart/chatsync/internal/outbox"
	"github.com/skillmart/chatsync/internal/readtrack"
	"github.com/skillmart/chatsync/internal/store"
	"github.com/skillmart/chatsync/internal/transport"
)

// Backend is the REST surface a session needs.
type Backend interface {
	outbox.Poster
	readtrack.Marker
	HistoryFetcher
}

// RoomControl joins and leaves rooms on the chat channel.
type RoomControl interface {
	Join(ctx context.Context, room string) error
	Leave(ctx context.Context, room string) error
}

// Config carries the collaborators shared across sessions.
type Config struct {
	UserID   string
	Backend  Backend
	Rooms    RoomControl
	Convs    *store.ConversationList
	Bus      *bus.Bus
	Logger   *zap.Logger
	PageSize int
}

// Session is the per-conversation state object. Opening a session joins the
// conversation room and loads the first history page; closing it leaves the
// room and revokes the push subscription exactly once, so a reopened
// conversation never double-handles events.
type Session struct {
	id     string
	userID string

	msgs    *store.MessageStore
	queue   *outbox.Queue
	tracker *readtrack.Tracker
	pager   *Pager

	rooms  RoomControl
	bus    *bus.Bus
	logger *zap.Logger

	unsub     func()
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Open creates the session for one conversation and brings it live.
func Open(ctx context.Context, conversationID string, cfg Config) (*Session, error) {
	msgs := store.NewMessageStore()
	s := &Session{
		id:      conversationID,
		userID:  cfg.UserID,
		msgs:    msgs,
		queue:   outbox.New(conversationID, cfg.UserID, msgs, cfg.Backend, cfg.Bus, cfg.Logger),
		tracker: readtrack.New(conversationID, cfg.UserID, msgs, cfg.Backend, cfg.Bus, cfg.Logger),
		pager:   NewPager(conversationID, msgs, cfg.Backend, cfg.PageSize),
		rooms:   cfg.Rooms,
		bus:     cfg.Bus,
		logger:  cfg.Logger.With(zap.String("conversation", conversationID)),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	ch, unsub := cfg.Bus.Subscribe("chat.", 256)
	s.unsub = unsub
	go s.loop(runCtx, ch)

	s.queue.Start(runCtx)

	if err := s.rooms.Join(ctx, conversationID); err != nil {
		s.logger.Warn("room join deferred", zap.Error(err))
	}

	if err := s.pager.LoadInitial(ctx); err != nil {
		s.Close()
		return nil, err
	}

	// Opening a conversation with unread incoming messages owes the server
	// a read receipt; an already-read one causes no traffic.
	if c, ok := cfg.Convs.Get(conversationID); ok && c.Unread[cfg.UserID] > 0 {
		s.tracker.Prime()
		go s.syncRead(runCtx)
	}

	s.logger.Info("conversation opened", zap.Int("history", msgs.Len()))
	return s, nil
}

// ID returns the conversation id.
func (s *Session) ID() string {
	return s.id
}

// Messages exposes the session's message store.
func (s *Session) Messages() *store.MessageStore {
	return s.msgs
}

// Send enqueues an optimistic message behind any entries already queued.
func (s *Session) Send(content string, att *model.Attachment) (*model.Message, error) {
	return s.queue.Enqueue(content, att)
}

// Retry re-enqueues a failed send.
func (s *Session) Retry(tempID string) error {
	return s.queue.Retry(tempID)
}

// LoadOlder pages the history backward. See Pager.LoadOlder.
func (s *Session) LoadOlder(ctx context.Context) (bool, error) {
	return s.pager.LoadOlder(ctx)
}

// HasMoreHistory reports whether older pages are believed to exist.
func (s *Session) HasMoreHistory() bool {
	return s.pager.HasMore()
}

// SeenByCounterpart returns the newest own message the counterpart has read.
func (s *Session) SeenByCounterpart() (*model.Message, bool) {
	return s.tracker.SeenByCounterpart()
}

// Close tears the session down: the push subscription is revoked, the queue
// worker stops, and an explicit leave is emitted for the room. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.unsub()
		s.cancel()
		s.queue.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.rooms.Leave(ctx, s.id); err != nil {
			s.logger.Warn("room leave failed", zap.Error(err))
		}
		s.logger.Info("conversation closed")
	})
}

func (s *Session) loop(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case evt := <-ch:
			s.handle(ctx, evt)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handle(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case transport.KindChatMessage:
		m, ok := evt.Payload.(*model.Message)
		if !ok || m.ConversationID != s.id {
			return
		}
		// Idempotent merge: a REST-confirmed copy, a replay, or a push that
		// raced the confirmation all converge to one entry.
		inserted := s.msgs.Upsert(m)
		s.bus.Publish(bus.At("message.upserted", m.Clone()))
		// Only a genuinely new counterpart message owes a receipt; replays
		// and duplicate deliveries cause no traffic.
		if inserted && m.SenderID != s.userID {
			s.tracker.Observe(m)
			go s.syncRead(ctx)
		}
	case transport.KindChatRead:
		rr, ok := evt.Payload.(*transport.ReadReceipt)
		if !ok || rr.Conversation == nil || rr.Conversation.ID != s.id {
			return
		}
		if n := s.msgs.ApplyCounterpartRead(rr.ReadByUserID, rr.ReadUpToMessageID, rr.ReadAt); n > 0 {
			s.bus.Publish(bus.At("message.read_applied", rr))
		}
	}
}

// syncRead drains the tracker: a message arriving while a mark-read call is
// in flight re-raises the flag, and the receipt it owes must go out without
// waiting for yet another arrival.
func (s *Session) syncRead(ctx context.Context) {
	for {
		made, err := s.tracker.Sync(ctx)
		if err != nil {
			// Flag stays raised; the next incoming message triggers another try.
			return
		}
		if !made || !s.tracker.NeedsSync() {
			return
		}
	}
}
