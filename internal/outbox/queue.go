// Package outbox implements the optimistic send queue of the active
// conversation: strictly FIFO, one in-flight server write at a time.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/skillmart/chatsync/internal/api"
	"github.com/skillmart/chatsync/internal/bus"
	"github.com/skillmart/chatsync/internal/model"
	"github.com/skillmart/chatsync/internal/store"
)

// Poster performs the outbound REST write for one queue entry.
type Poster interface {
	SendMessage(ctx context.Context, req *api.SendRequest) (*api.SendResponse, error)
}

// Ack is the payload of message.send_ack events. The conversation delta is
// applied to the conversation list by whoever consumes the event.
type Ack struct {
	TempID       string
	Message      *model.Message
	Conversation *model.Conversation
}

// Failure is the payload of message.send_failed events.
type Failure struct {
	TempID string
	Err    string
}

// ErrStopped is returned by Enqueue after the queue shut down.
var ErrStopped = errors.New("send queue stopped")

type entry struct {
	tempID string
	req    *api.SendRequest
}

// Queue is the single-consumer send queue for one conversation. Entries are
// consumed exactly once and never re-queued automatically; a failed send is
// terminal for its entry and only a manual Retry puts it back, at the tail.
type Queue struct {
	conversationID string
	userID         string
	msgs           *store.MessageStore
	poster         Poster
	bus            *bus.Bus
	logger         *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	entries []entry
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a queue for the given conversation. The worker does not run
// until Start.
func New(conversationID, userID string, msgs *store.MessageStore, poster Poster, b *bus.Bus, logger *zap.Logger) *Queue {
	q := &Queue{
		conversationID: conversationID,
		userID:         userID,
		msgs:           msgs,
		poster:         poster,
		bus:            b,
		logger:         logger,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the single worker goroutine.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.done = make(chan struct{})
	q.mu.Unlock()

	go func() {
		<-ctx.Done()
		q.mu.Lock()
		q.stopped = true
		q.cond.Broadcast()
		q.mu.Unlock()
	}()
	go q.worker(ctx)
}

// Stop shuts the worker down. Entries still queued are abandoned; their
// optimistic messages stay pending.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	done := q.done
	q.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Enqueue validates the payload, prepends an optimistic pending message to
// the store and appends a queue entry behind any existing ones. Validation
// failures reject the payload before anything reaches the store or network.
func (q *Queue) Enqueue(content string, att *model.Attachment) (*model.Message, error) {
	m, err := model.NewOutgoing(q.conversationID, q.userID, content, att)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrStopped
	}
	q.msgs.Prepend(m)
	q.entries = append(q.entries, entry{
		tempID: m.ID,
		req: &api.SendRequest{
			ConversationID: q.conversationID,
			SenderID:       q.userID,
			Type:           m.Type,
			Content:        m.Content,
			Attachment:     m.Attachment,
		},
	})
	q.cond.Signal()
	q.mu.Unlock()

	q.bus.Publish(bus.At("message.upserted", m.Clone()))
	return m, nil
}

// Retry re-enqueues a failed entry at the tail, flipping it back to pending.
func (q *Queue) Retry(tempID string) error {
	m, ok := q.msgs.Get(tempID)
	if !ok {
		return fmt.Errorf("retry: unknown message %q", tempID)
	}
	if !m.Failed {
		return fmt.Errorf("retry: message %q has not failed", tempID)
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	q.msgs.MarkPending(tempID)
	q.entries = append(q.entries, entry{
		tempID: tempID,
		req: &api.SendRequest{
			ConversationID: q.conversationID,
			SenderID:       q.userID,
			Type:           m.Type,
			Content:        m.Content,
			Attachment:     m.Attachment,
		},
	})
	q.cond.Signal()
	q.mu.Unlock()

	// Publish the post-flip state, not the failed copy fetched above.
	if updated, ok := q.msgs.Get(tempID); ok {
		q.bus.Publish(bus.At("message.upserted", updated))
	}
	return nil
}

// Pending returns the number of entries not yet picked up by the worker.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) worker(ctx context.Context) {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.entries) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}
		e := q.entries[0]
		q.entries = q.entries[1:]
		q.mu.Unlock()

		q.process(ctx, e)
	}
}

func (q *Queue) process(ctx context.Context, e entry) {
	resp, err := q.poster.SendMessage(ctx, e.req)
	if err != nil {
		q.logger.Error("send failed", zap.Error(err), zap.String("temp_id", e.tempID))
		q.msgs.MarkFailed(e.tempID)
		q.bus.Publish(bus.At("message.send_failed", &Failure{TempID: e.tempID, Err: err.Error()}))
		return
	}

	q.msgs.Confirm(e.tempID, resp.Message)
	q.logger.Info("message sent",
		zap.String("temp_id", e.tempID),
		zap.String("server_id", resp.Message.ID))
	q.bus.Publish(bus.At("message.upserted", resp.Message.Clone()))
	q.bus.Publish(bus.At("message.send_ack", &Ack{
		TempID:       e.tempID,
		Message:      resp.Message,
		Conversation: resp.Conversation,
	}))
}
