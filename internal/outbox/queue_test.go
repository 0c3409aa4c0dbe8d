package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/skillmart/chatsync/internal/api"
	"github.com/skillmart/chatsync/internal/bus"
	"github.com/skillmart/chatsync/internal/model"
	"github.com/skillmart/chatsync/internal/store"
)

// fakePoster records the order requests reach the server and can block or
// fail per request.
type fakePoster struct {
	mu       sync.Mutex
	contents []string
	inFlight int
	maxSeen  int

	delay   time.Duration
	failFor map[string]error
	seq     int
}

func (p *fakePoster) SendMessage(ctx context.Context, req *api.SendRequest) (*api.SendResponse, error) {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.maxSeen {
		p.maxSeen = p.inFlight
	}
	p.contents = append(p.contents, req.Content)
	p.seq++
	serverID := fmt.Sprintf("srv-%d", p.seq)
	failErr := p.failFor[req.Content]
	p.mu.Unlock()

	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()

	if failErr != nil {
		return nil, failErr
	}
	return &api.SendResponse{
		Message: &model.Message{
			ID:             serverID,
			ConversationID: req.ConversationID,
			SenderID:       req.SenderID,
			Type:           req.Type,
			Content:        req.Content,
			Timestamp:      time.Now(),
		},
		Conversation: &model.Conversation{ID: req.ConversationID, UpdatedAt: time.Now()},
	}, nil
}

func (p *fakePoster) sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.contents))
	copy(out, p.contents)
	return out
}

func newQueue(t *testing.T, poster Poster) (*Queue, *store.MessageStore, *bus.Bus) {
	t.Helper()
	msgs := store.NewMessageStore()
	b := bus.New()
	q := New("conv-1", "me", msgs, poster, b, zap.NewNop())
	return q, msgs, b
}

func waitEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestEnqueueInsertsOptimistically(t *testing.T) {
	q, msgs, _ := newQueue(t, &fakePoster{})

	m, err := q.Enqueue("hello", nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	got, ok := msgs.Get(m.ID)
	if !ok {
		t.Fatal("optimistic message missing from store")
	}
	if !got.Pending {
		t.Error("optimistic message not pending")
	}
	if got.SenderID != "me" || got.ConversationID != "conv-1" {
		t.Errorf("message = %+v", got)
	}
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	q, msgs, _ := newQueue(t, &fakePoster{})

	if _, err := q.Enqueue("   ", nil); !errors.Is(err, model.ErrEmptyContent) {
		t.Errorf("Enqueue(blank) error = %v, want ErrEmptyContent", err)
	}
	if _, err := q.Enqueue("", &model.Attachment{MimeType: "image/png"}); !errors.Is(err, model.ErrInvalidAttachment) {
		t.Errorf("Enqueue(bad attachment) error = %v, want ErrInvalidAttachment", err)
	}
	if msgs.Len() != 0 {
		t.Errorf("store has %d entries after rejected payloads", msgs.Len())
	}
	if q.Pending() != 0 {
		t.Errorf("queue has %d entries after rejected payloads", q.Pending())
	}
}

func TestSendsInOrderOneAtATime(t *testing.T) {
	poster := &fakePoster{delay: 20 * time.Millisecond}
	q, _, b := newQueue(t, poster)
	events, unsub := b.Subscribe("message.send_ack", 16)
	defer unsub()

	q.Start(context.Background())
	defer q.Stop()

	for _, content := range []string{"A", "B", "C"} {
		if _, err := q.Enqueue(content, nil); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 3; i++ {
		waitEvent(t, events, "message.send_ack")
	}

	if got := poster.sent(); len(got) != 3 || got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Errorf("server saw %v, want [A B C]", got)
	}
	if poster.maxSeen != 1 {
		t.Errorf("max in-flight = %d, want 1", poster.maxSeen)
	}
}

func TestConfirmReplacesTempID(t *testing.T) {
	q, msgs, b := newQueue(t, &fakePoster{})
	events, unsub := b.Subscribe("message.send_ack", 16)
	defer unsub()

	q.Start(context.Background())
	defer q.Stop()

	m, err := q.Enqueue("hello", nil)
	if err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, events, "message.send_ack")
	ack := ev.Payload.(*Ack)
	if ack.TempID != m.ID {
		t.Errorf("ack temp id = %s, want %s", ack.TempID, m.ID)
	}
	if ack.Conversation == nil || ack.Conversation.ID != "conv-1" {
		t.Errorf("ack conversation = %+v", ack.Conversation)
	}
	if msgs.Exists(m.ID) {
		t.Error("temp id still in store after confirmation")
	}
	confirmed, ok := msgs.Get(ack.Message.ID)
	if !ok {
		t.Fatal("confirmed message missing")
	}
	if confirmed.Pending || confirmed.Failed {
		t.Errorf("confirmed flags: pending=%v failed=%v", confirmed.Pending, confirmed.Failed)
	}
}

func TestFailureIsTerminalAndRetryRequeues(t *testing.T) {
	poster := &fakePoster{failFor: map[string]error{"boom": errors.New("server rejected")}}
	q, msgs, b := newQueue(t, poster)
	failed, unsubF := b.Subscribe("message.send_failed", 16)
	defer unsubF()
	acked, unsubA := b.Subscribe("message.send_ack", 16)
	defer unsubA()

	q.Start(context.Background())
	defer q.Stop()

	m, err := q.Enqueue("boom", nil)
	if err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, failed, "message.send_failed")
	f := ev.Payload.(*Failure)
	if f.TempID != m.ID {
		t.Errorf("failure temp id = %s, want %s", f.TempID, m.ID)
	}
	got, _ := msgs.Get(m.ID)
	if !got.Failed || got.Pending {
		t.Errorf("after failure: failed=%v pending=%v", got.Failed, got.Pending)
	}

	// The queue never retries on its own: only the explicit Retry re-enters
	// the pipeline, and it succeeds now that the server accepts the payload.
	poster.mu.Lock()
	delete(poster.failFor, "boom")
	poster.mu.Unlock()

	if err := q.Retry(m.ID); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	waitEvent(t, acked, "message.send_ack")
	if msgs.Exists(m.ID) {
		t.Error("temp id still present after successful retry")
	}
}

func TestRetryRequiresFailedMessage(t *testing.T) {
	q, msgs, _ := newQueue(t, &fakePoster{})

	if err := q.Retry("ghost"); err == nil {
		t.Error("Retry(unknown) = nil, want error")
	}

	m := &model.Message{ID: "tmp-1", ConversationID: "conv-1", SenderID: "me", Type: model.TypeText, Content: "hi", Timestamp: time.Now(), Pending: true}
	msgs.Prepend(m)
	if err := q.Retry("tmp-1"); err == nil {
		t.Error("Retry(pending) = nil, want error")
	}
}

func TestRetryPublishesPendingState(t *testing.T) {
	// The worker is not started so the only event is Retry's own publish.
	q, msgs, b := newQueue(t, &fakePoster{})

	m, err := q.Enqueue("hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	msgs.MarkFailed(m.ID)

	events, unsub := b.Subscribe("message.upserted", 4)
	defer unsub()

	if err := q.Retry(m.ID); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}

	ev := waitEvent(t, events, "message.upserted")
	got, ok := ev.Payload.(*model.Message)
	if !ok {
		t.Fatalf("payload type = %T, want *model.Message", ev.Payload)
	}
	if got.ID != m.ID {
		t.Fatalf("payload id = %s, want %s", got.ID, m.ID)
	}
	if !got.Pending || got.Failed {
		t.Errorf("published flags: pending=%v failed=%v, want pending=true failed=false", got.Pending, got.Failed)
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	q, _, _ := newQueue(t, &fakePoster{})
	q.Start(context.Background())
	q.Stop()

	if _, err := q.Enqueue("hello", nil); !errors.Is(err, ErrStopped) {
		t.Errorf("Enqueue after Stop error = %v, want ErrStopped", err)
	}
}
