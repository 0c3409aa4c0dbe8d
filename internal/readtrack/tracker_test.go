package readtrack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/skillmart/chatsync/internal/api"
	"github.com/skillmart/chatsync/internal/bus"
	"github.com/skillmart/chatsync/internal/model"
	"github.com/skillmart/chatsync/internal/store"
)

type fakeMarker struct {
	mu    sync.Mutex
	calls int
	err   error
	block chan struct{}
}

func (m *fakeMarker) MarkRead(ctx context.Context, conversationID string) (*api.MarkReadResponse, error) {
	m.mu.Lock()
	m.calls++
	err := m.err
	block := m.block
	m.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return &api.MarkReadResponse{
		Conversation: &model.Conversation{
			ID:        conversationID,
			Unread:    map[string]int{"me": 0, "them": 1},
			UpdatedAt: time.Now(),
		},
		ReadByUserID: "me",
	}, nil
}

func (m *fakeMarker) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func incoming(id string) *model.Message {
	return &model.Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       "them",
		Type:           model.TypeText,
		Content:        "hi",
		Timestamp:      time.Now(),
	}
}

func newTracker(marker Marker) (*Tracker, *bus.Bus) {
	b := bus.New()
	t := New("conv-1", "me", store.NewMessageStore(), marker, b, zap.NewNop())
	return t, b
}

func TestObserveRaisesForCounterpartOnly(t *testing.T) {
	tr, _ := newTracker(&fakeMarker{})

	own := incoming("m1")
	own.SenderID = "me"
	tr.Observe(own)
	if tr.NeedsSync() {
		t.Error("own message raised the flag")
	}

	tr.Observe(incoming("m2"))
	if !tr.NeedsSync() {
		t.Error("counterpart message did not raise the flag")
	}
}

func TestSyncClearsFlagAndPublishesCounters(t *testing.T) {
	marker := &fakeMarker{}
	tr, b := newTracker(marker)
	events, unsub := b.Subscribe("convlist.read_synced", 4)
	defer unsub()

	tr.Observe(incoming("m1"))
	ok, err := tr.Sync(context.Background())
	if err != nil || !ok {
		t.Fatalf("Sync() = %v, %v", ok, err)
	}
	if tr.NeedsSync() {
		t.Error("flag still raised after successful sync")
	}

	select {
	case ev := <-events:
		upd := ev.Payload.(*CountersUpdate)
		if upd.ReadByUserID != "me" || upd.Conversation.ID != "conv-1" {
			t.Errorf("counters update = %+v", upd)
		}
		if upd.Conversation.Unread["me"] != 0 {
			t.Errorf("unread for reader = %d, want 0", upd.Conversation.Unread["me"])
		}
	case <-time.After(time.Second):
		t.Fatal("no convlist.read_synced event")
	}
}

func TestSyncWithoutFlagIsNoop(t *testing.T) {
	marker := &fakeMarker{}
	tr, _ := newTracker(marker)

	ok, err := tr.Sync(context.Background())
	if err != nil || ok {
		t.Errorf("Sync() = %v, %v, want no-op", ok, err)
	}
	if marker.callCount() != 0 {
		t.Errorf("marker called %d times, want 0", marker.callCount())
	}
}

func TestSyncFailureKeepsFlag(t *testing.T) {
	marker := &fakeMarker{err: errors.New("network down")}
	tr, _ := newTracker(marker)

	tr.Observe(incoming("m1"))
	if _, err := tr.Sync(context.Background()); err == nil {
		t.Fatal("Sync() = nil error, want failure")
	}
	if !tr.NeedsSync() {
		t.Error("flag cleared by a failed sync")
	}

	marker.mu.Lock()
	marker.err = nil
	marker.mu.Unlock()
	ok, err := tr.Sync(context.Background())
	if err != nil || !ok {
		t.Fatalf("retry Sync() = %v, %v", ok, err)
	}
	if tr.NeedsSync() {
		t.Error("flag still raised after retry")
	}
}

func TestArrivalDuringSyncReRaises(t *testing.T) {
	block := make(chan struct{})
	marker := &fakeMarker{block: block}
	tr, _ := newTracker(marker)

	tr.Observe(incoming("m1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Sync(context.Background())
	}()

	// While the call is in flight, another message arrives. The completed
	// call must not swallow it.
	time.Sleep(20 * time.Millisecond)
	tr.Observe(incoming("m2"))
	close(block)
	<-done

	if !tr.NeedsSync() {
		t.Error("arrival during in-flight sync was lost")
	}

	ok, err := tr.Sync(context.Background())
	if err != nil || !ok {
		t.Fatalf("follow-up Sync() = %v, %v", ok, err)
	}
	if tr.NeedsSync() {
		t.Error("flag still raised after follow-up sync")
	}
	if marker.callCount() != 2 {
		t.Errorf("marker called %d times, want 2", marker.callCount())
	}
}

func TestConcurrentSyncSingleFlight(t *testing.T) {
	block := make(chan struct{})
	marker := &fakeMarker{block: block}
	tr, _ := newTracker(marker)
	tr.Prime()

	results := make(chan bool, 2)
	go func() {
		ok, _ := tr.Sync(context.Background())
		results <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		ok, _ := tr.Sync(context.Background())
		results <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	close(block)

	made := 0
	for i := 0; i < 2; i++ {
		if <-results {
			made++
		}
	}
	if made != 1 {
		t.Errorf("%d calls went through, want exactly 1", made)
	}
	if marker.callCount() != 1 {
		t.Errorf("marker called %d times, want 1", marker.callCount())
	}
}

func TestSeenByCounterpart(t *testing.T) {
	msgs := store.NewMessageStore()
	tr := New("conv-1", "me", msgs, &fakeMarker{}, bus.New(), zap.NewNop())

	base := time.Now()
	mine := &model.Message{ID: "m1", ConversationID: "conv-1", SenderID: "me", Type: model.TypeText, Content: "hi", Timestamp: base}
	msgs.Upsert(mine)

	if _, ok := tr.SeenByCounterpart(); ok {
		t.Error("seen indicator present with nothing read")
	}

	msgs.ApplyCounterpartRead("them", "m1", base.Add(time.Minute))
	got, ok := tr.SeenByCounterpart()
	if !ok || got.ID != "m1" {
		t.Errorf("SeenByCounterpart = %v %v, want m1", got, ok)
	}
}
