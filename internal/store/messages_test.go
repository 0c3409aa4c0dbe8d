package store

import (
	"testing"
	"time"

	"github.com/skillmart/chatsync/internal/model"
)

func msg(id, sender, content string, ts time.Time) *model.Message {
	return &model.Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       sender,
		Type:           model.TypeText,
		Content:        content,
		Timestamp:      ts,
	}
}

func TestUpsertInsertsNewestFirst(t *testing.T) {
	s := NewMessageStore()
	base := time.Now()

	if !s.Upsert(msg("m1", "them", "first", base)) {
		t.Error("Upsert(m1) = false, want true for new message")
	}
	if !s.Upsert(msg("m2", "them", "second", base.Add(time.Second))) {
		t.Error("Upsert(m2) = false, want true for new message")
	}

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Len = %d, want 2", len(snap))
	}
	if snap[0].ID != "m2" || snap[1].ID != "m1" {
		t.Errorf("order = [%s %s], want [m2 m1]", snap[0].ID, snap[1].ID)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := NewMessageStore()
	m := msg("m1", "them", "hello", time.Now())

	s.Upsert(m)
	if s.Upsert(m) {
		t.Error("second Upsert returned true, want merge")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1 after duplicate upsert", s.Len())
	}
}

func TestUpsertMergesInPlace(t *testing.T) {
	s := NewMessageStore()
	base := time.Now()
	s.Upsert(msg("m1", "me", "hello", base))

	updated := msg("m1", "me", "hello", base)
	updated.Read = true
	at := base.Add(time.Minute)
	updated.ReadAt = &at
	s.Upsert(updated)

	got, ok := s.Get("m1")
	if !ok {
		t.Fatal("Get(m1) missing")
	}
	if !got.Read || got.ReadAt == nil {
		t.Errorf("merge did not apply read state: read=%v readAt=%v", got.Read, got.ReadAt)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestUpsertClearsPendingOnExisting(t *testing.T) {
	s := NewMessageStore()
	pending := msg("tmp-1", "me", "hi", time.Now())
	pending.Pending = true
	s.Prepend(pending)

	s.Upsert(msg("tmp-1", "me", "hi", time.Now()))

	got, _ := s.Get("tmp-1")
	if got.Pending {
		t.Error("pending flag survived server upsert")
	}
}

func TestConfirmReplacesTempEntry(t *testing.T) {
	s := NewMessageStore()
	pending := msg("tmp-1", "me", "hi", time.Now())
	pending.Pending = true
	s.Prepend(pending)

	confirmed := msg("srv-9", "me", "hi", time.Now())
	s.Confirm("tmp-1", confirmed)

	if s.Exists("tmp-1") {
		t.Error("temp id still present after confirm")
	}
	got, ok := s.Get("srv-9")
	if !ok {
		t.Fatal("confirmed id missing")
	}
	if got.Pending || got.Failed {
		t.Errorf("confirmed message flags: pending=%v failed=%v", got.Pending, got.Failed)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestConfirmAfterPushConverges(t *testing.T) {
	// The socket can deliver the permanent id before the REST response
	// arrives. Either order must leave exactly one entry.
	s := NewMessageStore()
	pending := msg("tmp-1", "me", "hi", time.Now())
	pending.Pending = true
	s.Prepend(pending)

	s.Upsert(msg("srv-9", "me", "hi", time.Now()))
	s.Confirm("tmp-1", msg("srv-9", "me", "hi", time.Now()))

	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after push then confirm", s.Len())
	}
	if s.Exists("tmp-1") {
		t.Error("temp entry survived convergence")
	}
	if !s.Exists("srv-9") {
		t.Error("permanent entry missing")
	}
}

func TestConfirmWithoutTempInserts(t *testing.T) {
	s := NewMessageStore()
	s.Confirm("tmp-gone", msg("srv-1", "me", "hi", time.Now()))
	if !s.Exists("srv-1") {
		t.Error("confirmed message not inserted when temp missing")
	}
}

func TestMarkFailedAndPending(t *testing.T) {
	s := NewMessageStore()
	pending := msg("tmp-1", "me", "hi", time.Now())
	pending.Pending = true
	s.Prepend(pending)

	if !s.MarkFailed("tmp-1") {
		t.Fatal("MarkFailed returned false")
	}
	got, _ := s.Get("tmp-1")
	if got.Pending || !got.Failed {
		t.Errorf("after MarkFailed: pending=%v failed=%v", got.Pending, got.Failed)
	}

	if !s.MarkPending("tmp-1") {
		t.Fatal("MarkPending returned false")
	}
	got, _ = s.Get("tmp-1")
	if !got.Pending || got.Failed {
		t.Errorf("after MarkPending: pending=%v failed=%v", got.Pending, got.Failed)
	}

	if s.MarkFailed("unknown") {
		t.Error("MarkFailed(unknown) = true")
	}
}

func TestAppendOlderSkipsDuplicates(t *testing.T) {
	s := NewMessageStore()
	base := time.Now()
	s.Upsert(msg("m3", "them", "newest", base.Add(2*time.Second)))

	added := s.AppendOlder([]*model.Message{
		msg("m3", "them", "newest", base.Add(2*time.Second)),
		msg("m2", "them", "mid", base.Add(time.Second)),
		msg("m1", "them", "oldest", base),
	})
	if added != 2 {
		t.Errorf("AppendOlder added = %d, want 2", added)
	}

	snap := s.Snapshot()
	wantOrder := []string{"m3", "m2", "m1"}
	for i, id := range wantOrder {
		if snap[i].ID != id {
			t.Errorf("snap[%d].ID = %s, want %s", i, snap[i].ID, id)
		}
	}
	if ts, ok := s.OldestTimestamp(); !ok || !ts.Equal(base) {
		t.Errorf("OldestTimestamp = %v %v, want %v true", ts, ok, base)
	}
}

func TestApplyCounterpartRead(t *testing.T) {
	s := NewMessageStore()
	base := time.Now()
	s.AppendOlder([]*model.Message{
		msg("m4", "me", "d", base.Add(3*time.Second)),
		msg("m3", "them", "c", base.Add(2*time.Second)),
		msg("m2", "me", "b", base.Add(time.Second)),
		msg("m1", "me", "a", base),
	})

	at := base.Add(time.Minute)
	changed := s.ApplyCounterpartRead("them", "m2", at)
	if changed != 2 {
		t.Fatalf("changed = %d, want 2", changed)
	}

	for id, wantRead := range map[string]bool{"m1": true, "m2": true, "m3": false, "m4": false} {
		got, _ := s.Get(id)
		if got.Read != wantRead {
			t.Errorf("%s.Read = %v, want %v", id, got.Read, wantRead)
		}
	}

	// Marking again is a no-op.
	if again := s.ApplyCounterpartRead("them", "m2", at); again != 0 {
		t.Errorf("second apply changed = %d, want 0", again)
	}

	// Unknown cursor marks the whole timeline.
	if rest := s.ApplyCounterpartRead("them", "nope", at); rest != 1 {
		t.Errorf("full apply changed = %d, want 1", rest)
	}
}

func TestLatestReadFrom(t *testing.T) {
	s := NewMessageStore()
	base := time.Now()
	s.AppendOlder([]*model.Message{
		msg("m3", "me", "c", base.Add(2*time.Second)),
		msg("m2", "me", "b", base.Add(time.Second)),
		msg("m1", "me", "a", base),
	})

	if _, ok := s.LatestReadFrom("me"); ok {
		t.Error("LatestReadFrom returned a message with nothing read")
	}

	s.ApplyCounterpartRead("them", "m2", base.Add(time.Minute))
	got, ok := s.LatestReadFrom("me")
	if !ok {
		t.Fatal("LatestReadFrom returned nothing after read")
	}
	if got.ID != "m2" {
		t.Errorf("LatestReadFrom = %s, want m2", got.ID)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewMessageStore()
	s.Upsert(msg("m1", "them", "hello", time.Now()))

	snap := s.Snapshot()
	snap[0].Content = "mutated"

	got, _ := s.Get("m1")
	if got.Content != "hello" {
		t.Error("snapshot mutation leaked into store")
	}
}
