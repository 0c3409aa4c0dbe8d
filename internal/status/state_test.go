package status

import (
	"testing"

	"github.com/skillmart/chatsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine("chat", nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		walk []State
	}{
		{[]State{Connecting}},
		{[]State{Connecting, Connected}},
		{[]State{Connecting, Connected, Connecting}},
		{[]State{Connecting, Connected, Disconnected}},
		{[]State{Connecting, Disconnected}},
		{[]State{Connecting, Connected, Connecting, Connected}},
	}
	for _, tt := range tests {
		m := NewMachine("chat", nil)
		for _, s := range tt.walk {
			if err := m.Transition(s); err != nil {
				t.Fatalf("walk %v: Transition(%s) error = %v", tt.walk, s, err)
			}
		}
		if m.Current() != tt.walk[len(tt.walk)-1] {
			t.Errorf("state = %s, want %s", m.Current(), tt.walk[len(tt.walk)-1])
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine("chat", nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(DISCONNECTED -> CONNECTED) should fail")
	}
	if err := m.Transition(Disconnected); err == nil {
		t.Error("Transition(DISCONNECTED -> DISCONNECTED) should fail")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	m := NewMachine("notifications", b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != "transport.status_changed" {
		t.Errorf("event kind = %q, want transport.status_changed", evt.Kind)
	}
	change, ok := evt.Payload.(Change)
	if !ok {
		t.Fatalf("payload type = %T, want Change", evt.Payload)
	}
	if change.Channel != "notifications" || change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %+v, want notifications DISCONNECTED->CONNECTING", change)
	}
}
