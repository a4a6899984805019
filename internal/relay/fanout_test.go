package relay

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/forge3d/uerelay/internal/protocol"
)

type recordingObserver struct {
	events []protocol.Event
	fail   bool
}

func (o *recordingObserver) Notify(event protocol.Event) error {
	if o.fail {
		return errors.New("observer gone")
	}
	o.events = append(o.events, event)
	return nil
}

func TestBroadcastReachesAllObservers(t *testing.T) {
	f := NewFanout(zerolog.Nop())
	a := &recordingObserver{}
	b := &recordingObserver{}
	f.Subscribe(a)
	f.Subscribe(b)

	f.Broadcast(protocol.EventProjectConnected, map[string]any{"project_id": "proj1"})

	for _, obs := range []*recordingObserver{a, b} {
		if len(obs.events) != 1 {
			t.Fatalf("observer got %d events, want 1", len(obs.events))
		}
		if obs.events[0].Type != protocol.EventProjectConnected {
			t.Fatalf("event type = %q", obs.events[0].Type)
		}
		if obs.events[0].Payload["project_id"] != "proj1" {
			t.Fatalf("payload = %+v", obs.events[0].Payload)
		}
	}
}

func TestFailedObserverPruned(t *testing.T) {
	f := NewFanout(zerolog.Nop())
	dead := &recordingObserver{fail: true}
	live := &recordingObserver{}
	f.Subscribe(dead)
	f.Subscribe(live)

	f.Broadcast(protocol.EventResponseReceived, nil)
	if len(live.events) != 1 {
		t.Fatal("live observer should receive the event despite a failing peer")
	}
	if f.Count() != 1 {
		t.Fatalf("count = %d, want 1 after prune", f.Count())
	}

	// The pruned observer sees nothing further.
	f.Broadcast(protocol.EventBackendUpdateNotice, nil)
	if len(live.events) != 2 {
		t.Fatalf("live observer got %d events, want 2", len(live.events))
	}
}

func TestUnsubscribe(t *testing.T) {
	f := NewFanout(zerolog.Nop())
	obs := &recordingObserver{}
	f.Subscribe(obs)
	f.Unsubscribe(obs)
	f.Broadcast(protocol.EventProjectDisconnected, nil)
	if len(obs.events) != 0 {
		t.Fatal("unsubscribed observer should not receive events")
	}
	// Unsubscribing twice is harmless.
	f.Unsubscribe(obs)
}
