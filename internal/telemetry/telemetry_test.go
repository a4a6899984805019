package telemetry

import (
	"testing"
	"time"
)

func TestCounterAggregation(t *testing.T) {
	c := NewCollector()
	c.Counter("relay_commands_enqueued", 1, map[string]string{"transport": "pull"})
	c.Counter("relay_commands_enqueued", 1, map[string]string{"transport": "pull"})
	c.Counter("relay_commands_enqueued", 1, map[string]string{"transport": "push"})

	snap := c.Snapshot()
	if len(snap.Counters) != 2 {
		t.Fatalf("got %d counters, want 2", len(snap.Counters))
	}
	for _, stat := range snap.Counters {
		switch stat.Labels["transport"] {
		case "pull":
			if stat.Value != 2 {
				t.Fatalf("pull counter = %v, want 2", stat.Value)
			}
		case "push":
			if stat.Value != 1 {
				t.Fatalf("push counter = %v, want 1", stat.Value)
			}
		default:
			t.Fatalf("unexpected labels %+v", stat.Labels)
		}
	}
}

func TestTimerAggregation(t *testing.T) {
	c := NewCollector()
	c.Timer("relay_await_duration", 10*time.Millisecond, nil)
	c.Timer("relay_await_duration", 30*time.Millisecond, nil)

	snap := c.Snapshot()
	if len(snap.Timers) != 1 {
		t.Fatalf("got %d timers, want 1", len(snap.Timers))
	}
	timer := snap.Timers[0]
	if timer.Count != 2 {
		t.Fatalf("count = %d, want 2", timer.Count)
	}
	if timer.TotalMS != 40 {
		t.Fatalf("total = %v ms, want 40", timer.TotalMS)
	}
	if timer.MaxMS != 30 {
		t.Fatalf("max = %v ms, want 30", timer.MaxMS)
	}
}

func TestGlobalSwap(t *testing.T) {
	old := Global()
	defer SetGlobal(old)

	c := NewCollector()
	SetGlobal(c)
	CounterGlobal("relay_polls_served", 1, nil)

	snap := c.Snapshot()
	if len(snap.Counters) != 1 || snap.Counters[0].Value != 1 {
		t.Fatalf("global counter not recorded: %+v", snap.Counters)
	}
}
