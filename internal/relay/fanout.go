package relay

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forge3d/uerelay/internal/protocol"
)

// Observer receives dashboard events. A Notify error marks the observer dead
// and it is pruned from the subscriber set.
type Observer interface {
	Notify(event protocol.Event) error
}

// Fanout broadcasts status events to all connected dashboard observers.
// Delivery is best effort: one failed observer never blocks the others.
type Fanout struct {
	mu        sync.Mutex
	observers map[Observer]struct{}
	now       func() time.Time
	log       zerolog.Logger
}

// NewFanout creates an empty fanout.
func NewFanout(log zerolog.Logger) *Fanout {
	return &Fanout{
		observers: make(map[Observer]struct{}),
		now:       time.Now,
		log:       log.With().Str("component", "fanout").Logger(),
	}
}

// Subscribe adds an observer.
func (f *Fanout) Subscribe(obs Observer) {
	f.mu.Lock()
	f.observers[obs] = struct{}{}
	n := len(f.observers)
	f.mu.Unlock()
	f.log.Debug().Int("observers", n).Msg("observer subscribed")
}

// Unsubscribe removes an observer. Safe to call for observers never
// subscribed or already pruned.
func (f *Fanout) Unsubscribe(obs Observer) {
	f.mu.Lock()
	delete(f.observers, obs)
	f.mu.Unlock()
}

// Count reports the current subscriber count.
func (f *Fanout) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

// Broadcast delivers event to every observer. Observers that fail are
// dropped. Delivery happens outside the lock against a snapshot so a slow
// observer cannot stall subscription changes.
func (f *Fanout) Broadcast(eventType string, payload map[string]any) {
	event := protocol.Event{Type: eventType, Time: f.now(), Payload: payload}

	f.mu.Lock()
	targets := make([]Observer, 0, len(f.observers))
	for obs := range f.observers {
		targets = append(targets, obs)
	}
	f.mu.Unlock()

	var failed []Observer
	for _, obs := range targets {
		if err := obs.Notify(event); err != nil {
			failed = append(failed, obs)
		}
	}

	if len(failed) > 0 {
		f.mu.Lock()
		for _, obs := range failed {
			delete(f.observers, obs)
		}
		f.mu.Unlock()
		f.log.Debug().Int("pruned", len(failed)).Str("event", eventType).Msg("pruned failed observers")
	}
}
