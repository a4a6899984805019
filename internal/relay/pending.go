package relay

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/forge3d/uerelay/internal/protocol"
)

// DefaultAwaitTimeout bounds how long a dashboard call waits for an engine
// response.
const DefaultAwaitTimeout = 30 * time.Second

// resolvedRingSize bounds the memory of recently resolved/expired ids kept
// for classifying late responses.
const resolvedRingSize = 1024

type pendingEntry struct {
	projectID   string
	submittedAt time.Time
	deadline    time.Time
	resolved    bool
	done        chan protocol.Response
}

// PendingTable correlates outbound commands to inbound responses by request
// id. Exactly one of "response arrived" and "timeout/cancel fired" wins per
// request; the loser is discarded as late or duplicate.
type PendingTable struct {
	mu       sync.Mutex
	waiters  map[string]*pendingEntry
	resolved *lru.Cache[string, time.Time]
	now      func() time.Time
	log      zerolog.Logger

	onLate func(requestID string)
}

// NewPendingTable creates an empty table.
func NewPendingTable(log zerolog.Logger) *PendingTable {
	ring, _ := lru.New[string, time.Time](resolvedRingSize)
	return &PendingTable{
		waiters:  make(map[string]*pendingEntry),
		resolved: ring,
		now:      time.Now,
		log:      log.With().Str("component", "pending").Logger(),
	}
}

// SetLateHook installs a callback fired on every late or duplicate resolve.
func (p *PendingTable) SetLateHook(fn func(requestID string)) {
	p.mu.Lock()
	p.onLate = fn
	p.mu.Unlock()
}

// Create registers a new slot for requestID.
func (p *PendingTable) Create(requestID, projectID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.waiters[requestID]; exists {
		p.log.Error().Str("request", requestID).Msg("duplicate request id")
		return ErrDuplicateRequestID
	}
	now := p.now()
	p.waiters[requestID] = &pendingEntry{
		projectID:   projectID,
		submittedAt: now,
		deadline:    now.Add(timeout),
		done:        make(chan protocol.Response, 1),
	}
	return nil
}

// Resolve fills the slot for resp.RequestID exactly once. A second resolve,
// or a resolve after timeout/cancel/eviction, is logged and dropped; it never
// propagates an error to the engine side. Returns whether the response was
// accepted.
func (p *PendingTable) Resolve(resp protocol.Response) bool {
	p.mu.Lock()
	entry, ok := p.waiters[resp.RequestID]
	if !ok || entry.resolved {
		_, wasKnown := p.resolved.Get(resp.RequestID)
		hook := p.onLate
		p.mu.Unlock()
		if wasKnown || ok {
			p.log.Warn().Str("request", resp.RequestID).Msg("late or duplicate response dropped")
		} else {
			p.log.Warn().Str("request", resp.RequestID).Msg("response for unknown request id dropped")
		}
		if hook != nil {
			hook(resp.RequestID)
		}
		return false
	}
	entry.resolved = true
	p.resolved.Add(resp.RequestID, p.now())
	p.mu.Unlock()

	entry.done <- resp
	return true
}

// Await suspends until the request resolves, its deadline passes, or ctx is
// cancelled. It always returns a Response-shaped value; timeout and
// cancellation become synthetic failure responses. On timeout or cancel the
// slot is removed so memory does not grow with abandoned waiters.
func (p *PendingTable) Await(ctx context.Context, requestID string) protocol.Response {
	p.mu.Lock()
	entry, ok := p.waiters[requestID]
	p.mu.Unlock()
	if !ok {
		// Never created, or already swept away.
		return protocol.TimeoutResponse(requestID)
	}

	timer := time.NewTimer(time.Until(entry.deadline))
	defer timer.Stop()

	select {
	case resp := <-entry.done:
		p.mu.Lock()
		delete(p.waiters, requestID)
		p.mu.Unlock()
		return resp
	case <-timer.C:
		if p.Abandon(requestID) {
			return protocol.TimeoutResponse(requestID)
		}
		// Lost the race to a concurrent Resolve or sweep; the outcome is in
		// the buffered channel.
		return <-entry.done
	case <-ctx.Done():
		if p.Abandon(requestID) {
			return protocol.CancelledResponse(requestID)
		}
		return <-entry.done
	}
}

// Abandon removes the waiter slot, marking the id so a late resolve is
// classified correctly. Returns false when a concurrent Resolve already
// claimed the slot (its response sits in the buffered channel) or the slot
// is already gone.
func (p *PendingTable) Abandon(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.waiters[requestID]
	if !ok {
		return false
	}
	delete(p.waiters, requestID)
	if entry.resolved {
		return false
	}
	p.resolved.Add(requestID, p.now())
	return true
}

// Len reports the number of in-flight requests.
func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Sweep evicts expired unresolved entries and returns how many were removed.
// Abandoned waiters (caller gone without Await) are the usual source.
func (p *PendingTable) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	evicted := 0
	for id, entry := range p.waiters {
		if now.After(entry.deadline) {
			delete(p.waiters, id)
			if !entry.resolved {
				p.resolved.Add(id, now)
				// Unblock any waiter still parked on this slot.
				select {
				case entry.done <- protocol.TimeoutResponse(id):
				default:
				}
			}
			evicted++
		}
	}
	if evicted > 0 {
		p.log.Debug().Int("evicted", evicted).Msg("swept expired pending requests")
	}
	return evicted
}

// RunSweeper evicts expired entries on every tick until ctx is done.
func (p *PendingTable) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}
