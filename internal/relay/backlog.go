package relay

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forge3d/uerelay/internal/protocol"
)

// DefaultBacklogLimit caps queued commands per project.
const DefaultBacklogLimit = 256

type queuedCommand struct {
	cmd      protocol.Command
	deadline time.Time
}

// Backlog holds not-yet-delivered commands per project, drained FIFO on each
// poll. Entries whose deadline passed are dropped rather than handed to the
// engine.
type Backlog struct {
	mu     sync.Mutex
	queues map[string][]queuedCommand
	limit  int
	now    func() time.Time
	log    zerolog.Logger
}

// NewBacklog creates a backlog with the given per-project capacity.
func NewBacklog(limit int, log zerolog.Logger) *Backlog {
	if limit <= 0 {
		limit = DefaultBacklogLimit
	}
	return &Backlog{
		queues: make(map[string][]queuedCommand),
		limit:  limit,
		now:    time.Now,
		log:    log.With().Str("component", "backlog").Logger(),
	}
}

// Append queues cmd for projectID. The deadline mirrors the pending-request
// deadline: a command nobody is waiting for anymore is not worth delivering.
func (b *Backlog) Append(projectID string, cmd protocol.Command, deadline time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[projectID]
	if len(q) >= b.limit {
		b.log.Warn().Str("project", projectID).Int("limit", b.limit).Msg("backlog full, rejecting command")
		return ErrBacklogFull
	}
	b.queues[projectID] = append(q, queuedCommand{cmd: cmd, deadline: deadline})
	return nil
}

// Drain atomically removes and returns all queued commands for projectID in
// submission order, skipping expired entries. Two concurrent drains never
// observe the same command.
func (b *Backlog) Drain(projectID string) []protocol.Command {
	b.mu.Lock()
	q := b.queues[projectID]
	delete(b.queues, projectID)
	b.mu.Unlock()

	if len(q) == 0 {
		return nil
	}
	now := b.now()
	out := make([]protocol.Command, 0, len(q))
	for _, entry := range q {
		if !entry.deadline.IsZero() && now.After(entry.deadline) {
			b.log.Debug().Str("project", projectID).Str("request", entry.cmd.RequestID).Msg("dropping expired queued command")
			continue
		}
		out = append(out, entry.cmd)
	}
	return out
}

// Len reports the number of queued commands for projectID.
func (b *Backlog) Len(projectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[projectID])
}

// Remove clears the queue for a deregistered project.
func (b *Backlog) Remove(projectID string) {
	b.mu.Lock()
	delete(b.queues, projectID)
	b.mu.Unlock()
}

// DropExpired removes expired entries across all projects and returns the
// count. Called from the background sweep.
func (b *Backlog) DropExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	dropped := 0
	for projectID, q := range b.queues {
		kept := q[:0]
		for _, entry := range q {
			if !entry.deadline.IsZero() && now.After(entry.deadline) {
				dropped++
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) == 0 {
			delete(b.queues, projectID)
		} else {
			b.queues[projectID] = kept
		}
	}
	return dropped
}
