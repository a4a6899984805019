package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forge3d/uerelay/internal/protocol"
)

// PushSender is a live duplex channel to one engine client. Send fails when
// the channel is closed or its buffer is full.
type PushSender interface {
	Send(cmd protocol.Command) error
}

// Adapter delivers commands to engine clients over whichever transport the
// project currently has. Push delivery failure falls back to the pull
// backlog so the command survives a dropped channel and drains on the next
// poll or reconnect. FIFO holds within one transport; ordering across a
// mid-session transport switch is not guaranteed.
type Adapter struct {
	registry *Registry
	backlog  *Backlog
	pending  *PendingTable
	fanout   *Fanout
	log      zerolog.Logger

	mu       sync.Mutex
	channels map[string]PushSender
}

// NewAdapter wires the transport over the shared tables.
func NewAdapter(registry *Registry, backlog *Backlog, pending *PendingTable, fanout *Fanout, log zerolog.Logger) *Adapter {
	return &Adapter{
		registry: registry,
		backlog:  backlog,
		pending:  pending,
		fanout:   fanout,
		channels: make(map[string]PushSender),
		log:      log.With().Str("component", "transport").Logger(),
	}
}

// Enqueue makes cmd visible to exactly one execution attempt by projectID:
// immediately over an attached push channel, otherwise via the backlog until
// the next poll. Returns ErrUnknownProject for unregistered projects.
func (a *Adapter) Enqueue(projectID string, cmd protocol.Command, deadline time.Time) error {
	if !a.registry.Known(projectID) {
		return ErrUnknownProject
	}

	a.mu.Lock()
	sender := a.channels[projectID]
	a.mu.Unlock()

	if sender != nil {
		if err := sender.Send(cmd); err == nil {
			a.log.Debug().Str("project", projectID).Str("request", cmd.RequestID).Msg("command pushed")
			return nil
		}
		a.log.Warn().Str("project", projectID).Str("request", cmd.RequestID).Msg("push send failed, buffering for next poll")
	}

	if err := a.backlog.Append(projectID, cmd, deadline); err != nil {
		return err
	}
	a.log.Debug().Str("project", projectID).Str("request", cmd.RequestID).Msg("command queued")
	return nil
}

// Drain hands the full pull backlog for projectID to the caller and records
// the poll as a liveness signal.
func (a *Adapter) Drain(projectID string) []protocol.Command {
	_ = a.registry.MarkPolled(projectID)
	return a.backlog.Drain(projectID)
}

// DeliverResponse dispatches an engine response to the waiting dashboard
// call and broadcasts the event. Responses for unknown request ids are
// dropped by the pending table, never surfaced as an error.
func (a *Adapter) DeliverResponse(projectID string, resp protocol.Response) bool {
	accepted := a.pending.Resolve(resp)
	if accepted {
		a.fanout.Broadcast(protocol.EventResponseReceived, map[string]any{
			"project_id": projectID,
			"request_id": resp.RequestID,
			"success":    resp.Success,
		})
	}
	return accepted
}

// AttachChannel registers a push channel for projectID, replacing any
// previous one. The old channel's sender is returned so the caller can close
// it outside the lock.
func (a *Adapter) AttachChannel(projectID string, sender PushSender) PushSender {
	a.mu.Lock()
	old := a.channels[projectID]
	a.channels[projectID] = sender
	a.mu.Unlock()

	_ = a.registry.SetTransport(projectID, TransportPush)
	a.fanout.Broadcast(protocol.EventProjectConnected, map[string]any{"project_id": projectID, "transport": string(TransportPush)})
	return old
}

// DetachChannel removes sender as projectID's push channel. A newer channel
// attached in the meantime stays in place.
func (a *Adapter) DetachChannel(projectID string, sender PushSender) {
	a.mu.Lock()
	current, ok := a.channels[projectID]
	if ok && current == sender {
		delete(a.channels, projectID)
	} else {
		ok = false
	}
	a.mu.Unlock()

	if ok {
		_ = a.registry.SetTransport(projectID, TransportNone)
		a.fanout.Broadcast(protocol.EventProjectDisconnected, map[string]any{"project_id": projectID})
	}
}

// HasChannel reports whether a push channel is attached for projectID.
func (a *Adapter) HasChannel(projectID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.channels[projectID]
	return ok
}

// RemoveProject clears all transport state for a deregistered project.
func (a *Adapter) RemoveProject(projectID string) {
	a.mu.Lock()
	delete(a.channels, projectID)
	a.mu.Unlock()
	a.backlog.Remove(projectID)
}

// EncodeCommandFrame marshals cmd into a websocket frame body.
func EncodeCommandFrame(cmd protocol.Command) ([]byte, error) {
	frame, err := protocol.NewFrame(protocol.FrameCommand, cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}
