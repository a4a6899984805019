package relay

import "errors"

var (
	// ErrUnknownProject is returned when a command targets a project the
	// registry has never seen or that was deregistered.
	ErrUnknownProject = errors.New("unknown project")

	// ErrDuplicateRequestID means a pending slot already exists for the id.
	// The id generator makes this an invariant violation, not a user error.
	ErrDuplicateRequestID = errors.New("duplicate request id")

	// ErrProjectUnreachable is reserved for a report-unreachable delivery
	// policy. The adapter's current policy buffers failed pushes for the
	// next poll instead, so nothing returns it today.
	ErrProjectUnreachable = errors.New("project unreachable")

	// ErrBacklogFull is returned when a project's command backlog is at
	// capacity.
	ErrBacklogFull = errors.New("command backlog full")
)
