package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultActivityWindow must exceed the client poll interval plus jitter so a
// healthy polling client never reads as offline.
const DefaultActivityWindow = 45 * time.Second

// TransportKind records how a project last talked to the relay.
type TransportKind string

const (
	TransportNone TransportKind = "none"
	TransportPush TransportKind = "push"
	TransportPull TransportKind = "pull"
)

// ProjectMeta is the identity an engine client declares on registration.
type ProjectMeta struct {
	ProjectID     string   `json:"project_id"`
	ProjectName   string   `json:"project_name"`
	EngineVersion string   `json:"engine_version,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// ProjectStatus is a snapshot of one project's connection state.
type ProjectStatus struct {
	ProjectMeta
	LastSeen  time.Time     `json:"last_seen"`
	Transport TransportKind `json:"transport"`
	Active    bool          `json:"is_active"`
}

type projectEntry struct {
	meta      ProjectMeta
	lastSeen  time.Time
	transport TransportKind
}

// Registry tracks per-project connection state. State lives in memory only;
// a process restart resets it and clients re-register on their next poll.
type Registry struct {
	mu       sync.Mutex
	projects map[string]*projectEntry
	window   time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewRegistry creates a registry with the given activity window.
func NewRegistry(window time.Duration, log zerolog.Logger) *Registry {
	if window <= 0 {
		window = DefaultActivityWindow
	}
	return &Registry{
		projects: make(map[string]*projectEntry),
		window:   window,
		now:      time.Now,
		log:      log.With().Str("component", "registry").Logger(),
	}
}

// SetClock overrides the time source. Test hook.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Register inserts or overwrites project metadata and refreshes last-seen.
// Idempotent. Returns true if the project was not previously known.
func (r *Registry) Register(meta ProjectMeta) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, known := r.projects[meta.ProjectID]
	if entry == nil {
		entry = &projectEntry{transport: TransportNone}
		r.projects[meta.ProjectID] = entry
	}
	entry.meta = meta
	entry.lastSeen = r.now()
	if !known {
		r.log.Info().Str("project", meta.ProjectID).Str("name", meta.ProjectName).Msg("project registered")
	}
	return !known
}

// Heartbeat refreshes last-seen. Returns ErrUnknownProject for unregistered
// projects.
func (r *Registry) Heartbeat(projectID string) error {
	return r.touch(projectID, "")
}

// MarkPolled refreshes last-seen and records the pull transport as active.
// Polling is itself a liveness signal.
func (r *Registry) MarkPolled(projectID string) error {
	return r.touch(projectID, TransportPull)
}

// SetTransport records a transport connect or disconnect.
func (r *Registry) SetTransport(projectID string, kind TransportKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.projects[projectID]
	if !ok {
		return ErrUnknownProject
	}
	entry.transport = kind
	if kind != TransportNone {
		entry.lastSeen = r.now()
	}
	return nil
}

func (r *Registry) touch(projectID string, kind TransportKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.projects[projectID]
	if !ok {
		return ErrUnknownProject
	}
	entry.lastSeen = r.now()
	if kind != "" {
		entry.transport = kind
	}
	return nil
}

// IsActive reports whether the project was seen within the activity window.
func (r *Registry) IsActive(projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.projects[projectID]
	if !ok {
		return false
	}
	return r.now().Sub(entry.lastSeen) <= r.window
}

// Known reports whether the project is registered at all.
func (r *Registry) Known(projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.projects[projectID]
	return ok
}

// Get returns the status snapshot for one project.
func (r *Registry) Get(projectID string) (ProjectStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.projects[projectID]
	if !ok {
		return ProjectStatus{}, ErrUnknownProject
	}
	return r.snapshot(entry), nil
}

// List returns a snapshot of all known projects sorted by id.
func (r *Registry) List() []ProjectStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProjectStatus, 0, len(r.projects))
	for _, entry := range r.projects {
		out = append(out, r.snapshot(entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Deregister removes the project. Subsequent commands for it fail with
// ErrUnknownProject.
func (r *Registry) Deregister(projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[projectID]; !ok {
		return ErrUnknownProject
	}
	delete(r.projects, projectID)
	r.log.Info().Str("project", projectID).Msg("project deregistered")
	return nil
}

func (r *Registry) snapshot(entry *projectEntry) ProjectStatus {
	return ProjectStatus{
		ProjectMeta: entry.meta,
		LastSeen:    entry.lastSeen,
		Transport:   entry.transport,
		Active:      r.now().Sub(entry.lastSeen) <= r.window,
	}
}
