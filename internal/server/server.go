package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/forge3d/uerelay/internal/config"
	"github.com/forge3d/uerelay/internal/protocol"
	"github.com/forge3d/uerelay/internal/relay"
	"github.com/forge3d/uerelay/internal/store"
	"github.com/forge3d/uerelay/internal/telemetry"
	"github.com/forge3d/uerelay/pkg/api"
)

// Server owns the relay HTTP and websocket surface. All shared state (the
// registry, pending table, backlog) is constructed once here and handed to
// handlers explicitly; nothing lives in package globals.
type Server struct {
	Version string

	cfg      config.Config
	log      zerolog.Logger
	registry *relay.Registry
	backlog  *relay.Backlog
	pending  *relay.PendingTable
	fanout   *relay.Fanout
	adapter  *relay.Adapter
	router   *relay.Router
	catalog  *store.Store // optional; nil disables the catalog/audit log

	srv *http.Server
}

// New wires up the relay core. catalog and interp may be nil.
func New(cfg config.Config, catalog *store.Store, interp relay.Interpreter, log zerolog.Logger) *Server {
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = relay.DefaultActivityWindow
	}
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = relay.DefaultAwaitTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}

	registry := relay.NewRegistry(cfg.ActivityWindow, log)
	backlog := relay.NewBacklog(cfg.BacklogLimit, log)
	pending := relay.NewPendingTable(log)
	fanout := relay.NewFanout(log)
	adapter := relay.NewAdapter(registry, backlog, pending, fanout, log)
	router := relay.NewRouter(adapter, pending, interp, cfg.AwaitTimeout, log)

	pending.SetLateHook(func(requestID string) {
		telemetry.CounterGlobal("relay_late_responses", 1, nil)
	})

	s := &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "server").Logger(),
		registry: registry,
		backlog:  backlog,
		pending:  pending,
		fanout:   fanout,
		adapter:  adapter,
		router:   router,
		catalog:  catalog,
	}
	return s
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return s.recoverPanics(mux)
}

// Routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/ue5/register_http", s.engineAuth(s.handleRegister))
	mux.HandleFunc("/api/ue5/heartbeat", s.engineAuth(s.handleHeartbeat))
	mux.HandleFunc("/api/ue5/poll", s.engineAuth(s.handlePoll))
	mux.HandleFunc("/api/ue5/response", s.engineAuth(s.handleEngineResponse))
	mux.HandleFunc("/send_command_to_ue5", s.handleSendCommand)
	mux.HandleFunc("/api/command", s.handleChat)
	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/api/projects/", s.handleProjectByID)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/ws/engine", s.engineAuth(s.handleEngineWS))
	mux.HandleFunc("/ws/dashboard", s.handleDashboardWS)
}

// Run starts the background sweepers and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.pending.RunSweeper(ctx, s.cfg.SweepInterval)
	go s.backlogSweeper(ctx)

	s.srv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLS.Cert != "" {
			tlsConf, terr := BuildTLSConfig(s.cfg.TLS)
			if terr != nil {
				errCh <- terr
				return
			}
			s.srv.TLSConfig = tlsConf
			s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("relay listening with TLS")
			err = s.srv.ListenAndServeTLS("", "")
		} else {
			s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("relay listening")
			err = s.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) backlogSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.backlog.DropExpired(); n > 0 {
				telemetry.CounterGlobal("relay_commands_expired", float64(n), nil)
			}
		}
	}
}

// recoverPanics converts unexpected panics into a generic 500 with a logged
// stack trace. Internals never leak to the dashboard.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Str("stack", string(debug.Stack())).
					Msg("handler panicked")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// engineAuth enforces the optional bearer token on engine-facing endpoints.
func (s *Server) engineAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if tok := s.cfg.AuthToken; tok != "" {
			auth := r.Header.Get("Authorization")
			x := r.Header.Get("X-Auth-Token")
			if auth != "Bearer "+tok && x != tok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"version":  s.Version,
		"time":     time.Now().UTC(),
		"projects": len(s.registry.List()),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req api.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}

	meta := relay.ProjectMeta{
		ProjectID:     req.ProjectID,
		ProjectName:   req.ProjectName,
		EngineVersion: req.EngineVersion,
		Capabilities:  req.Capabilities,
	}
	wasNew := s.registry.Register(meta)
	if s.catalog != nil {
		if err := s.catalog.UpsertProject(r.Context(), req.ProjectID, req.ProjectName, req.EngineVersion); err != nil {
			s.log.Error().Err(err).Str("project", req.ProjectID).Msg("catalog upsert failed")
		}
	}
	if wasNew {
		s.fanout.Broadcast(protocol.EventProjectConnected, map[string]any{
			"project_id":   req.ProjectID,
			"project_name": req.ProjectName,
		})
	}

	telemetry.CounterGlobal("relay_registrations", 1, nil)
	telemetry.TimerGlobal("relay_request_duration", time.Since(start), map[string]string{"endpoint": "register"})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "project_id": req.ProjectID})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req api.HeartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.registry.Heartbeat(req.ProjectID); err != nil {
		writeError(w, http.StatusNotFound, "unknown project")
		return
	}
	telemetry.CounterGlobal("relay_heartbeats", 1, nil)
	writeJSON(w, http.StatusOK, api.GenericResponse{Success: true})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req api.PollRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}

	// The poll re-registers unknown projects so a relay restart heals on the
	// client's next cycle.
	known := s.registry.Known(req.ProjectID)
	if !known {
		s.registry.Register(relay.ProjectMeta{
			ProjectID:     req.ProjectID,
			ProjectName:   req.ProjectName,
			EngineVersion: req.EngineVersion,
		})
		if s.catalog != nil {
			if err := s.catalog.UpsertProject(r.Context(), req.ProjectID, req.ProjectName, req.EngineVersion); err != nil {
				s.log.Error().Err(err).Str("project", req.ProjectID).Msg("catalog upsert failed")
			}
		}
	} else if s.catalog != nil {
		if err := s.catalog.TouchProject(r.Context(), req.ProjectID); err != nil {
			s.log.Debug().Err(err).Str("project", req.ProjectID).Msg("catalog touch failed")
		}
	}

	drained := s.adapter.Drain(req.ProjectID)
	commands := make([]api.Command, 0, len(drained))
	for _, cmd := range drained {
		commands = append(commands, api.Command{RequestID: cmd.RequestID, Action: cmd.Action, Params: cmd.Params})
	}

	telemetry.CounterGlobal("relay_polls_served", 1, nil)
	telemetry.TimerGlobal("relay_request_duration", time.Since(start), map[string]string{"endpoint": "poll"})
	writeJSON(w, http.StatusOK, api.PollResponse{Commands: commands, Registered: known})
}

func (s *Server) handleEngineResponse(w http.ResponseWriter, r *http.Request) {
	var req api.EngineResponse
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		writeError(w, http.StatusBadRequest, "request_id is required")
		return
	}

	resp := protocol.Response{
		RequestID: req.RequestID,
		Success:   req.Success,
		Data:      req.Data,
		Error:     req.Error,
	}
	accepted := s.adapter.DeliverResponse(req.ProjectID, resp)
	if accepted {
		telemetry.CounterGlobal("relay_responses_matched", 1, nil)
		s.audit(r.Context(), store.EventRecord{
			ProjectID: req.ProjectID,
			RequestID: req.RequestID,
			Kind:      store.EventResponse,
			Success:   req.Success,
		})
	}
	// Unknown or late ids are dropped, never an engine-visible error.
	writeJSON(w, http.StatusOK, api.GenericResponse{Success: true})
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req api.SendCommandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProjectID == "" || req.Command.Action == "" {
		writeError(w, http.StatusBadRequest, "project_id and command.action are required")
		return
	}

	timeout := s.cfg.AwaitTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	requestID, err := s.router.Submit(req.ProjectID, req.Command.Action, req.Command.Params, timeout)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	telemetry.CounterGlobal("relay_commands_enqueued", 1, map[string]string{"endpoint": "send"})
	s.audit(r.Context(), store.EventRecord{
		ProjectID: req.ProjectID,
		RequestID: requestID,
		Kind:      store.EventCommand,
		Action:    req.Command.Action,
	})

	resp := s.pending.Await(r.Context(), requestID)
	telemetry.TimerGlobal("relay_await_duration", time.Since(start), nil)
	if resp.TimedOut {
		telemetry.CounterGlobal("relay_request_timeouts", 1, nil)
		s.audit(context.Background(), store.EventRecord{
			ProjectID: req.ProjectID,
			RequestID: requestID,
			Kind:      store.EventTimeout,
			Action:    req.Command.Action,
			Detail:    resp.Error,
		})
	}

	writeJSON(w, http.StatusOK, api.SendCommandResponse{
		Success:   resp.Success,
		RequestID: requestID,
		Data:      resp.Data,
		Error:     resp.Error,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req api.ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProjectID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "project_id and message are required")
		return
	}

	result, err := s.router.Route(r.Context(), req.ProjectID, req.Message)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	if !result.Enqueued {
		writeJSON(w, http.StatusOK, api.ChatResponse{Success: true, Answer: result.Answer})
		return
	}

	s.audit(r.Context(), store.EventRecord{
		ProjectID: req.ProjectID,
		RequestID: result.RequestID,
		Kind:      store.EventCommand,
		Action:    "chat",
	})
	resp := s.pending.Await(r.Context(), result.RequestID)
	writeJSON(w, http.StatusOK, api.ChatResponse{
		Success:   resp.Success,
		Enqueued:  true,
		RequestID: result.RequestID,
		Preamble:  result.Preamble,
		Data:      resp.Data,
		Error:     resp.Error,
	})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	live := s.registry.List()
	infos := make([]api.ProjectInfo, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, status := range live {
		seen[status.ProjectID] = true
		infos = append(infos, projectInfo(status))
	}

	// Previously-seen projects from the catalog show up offline until their
	// client re-registers.
	if s.catalog != nil {
		records, err := s.catalog.ListProjects(r.Context())
		if err != nil {
			s.log.Error().Err(err).Msg("catalog list failed")
		} else {
			for _, rec := range records {
				if seen[rec.ProjectID] {
					continue
				}
				infos = append(infos, api.ProjectInfo{
					ProjectID:        rec.ProjectID,
					ProjectName:      rec.ProjectName,
					EngineVersion:    rec.EngineVersion,
					IsActive:         false,
					Transport:        string(relay.TransportNone),
					LastSeen:         rec.LastSeen,
					ConnectionHealth: api.ConnectionHealth{Status: "offline"},
				})
			}
		}
	}

	writeJSON(w, http.StatusOK, api.ProjectsResponse{Projects: infos})
}

func (s *Server) handleProjectByID(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	if projectID == "" || strings.Contains(projectID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		status, err := s.registry.Get(projectID)
		if err != nil {
			writeError(w, http.StatusNotFound, "unknown project")
			return
		}
		writeJSON(w, http.StatusOK, projectInfo(status))
	case http.MethodDelete:
		if err := s.registry.Deregister(projectID); err != nil {
			writeError(w, http.StatusNotFound, "unknown project")
			return
		}
		s.adapter.RemoveProject(projectID)
		if s.catalog != nil {
			if err := s.catalog.DeleteProject(r.Context(), projectID); err != nil {
				s.log.Error().Err(err).Str("project", projectID).Msg("catalog delete failed")
			}
		}
		s.fanout.Broadcast(protocol.EventProjectDisconnected, map[string]any{"project_id": projectID})
		writeJSON(w, http.StatusOK, api.GenericResponse{Success: true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.catalog == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "events": []store.EventRecord{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.catalog.RecentEvents(r.Context(), r.URL.Query().Get("project_id"), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("recent events failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if events == nil {
		events = []store.EventRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "events": events})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := telemetry.Global().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"pending_requests": s.pending.Len(),
		"observers":        s.fanout.Count(),
		"metrics":          snap,
	})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relay.ErrUnknownProject):
		writeError(w, http.StatusNotFound, "unknown project")
	case errors.Is(err, relay.ErrBacklogFull):
		writeError(w, http.StatusServiceUnavailable, "command backlog full")
	case errors.Is(err, relay.ErrProjectUnreachable):
		writeError(w, http.StatusBadGateway, "project unreachable")
	default:
		s.log.Error().Err(err).Msg("command submit failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) audit(ctx context.Context, rec store.EventRecord) {
	if s.catalog == nil {
		return
	}
	if err := s.catalog.AppendEvent(ctx, rec); err != nil {
		s.log.Debug().Err(err).Str("request", rec.RequestID).Msg("audit append failed")
	}
}

func projectInfo(status relay.ProjectStatus) api.ProjectInfo {
	health := "offline"
	if status.Active {
		health = "online"
	}
	return api.ProjectInfo{
		ProjectID:        status.ProjectID,
		ProjectName:      status.ProjectName,
		EngineVersion:    status.EngineVersion,
		IsActive:         status.Active,
		Transport:        string(status.Transport),
		LastSeen:         status.LastSeen,
		ConnectionHealth: api.ConnectionHealth{Status: health},
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.GenericResponse{Success: false, Error: msg})
}
