package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forge3d/uerelay/internal/protocol"
)

// Interpreter turns free text into an answer that may embed an action token.
// The real implementation is an external AI collaborator; the relay only
// ships a stub.
type Interpreter interface {
	Interpret(ctx context.Context, projectID, text string) (string, error)
}

// StubInterpreter is the default when no AI backend is wired in.
type StubInterpreter struct{}

func (StubInterpreter) Interpret(ctx context.Context, projectID, text string) (string, error) {
	return "no interpreter is configured; send an [ACTION_REQUEST] token or a structured command", nil
}

// RouteResult is the outcome of routing one input: either a command was
// enqueued (RequestID set) or a direct textual answer was produced. Never
// both.
type RouteResult struct {
	RequestID string
	Enqueued  bool
	Answer    string
	Preamble  string
}

// Router maps incoming chat text to engine commands. Text carrying an action
// token is enqueued directly; anything else is handed to the Interpreter,
// whose reply gets one more parse before falling back to a plain answer.
type Router struct {
	adapter *Adapter
	pending *PendingTable
	interp  Interpreter
	timeout time.Duration
	log     zerolog.Logger
}

// NewRouter builds a router. A nil interp falls back to StubInterpreter.
func NewRouter(adapter *Adapter, pending *PendingTable, interp Interpreter, timeout time.Duration, log zerolog.Logger) *Router {
	if interp == nil {
		interp = StubInterpreter{}
	}
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	return &Router{
		adapter: adapter,
		pending: pending,
		interp:  interp,
		timeout: timeout,
		log:     log.With().Str("component", "router").Logger(),
	}
}

// Submit creates a pending slot and enqueues a structured command for
// projectID. Returns the generated request id. On enqueue failure the slot
// is released so the table never holds a request that was never sent.
func (rt *Router) Submit(projectID, action string, params map[string]string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = rt.timeout
	}
	requestID := uuid.NewString()
	if err := rt.pending.Create(requestID, projectID, timeout); err != nil {
		return "", err
	}
	cmd := protocol.Command{RequestID: requestID, Action: action, Params: params}
	if err := rt.adapter.Enqueue(projectID, cmd, time.Now().Add(timeout)); err != nil {
		rt.pending.Abandon(requestID)
		return "", err
	}
	rt.log.Info().Str("project", projectID).Str("action", action).Str("request", requestID).Msg("command submitted")
	return requestID, nil
}

// Route parses input for an action token and enqueues it, or produces a
// direct answer for plain text.
func (rt *Router) Route(ctx context.Context, projectID, input string) (RouteResult, error) {
	if tok, ok := protocol.ParseActionToken(input); ok {
		return rt.routeToken(projectID, tok)
	}

	answer, err := rt.interp.Interpret(ctx, projectID, input)
	if err != nil {
		return RouteResult{}, err
	}
	if tok, ok := protocol.ParseActionToken(answer); ok {
		return rt.routeToken(projectID, tok)
	}
	return RouteResult{Answer: answer}, nil
}

func (rt *Router) routeToken(projectID string, tok protocol.ActionToken) (RouteResult, error) {
	params := map[string]string{}
	if tok.Argument != "" {
		params["input"] = tok.Argument
	}
	if tok.Kind == protocol.ContextRequest {
		params["context_only"] = "true"
	}
	requestID, err := rt.Submit(projectID, tok.Action, params, 0)
	if err != nil {
		return RouteResult{}, err
	}
	return RouteResult{RequestID: requestID, Enqueued: true, Preamble: tok.Preamble}, nil
}
