package protocol

import "strings"

// TokenKind identifies which bracketed marker introduced an action token.
type TokenKind string

const (
	ActionRequest  TokenKind = "ACTION_REQUEST"
	ContextRequest TokenKind = "CONTEXT_REQUEST"
)

// ActionToken is a structured marker embedded in free text. The text before
// the marker is explanatory and kept separate from the token payload.
type ActionToken struct {
	Kind     TokenKind
	Action   string
	Argument string
	Preamble string
}

// ParseActionToken scans text for the first [ACTION_REQUEST] or
// [CONTEXT_REQUEST] marker. The remainder after the marker is either a bare
// action name or "action_name|argument". Returns false when no marker is
// present or the marker carries no action name.
func ParseActionToken(text string) (ActionToken, bool) {
	kind, idx, markerLen := findMarker(text)
	if idx < 0 {
		return ActionToken{}, false
	}

	tok := ActionToken{
		Kind:     kind,
		Preamble: strings.TrimSpace(text[:idx]),
	}

	payload := strings.TrimSpace(text[idx+markerLen:])
	if payload == "" {
		return tok, false
	}

	if pipe := strings.Index(payload, "|"); pipe >= 0 {
		tok.Action = strings.TrimSpace(payload[:pipe])
		tok.Argument = strings.TrimSpace(payload[pipe+1:])
	} else {
		tok.Action = payload
	}
	if tok.Action == "" {
		return tok, false
	}
	return tok, true
}

func findMarker(text string) (TokenKind, int, int) {
	const (
		actionMarker  = "[ACTION_REQUEST]"
		contextMarker = "[CONTEXT_REQUEST]"
	)
	ai := strings.Index(text, actionMarker)
	ci := strings.Index(text, contextMarker)
	switch {
	case ai < 0 && ci < 0:
		return "", -1, 0
	case ci < 0 || (ai >= 0 && ai < ci):
		return ActionRequest, ai, len(actionMarker)
	default:
		return ContextRequest, ci, len(contextMarker)
	}
}
