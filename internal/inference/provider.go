package inference

import (
	"context"
	"errors"

	"tabi/internal/action"
)

var (
	// ErrUnavailable means no local model can be reached. Callers fall back.
	ErrUnavailable = errors.New("inference provider unavailable")
	// ErrBackend means the remote agent answered with a non-200 status or a
	// body that is not a plan.
	ErrBackend = errors.New("backend error")
)

// LocalProvider runs a prompt against an on-device model. schema, when
// non-nil, constrains the shape of the returned text.
type LocalProvider interface {
	Prompt(ctx context.Context, prompt string, schema action.Schema) (string, error)
}

// RemoteProvider asks the hosted agent for a plan from raw context.
type RemoteProvider interface {
	Plan(ctx context.Context, req AgentRequest) (action.Plan, error)
}

// AgentRequest is the POST /agent body.
type AgentRequest struct {
	Prompt  string       `json:"prompt"`
	Context AgentContext `json:"context"`
}

// AgentContext carries the browser state the agent plans against.
type AgentContext struct {
	Tabs      []action.TabGroupSnapshot `json:"tabs"`
	ClientID  string                    `json:"client_id"`
	Bookmarks *action.BookmarkNode      `json:"bookmarks,omitempty"`
}

// Unavailable is a LocalProvider for hosts without a local model.
type Unavailable struct{}

func (Unavailable) Prompt(context.Context, string, action.Schema) (string, error) {
	return "", ErrUnavailable
}
