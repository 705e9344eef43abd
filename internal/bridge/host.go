package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"tabi/internal/browser"
	"tabi/internal/gateway"
)

// Commander is the part of the gateway the extension drives.
type Commander interface {
	Execute(ctx context.Context, utterance string) gateway.Outcome
	Focus(ctx context.Context) ([]browser.Suggestion, error)
	Select(ctx context.Context, s browser.Suggestion) (bool, error)
	Busy() bool
}

type executeRequest struct {
	Utterance string `json:"utterance"`
}

// overlayState answers toggle and focus.
type overlayState struct {
	Busy        bool                 `json:"busy"`
	Suggestions []browser.Suggestion `json:"suggestions"`
}

type selectReply struct {
	Found bool `json:"found"`
}

// RegisterCommands wires the inbound request types to cmd.
func RegisterCommands(c *Conn, cmd Commander) {
	c.Handle(TypeExecute, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req executeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode execute: %w", err)
		}
		return cmd.Execute(ctx, req.Utterance), nil
	})

	// toggle only reports state; the overlay itself lives in the page
	c.Handle(TypeToggle, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return overlayState{Busy: cmd.Busy()}, nil
	})

	c.Handle(TypeFocus, func(ctx context.Context, _ json.RawMessage) (any, error) {
		labels, err := cmd.Focus(ctx)
		if err != nil {
			return nil, err
		}
		return overlayState{Busy: cmd.Busy(), Suggestions: labels}, nil
	})

	c.Handle(TypeSelect, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var s browser.Suggestion
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, fmt.Errorf("decode select: %w", err)
		}
		found, err := cmd.Select(ctx, s)
		if err != nil {
			return nil, err
		}
		return selectReply{Found: found}, nil
	})
}
