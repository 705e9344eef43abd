package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tabi/internal/action"
	"tabi/internal/inference"
)

// DefaultPromptTimeout bounds one on-device prompt.
const DefaultPromptTimeout = 60 * time.Second

// LanguageModel runs prompts on the browser's built-in model through the
// extension. The extension keeps one model session; prompts are serialized
// and the session is reset after any failure.
type LanguageModel struct {
	caller  Caller
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	reset bool
}

var _ inference.LocalProvider = (*LanguageModel)(nil)

func NewLanguageModel(c Caller, timeout time.Duration, logger *zap.Logger) *LanguageModel {
	if timeout <= 0 {
		timeout = DefaultPromptTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LanguageModel{caller: c, timeout: timeout, logger: logger.Named("lm")}
}

type promptRequest struct {
	Prompt             string        `json:"prompt"`
	ResponseConstraint action.Schema `json:"responseConstraint,omitempty"`
	// Reset asks the extension to discard its session before prompting.
	Reset bool `json:"reset,omitempty"`
}

// promptReply carries a null result when the model is missing or failed.
type promptReply struct {
	Result *string `json:"result"`
}

func (m *LanguageModel) Prompt(ctx context.Context, prompt string, schema action.Schema) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req := promptRequest{Prompt: prompt, ResponseConstraint: schema, Reset: m.reset}
	var reply promptReply
	if err := m.caller.Call(ctx, callPrompt, req, &reply); err != nil {
		m.reset = true
		m.logger.Warn("prompt failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", inference.ErrUnavailable, err)
	}
	if reply.Result == nil {
		m.reset = true
		return "", fmt.Errorf("%w: model returned no result", inference.ErrUnavailable)
	}
	m.reset = false
	return *reply.Result, nil
}
