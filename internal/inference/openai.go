package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"tabi/internal/action"
	"tabi/internal/config"
)

const (
	systemPrompt = "You are a careful browser assistant. Answer only with what the user asked for, in the requested format."
	// wrappedKey holds a non-object schema, since structured output requires an object root.
	wrappedKey = "value"
)

// OpenAICompatible talks to a local OpenAI-compatible server such as Ollama,
// llama.cpp or LM Studio.
//
// The client is created on first use and shared. Calls are serialized, and a
// failed call drops the client so the next call starts fresh.
type OpenAICompatible struct {
	cfg    config.LocalInferenceConfig
	logger *zap.Logger

	mu     sync.Mutex
	client *openai.Client
}

func NewOpenAICompatible(cfg config.LocalInferenceConfig, logger *zap.Logger) *OpenAICompatible {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAICompatible{cfg: cfg, logger: logger.Named("local")}
}

func (p *OpenAICompatible) session() *openai.Client {
	if p.client == nil {
		apiKey := p.cfg.APIKey()
		if apiKey == "" {
			// local servers ignore the key but the client insists on one
			apiKey = "local"
		}
		client := openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(p.cfg.BaseURL),
			option.WithMaxRetries(0),
		)
		p.client = &client
	}
	return p.client
}

func (p *OpenAICompatible) Prompt(ctx context.Context, prompt string, schema action.Schema) (string, error) {
	if p.cfg.BaseURL == "" {
		return "", ErrUnavailable
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.GetTimeout())
	defer cancel()

	wrapped := false
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
	}
	if schema != nil {
		schema, wrapped = objectRoot(schema)
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "response",
					Schema: schema,
				},
			},
		}
	}

	start := time.Now()
	resp, err := p.session().Chat.Completions.New(ctx, params)
	if err != nil {
		p.client = nil
		p.logger.Warn("local prompt failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		p.client = nil
		return "", fmt.Errorf("%w: empty completion", ErrUnavailable)
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	p.logger.Debug("local prompt answered",
		zap.String("model", p.cfg.Model),
		zap.Int("chars", len(text)),
		zap.Duration("elapsed", time.Since(start)),
	)
	if wrapped {
		return unwrap(text)
	}
	return text, nil
}

// objectRoot wraps schemas whose root is not an object.
func objectRoot(schema action.Schema) (action.Schema, bool) {
	if t, _ := schema["type"].(string); t == "object" {
		return schema, false
	}
	return action.Schema{
		"type":                 "object",
		"properties":           action.Schema{wrappedKey: schema},
		"required":             []string{wrappedKey},
		"additionalProperties": false,
	}, true
}

// unwrap undoes objectRoot on the model's answer. Strings come back bare,
// anything else as JSON text.
func unwrap(text string) (string, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return "", fmt.Errorf("decode wrapped answer: %w", err)
	}
	raw, ok := envelope[wrappedKey]
	if !ok {
		return "", errors.New("wrapped answer has no value")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	return string(raw), nil
}

var _ LocalProvider = (*OpenAICompatible)(nil)
