// Package intent maps free text onto the closed action vocabulary.
package intent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tabi/internal/action"
	"tabi/internal/inference"
)

// Classifier asks the local model for one label. It never retries.
type Classifier struct {
	local    inference.LocalProvider
	fallback bool
	logger   *zap.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithKeywordFallback enables the keyword classifier for when the model
// path yields nothing.
func WithKeywordFallback(enabled bool) Option {
	return func(c *Classifier) { c.fallback = enabled }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClassifier(local inference.LocalProvider, opts ...Option) *Classifier {
	c := &Classifier{local: local, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("intent")
	return c
}

// Prompt renders the classification request for utterance.
func Prompt(utterance string) string {
	labels := make([]string, 0, len(action.Kinds()))
	for _, k := range action.Kinds() {
		labels = append(labels, string(k))
	}
	return fmt.Sprintf("Categorize the user's intent into one of: %s.\nReturn ONLY the label. Nothing else.\nUser: %q\n",
		strings.Join(labels, ", "), utterance)
}

// Classify returns the action kind for utterance, or false when no member of
// the closed set could be determined.
func (c *Classifier) Classify(ctx context.Context, utterance string) (action.Kind, bool) {
	if strings.TrimSpace(utterance) == "" {
		return "", false
	}

	if kind, ok := c.fromModel(ctx, utterance); ok {
		return kind, true
	}
	if !c.fallback {
		return "", false
	}

	kind, ok := Keywords(utterance)
	if ok {
		c.logger.Info("intent from keyword fallback", zap.String("intent", string(kind)))
	}
	return kind, ok
}

func (c *Classifier) fromModel(ctx context.Context, utterance string) (action.Kind, bool) {
	if c.local == nil {
		return "", false
	}

	text, err := c.local.Prompt(ctx, Prompt(utterance), action.IntentSchema())
	if err != nil {
		c.logger.Warn("local classification failed", zap.Error(err))
		return "", false
	}

	label := stripQuotes(strings.TrimSpace(text))
	kind, ok := action.ParseKind(label)
	if !ok {
		c.logger.Warn("model returned label outside the vocabulary", zap.String("label", label))
		return "", false
	}
	c.logger.Debug("intent classified", zap.String("intent", string(kind)))
	return kind, true
}

// stripQuotes removes one layer of matching double quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}
