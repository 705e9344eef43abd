// Package resolver turns a classified utterance into a validated plan,
// trying the local model first and escalating to the remote agent.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tabi/internal/action"
	"tabi/internal/inference"
)

// ErrUnknownIntent means the kind has no schema or prompt template.
var ErrUnknownIntent = errors.New("unknown intent")

// Source names the provider a plan came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Escalation reasons.
const (
	ReasonRemoteOnly       = "remote_only"
	ReasonLocalUnavailable = "local_unavailable"
	ReasonLocalFailed      = "local_failed"
	ReasonInvalidPlan      = "invalid_plan"
	ReasonActionMismatch   = "action_mismatch"
	ReasonLowConfidence    = "low_confidence"
)

// DefaultThreshold is the confidence below which local plans escalate.
const DefaultThreshold = 0.80

// Request is everything the resolver needs for one command.
type Request struct {
	Kind      action.Kind
	Utterance string
	TabGroups []action.TabGroupSnapshot
	Bookmarks *action.BookmarkNode
	ClientID  string
}

// Resolution is an accepted plan. Escalation is empty for local plans.
type Resolution struct {
	Plan       action.Plan
	Source     Source
	Escalation string
	// LocalConfidence is set when a local plan was parsed but rejected.
	LocalConfidence *float64
}

// Resolver holds the providers and the escalation policy.
type Resolver struct {
	local      inference.LocalProvider
	remote     inference.RemoteProvider
	threshold  float64
	remoteOnly map[action.Kind]bool
	logger     *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithThreshold(t float64) Option {
	return func(r *Resolver) { r.threshold = t }
}

// WithRemoteOnly replaces the kinds that skip the local model.
func WithRemoteOnly(kinds ...action.Kind) Option {
	return func(r *Resolver) {
		r.remoteOnly = make(map[action.Kind]bool, len(kinds))
		for _, k := range kinds {
			r.remoteOnly[k] = true
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New builds a resolver. By default generate_tabs and organize_bookmarks go
// straight to the remote agent.
func New(local inference.LocalProvider, remote inference.RemoteProvider, opts ...Option) *Resolver {
	r := &Resolver{
		local:     local,
		remote:    remote,
		threshold: DefaultThreshold,
		remoteOnly: map[action.Kind]bool{
			action.GenerateTabs:      true,
			action.OrganizeBookmarks: true,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("resolver")
	return r
}

// Resolve returns the local plan when it is valid and confident enough, and
// otherwise exactly one remote plan. It never invents a plan.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Resolution, error) {
	schema, ok := action.SchemaFor(req.Kind)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownIntent, req.Kind)
	}

	logger := r.logger.With(zap.String("intent", string(req.Kind)))

	reason := ReasonRemoteOnly
	var localConfidence *float64
	if !r.remoteOnly[req.Kind] {
		prompt, err := action.PromptFor(req.Kind, action.PromptContext{
			Utterance: req.Utterance,
			Groups:    req.TabGroups,
			Bookmarks: req.Bookmarks,
		})
		if err != nil {
			return Resolution{}, fmt.Errorf("%w: %v", ErrUnknownIntent, err)
		}

		var plan action.Plan
		plan, reason = r.tryLocal(ctx, req.Kind, prompt, schema)
		if reason == "" {
			logger.Info("local plan accepted", zap.Float64("confidence", plan.Confidence))
			return Resolution{Plan: plan, Source: SourceLocal}, nil
		}
		if reason == ReasonLowConfidence {
			c := plan.Confidence
			localConfidence = &c
		}
	}

	logger.Info("escalating to remote", zap.String("reason", reason))
	if r.remote == nil {
		return Resolution{}, fmt.Errorf("%w: no remote provider", inference.ErrUnavailable)
	}
	plan, err := r.remote.Plan(ctx, inference.AgentRequest{
		Prompt: req.Utterance,
		Context: inference.AgentContext{
			Tabs:      req.TabGroups,
			ClientID:  req.ClientID,
			Bookmarks: req.Bookmarks,
		},
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("remote resolution: %w", err)
	}
	logger.Info("remote plan accepted",
		zap.String("action", string(plan.Action)),
		zap.Float64("confidence", plan.Confidence),
	)
	return Resolution{Plan: plan, Source: SourceRemote, Escalation: reason, LocalConfidence: localConfidence}, nil
}

// tryLocal returns the plan and an empty reason when it may be used as is.
func (r *Resolver) tryLocal(ctx context.Context, kind action.Kind, prompt string, schema action.Schema) (action.Plan, string) {
	if r.local == nil {
		return action.Plan{}, ReasonLocalUnavailable
	}

	text, err := r.local.Prompt(ctx, prompt, schema)
	if err != nil {
		r.logger.Warn("local resolution failed", zap.Error(err))
		if errors.Is(err, inference.ErrUnavailable) {
			return action.Plan{}, ReasonLocalUnavailable
		}
		return action.Plan{}, ReasonLocalFailed
	}

	plan, err := action.ParsePlan([]byte(stripFences(text)))
	if err != nil {
		r.logger.Warn("local plan rejected", zap.Error(err))
		return action.Plan{}, ReasonInvalidPlan
	}
	if plan.Action != kind {
		r.logger.Warn("local plan for another action", zap.String("got", string(plan.Action)))
		return action.Plan{}, ReasonActionMismatch
	}
	if plan.Confidence < r.threshold {
		return plan, ReasonLowConfidence
	}
	return plan, ""
}

// stripFences drops a markdown code fence some local models wrap JSON in.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
}
