// Package gateway runs one command through the pipeline: snapshot, classify,
// resolve, execute. Every failure ends as a status string.
package gateway

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tabi/internal/action"
	"tabi/internal/browser"
	"tabi/internal/executor"
	"tabi/internal/inference"
	"tabi/internal/mangle"
	"tabi/internal/resolver"
)

// ErrBusy is reported when a command arrives while another is in flight.
var ErrBusy = errors.New("a command is already running")

// Terminal statuses.
const (
	StatusBusy           = "A command is already running."
	StatusNoWindow       = "No browser window found."
	StatusUnknownIntent  = "Unable to determine intent."
	StatusBackendError   = "Backend error"
	StatusFailed         = "Failed to execute command."
	StatusTabsOrganized  = "Tabs organized successfully!"
	StatusTabsSavedIn    = "Your tabs are saved in: "
	StatusTabFound       = "Your tab was found!"
	StatusTabNotFound    = "Tab not found."
	StatusTabsCleaned    = "Your tabs have been cleaned up!"
	StatusBookmarksGone  = "Your bookmarks have been removed!"
	StatusBookmarkFound  = "Your bookmark was found!"
	StatusBookmarkAbsent = "Bookmark not found."
	StatusBookmarksMoved = "Bookmarks organized successfully!"
)

// Outcome is what the surface shows after a command.
type Outcome struct {
	ID     string           `json:"id,omitempty"`
	Status string           `json:"status"`
	Kind   action.Kind      `json:"kind,omitempty"`
	OK     bool             `json:"ok"`
	Source resolver.Source  `json:"source,omitempty"`
	Result *executor.Result `json:"result,omitempty"`
	Err    error            `json:"-"`
}

// Classifier maps an utterance onto the action vocabulary.
type Classifier interface {
	Classify(ctx context.Context, utterance string) (action.Kind, bool)
}

// Resolver turns a classified command into a validated plan.
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) (resolver.Resolution, error)
}

// Executor applies a plan.
type Executor interface {
	Execute(ctx context.Context, plan action.Plan, snap *browser.Snapshot) (executor.Result, error)
}

// History receives the facts recorded for each stage.
type History interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// Identity supplies the client id sent to the remote backend.
type Identity interface {
	ClientID() (string, error)
}

// Gateway is the process-wide command state. Create one at start and share it.
type Gateway struct {
	accessor    browser.Accessor
	snapshotter *browser.Snapshotter
	classifier  Classifier
	resolver    Resolver
	executor    Executor
	identity    Identity
	history     History
	logger      *zap.Logger
	now         func() time.Time

	busy atomic.Bool
}

// Deps are the collaborators of a Gateway. History and Identity are optional.
type Deps struct {
	Accessor   browser.Accessor
	Classifier Classifier
	Resolver   Resolver
	Executor   Executor
	Identity   Identity
	History    History
	Logger     *zap.Logger
}

func New(d Deps) *Gateway {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		accessor:    d.Accessor,
		snapshotter: browser.NewSnapshotter(d.Accessor, logger),
		classifier:  d.Classifier,
		resolver:    d.Resolver,
		executor:    d.Executor,
		identity:    d.Identity,
		history:     d.History,
		logger:      logger.Named("gateway"),
		now:         time.Now,
	}
}

// Busy reports whether a command is in flight.
func (g *Gateway) Busy() bool { return g.busy.Load() }

// Execute runs utterance to completion. A blank utterance is a no-op with an
// empty status.
func (g *Gateway) Execute(ctx context.Context, utterance string) Outcome {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return Outcome{}
	}
	if !g.busy.CompareAndSwap(false, true) {
		g.logger.Info("command rejected, another one is running")
		return Outcome{Status: StatusBusy, Err: ErrBusy}
	}
	defer g.busy.Store(false)

	run := &commandRun{g: g, id: uuid.NewString(), utterance: utterance}
	run.record(mangle.CommandFact(run.id, utterance, g.now()))

	out := run.execute(ctx)
	out.ID = run.id

	run.record(mangle.OutcomeFact(run.id, out.Status, out.OK, g.now()))
	if out.Result != nil {
		for _, f := range out.Result.Failures {
			run.record(mangle.MutationFailureFact(run.id, f.Op, f.Target, g.now()))
		}
	}
	run.flush(ctx)

	g.logger.Info("command finished",
		zap.String("id", run.id),
		zap.String("status", out.Status),
		zap.Bool("ok", out.OK),
	)
	return out
}

// commandRun carries one command through the stages.
type commandRun struct {
	g         *Gateway
	id        string
	utterance string
	facts     []mangle.Fact
}

func (r *commandRun) record(facts ...mangle.Fact) {
	r.facts = append(r.facts, facts...)
}

func (r *commandRun) flush(ctx context.Context) {
	if r.g.history == nil || len(r.facts) == 0 {
		return
	}
	if err := r.g.history.AddFacts(ctx, r.facts); err != nil {
		r.g.logger.Warn("history not recorded", zap.String("id", r.id), zap.Error(err))
	}
	r.facts = nil
}

func (r *commandRun) execute(ctx context.Context) Outcome {
	g := r.g
	log := g.logger.With(zap.String("id", r.id))

	// the snapshot comes first so a missing window aborts before any inference
	snap, err := g.snapshotter.Take(ctx)
	if errors.Is(err, browser.ErrNoWindow) {
		log.Warn("no browser window")
		return Outcome{Status: StatusNoWindow, Err: err}
	}
	if err != nil {
		log.Error("snapshot failed", zap.Error(err))
		return Outcome{Status: StatusFailed, Err: err}
	}
	for _, grp := range snap.TabGroups {
		r.record(mangle.SnapshotGroupFact(r.id, grp.GroupName, len(grp.Tabs), g.now()))
	}

	kind, ok := g.classifier.Classify(ctx, r.utterance)
	if !ok {
		log.Info("intent not recognized", zap.String("utterance", r.utterance))
		return Outcome{Status: StatusUnknownIntent}
	}
	r.record(mangle.IntentFact(r.id, string(kind), g.now()))

	req := resolver.Request{
		Kind:      kind,
		Utterance: r.utterance,
		TabGroups: snap.TabGroups,
		Bookmarks: snap.Bookmarks,
		ClientID:  g.clientID(),
	}
	res, err := g.resolver.Resolve(ctx, req)
	if err != nil {
		log.Error("resolution failed", zap.String("action", string(kind)), zap.Error(err))
		status := StatusFailed
		if errors.Is(err, inference.ErrBackend) {
			status = StatusBackendError
		}
		return Outcome{Status: status, Kind: kind, Err: err}
	}
	r.record(mangle.ResolutionFact(r.id, string(res.Source), res.Plan.Confidence, g.now()))
	if res.Escalation != "" {
		r.record(mangle.EscalationFact(r.id, res.Escalation, g.now()))
	}

	result, err := g.executor.Execute(ctx, res.Plan, snap)
	if err != nil {
		log.Error("execution failed", zap.String("action", string(res.Plan.Action)), zap.Error(err))
		return Outcome{Status: StatusFailed, Kind: res.Plan.Action, Source: res.Source, Err: err}
	}

	status, ok := statusFor(result)
	return Outcome{Status: status, Kind: result.Kind, OK: ok, Source: res.Source, Result: &result}
}

func (g *Gateway) clientID() string {
	if g.identity == nil {
		return ""
	}
	id, err := g.identity.ClientID()
	if err != nil {
		g.logger.Warn("client id unavailable", zap.Error(err))
		return ""
	}
	return id
}

// statusFor maps an executor result onto the user-visible message. Partial
// mutation failures still report success; they only show up in logs and history.
func statusFor(res executor.Result) (string, bool) {
	switch res.Kind {
	case action.OrganizeTabs:
		return StatusTabsOrganized, true
	case action.GenerateTabs:
		return StatusTabsSavedIn + res.GroupName, true
	case action.SearchTabs:
		if res.Found {
			return StatusTabFound, true
		}
		return StatusTabNotFound, false
	case action.CloseTabs:
		return StatusTabsCleaned, true
	case action.RemoveBookmarks:
		return StatusBookmarksGone, true
	case action.SearchBookmarks:
		if res.Found {
			return StatusBookmarkFound, true
		}
		return StatusBookmarkAbsent, false
	case action.OrganizeBookmarks:
		return StatusBookmarksMoved, true
	default:
		return StatusFailed, false
	}
}
