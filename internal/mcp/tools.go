package mcp

import (
	"context"
	"fmt"
	"strings"

	"tabi/internal/browser"
	"tabi/internal/gateway"
	"tabi/internal/mangle"
)

type ExecuteCommandTool struct {
	gateway *gateway.Gateway
}

func (t *ExecuteCommandTool) Name() string { return "execute-command" }
func (t *ExecuteCommandTool) Description() string {
	return `Run a natural-language browser command end to end.

The command is classified into one of the tab or bookmark actions, planned
against the current window and bookmark tree, and applied to the browser.

EXAMPLES:
- "close reddit and cnn"
- "organize my tabs by topic"
- "open tabs to plan a trip to Lisbon"
- "find my recipes bookmark"

Returns: {status, ok, kind, source, result}. status is the message a user
would see; result lists what was opened, closed, grouped or moved.`
}
func (t *ExecuteCommandTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"utterance": map[string]interface{}{
				"type":        "string",
				"description": "The command as the user typed it",
			},
		},
		"required": []string{"utterance"},
	}
}
func (t *ExecuteCommandTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	utterance := strings.TrimSpace(getStringArg(args, "utterance"))
	if utterance == "" {
		return nil, fmt.Errorf("utterance is required")
	}
	out := t.gateway.Execute(ctx, utterance)
	resp := map[string]interface{}{"outcome": out}
	if out.Err != nil {
		resp["error"] = out.Err.Error()
	}
	return resp, nil
}

type SnapshotBrowserTool struct {
	snapshots *browser.Snapshotter
}

func (t *SnapshotBrowserTool) Name() string { return "snapshot-browser" }
func (t *SnapshotBrowserTool) Description() string {
	return `Read the focused window as the planner sees it: tabs bucketed by group,
with ungrouped tabs under "Ungrouped".

Set include_bookmarks to also return the bookmark tree (can be large).

Returns: {window, tab_groups, bookmark_labels, bookmarks?}`
}
func (t *SnapshotBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"include_bookmarks": map[string]interface{}{
				"type":        "boolean",
				"description": "Include the full bookmark tree (default false)",
			},
		},
	}
}
func (t *SnapshotBrowserTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	snap, err := t.snapshots.Take(ctx)
	if err != nil {
		return nil, err
	}
	resp := map[string]interface{}{
		"window":          snap.Window,
		"tab_groups":      snap.TabGroups,
		"bookmark_labels": len(snap.BookmarkIndex),
	}
	if getBoolArg(args, "include_bookmarks", false) {
		resp["bookmarks"] = snap.Bookmarks
	}
	return resp, nil
}

type ClassifyIntentTool struct {
	classifier gateway.Classifier
}

func (t *ClassifyIntentTool) Name() string { return "classify-intent" }
func (t *ClassifyIntentTool) Description() string {
	return `Classify an utterance without touching the browser.

Returns: {intent, recognized}. intent is empty when nothing matched.`
}
func (t *ClassifyIntentTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"utterance": map[string]interface{}{
				"type":        "string",
				"description": "Text to classify",
			},
		},
		"required": []string{"utterance"},
	}
}
func (t *ClassifyIntentTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	utterance := strings.TrimSpace(getStringArg(args, "utterance"))
	if utterance == "" {
		return nil, fmt.Errorf("utterance is required")
	}
	kind, ok := t.classifier.Classify(ctx, utterance)
	return map[string]interface{}{"intent": kind, "recognized": ok}, nil
}

type CommandHistoryTool struct {
	engine *mangle.Engine
}

func (t *CommandHistoryTool) Name() string { return "command-history" }
func (t *CommandHistoryTool) Description() string {
	return `List recent commands, newest first, with intent, plan source, escalation
reason, status and the number of failed browser mutations.`
}
func (t *CommandHistoryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum commands to return (default 10)",
			},
		},
	}
}
func (t *CommandHistoryTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	limit := getIntArg(args, "limit", 10)
	commands := t.engine.Commands(limit)
	return map[string]interface{}{"commands": commands, "count": len(commands)}, nil
}

type QueryHistoryTool struct {
	engine *mangle.Engine
}

func (t *QueryHistoryTool) Name() string { return "query-history" }
func (t *QueryHistoryTool) Description() string {
	return `Query command history facts with Mangle.

Pass either:
- query: a single atom such as escalated(ID, Reason). or outcome(ID, Status, "false").
- predicate: a derived predicate to evaluate, e.g. failed_command, remote_plan, partial_failure

Base predicates: command(ID, Utterance, Timestamp), intent(ID, Kind),
resolution(ID, Source, Confidence), escalation(ID, Reason), outcome(ID, Status, Ok),
mutation_failure(ID, Op, Target), snapshot_group(ID, Group, Tabs).`
}
func (t *QueryHistoryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle atom query, e.g. escalated(ID, Reason).",
			},
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Derived predicate to evaluate",
			},
		},
	}
}
func (t *QueryHistoryTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if query := strings.TrimSpace(getStringArg(args, "query")); query != "" {
		results, err := t.engine.Query(ctx, query)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"results": results, "count": len(results)}, nil
	}
	predicate := strings.TrimSpace(getStringArg(args, "predicate"))
	if predicate == "" {
		return nil, fmt.Errorf("query or predicate is required")
	}
	facts, err := t.engine.Evaluate(ctx, predicate)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"predicate": predicate, "facts": facts, "count": len(facts)}, nil
}

type SubmitRuleTool struct {
	engine *mangle.Engine
}

func (t *SubmitRuleTool) Name() string { return "submit-rule" }
func (t *SubmitRuleTool) Description() string {
	return `Add a Mangle rule over command history, then evaluate it with query-history.

Declare the head so it can be evaluated by name:

  Decl slow_path(ID).
  slow_path(ID) :- escalation(ID, "low_confidence").`
}
func (t *SubmitRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Mangle rule source",
			},
		},
		"required": []string{"rule"},
	}
}
func (t *SubmitRuleTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	rule := strings.TrimSpace(getStringArg(args, "rule"))
	if rule == "" {
		return nil, fmt.Errorf("rule is required")
	}
	if err := t.engine.AddRule(rule); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}
