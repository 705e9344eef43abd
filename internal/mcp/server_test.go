package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"tabi/internal/action"
	"tabi/internal/browser"
	"tabi/internal/config"
	"tabi/internal/executor"
	"tabi/internal/gateway"
	"tabi/internal/inference"
	"tabi/internal/intent"
	"tabi/internal/mangle"
	"tabi/internal/resolver"
)

// closePlanner always plans to close the tab titled Reddit.
type closePlanner struct{}

func (closePlanner) Resolve(_ context.Context, req resolver.Request) (resolver.Resolution, error) {
	return resolver.Resolution{
		Plan: action.Plan{
			Action:     action.CloseTabs,
			Output:     json.RawMessage(`{"tabs":["Reddit"]}`),
			Confidence: 0.95,
		},
		Source: resolver.SourceLocal,
	}, nil
}

func setupTestServer(t *testing.T) (*Server, *browser.MemoryAccessor, *mangle.Engine) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Name = "test-server"
	cfg.Server.Version = "1.0.0"

	engine, err := mangle.NewEngine(config.HistoryConfig{Enable: true, FactBufferLimit: 1000}, nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	acc := browser.NewMemoryAccessor(browser.Fixture{
		Windows: []browser.Window{{ID: "w1", Type: browser.WindowTypeNormal, Focused: true}},
		Tabs: []browser.Tab{
			{ID: "1", WindowID: "w1", Title: "Reddit", URL: "https://reddit.example"},
			{ID: "2", WindowID: "w1", Title: "Docs", URL: "https://docs.example"},
		},
	})
	classifier := intent.NewClassifier(inference.Unavailable{}, intent.WithKeywordFallback(true))
	gw := gateway.New(gateway.Deps{
		Accessor:   acc,
		Classifier: classifier,
		Resolver:   closePlanner{},
		Executor:   executor.New(acc, "", nil),
		History:    engine,
	})

	server, err := NewServer(cfg, Deps{Gateway: gw, Accessor: acc, Classifier: classifier, History: engine})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server, acc, engine
}

func TestNewServer(t *testing.T) {
	t.Run("registers every tool", func(t *testing.T) {
		server, _, _ := setupTestServer(t)
		for _, name := range []string{"execute-command", "snapshot-browser", "classify-intent", "command-history", "query-history", "submit-rule"} {
			if _, ok := server.tools[name]; !ok {
				t.Errorf("tool %s not registered", name)
			}
		}
	})

	t.Run("requires a gateway", func(t *testing.T) {
		if _, err := NewServer(config.DefaultConfig(), Deps{}); err == nil {
			t.Error("expected error without gateway")
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		server, _, _ := setupTestServer(t)
		if _, err := server.ExecuteTool(context.Background(), "launch-rockets", nil); err == nil {
			t.Error("expected error for unknown tool")
		}
	})
}

func TestExecuteCommandTool(t *testing.T) {
	server, acc, _ := setupTestServer(t)
	ctx := context.Background()

	t.Run("missing utterance", func(t *testing.T) {
		if _, err := server.ExecuteTool(ctx, "execute-command", map[string]interface{}{}); err == nil {
			t.Error("expected error for empty utterance")
		}
	})

	t.Run("closes the tab", func(t *testing.T) {
		result, err := server.ExecuteTool(ctx, "execute-command", map[string]interface{}{"utterance": "close reddit"})
		if err != nil {
			t.Fatalf("execute-command failed: %v", err)
		}
		out := result.(map[string]interface{})["outcome"].(gateway.Outcome)
		if out.Status != gateway.StatusTabsCleaned {
			t.Errorf("status = %q", out.Status)
		}
		tabs := acc.Snapshot().Tabs
		if len(tabs) != 1 || tabs[0].Title != "Docs" {
			t.Errorf("unexpected tabs after close: %+v", tabs)
		}
	})

	t.Run("history reflects the command", func(t *testing.T) {
		result, err := server.ExecuteTool(ctx, "command-history", map[string]interface{}{"limit": float64(5)})
		if err != nil {
			t.Fatalf("command-history failed: %v", err)
		}
		commands := result.(map[string]interface{})["commands"].([]mangle.CommandSummary)
		if len(commands) != 1 {
			t.Fatalf("expected 1 command, got %d", len(commands))
		}
		if commands[0].Kind != string(action.CloseTabs) || commands[0].Source != "local" {
			t.Errorf("unexpected summary: %+v", commands[0])
		}
	})

	t.Run("query-history by atom", func(t *testing.T) {
		result, err := server.ExecuteTool(ctx, "query-history", map[string]interface{}{"query": `intent(ID, "close_tabs").`})
		if err != nil {
			t.Fatalf("query-history failed: %v", err)
		}
		if n := result.(map[string]interface{})["count"].(int); n != 1 {
			t.Errorf("expected 1 result, got %d", n)
		}
	})

	t.Run("query-history needs input", func(t *testing.T) {
		if _, err := server.ExecuteTool(ctx, "query-history", map[string]interface{}{}); err == nil {
			t.Error("expected error without query or predicate")
		}
	})
}

func TestSnapshotBrowserTool(t *testing.T) {
	server, _, _ := setupTestServer(t)

	result, err := server.ExecuteTool(context.Background(), "snapshot-browser", map[string]interface{}{})
	if err != nil {
		t.Fatalf("snapshot-browser failed: %v", err)
	}
	resp := result.(map[string]interface{})
	groups := resp["tab_groups"].([]action.TabGroupSnapshot)
	if len(groups) != 1 || groups[0].GroupName != action.UngroupedName || len(groups[0].Tabs) != 2 {
		t.Errorf("unexpected groups: %+v", groups)
	}
	if _, ok := resp["bookmarks"]; ok {
		t.Error("bookmarks should be omitted by default")
	}

	result, err = server.ExecuteTool(context.Background(), "snapshot-browser", map[string]interface{}{"include_bookmarks": true})
	if err != nil {
		t.Fatalf("snapshot-browser failed: %v", err)
	}
	if _, ok := result.(map[string]interface{})["bookmarks"]; !ok {
		t.Error("expected bookmarks when requested")
	}
}

func TestClassifyIntentTool(t *testing.T) {
	server, _, _ := setupTestServer(t)
	tests := []struct {
		utterance string
		want      action.Kind
		ok        bool
	}{
		{"group my tabs by topic", action.OrganizeTabs, true},
		{"delete my old bookmarks", action.RemoveBookmarks, true},
		{"hello there", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.utterance, func(t *testing.T) {
			result, err := server.ExecuteTool(context.Background(), "classify-intent", map[string]interface{}{"utterance": tt.utterance})
			if err != nil {
				t.Fatalf("classify-intent failed: %v", err)
			}
			resp := result.(map[string]interface{})
			if resp["intent"].(action.Kind) != tt.want || resp["recognized"].(bool) != tt.ok {
				t.Errorf("got %v/%v, want %v/%v", resp["intent"], resp["recognized"], tt.want, tt.ok)
			}
		})
	}
}

func TestSubmitRuleTool(t *testing.T) {
	server, _, engine := setupTestServer(t)
	ctx := context.Background()

	if _, err := server.ExecuteTool(ctx, "submit-rule", map[string]interface{}{}); err == nil {
		t.Error("expected error for empty rule")
	}

	rule := "Decl slow_path(ID).\nslow_path(ID) :- escalation(ID, \"low_confidence\")."
	if _, err := server.ExecuteTool(ctx, "submit-rule", map[string]interface{}{"rule": rule}); err != nil {
		t.Fatalf("submit-rule failed: %v", err)
	}

	now := time.Now()
	if err := engine.AddFacts(ctx, []mangle.Fact{mangle.EscalationFact("c9", "low_confidence", now)}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	result, err := server.ExecuteTool(ctx, "query-history", map[string]interface{}{"predicate": "slow_path"})
	if err != nil {
		t.Fatalf("query-history failed: %v", err)
	}
	facts := result.(map[string]interface{})["facts"].([]mangle.Fact)
	if len(facts) != 1 || facts[0].Args[0] != "c9" {
		t.Errorf("unexpected derived facts: %+v", facts)
	}
}

func TestCommandFactsResource(t *testing.T) {
	server, _, engine := setupTestServer(t)
	ctx := context.Background()
	now := time.Now()

	err := engine.AddFacts(ctx, []mangle.Fact{
		mangle.CommandFact("c1", "close reddit", now),
		mangle.IntentFact("c1", "close_tabs", now),
		mangle.CommandFact("c2", "find docs", now),
		mangle.OutcomeFact("c1", gateway.StatusTabsCleaned, true, now),
	})
	if err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	var req mcp.ReadResourceRequest
	req.Params.URI = "tabi://command/c1/facts"
	req.Params.Arguments = map[string]any{"commandId": "c1", "limit": "2"}

	contents, err := server.handleCommandFactsResource(ctx, req)
	if err != nil {
		t.Fatalf("resource read failed: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text

	var payload struct {
		Count int           `json:"count"`
		Facts []mangle.Fact `json:"facts"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Count != 2 {
		t.Fatalf("expected 2 facts, got %d", payload.Count)
	}
	if payload.Facts[0].Predicate != mangle.PredIntent || payload.Facts[1].Predicate != mangle.PredOutcome {
		t.Errorf("facts out of order: %s, %s", payload.Facts[0].Predicate, payload.Facts[1].Predicate)
	}

	req.Params.Arguments = map[string]any{}
	if _, err := server.handleCommandFactsResource(ctx, req); err == nil || !strings.Contains(err.Error(), "commandId") {
		t.Errorf("expected missing commandId error, got %v", err)
	}
}

func TestAboutResource(t *testing.T) {
	server, _, _ := setupTestServer(t)
	var req mcp.ReadResourceRequest
	req.Params.URI = "tabi://about"

	contents, err := server.handleAboutResource(context.Background(), req)
	if err != nil {
		t.Fatalf("about failed: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	if !strings.Contains(text, "organize_bookmarks") || !strings.Contains(text, "test-server") {
		t.Errorf("about payload missing fields: %s", text)
	}
}

func TestArgHelpers(t *testing.T) {
	args := map[string]interface{}{"n": float64(3), "s": "7", "b": true, "list": []string{"x"}}
	if got := getIntArg(args, "n", 0); got != 3 {
		t.Errorf("getIntArg float = %d", got)
	}
	if got := getIntArg(args, "s", 0); got != 7 {
		t.Errorf("getIntArg string = %d", got)
	}
	if got := getIntArg(args, "missing", 9); got != 9 {
		t.Errorf("getIntArg fallback = %d", got)
	}
	if !getBoolArg(args, "b", false) || getBoolArg(args, "n", false) {
		t.Error("getBoolArg mismatch")
	}
	if got := getStringArg(args, "list"); got != "x" {
		t.Errorf("getStringArg list = %q", got)
	}
	if asInt([]string{"12"}) != 12 || asInt("nope") != 0 {
		t.Error("asInt mismatch")
	}
}
