package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabi/internal/browser"
	"tabi/internal/config"
	"tabi/internal/gateway"
	"tabi/internal/logging"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(logging.ResetForTest)

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRootCommand(t *testing.T) {
	t.Run("help lists subcommands", func(t *testing.T) {
		out, err := execute(t, "--help")
		require.NoError(t, err)
		for _, name := range []string{"host", "mcp", "run", "agent", "identity", "init"} {
			assert.Contains(t, out, name)
		}
	})

	t.Run("version", func(t *testing.T) {
		out, err := execute(t, "--version")
		require.NoError(t, err)
		assert.Equal(t, config.DefaultConfig().Server.Version+"\n", out)
	})

	t.Run("invalid config is reported", func(t *testing.T) {
		dir := t.TempDir()
		cfgPath := writeConfig(t, dir, "inference:\n  local:\n    provider: carrier-pigeon\n")
		_, err := execute(t, "--no-workspace", "-c", cfgPath, "identity")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "provider")
	})
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "init", dir)
	require.NoError(t, err)
	assert.Contains(t, out, config.WorkspaceDirName)
	assert.FileExists(t, filepath.Join(dir, config.WorkspaceDirName, config.WorkspaceConfigFile))

	_, err = execute(t, "init", dir)
	assert.Error(t, err, "a second init must not overwrite the workspace")
}

func TestIdentityCommandIsStable(t *testing.T) {
	dir := t.TempDir()
	idPath := filepath.Join(dir, "identity.json")
	cfgPath := writeConfig(t, dir, "log:\n  file: \"\"\nidentity:\n  path: "+idPath+"\n")

	first, err := execute(t, "--no-workspace", "-c", cfgPath, "identity")
	require.NoError(t, err)
	second, err := execute(t, "--no-workspace", "-c", cfgPath, "identity")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(first), idPath))
	assert.FileExists(t, idPath)
}

func TestRunDryRun(t *testing.T) {
	var requests int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "/agent", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"action":"close_tabs","output":{"tabs":["Reddit"]},"confidence":0.92}`))
	}))
	defer backend.Close()

	dir := t.TempDir()
	fixture := browser.Fixture{
		Windows: []browser.Window{{ID: "w1", Focused: true, Type: browser.WindowTypeNormal}},
		Tabs: []browser.Tab{
			{ID: "1", WindowID: "w1", Title: "Reddit", URL: "https://reddit.example"},
			{ID: "2", WindowID: "w1", Title: "Docs", URL: "https://docs.example"},
		},
	}
	raw, err := json.Marshal(fixture)
	require.NoError(t, err)
	fixturePath := filepath.Join(dir, "fixture.json")
	require.NoError(t, os.WriteFile(fixturePath, raw, 0o644))

	cfgPath := writeConfig(t, dir, `log:
  file: ""
  level: error
inference:
  local:
    provider: none
  remote:
    base_url: `+backend.URL+`
intent:
  keyword_fallback: true
identity:
  path: `+filepath.Join(dir, "identity.json")+`
`)

	t.Run("applies the remote plan to the fixture", func(t *testing.T) {
		out, err := execute(t, "--no-workspace", "-c", cfgPath, "run", "--dry-run", "--fixture", fixturePath, "close", "reddit")
		require.NoError(t, err)

		var got struct {
			Outcome gateway.Outcome `json:"outcome"`
			Browser browser.Fixture `json:"browser"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, gateway.StatusTabsCleaned, got.Outcome.Status)
		assert.True(t, got.Outcome.OK)
		require.Len(t, got.Browser.Tabs, 1)
		assert.Equal(t, "Docs", got.Browser.Tabs[0].Title)
		assert.Equal(t, 1, requests)
	})

	t.Run("dry run needs a fixture", func(t *testing.T) {
		_, err := execute(t, "--no-workspace", "-c", cfgPath, "run", "--dry-run", "close", "reddit")
		assert.Error(t, err)
	})
}
