package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"tabi/internal/action"
	"tabi/internal/browser"
)

func plan(kind action.Kind, output string) action.Plan {
	return action.Plan{Action: kind, Output: json.RawMessage(output), Confidence: 0.9}
}

func take(t *testing.T, acc browser.Accessor) *browser.Snapshot {
	t.Helper()
	snap, err := browser.NewSnapshotter(acc, nil).Take(context.Background())
	require.NoError(t, err)
	return snap
}

func titles(tabs []browser.Tab) []string {
	var out []string
	for _, t := range tabs {
		out = append(out, t.Title)
	}
	return out
}

func TestColor(t *testing.T) {
	cases := map[string]string{
		"Work":           "red",
		"News":           "green",
		"Research":       "purple",
		"Trip to Lisbon": "green",
		"":               "blue",
		"日本":             "orange",
		"A very long group name that overflows": "purple",
	}
	for name, want := range cases {
		assert.Equal(t, want, Color(name), "color for %q", name)
	}
}

func TestCloseTabsByExactTitle(t *testing.T) {
	acc := browser.NewMemoryAccessor(browser.Fixture{
		Windows: []browser.Window{{ID: "w1", Type: browser.WindowTypeNormal, Focused: true}},
		Tabs: []browser.Tab{
			{ID: "1", WindowID: "w1", Title: "CNN"},
			{ID: "2", WindowID: "w1", Title: "Reddit"},
			{ID: "3", WindowID: "w1", Title: "Docs"},
		},
	})
	snap := take(t, acc)

	res, err := New(acc, "", nil).Execute(context.Background(), plan(action.CloseTabs, `{"tabs":["CNN","Reddit"]}`), snap)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Closed)
	assert.Empty(t, res.Failures)
	assert.Equal(t, []string{"Docs"}, titles(acc.Snapshot().Tabs))
}

func TestCloseTabsNoMatchIsNoop(t *testing.T) {
	acc := browser.NewMemoryAccessor(browser.Fixture{
		Windows: []browser.Window{{ID: "w1", Type: browser.WindowTypeNormal, Focused: true}},
		Tabs:    []browser.Tab{{ID: "1", WindowID: "w1", Title: "Docs"}},
	})
	snap := take(t, acc)

	res, err := New(acc, "", nil).Execute(context.Background(),
		plan(action.CloseTabs, `{"tabs":[{"title":"docs","url":"","description":""}]}`), snap)
	require.NoError(t, err)
	assert.Zero(t, res.Closed)
	assert.Len(t, acc.Snapshot().Tabs, 1)
}

func TestSearchTabsActivatesAcrossWindows(t *testing.T) {
	acc := browser.NewMemoryAccessor(browser.Fixture{
		Windows: []browser.Window{
			{ID: "w1", Type: browser.WindowTypeNormal, Focused: true},
			{ID: "w2", Type: browser.WindowTypeNormal},
			{ID: "p", Type: "popup"},
		},
		Tabs: []browser.Tab{
			{ID: "1", WindowID: "w1", Title: "Docs", Active: true},
			{ID: "2", WindowID: "w2", Title: "CNN Breaking News - Live"},
			{ID: "3", WindowID: "p", Title: "CNN Breaking News"},
		},
	})
	snap := take(t, acc)

	res, err := New(acc, "", nil).Execute(context.Background(),
		plan(action.SearchTabs, `{"title":"CNN Breaking News","url":"","description":""}`), snap)
	require.NoError(t, err)
	assert.True(t, res.Found)

	state := acc.Snapshot()
	for _, w := range state.Windows {
		assert.Equal(t, w.ID == "w2", w.Focused, "window %s focus", w.ID)
	}
	for _, tab := range state.Tabs {
		if tab.ID == "2" {
			assert.True(t, tab.Active)
		}
		if tab.ID == "3" {
			assert.False(t, tab.Active, "popup windows are never searched")
		}
	}
}

func TestSearchTabsNotFound(t *testing.T) {
	acc := browser.NewMemoryAccessor(browser.Fixture{
		Windows: []browser.Window{{ID: "w1", Type: browser.WindowTypeNormal, Focused: true}},
		Tabs:    []browser.Tab{{ID: "1", WindowID: "w1", Title: "Docs"}},
	})

	res, err := New(acc, "", nil).Execute(context.Background(),
		plan(action.SearchTabs, `{"title":"weather","url":"","description":""}`), take(t, acc))
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Empty(t, res.Failures)
}

func TestRemoveBookmarksContinuesPastMissing(t *testing.T) {
	acc := browser.NewMemoryAccessor(browser.Fixture{
		Windows: []browser.Window{{ID: "w1", Type: browser.WindowTypeNormal, Focused: true}},
		Bookmarks: &action.BookmarkNode{ID: "0", Children: []*action.BookmarkNode{
			{ID: "1", Title: "Bar", Children: []*action.BookmarkNode{
				{ID: "10", Title: "Old news", URL: "https://old.example"},
				{ID: "11", Title: "Keep", URL: "https://keep.example"},
			}},
		}},
	})
	core, logs := observer.New(zap.WarnLevel)

	res, err := New(acc, "", zap.New(core)).Execute(context.Background(),
		plan(action.RemoveBookmarks, `{"bookmarks":[{"id":"42","title":"Gone"},{"id":"10","title":"Old news"}]}`), take(t, acc))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "42", res.Failures[0].Target)
	assert.NotZero(t, logs.FilterMessage("remove bookmark failed").Len())

	bar := acc.Snapshot().Bookmarks.Children[0]
	require.Len(t, bar.Children, 1)
	assert.Equal(t, "11", bar.Children[0].ID)
}

func TestOrganizeTabs(t *testing.T) {
	acc := browser.NewMemoryAccessor(browser.Fixture{
		Windows: []browser.Window{{ID: "w1", Type: browser.WindowTypeNormal, Focused: true}},
		Tabs: []browser.Tab{
			{ID: "1", WindowID: "w1", Title: "Docs"},
			{ID: "2", WindowID: "w1", Title: "Jira"},
			{ID: "3", WindowID: "w1", GroupID: "g", Title: "Music"},
			{ID: "4", WindowID: "w1", GroupID: "g", Title: "Radio"},
		},
		Groups: []browser.TabGroup{{ID: "g", WindowID: "w1", Title: "Fun"}},
	})
	snap := take(t, acc)
	acc.FailOn("ungroup", "4", errors.New("tab is being dragged"))

	out := `{"tabs":[
		{"group_name":"Work","tabs":[{"title":"Docs","url":"","description":""},{"title":"Jira","url":"","description":""}]},
		{"group_name":"Empty","tabs":[{"title":"Nope","url":"","description":""}]},
		{"group_name":"Ungrouped","tabs":[{"title":"Music","url":"","description":""},{"title":"Radio","url":"","description":""}]}
	]}`
	res, err := New(acc, "", nil).Execute(context.Background(), plan(action.OrganizeTabs, out), snap)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Grouped)
	assert.Equal(t, 1, res.Ungrouped)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "ungroup", res.Failures[0].Op)

	state := acc.Snapshot()
	var work *browser.TabGroup
	for i := range state.Groups {
		if state.Groups[i].Title == "Work" {
			work = &state.Groups[i]
		}
		assert.NotEqual(t, "Empty", state.Groups[i].Title)
	}
	require.NotNil(t, work)
	assert.Equal(t, "red", work.Color)
	assert.True(t, work.Collapsed)

	for _, tab := range state.Tabs {
		switch tab.ID {
		case "1", "2":
			assert.Equal(t, work.ID, tab.GroupID)
		case "3":
			assert.Empty(t, tab.GroupID)
		case "4":
			assert.Equal(t, "g", tab.GroupID)
		}
	}
}

func TestGenerateTabsSkipsEmptyURLs(t *testing.T) {
	acc := browser.NewMemoryAccessor(browser.Fixture{
		Windows: []browser.Window{{ID: "w1", Type: browser.WindowTypeNormal, Focused: true}},
		Tabs:    []browser.Tab{{ID: "1", WindowID: "w1", Title: "Docs", Active: true}},
	})
	out := `{"group_name":"Trip to Lisbon","tabs":[
		{"title":"Flights","url":"https://flights.example","description":""},
		{"title":"Ideas","url":"","description":""},
		{"title":"Hotels","url":"https://hotels.example","description":""}
	]}`

	res, err := New(acc, "", nil).Execute(context.Background(), plan(action.GenerateTabs, out), take(t, acc))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Opened)
	assert.Equal(t, "Trip to Lisbon", res.GroupName)

	state := acc.Snapshot()
	require.Len(t, state.Tabs, 3)
	require.Len(t, state.Groups, 1)
	assert.Equal(t, "green", state.Groups[0].Color)
	assert.True(t, state.Groups[0].Collapsed)
	for _, tab := range state.Tabs[1:] {
		assert.False(t, tab.Active, "generated tabs open in the background")
		assert.Equal(t, state.Groups[0].ID, tab.GroupID)
	}
	assert.True(t, state.Tabs[0].Active)
}

func TestOrganizeBookmarksReusesFolders(t *testing.T) {
	acc := browser.NewMemoryAccessor(browser.Fixture{
		Windows: []browser.Window{{ID: "w1", Type: browser.WindowTypeNormal, Focused: true}},
		Bookmarks: &action.BookmarkNode{ID: "0", Children: []*action.BookmarkNode{
			{ID: "1", Title: "Bookmarks bar", Children: []*action.BookmarkNode{
				{ID: "10", Title: "Pasta", URL: "https://pasta.example"},
				{ID: "11", Title: "Curry", URL: "https://curry.example"},
			}},
			{ID: "2", Title: "Other bookmarks"},
		}},
	})
	ex := New(acc, "", nil)
	out := `{"reorganized_bookmarks":[
		{"id":"10","move_to_folder":"Recipes"},
		{"id":"11","move_to_folder":"Recipes"}
	],"tabs_to_add":[{"tab_title":"Soup","tab_url":"https://soup.example","folder_title":"Recipes"}]}`

	res, err := ex.Execute(context.Background(), plan(action.OrganizeBookmarks, out), take(t, acc))
	require.NoError(t, err)
	assert.Equal(t, 1, res.FoldersCreated)
	assert.Equal(t, 2, res.Moved)
	assert.Equal(t, 1, res.Created)

	// a second run finds the folder the first one created
	res, err = ex.Execute(context.Background(), plan(action.OrganizeBookmarks, out), take(t, acc))
	require.NoError(t, err)
	assert.Zero(t, res.FoldersCreated)

	var folders []*action.BookmarkNode
	acc.Snapshot().Bookmarks.Walk(func(n *action.BookmarkNode) bool {
		if n.IsFolder() && n.Title == "Recipes" {
			folders = append(folders, n)
		}
		return true
	})
	require.Len(t, folders, 1)
	assert.Len(t, folders[0].Children, 4, "two moved bookmarks plus one soup per run")
}

func TestSearchBookmarks(t *testing.T) {
	newAcc := func() *browser.MemoryAccessor {
		return browser.NewMemoryAccessor(browser.Fixture{
			Windows: []browser.Window{{ID: "w1", Type: browser.WindowTypeNormal, Focused: true}},
			Tabs: []browser.Tab{
				{ID: "1", WindowID: "w1", Title: "Docs", URL: "https://docs.example", Active: true},
				{ID: "2", WindowID: "w1", Title: "Recipes", URL: "https://recipes.example"},
			},
		})
	}

	t.Run("focuses an open tab", func(t *testing.T) {
		acc := newAcc()
		res, err := New(acc, "", nil).Execute(context.Background(),
			plan(action.SearchBookmarks, `{"bookmarks":[{"id":"7","title":"Recipes","url":"https://recipes.example"}]}`), take(t, acc))
		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.Zero(t, res.Opened)
		assert.Len(t, acc.Snapshot().Tabs, 2)
	})

	t.Run("opens a new tab", func(t *testing.T) {
		acc := newAcc()
		res, err := New(acc, "", nil).Execute(context.Background(),
			plan(action.SearchBookmarks, `{"bookmarks":[{"id":"8","title":"Maps","url":"https://maps.example"}]}`), take(t, acc))
		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.Equal(t, 1, res.Opened)
		tabs := acc.Snapshot().Tabs
		require.Len(t, tabs, 3)
		assert.True(t, tabs[2].Active)
		assert.Equal(t, "https://maps.example", tabs[2].URL)
	})

	t.Run("bookmark without url", func(t *testing.T) {
		acc := newAcc()
		res, err := New(acc, "", nil).Execute(context.Background(),
			plan(action.SearchBookmarks, `{"bookmarks":[{"id":"9","title":"Folder"}]}`), take(t, acc))
		require.NoError(t, err)
		assert.False(t, res.Found)
		assert.Len(t, acc.Snapshot().Tabs, 2)
	})
}

func TestExecuteRejectsUndecodablePlan(t *testing.T) {
	acc := browser.NewMemoryAccessor(browser.Fixture{
		Windows: []browser.Window{{ID: "w1", Type: browser.WindowTypeNormal, Focused: true}},
	})
	_, err := New(acc, "", nil).Execute(context.Background(), plan(action.CloseTabs, `{"tabs":42}`), take(t, acc))
	assert.ErrorIs(t, err, action.ErrInvalidPlan)
}
