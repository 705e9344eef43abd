package browser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAccessor() *MemoryAccessor {
	return NewMemoryAccessor(Fixture{
		Windows: []Window{{ID: "w1", Type: WindowTypeNormal, Focused: true}, {ID: "w2", Type: WindowTypeNormal}},
		Tabs: []Tab{
			{ID: "1", WindowID: "w1", Title: "Docs", URL: "https://docs.example", LastAccessed: 5},
			{ID: "2", WindowID: "w1", Title: "News", URL: "https://news.example", GroupID: "g"},
			{ID: "3", WindowID: "w2", Title: "Mail", URL: "https://mail.example"},
		},
		Groups: []TabGroup{{ID: "g", WindowID: "w1", Title: "Reading"}},
	})
}

func TestMemoryAccessorTabs(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessor()

	all, err := acc.Tabs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	w2, err := acc.Tabs(ctx, "w2")
	require.NoError(t, err)
	require.Len(t, w2, 1)
	assert.Equal(t, "Mail", w2[0].Title)
}

func TestMemoryAccessorActivateAdvancesClock(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessor()

	require.NoError(t, acc.ActivateTab(ctx, "2"))
	tabs, _ := acc.Tabs(ctx, "w1")
	assert.Greater(t, tabs[1].LastAccessed, tabs[0].LastAccessed)
	assert.True(t, tabs[1].Active)
	assert.False(t, tabs[0].Active)

	assert.ErrorIs(t, acc.ActivateTab(ctx, "missing"), ErrNotFound)
}

func TestMemoryAccessorGroupingPrunesEmptyGroups(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessor()

	id, err := acc.GroupTabs(ctx, "w1", []string{"1", "2"})
	require.NoError(t, err)
	require.NoError(t, acc.UpdateTabGroup(ctx, id, GroupUpdate{Title: "Work", Color: "blue", Collapsed: true}))

	groups, err := acc.TabGroups(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, groups, 1, "old group lost its only tab")
	assert.Equal(t, GroupUpdate{Title: "Work", Color: "blue", Collapsed: true},
		GroupUpdate{Title: groups[0].Title, Color: groups[0].Color, Collapsed: groups[0].Collapsed})

	require.NoError(t, acc.UngroupTab(ctx, "1"))
	require.NoError(t, acc.UngroupTab(ctx, "2"))
	groups, _ = acc.TabGroups(ctx, "")
	assert.Empty(t, groups)
}

func TestMemoryAccessorFailureInjection(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessor()
	boom := errors.New("boom")

	acc.FailOn("ungroup", "2", boom)
	assert.ErrorIs(t, acc.UngroupTab(ctx, "2"), boom)

	acc.FailOn("ungroup", "2", nil)
	assert.NoError(t, acc.UngroupTab(ctx, "2"))
}

func TestMemoryAccessorCloseTabs(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessor()

	err := acc.CloseTabs(ctx, []string{"2", "99"})
	assert.ErrorIs(t, err, ErrNotFound)

	tabs, _ := acc.Tabs(ctx, "")
	assert.Len(t, tabs, 2, "known ids are closed even when another id is stale")
	groups, _ := acc.TabGroups(ctx, "")
	assert.Empty(t, groups)
}

func TestMemoryAccessorBookmarks(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessor()

	folder, err := acc.CreateBookmark(ctx, CreateBookmarkRequest{ParentID: "1", Title: "Reading"})
	require.NoError(t, err)
	assert.True(t, folder.IsFolder())

	mark, err := acc.CreateBookmark(ctx, CreateBookmarkRequest{ParentID: "2", Title: "Go", URL: "https://go.dev"})
	require.NoError(t, err)

	_, err = acc.CreateBookmark(ctx, CreateBookmarkRequest{ParentID: mark.ID, Title: "child"})
	assert.ErrorIs(t, err, ErrNotFound, "bookmarks cannot hold children")

	require.NoError(t, acc.MoveBookmark(ctx, mark.ID, folder.ID))
	tree, err := acc.BookmarkTree(ctx)
	require.NoError(t, err)
	moved := findNode(tree, folder.ID)
	require.NotNil(t, moved)
	require.Len(t, moved.Children, 1)
	assert.Equal(t, "https://go.dev", moved.Children[0].URL)

	assert.ErrorIs(t, acc.MoveBookmark(ctx, folder.ID, folder.ID), ErrNotFound)

	require.NoError(t, acc.RemoveBookmarkTree(ctx, folder.ID))
	tree, _ = acc.BookmarkTree(ctx)
	assert.Nil(t, findNode(tree, mark.ID), "subtree removed")
	assert.ErrorIs(t, acc.RemoveBookmarkTree(ctx, "42"), ErrNotFound)
}

func TestMemoryAccessorTreeIsCopied(t *testing.T) {
	acc := newTestAccessor()
	tree, _ := acc.BookmarkTree(context.Background())
	tree.Children = nil

	again, _ := acc.BookmarkTree(context.Background())
	assert.Len(t, again.Children, 3)
}

func TestLoadFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "browser.json")
	body := `{
  "windows": [{"id": "w", "focused": true, "type": "normal"}],
  "tabs": [{"id": "t", "window_id": "w", "title": "Docs", "url": "https://docs.example"}],
  "bookmarks": {"id": "0", "title": "", "children": [{"id": "1", "title": "Bar"}]}
}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	acc, err := LoadFixture(path)
	require.NoError(t, err)
	tabs, _ := acc.Tabs(context.Background(), "w")
	require.Len(t, tabs, 1)
	assert.Equal(t, "Docs", tabs[0].Title)

	_, err = LoadFixture(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
