// Package executor applies a plan to live browser state.
//
// Mutations are best effort: each failed call is logged and recorded in the
// result, and the batch carries on. Nothing is rolled back.
package executor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tabi/internal/action"
	"tabi/internal/browser"
)

// DefaultBookmarkParent is the bookmarks bar in Chromium.
const DefaultBookmarkParent = "1"

// Failure is one mutation that did not go through.
type Failure struct {
	Op     string `json:"op"`
	Target string `json:"target"`
	Err    string `json:"error"`
}

// Result summarizes an execution. Found only means something for search kinds.
type Result struct {
	Kind      action.Kind `json:"kind"`
	Found     bool        `json:"found"`
	GroupName string      `json:"group_name,omitempty"`

	Grouped        int `json:"grouped,omitempty"`
	Ungrouped      int `json:"ungrouped,omitempty"`
	Opened         int `json:"opened,omitempty"`
	Closed         int `json:"closed,omitempty"`
	Removed        int `json:"removed,omitempty"`
	Moved          int `json:"moved,omitempty"`
	Created        int `json:"created,omitempty"`
	FoldersCreated int `json:"folders_created,omitempty"`

	Failures []Failure `json:"failures,omitempty"`
}

func (r *Result) fail(op, target string, err error) {
	r.Failures = append(r.Failures, Failure{Op: op, Target: target, Err: err.Error()})
}

// Executor dispatches decoded plans onto an accessor.
type Executor struct {
	accessor      browser.Accessor
	defaultParent string
	logger        *zap.Logger
}

func New(accessor browser.Accessor, defaultParent string, logger *zap.Logger) *Executor {
	if defaultParent == "" {
		defaultParent = DefaultBookmarkParent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{accessor: accessor, defaultParent: defaultParent, logger: logger.Named("executor")}
}

// Execute runs plan against the state captured in snap. It only returns an
// error when the plan itself cannot be decoded; mutation failures end up in
// Result.Failures.
func (e *Executor) Execute(ctx context.Context, plan action.Plan, snap *browser.Snapshot) (Result, error) {
	payload, err := plan.Decode()
	if err != nil {
		return Result{Kind: plan.Action}, err
	}
	if snap == nil {
		return Result{Kind: plan.Action}, browser.ErrNoWindow
	}

	res := Result{Kind: plan.Action}
	switch p := payload.(type) {
	case *action.OrganizeTabsOutput:
		e.organizeTabs(ctx, p, snap, &res)
	case *action.GenerateTabsOutput:
		e.generateTabs(ctx, p, snap, &res)
	case *action.SearchTabsOutput:
		e.searchTabs(ctx, p, &res)
	case *action.CloseTabsOutput:
		e.closeTabs(ctx, p, snap, &res)
	case *action.RemoveBookmarksOutput:
		e.removeBookmarks(ctx, p, &res)
	case *action.SearchBookmarksOutput:
		e.searchBookmarks(ctx, p, snap, &res)
	case *action.OrganizeBookmarksOutput:
		e.organizeBookmarks(ctx, p, &res)
	default:
		return res, fmt.Errorf("%w: %T", action.ErrUnknownKind, payload)
	}

	if len(res.Failures) > 0 {
		e.logger.Warn("plan executed with failures",
			zap.String("action", string(plan.Action)),
			zap.Int("failures", len(res.Failures)),
		)
	}
	return res, nil
}

func (e *Executor) organizeTabs(ctx context.Context, out *action.OrganizeTabsOutput, snap *browser.Snapshot, res *Result) {
	for _, group := range out.Tabs {
		titles := make([]string, 0, len(group.Tabs))
		for _, t := range group.Tabs {
			titles = append(titles, t.Title)
		}
		matched := browser.TabsTitled(snap.Tabs, titles)

		if group.GroupName == action.UngroupedName {
			for _, t := range matched {
				if err := e.accessor.UngroupTab(ctx, t.ID); err != nil {
					e.logger.Warn("ungroup failed", zap.String("tab", t.ID), zap.Error(err))
					res.fail("ungroup", t.ID, err)
					continue
				}
				res.Ungrouped++
			}
			continue
		}

		if len(matched) == 0 {
			e.logger.Warn("no tabs matched group", zap.String("group", group.GroupName))
			continue
		}
		if e.group(ctx, snap.Window.ID, group.GroupName, tabIDs(matched), res) {
			res.Grouped += len(matched)
		}
	}
}

func (e *Executor) generateTabs(ctx context.Context, out *action.GenerateTabsOutput, snap *browser.Snapshot, res *Result) {
	res.GroupName = out.GroupName

	var ids []string
	for _, t := range out.Tabs {
		if t.URL == "" {
			continue
		}
		tab, err := e.accessor.CreateTab(ctx, browser.CreateTabRequest{WindowID: snap.Window.ID, URL: t.URL})
		if err != nil {
			e.logger.Warn("open tab failed", zap.String("url", t.URL), zap.Error(err))
			res.fail("create_tab", t.URL, err)
			continue
		}
		ids = append(ids, tab.ID)
		res.Opened++
	}
	if len(ids) > 0 {
		e.group(ctx, snap.Window.ID, out.GroupName, ids, res)
	}
}

// group gathers ids into a new collapsed group titled name.
func (e *Executor) group(ctx context.Context, windowID, name string, ids []string, res *Result) bool {
	groupID, err := e.accessor.GroupTabs(ctx, windowID, ids)
	if err != nil {
		e.logger.Warn("group failed", zap.String("group", name), zap.Error(err))
		res.fail("group", name, err)
		return false
	}
	update := browser.GroupUpdate{Title: name, Color: Color(name), Collapsed: true}
	if err := e.accessor.UpdateTabGroup(ctx, groupID, update); err != nil {
		e.logger.Warn("group update failed", zap.String("group", name), zap.Error(err))
		res.fail("update_group", groupID, err)
	}
	return true
}

func (e *Executor) searchTabs(ctx context.Context, out *action.SearchTabsOutput, res *Result) {
	tabs, err := e.normalTabs(ctx)
	if err != nil {
		e.logger.Warn("list tabs failed", zap.Error(err))
		res.fail("list_tabs", "", err)
		return
	}

	tab, ok := browser.MatchTab(tabs, out.Title)
	if !ok {
		e.logger.Info("no tab matched", zap.String("title", out.Title))
		return
	}
	res.Found = e.focus(ctx, tab, res)
}

// focus brings tab's window forward and activates the tab.
func (e *Executor) focus(ctx context.Context, tab browser.Tab, res *Result) bool {
	if err := e.accessor.FocusWindow(ctx, tab.WindowID); err != nil {
		e.logger.Warn("focus window failed", zap.String("window", tab.WindowID), zap.Error(err))
		res.fail("focus_window", tab.WindowID, err)
	}
	if err := e.accessor.ActivateTab(ctx, tab.ID); err != nil {
		e.logger.Warn("activate tab failed", zap.String("tab", tab.ID), zap.Error(err))
		res.fail("activate_tab", tab.ID, err)
		return false
	}
	return true
}

// normalTabs lists live tabs of every normal window.
func (e *Executor) normalTabs(ctx context.Context) ([]browser.Tab, error) {
	windows, err := e.accessor.Windows(ctx)
	if err != nil {
		return nil, err
	}
	normal := make(map[string]bool, len(windows))
	for _, w := range windows {
		if w.Type == browser.WindowTypeNormal {
			normal[w.ID] = true
		}
	}
	all, err := e.accessor.Tabs(ctx, "")
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if normal[t.WindowID] {
			out = append(out, t)
		}
	}
	return out, nil
}

func (e *Executor) closeTabs(ctx context.Context, out *action.CloseTabsOutput, snap *browser.Snapshot, res *Result) {
	// the window may have changed since the snapshot; prefer a fresh listing
	tabs, err := e.accessor.Tabs(ctx, snap.Window.ID)
	if err != nil {
		e.logger.Debug("fresh tab listing failed, using snapshot", zap.Error(err))
		tabs = snap.Tabs
	}

	matched := browser.TabsTitled(tabs, out.Titles())
	if len(matched) == 0 {
		e.logger.Warn("no matching tabs found to close")
		return
	}
	ids := tabIDs(matched)
	if err := e.accessor.CloseTabs(ctx, ids); err != nil {
		e.logger.Warn("close tabs failed", zap.Strings("tabs", ids), zap.Error(err))
		res.fail("close_tabs", fmt.Sprint(ids), err)
		if !errors.Is(err, browser.ErrNotFound) {
			return
		}
	}
	res.Closed = len(ids)
}

func (e *Executor) removeBookmarks(ctx context.Context, out *action.RemoveBookmarksOutput, res *Result) {
	for _, b := range out.Bookmarks {
		if err := e.accessor.RemoveBookmarkTree(ctx, b.ID); err != nil {
			e.logger.Warn("remove bookmark failed", zap.String("id", b.ID), zap.String("title", b.Title), zap.Error(err))
			res.fail("remove_bookmark", b.ID, err)
			continue
		}
		res.Removed++
	}
}

func (e *Executor) searchBookmarks(ctx context.Context, out *action.SearchBookmarksOutput, snap *browser.Snapshot, res *Result) {
	if len(out.Bookmarks) == 0 {
		e.logger.Info("no bookmark in plan")
		return
	}
	target := out.Bookmarks[0]
	if target.URL == "" {
		e.logger.Warn("bookmark has no url", zap.String("id", target.ID), zap.String("title", target.Title))
		return
	}

	tabs, err := e.normalTabs(ctx)
	if err != nil {
		e.logger.Debug("list tabs failed, opening a new tab", zap.Error(err))
	}
	for _, t := range tabs {
		if t.URL == target.URL {
			res.Found = e.focus(ctx, t, res)
			return
		}
	}

	if _, err := e.accessor.CreateTab(ctx, browser.CreateTabRequest{WindowID: snap.Window.ID, URL: target.URL, Active: true}); err != nil {
		e.logger.Warn("open bookmark failed", zap.String("url", target.URL), zap.Error(err))
		res.fail("create_tab", target.URL, err)
		return
	}
	res.Opened++
	res.Found = true
}

func (e *Executor) organizeBookmarks(ctx context.Context, out *action.OrganizeBookmarksOutput, res *Result) {
	// folders are looked up in a fresh tree: the snapshot may predate folders
	// created by an earlier command
	tree, err := e.accessor.BookmarkTree(ctx)
	if err != nil {
		e.logger.Warn("read bookmark tree failed", zap.Error(err))
		res.fail("bookmark_tree", "", err)
	}
	folders := &folderCache{tree: tree, ids: make(map[string]string)}

	for _, move := range out.ReorganizedBookmarks {
		folderID, ok := e.resolveFolder(ctx, folders, move.MoveToFolder, res)
		if !ok {
			continue
		}
		if err := e.accessor.MoveBookmark(ctx, move.ID, folderID); err != nil {
			e.logger.Warn("move bookmark failed", zap.String("id", move.ID), zap.String("folder", move.MoveToFolder), zap.Error(err))
			res.fail("move_bookmark", move.ID, err)
			continue
		}
		res.Moved++
	}

	for _, add := range out.TabsToAdd {
		folderID, ok := e.resolveFolder(ctx, folders, add.FolderTitle, res)
		if !ok {
			continue
		}
		_, err := e.accessor.CreateBookmark(ctx, browser.CreateBookmarkRequest{ParentID: folderID, Title: add.TabTitle, URL: add.TabURL})
		if err != nil {
			e.logger.Warn("create bookmark failed", zap.String("title", add.TabTitle), zap.Error(err))
			res.fail("create_bookmark", add.TabTitle, err)
			continue
		}
		res.Created++
	}
}

// folderCache maps folder titles to ids for one batch.
type folderCache struct {
	tree *action.BookmarkNode
	ids  map[string]string
}

func (c *folderCache) find(title string) (string, bool) {
	if id, ok := c.ids[title]; ok {
		return id, true
	}
	var found string
	c.tree.Walk(func(n *action.BookmarkNode) bool {
		if n.IsFolder() && n.Title == title {
			found = n.ID
			return false
		}
		return true
	})
	if found == "" {
		return "", false
	}
	c.ids[title] = found
	return found, true
}

// resolveFolder finds the folder titled title, creating it under the default
// parent when the tree has none.
func (e *Executor) resolveFolder(ctx context.Context, cache *folderCache, title string, res *Result) (string, bool) {
	if id, ok := cache.find(title); ok {
		return id, true
	}
	folder, err := e.accessor.CreateBookmark(ctx, browser.CreateBookmarkRequest{ParentID: e.defaultParent, Title: title})
	if err != nil {
		e.logger.Warn("create folder failed", zap.String("folder", title), zap.Error(err))
		res.fail("create_folder", title, err)
		return "", false
	}
	cache.ids[title] = folder.ID
	res.FoldersCreated++
	e.logger.Debug("folder created", zap.String("folder", title), zap.String("id", folder.ID))
	return folder.ID, true
}

func tabIDs(tabs []browser.Tab) []string {
	ids := make([]string, 0, len(tabs))
	for _, t := range tabs {
		ids = append(ids, t.ID)
	}
	return ids
}
