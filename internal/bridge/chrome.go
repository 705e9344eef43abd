package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"tabi/internal/action"
	"tabi/internal/browser"
)

// Request types mirroring the chrome.* calls made by the extension shim.
const (
	callWindowsGetAll    = "windows.getAll"
	callWindowsUpdate    = "windows.update"
	callTabsQuery        = "tabs.query"
	callTabsCreate       = "tabs.create"
	callTabsUpdate       = "tabs.update"
	callTabsRemove       = "tabs.remove"
	callTabsGroup        = "tabs.group"
	callTabsUngroup      = "tabs.ungroup"
	callTabGroupsQuery   = "tabGroups.query"
	callTabGroupsUpdate  = "tabGroups.update"
	callBookmarksGetTree = "bookmarks.getTree"
	callBookmarksCreate  = "bookmarks.create"
	callBookmarksMove    = "bookmarks.move"
	callBookmarksRemove  = "bookmarks.removeTree"
	callPrompt           = "lm.prompt"
)

// noGroup is chrome.tabGroups.TAB_GROUP_ID_NONE.
const noGroup = -1

// Phrases the extension APIs use for missing objects.
var notFoundPhrases = []string{
	"no tab with id",
	"no window with id",
	"no group with id",
	"can't find bookmark",
	"can't find parent bookmark",
}

type chromeWindow struct {
	ID      int    `json:"id"`
	Focused bool   `json:"focused"`
	Type    string `json:"type"`
}

type chromeTab struct {
	ID           int     `json:"id"`
	WindowID     int     `json:"windowId"`
	GroupID      int     `json:"groupId"`
	Title        string  `json:"title"`
	URL          string  `json:"url"`
	Active       bool    `json:"active"`
	LastAccessed float64 `json:"lastAccessed"`
}

type chromeGroup struct {
	ID        int    `json:"id"`
	WindowID  int    `json:"windowId"`
	Title     string `json:"title"`
	Color     string `json:"color"`
	Collapsed bool   `json:"collapsed"`
}

func (w chromeWindow) window() browser.Window {
	return browser.Window{ID: strconv.Itoa(w.ID), Focused: w.Focused, Type: w.Type}
}

func (t chromeTab) tab() browser.Tab {
	out := browser.Tab{
		ID:           strconv.Itoa(t.ID),
		WindowID:     strconv.Itoa(t.WindowID),
		Title:        t.Title,
		URL:          t.URL,
		Active:       t.Active,
		LastAccessed: t.LastAccessed,
	}
	if t.GroupID != noGroup && t.GroupID != 0 {
		out.GroupID = strconv.Itoa(t.GroupID)
	}
	return out
}

func (g chromeGroup) group() browser.TabGroup {
	return browser.TabGroup{
		ID:        strconv.Itoa(g.ID),
		WindowID:  strconv.Itoa(g.WindowID),
		Title:     g.Title,
		Color:     g.Color,
		Collapsed: g.Collapsed,
	}
}

// Accessor implements browser.Accessor by asking the extension to run the
// matching chrome.* call.
type Accessor struct {
	caller Caller
}

var _ browser.Accessor = (*Accessor)(nil)

func NewAccessor(c Caller) *Accessor {
	return &Accessor{caller: c}
}

func (a *Accessor) call(ctx context.Context, typ string, payload, out any) error {
	err := a.caller.Call(ctx, typ, payload, out)
	var re *RemoteError
	if errors.As(err, &re) {
		msg := strings.ToLower(re.Message)
		for _, phrase := range notFoundPhrases {
			if strings.Contains(msg, phrase) {
				return fmt.Errorf("%w: %v", browser.ErrNotFound, err)
			}
		}
	}
	return err
}

func parseID(kind, id string) (int, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0, fmt.Errorf("%w: %s id %q", browser.ErrNotFound, kind, id)
	}
	return n, nil
}

func (a *Accessor) Windows(ctx context.Context) ([]browser.Window, error) {
	var raw []chromeWindow
	if err := a.call(ctx, callWindowsGetAll, struct{}{}, &raw); err != nil {
		return nil, err
	}
	out := make([]browser.Window, 0, len(raw))
	for _, w := range raw {
		out = append(out, w.window())
	}
	return out, nil
}

type windowQuery struct {
	WindowID *int `json:"windowId,omitempty"`
}

func (a *Accessor) windowQuery(windowID string) (windowQuery, error) {
	if windowID == "" {
		return windowQuery{}, nil
	}
	id, err := parseID("window", windowID)
	if err != nil {
		return windowQuery{}, err
	}
	return windowQuery{WindowID: &id}, nil
}

func (a *Accessor) Tabs(ctx context.Context, windowID string) ([]browser.Tab, error) {
	q, err := a.windowQuery(windowID)
	if err != nil {
		return nil, err
	}
	var raw []chromeTab
	if err := a.call(ctx, callTabsQuery, q, &raw); err != nil {
		return nil, err
	}
	out := make([]browser.Tab, 0, len(raw))
	for _, t := range raw {
		out = append(out, t.tab())
	}
	return out, nil
}

func (a *Accessor) TabGroups(ctx context.Context, windowID string) ([]browser.TabGroup, error) {
	q, err := a.windowQuery(windowID)
	if err != nil {
		return nil, err
	}
	var raw []chromeGroup
	if err := a.call(ctx, callTabGroupsQuery, q, &raw); err != nil {
		return nil, err
	}
	out := make([]browser.TabGroup, 0, len(raw))
	for _, g := range raw {
		out = append(out, g.group())
	}
	return out, nil
}

func (a *Accessor) CreateTab(ctx context.Context, req browser.CreateTabRequest) (browser.Tab, error) {
	q, err := a.windowQuery(req.WindowID)
	if err != nil {
		return browser.Tab{}, err
	}
	payload := struct {
		WindowID *int   `json:"windowId,omitempty"`
		URL      string `json:"url"`
		Active   bool   `json:"active"`
	}{q.WindowID, req.URL, req.Active}

	var raw chromeTab
	if err := a.call(ctx, callTabsCreate, payload, &raw); err != nil {
		return browser.Tab{}, err
	}
	return raw.tab(), nil
}

func (a *Accessor) ActivateTab(ctx context.Context, tabID string) error {
	id, err := parseID("tab", tabID)
	if err != nil {
		return err
	}
	payload := struct {
		TabID      int             `json:"tabId"`
		Properties map[string]bool `json:"properties"`
	}{id, map[string]bool{"active": true}}
	return a.call(ctx, callTabsUpdate, payload, nil)
}

func (a *Accessor) FocusWindow(ctx context.Context, windowID string) error {
	id, err := parseID("window", windowID)
	if err != nil {
		return err
	}
	payload := struct {
		WindowID   int             `json:"windowId"`
		Properties map[string]bool `json:"properties"`
	}{id, map[string]bool{"focused": true}}
	return a.call(ctx, callWindowsUpdate, payload, nil)
}

type tabIDs struct {
	TabIDs []int `json:"tabIds"`
}

func parseTabIDs(ids []string) (tabIDs, error) {
	out := tabIDs{TabIDs: make([]int, 0, len(ids))}
	for _, id := range ids {
		n, err := parseID("tab", id)
		if err != nil {
			return out, err
		}
		out.TabIDs = append(out.TabIDs, n)
	}
	return out, nil
}

func (a *Accessor) CloseTabs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	payload, err := parseTabIDs(ids)
	if err != nil {
		return err
	}
	return a.call(ctx, callTabsRemove, payload, nil)
}

func (a *Accessor) GroupTabs(ctx context.Context, windowID string, ids []string) (string, error) {
	tabs, err := parseTabIDs(ids)
	if err != nil {
		return "", err
	}
	q, err := a.windowQuery(windowID)
	if err != nil {
		return "", err
	}
	payload := struct {
		TabIDs           []int       `json:"tabIds"`
		CreateProperties windowQuery `json:"createProperties"`
	}{tabs.TabIDs, q}

	var groupID int
	if err := a.call(ctx, callTabsGroup, payload, &groupID); err != nil {
		return "", err
	}
	return strconv.Itoa(groupID), nil
}

func (a *Accessor) UpdateTabGroup(ctx context.Context, groupID string, update browser.GroupUpdate) error {
	id, err := parseID("group", groupID)
	if err != nil {
		return err
	}
	payload := struct {
		GroupID    int                 `json:"groupId"`
		Properties browser.GroupUpdate `json:"properties"`
	}{id, update}
	return a.call(ctx, callTabGroupsUpdate, payload, nil)
}

func (a *Accessor) UngroupTab(ctx context.Context, tabID string) error {
	payload, err := parseTabIDs([]string{tabID})
	if err != nil {
		return err
	}
	return a.call(ctx, callTabsUngroup, payload, nil)
}

func (a *Accessor) BookmarkTree(ctx context.Context) (*action.BookmarkNode, error) {
	var roots []*action.BookmarkNode
	if err := a.call(ctx, callBookmarksGetTree, struct{}{}, &roots); err != nil {
		return nil, err
	}
	switch len(roots) {
	case 0:
		return nil, fmt.Errorf("%w: empty bookmark tree", browser.ErrNotFound)
	case 1:
		return roots[0], nil
	default:
		return &action.BookmarkNode{ID: "0", Children: roots}, nil
	}
}

func (a *Accessor) CreateBookmark(ctx context.Context, req browser.CreateBookmarkRequest) (*action.BookmarkNode, error) {
	payload := struct {
		ParentID string `json:"parentId"`
		Title    string `json:"title"`
		URL      string `json:"url,omitempty"`
	}{req.ParentID, req.Title, req.URL}

	var node action.BookmarkNode
	if err := a.call(ctx, callBookmarksCreate, payload, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (a *Accessor) MoveBookmark(ctx context.Context, id, parentID string) error {
	payload := struct {
		ID          string            `json:"id"`
		Destination map[string]string `json:"destination"`
	}{id, map[string]string{"parentId": parentID}}
	return a.call(ctx, callBookmarksMove, payload, nil)
}

func (a *Accessor) RemoveBookmarkTree(ctx context.Context, id string) error {
	payload := struct {
		ID string `json:"id"`
	}{id}
	return a.call(ctx, callBookmarksRemove, payload, nil)
}
