package browser

import (
	"context"
	"errors"

	"tabi/internal/action"
)

var (
	// ErrNoWindow means no normal browser window exists. Commands abort on it.
	ErrNoWindow = errors.New("no browser window found")
	// ErrUnsupported is returned by accessors that cannot reach a capability
	// (the DevTools protocol has no tab groups or bookmarks, for instance).
	ErrUnsupported = errors.New("operation not supported by browser accessor")
	// ErrNotFound means a referenced tab, group, window or bookmark no longer exists.
	ErrNotFound = errors.New("browser object not found")
)

// WindowTypeNormal is the only window type commands act on.
const WindowTypeNormal = "normal"

// Window is a browser window.
type Window struct {
	ID      string `json:"id"`
	Focused bool   `json:"focused"`
	Type    string `json:"type"`
}

// Tab is a live tab. GroupID is empty when the tab belongs to no group.
// LastAccessed is milliseconds since the epoch, zero when unknown.
type Tab struct {
	ID           string  `json:"id"`
	WindowID     string  `json:"window_id"`
	GroupID      string  `json:"group_id,omitempty"`
	Title        string  `json:"title"`
	URL          string  `json:"url"`
	Active       bool    `json:"active,omitempty"`
	LastAccessed float64 `json:"last_accessed,omitempty"`
}

// TabGroup is a browser-level tab group.
type TabGroup struct {
	ID        string `json:"id"`
	WindowID  string `json:"window_id"`
	Title     string `json:"title"`
	Color     string `json:"color,omitempty"`
	Collapsed bool   `json:"collapsed,omitempty"`
}

// GroupUpdate sets the presentation of a tab group.
type GroupUpdate struct {
	Title     string `json:"title"`
	Color     string `json:"color"`
	Collapsed bool   `json:"collapsed"`
}

// CreateTabRequest opens a tab. An empty WindowID lets the browser choose.
type CreateTabRequest struct {
	WindowID string `json:"window_id,omitempty"`
	URL      string `json:"url"`
	Active   bool   `json:"active"`
}

// CreateBookmarkRequest creates a folder when URL is empty, a bookmark otherwise.
type CreateBookmarkRequest struct {
	ParentID string `json:"parent_id"`
	Title    string `json:"title"`
	URL      string `json:"url,omitempty"`
}

// TabAccessor reads and mutates windows, tabs and tab groups.
type TabAccessor interface {
	Windows(ctx context.Context) ([]Window, error)
	// Tabs lists tabs of one window, or of every window when windowID is empty.
	Tabs(ctx context.Context, windowID string) ([]Tab, error)
	TabGroups(ctx context.Context, windowID string) ([]TabGroup, error)
	CreateTab(ctx context.Context, req CreateTabRequest) (Tab, error)
	ActivateTab(ctx context.Context, tabID string) error
	FocusWindow(ctx context.Context, windowID string) error
	CloseTabs(ctx context.Context, tabIDs []string) error
	// GroupTabs gathers tabs into a new group in windowID and returns its id.
	GroupTabs(ctx context.Context, windowID string, tabIDs []string) (string, error)
	UpdateTabGroup(ctx context.Context, groupID string, update GroupUpdate) error
	UngroupTab(ctx context.Context, tabID string) error
}

// BookmarkAccessor reads and mutates the bookmark tree.
type BookmarkAccessor interface {
	BookmarkTree(ctx context.Context) (*action.BookmarkNode, error)
	CreateBookmark(ctx context.Context, req CreateBookmarkRequest) (*action.BookmarkNode, error)
	MoveBookmark(ctx context.Context, id, parentID string) error
	RemoveBookmarkTree(ctx context.Context, id string) error
}

// Accessor is the full CRUD surface over live browser state.
type Accessor interface {
	TabAccessor
	BookmarkAccessor
}
