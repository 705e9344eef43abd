package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"tabi/internal/action"
)

// Fixture is the serialized form of a MemoryAccessor.
type Fixture struct {
	Windows   []Window             `json:"windows"`
	Tabs      []Tab                `json:"tabs"`
	Groups    []TabGroup           `json:"groups"`
	Bookmarks *action.BookmarkNode `json:"bookmarks,omitempty"`
}

// MemoryAccessor keeps browser state in process. It backs dry runs and tests.
type MemoryAccessor struct {
	mu        sync.Mutex
	windows   []Window
	tabs      []Tab
	groups    []TabGroup
	bookmarks *action.BookmarkNode
	nextID    int
	clock     float64

	// failures makes the named operation fail for one id, e.g. "ungroup:7".
	failures map[string]error
}

// NewMemoryAccessor copies fixture into a new accessor. A nil bookmark tree
// becomes the usual root with bar, other and mobile folders (ids 1, 2, 3).
func NewMemoryAccessor(f Fixture) *MemoryAccessor {
	m := &MemoryAccessor{
		windows:  append([]Window(nil), f.Windows...),
		tabs:     append([]Tab(nil), f.Tabs...),
		groups:   append([]TabGroup(nil), f.Groups...),
		failures: make(map[string]error),
		nextID:   1000,
	}
	if f.Bookmarks != nil {
		m.bookmarks = cloneNode(f.Bookmarks)
	} else {
		m.bookmarks = &action.BookmarkNode{ID: "0", Children: []*action.BookmarkNode{
			{ID: "1", Title: "Bookmarks bar"},
			{ID: "2", Title: "Other bookmarks"},
			{ID: "3", Title: "Mobile bookmarks"},
		}}
	}
	for _, t := range m.tabs {
		if t.LastAccessed > m.clock {
			m.clock = t.LastAccessed
		}
	}
	return m
}

// LoadFixture reads a JSON fixture file into a MemoryAccessor.
func LoadFixture(path string) (*MemoryAccessor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var f Fixture
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	return NewMemoryAccessor(f), nil
}

// FailOn makes op fail for id until cleared with a nil error.
func (m *MemoryAccessor) FailOn(op, id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := op + ":" + id
	if err == nil {
		delete(m.failures, key)
		return
	}
	m.failures[key] = err
}

// Snapshot returns a deep copy of the current state.
func (m *MemoryAccessor) Snapshot() Fixture {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Fixture{
		Windows:   append([]Window(nil), m.windows...),
		Tabs:      append([]Tab(nil), m.tabs...),
		Groups:    append([]TabGroup(nil), m.groups...),
		Bookmarks: cloneNode(m.bookmarks),
	}
}

func (m *MemoryAccessor) failure(op, id string) error {
	if err, ok := m.failures[op+":"+id]; ok {
		return err
	}
	return nil
}

func (m *MemoryAccessor) newID() string {
	m.nextID++
	return strconv.Itoa(m.nextID)
}

func (m *MemoryAccessor) tick() float64 {
	m.clock++
	return m.clock
}

func (m *MemoryAccessor) tabIndex(id string) int {
	for i, t := range m.tabs {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func (m *MemoryAccessor) windowIndex(id string) int {
	for i, w := range m.windows {
		if w.ID == id {
			return i
		}
	}
	return -1
}

// pruneGroups drops groups left without tabs, as browsers do.
func (m *MemoryAccessor) pruneGroups() {
	used := make(map[string]bool)
	for _, t := range m.tabs {
		if t.GroupID != "" {
			used[t.GroupID] = true
		}
	}
	kept := m.groups[:0]
	for _, g := range m.groups {
		if used[g.ID] {
			kept = append(kept, g)
		}
	}
	m.groups = kept
}

func (m *MemoryAccessor) Windows(ctx context.Context) ([]Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Window(nil), m.windows...), nil
}

func (m *MemoryAccessor) Tabs(ctx context.Context, windowID string) ([]Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		if windowID == "" || t.WindowID == windowID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryAccessor) TabGroups(ctx context.Context, windowID string) ([]TabGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TabGroup, 0, len(m.groups))
	for _, g := range m.groups {
		if windowID == "" || g.WindowID == windowID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *MemoryAccessor) CreateTab(ctx context.Context, req CreateTabRequest) (Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	windowID := req.WindowID
	if windowID == "" {
		for _, w := range m.windows {
			if w.Focused {
				windowID = w.ID
				break
			}
		}
		if windowID == "" && len(m.windows) > 0 {
			windowID = m.windows[0].ID
		}
	}
	if windowID == "" || m.windowIndex(windowID) < 0 {
		return Tab{}, fmt.Errorf("create tab in window %q: %w", windowID, ErrNotFound)
	}

	tab := Tab{ID: m.newID(), WindowID: windowID, Title: req.URL, URL: req.URL}
	if req.Active {
		for i := range m.tabs {
			if m.tabs[i].WindowID == windowID {
				m.tabs[i].Active = false
			}
		}
		tab.Active = true
		tab.LastAccessed = m.tick()
	}
	m.tabs = append(m.tabs, tab)
	return tab, nil
}

func (m *MemoryAccessor) ActivateTab(ctx context.Context, tabID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("activate", tabID); err != nil {
		return err
	}
	idx := m.tabIndex(tabID)
	if idx < 0 {
		return fmt.Errorf("activate tab %s: %w", tabID, ErrNotFound)
	}
	for i := range m.tabs {
		if m.tabs[i].WindowID == m.tabs[idx].WindowID {
			m.tabs[i].Active = false
		}
	}
	m.tabs[idx].Active = true
	m.tabs[idx].LastAccessed = m.tick()
	return nil
}

func (m *MemoryAccessor) FocusWindow(ctx context.Context, windowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.windowIndex(windowID) < 0 {
		return fmt.Errorf("focus window %s: %w", windowID, ErrNotFound)
	}
	for i := range m.windows {
		m.windows[i].Focused = m.windows[i].ID == windowID
	}
	return nil
}

// CloseTabs closes every known tab in tabIDs and reports the first unknown id.
func (m *MemoryAccessor) CloseTabs(ctx context.Context, tabIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	closing := make(map[string]bool, len(tabIDs))
	var missing string
	for _, id := range tabIDs {
		if err := m.failure("close", id); err != nil {
			return err
		}
		if m.tabIndex(id) < 0 && missing == "" {
			missing = id
		}
		closing[id] = true
	}

	kept := m.tabs[:0]
	for _, t := range m.tabs {
		if !closing[t.ID] {
			kept = append(kept, t)
		}
	}
	m.tabs = kept
	m.pruneGroups()

	if missing != "" {
		return fmt.Errorf("close tab %s: %w", missing, ErrNotFound)
	}
	return nil
}

func (m *MemoryAccessor) GroupTabs(ctx context.Context, windowID string, tabIDs []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(tabIDs) == 0 {
		return "", fmt.Errorf("group tabs: no tab ids")
	}
	for _, id := range tabIDs {
		if err := m.failure("group", id); err != nil {
			return "", err
		}
		if m.tabIndex(id) < 0 {
			return "", fmt.Errorf("group tab %s: %w", id, ErrNotFound)
		}
	}
	if windowID == "" {
		windowID = m.tabs[m.tabIndex(tabIDs[0])].WindowID
	}

	group := TabGroup{ID: m.newID(), WindowID: windowID}
	m.groups = append(m.groups, group)
	for _, id := range tabIDs {
		idx := m.tabIndex(id)
		m.tabs[idx].GroupID = group.ID
		m.tabs[idx].WindowID = windowID
	}
	m.pruneGroups()
	return group.ID, nil
}

func (m *MemoryAccessor) UpdateTabGroup(ctx context.Context, groupID string, update GroupUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.groups {
		if m.groups[i].ID == groupID {
			m.groups[i].Title = update.Title
			m.groups[i].Color = update.Color
			m.groups[i].Collapsed = update.Collapsed
			return nil
		}
	}
	return fmt.Errorf("update group %s: %w", groupID, ErrNotFound)
}

func (m *MemoryAccessor) UngroupTab(ctx context.Context, tabID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("ungroup", tabID); err != nil {
		return err
	}
	idx := m.tabIndex(tabID)
	if idx < 0 {
		return fmt.Errorf("ungroup tab %s: %w", tabID, ErrNotFound)
	}
	m.tabs[idx].GroupID = ""
	m.pruneGroups()
	return nil
}

func (m *MemoryAccessor) BookmarkTree(ctx context.Context) (*action.BookmarkNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneNode(m.bookmarks), nil
}

func (m *MemoryAccessor) CreateBookmark(ctx context.Context, req CreateBookmarkRequest) (*action.BookmarkNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent := findNode(m.bookmarks, req.ParentID)
	if parent == nil || !parent.IsFolder() {
		return nil, fmt.Errorf("create bookmark under %q: %w", req.ParentID, ErrNotFound)
	}
	node := &action.BookmarkNode{ID: m.newID(), Title: req.Title, URL: req.URL}
	parent.Children = append(parent.Children, node)
	return cloneNode(node), nil
}

func (m *MemoryAccessor) MoveBookmark(ctx context.Context, id, parentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("move", id); err != nil {
		return err
	}
	node, oldParent := findWithParent(m.bookmarks, id)
	if node == nil || oldParent == nil {
		return fmt.Errorf("move bookmark %s: %w", id, ErrNotFound)
	}
	target := findNode(m.bookmarks, parentID)
	if target == nil || !target.IsFolder() || findNode(node, parentID) != nil {
		return fmt.Errorf("move bookmark %s into %s: %w", id, parentID, ErrNotFound)
	}
	oldParent.Children = removeChild(oldParent.Children, id)
	target.Children = append(target.Children, node)
	return nil
}

func (m *MemoryAccessor) RemoveBookmarkTree(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("remove", id); err != nil {
		return err
	}
	node, parent := findWithParent(m.bookmarks, id)
	if node == nil || parent == nil {
		return fmt.Errorf("remove bookmark %s: %w", id, ErrNotFound)
	}
	parent.Children = removeChild(parent.Children, id)
	return nil
}

func findNode(root *action.BookmarkNode, id string) *action.BookmarkNode {
	var found *action.BookmarkNode
	root.Walk(func(n *action.BookmarkNode) bool {
		if n.ID == id {
			found = n
			return false
		}
		return true
	})
	return found
}

func findWithParent(root *action.BookmarkNode, id string) (node, parent *action.BookmarkNode) {
	root.Walk(func(n *action.BookmarkNode) bool {
		for _, child := range n.Children {
			if child.ID == id {
				node, parent = child, n
				return false
			}
		}
		return true
	})
	return node, parent
}

func removeChild(children []*action.BookmarkNode, id string) []*action.BookmarkNode {
	out := make([]*action.BookmarkNode, 0, len(children))
	for _, c := range children {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}

func cloneNode(n *action.BookmarkNode) *action.BookmarkNode {
	if n == nil {
		return nil
	}
	out := &action.BookmarkNode{ID: n.ID, Title: n.Title, URL: n.URL}
	for _, c := range n.Children {
		out.Children = append(out.Children, cloneNode(c))
	}
	return out
}

var _ Accessor = (*MemoryAccessor)(nil)
