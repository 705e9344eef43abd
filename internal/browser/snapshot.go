package browser

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tabi/internal/action"
)

const (
	// UnnamedGroup replaces empty group titles in snapshots.
	UnnamedGroup = "Unnamed Group"
	// renamedUngrouped replaces a real group literally titled "Ungrouped".
	renamedUngrouped = action.UngroupedName + " (group)"
)

// Snapshot is a point-in-time read of one window plus the bookmark tree.
// It is not kept in sync after Take returns.
type Snapshot struct {
	Window        Window                    `json:"window"`
	Tabs          []Tab                     `json:"tabs"`
	Groups        []TabGroup                `json:"groups"`
	TabGroups     []action.TabGroupSnapshot `json:"tab_groups"`
	Bookmarks     *action.BookmarkNode      `json:"bookmarks,omitempty"`
	BookmarkIndex []Suggestion              `json:"bookmark_index"`
}

// Snapshotter reads browser state through an Accessor.
type Snapshotter struct {
	accessor Accessor
	logger   *zap.Logger
}

func NewSnapshotter(accessor Accessor, logger *zap.Logger) *Snapshotter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshotter{accessor: accessor, logger: logger.Named("snapshot")}
}

// Take snapshots the focused normal window, or the first normal window when
// none is focused. It returns ErrNoWindow when there is no normal window.
func (s *Snapshotter) Take(ctx context.Context) (*Snapshot, error) {
	window, err := s.FocusedWindow(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Window: window}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		tabs, err := s.accessor.Tabs(gctx, window.ID)
		if err != nil {
			return fmt.Errorf("list tabs: %w", err)
		}
		snap.Tabs = tabs
		return nil
	})
	g.Go(func() error {
		groups, err := s.accessor.TabGroups(gctx, window.ID)
		if errors.Is(err, ErrUnsupported) {
			s.logger.Debug("tab groups unavailable", zap.Error(err))
			return nil
		}
		if err != nil {
			return fmt.Errorf("list tab groups: %w", err)
		}
		snap.Groups = groups
		return nil
	})
	g.Go(func() error {
		tree, err := s.accessor.BookmarkTree(gctx)
		if errors.Is(err, ErrUnsupported) {
			s.logger.Debug("bookmarks unavailable", zap.Error(err))
			return nil
		}
		if err != nil {
			return fmt.Errorf("read bookmarks: %w", err)
		}
		snap.Bookmarks = tree
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap.TabGroups = Partition(snap.Tabs, snap.Groups)
	snap.BookmarkIndex = LabelIndex(snap.Bookmarks)

	s.logger.Debug("snapshot taken",
		zap.String("window", window.ID),
		zap.Int("tabs", len(snap.Tabs)),
		zap.Int("groups", len(snap.TabGroups)),
		zap.Int("bookmark_labels", len(snap.BookmarkIndex)),
	)
	return snap, nil
}

// FocusedWindow picks the focused normal window, falling back to the first
// normal one.
func (s *Snapshotter) FocusedWindow(ctx context.Context) (Window, error) {
	windows, err := s.accessor.Windows(ctx)
	if err != nil {
		return Window{}, fmt.Errorf("list windows: %w", err)
	}
	return pickWindow(windows)
}

func pickWindow(windows []Window) (Window, error) {
	var first *Window
	for i := range windows {
		w := &windows[i]
		if w.Type != WindowTypeNormal {
			continue
		}
		if w.Focused {
			return *w, nil
		}
		if first == nil {
			first = w
		}
	}
	if first == nil {
		return Window{}, ErrNoWindow
	}
	return *first, nil
}

// Partition splits tabs into one snapshot per non-empty group, in group
// listing order, followed by "Ungrouped" when any tab has no known group.
// Every tab lands in exactly one snapshot.
func Partition(tabs []Tab, groups []TabGroup) []action.TabGroupSnapshot {
	byGroup := make(map[string][]action.TabRef, len(groups))
	known := make(map[string]bool, len(groups))
	for _, g := range groups {
		known[g.ID] = true
	}

	var ungrouped []action.TabRef
	for _, t := range tabs {
		ref := action.NewTabRef(t.Title, t.URL)
		if t.GroupID == "" || !known[t.GroupID] {
			ungrouped = append(ungrouped, ref)
			continue
		}
		byGroup[t.GroupID] = append(byGroup[t.GroupID], ref)
	}

	out := make([]action.TabGroupSnapshot, 0, len(groups)+1)
	seen := make(map[string]bool, len(groups))
	for _, g := range groups {
		if seen[g.ID] {
			continue
		}
		seen[g.ID] = true
		refs := byGroup[g.ID]
		if len(refs) == 0 {
			continue
		}
		out = append(out, action.TabGroupSnapshot{GroupName: displayName(g.Title), Tabs: refs})
	}
	if len(ungrouped) > 0 {
		out = append(out, action.TabGroupSnapshot{GroupName: action.UngroupedName, Tabs: ungrouped})
	}
	return out
}

func displayName(title string) string {
	switch title {
	case "":
		return UnnamedGroup
	case action.UngroupedName:
		return renamedUngrouped
	default:
		return title
	}
}
