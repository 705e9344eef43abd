package gateway

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tabi/internal/browser"
)

// Focus returns the autocomplete labels for the overlay: open tabs of the
// current window, bookmarks, then the browser's own pages.
func (g *Gateway) Focus(ctx context.Context) ([]browser.Suggestion, error) {
	snap, err := g.snapshotter.Take(ctx)
	if err != nil {
		return nil, err
	}
	labels := browser.TabSuggestions(snap.Tabs)
	labels = append(labels, snap.BookmarkIndex...)
	labels = append(labels, browser.QuickPages()...)
	return labels, nil
}

// Select acts on a suggestion picked from the autocomplete list. It reports
// false when the suggestion no longer matches anything.
func (g *Gateway) Select(ctx context.Context, s browser.Suggestion) (bool, error) {
	switch s.Type {
	case browser.SuggestionTab:
		return g.selectTab(ctx, s.Label)
	case browser.SuggestionBookmark:
		tree, err := g.accessor.BookmarkTree(ctx)
		if err != nil {
			return false, fmt.Errorf("read bookmarks: %w", err)
		}
		node, ok := browser.FindBookmark(tree, s.Label)
		if !ok {
			g.logger.Info("bookmark suggestion matched nothing", zap.String("label", s.Label))
			return false, nil
		}
		return true, g.open(ctx, node.URL)
	default:
		if s.URL == "" {
			return false, fmt.Errorf("suggestion %q has no url", s.Label)
		}
		return true, g.open(ctx, s.URL)
	}
}

func (g *Gateway) selectTab(ctx context.Context, label string) (bool, error) {
	windows, err := g.accessor.Windows(ctx)
	if err != nil {
		return false, fmt.Errorf("list windows: %w", err)
	}
	var tabs []browser.Tab
	for _, w := range windows {
		if w.Type != browser.WindowTypeNormal {
			continue
		}
		wt, err := g.accessor.Tabs(ctx, w.ID)
		if err != nil {
			return false, fmt.Errorf("list tabs: %w", err)
		}
		tabs = append(tabs, wt...)
	}

	tab, ok := tabLabeled(tabs, label)
	if !ok {
		tab, ok = browser.MatchTab(tabs, label)
	}
	if !ok {
		return false, nil
	}
	if err := g.accessor.ActivateTab(ctx, tab.ID); err != nil {
		return false, fmt.Errorf("activate tab: %w", err)
	}
	if err := g.accessor.FocusWindow(ctx, tab.WindowID); err != nil && !errors.Is(err, browser.ErrUnsupported) {
		return true, fmt.Errorf("focus window: %w", err)
	}
	return true, nil
}

// tabLabeled finds the most recently used tab whose suggestion label is label.
func tabLabeled(tabs []browser.Tab, label string) (browser.Tab, bool) {
	var best browser.Tab
	found := false
	for i, s := range browser.TabSuggestions(tabs) {
		if s.Label != label {
			continue
		}
		if !found || tabs[i].LastAccessed > best.LastAccessed {
			best, found = tabs[i], true
		}
	}
	return best, found
}

func (g *Gateway) open(ctx context.Context, url string) error {
	if _, err := g.accessor.CreateTab(ctx, browser.CreateTabRequest{URL: url, Active: true}); err != nil {
		return fmt.Errorf("open %s: %w", url, err)
	}
	return nil
}
