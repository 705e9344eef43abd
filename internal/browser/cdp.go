package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"tabi/internal/action"
	"tabi/internal/config"
)

// CDPAccessor drives Chrome over the DevTools protocol. The protocol has no
// notion of tab groups or bookmarks, so those calls return ErrUnsupported.
type CDPAccessor struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
	// lastAccessed is filled as tabs are activated through this accessor.
	lastAccessed map[string]float64
	focused      string
}

func NewCDPAccessor(cfg config.BrowserConfig, logger *zap.Logger) *CDPAccessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CDPAccessor{
		cfg:          cfg,
		logger:       logger.Named("cdp"),
		lastAccessed: make(map[string]float64),
	}
}

// Start connects to debugger_url, or launches Chrome from the launch command.
// A healthy existing connection is reused.
func (a *CDPAccessor) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.browser != nil {
		if _, err := a.browser.Version(); err == nil {
			return nil
		}
		a.logger.Warn("stale browser connection, reconnecting", zap.String("control_url", a.controlURL))
		_ = a.browser.Close()
		a.browser = nil
		a.controlURL = ""
	}

	controlURL := a.cfg.DebuggerURL
	if len(a.cfg.Launch) > 0 {
		launched, err := a.launch()
		if err != nil {
			return err
		}
		controlURL = launched
	} else if controlURL != "" && !strings.Contains(controlURL, "/devtools/") {
		resolved, err := launcher.ResolveURL(controlURL)
		if err != nil {
			return fmt.Errorf("resolve debugger url: %w", err)
		}
		controlURL = resolved
	}
	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	connectCtx, cancel := context.WithTimeout(ctx, a.cfg.AttachTimeout())
	defer cancel()
	browser := rod.New().ControlURL(controlURL).Context(connectCtx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	// the connect deadline must not bound later calls
	a.browser = browser.Context(context.Background())
	a.controlURL = controlURL
	a.logger.Info("browser connected", zap.String("control_url", controlURL))
	return nil
}

func (a *CDPAccessor) launch() (string, error) {
	bin := a.cfg.Launch[0]
	l := launcher.New().Bin(bin).Headless(a.cfg.IsHeadless())
	for _, raw := range a.cfg.Launch[1:] {
		name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	url, err := l.Launch()
	if err == nil {
		return url, nil
	}
	fallback, altErr := launcher.New().Bin(bin).Headless(a.cfg.IsHeadless()).Launch()
	if altErr != nil {
		return "", fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
	}
	return fallback, nil
}

// IsConnected reports whether Start succeeded and Shutdown was not called.
func (a *CDPAccessor) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.browser != nil
}

func (a *CDPAccessor) ControlURL() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.controlURL
}

// Shutdown drops the connection. A launched browser is closed with it.
func (a *CDPAccessor) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	if a.browser != nil {
		if len(a.cfg.Launch) > 0 {
			err = a.browser.Close()
		}
		a.browser = nil
	}
	a.controlURL = ""
	a.logger.Info("browser shutdown complete")
	return err
}

func (a *CDPAccessor) client(ctx context.Context) (*rod.Browser, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.browser == nil {
		return nil, errors.New("browser not connected")
	}
	return a.browser.Context(ctx), nil
}

type pageTarget struct {
	info     *proto.TargetTargetInfo
	windowID string
}

func (a *CDPAccessor) pages(ctx context.Context) ([]pageTarget, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout())
	defer cancel()

	b, err := a.client(ctx)
	if err != nil {
		return nil, err
	}
	res, err := proto.TargetGetTargets{}.Call(b)
	if err != nil {
		return nil, fmt.Errorf("get targets: %w", err)
	}

	out := make([]pageTarget, 0, len(res.TargetInfos))
	for _, info := range res.TargetInfos {
		if string(info.Type) != "page" {
			continue
		}
		win, err := proto.BrowserGetWindowForTarget{TargetID: info.TargetID}.Call(b)
		if err != nil {
			a.logger.Debug("window lookup failed", zap.String("target", string(info.TargetID)), zap.Error(err))
			continue
		}
		out = append(out, pageTarget{info: info, windowID: strconv.Itoa(int(win.WindowID))})
	}
	return out, nil
}

func (a *CDPAccessor) Windows(ctx context.Context) ([]Window, error) {
	pages, err := a.pages(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.RLock()
	focused := a.focused
	a.mu.RUnlock()

	var out []Window
	seen := make(map[string]bool)
	for _, p := range pages {
		if seen[p.windowID] {
			continue
		}
		seen[p.windowID] = true
		out = append(out, Window{ID: p.windowID, Type: WindowTypeNormal, Focused: p.windowID == focused})
	}
	return out, nil
}

func (a *CDPAccessor) Tabs(ctx context.Context, windowID string) ([]Tab, error) {
	pages, err := a.pages(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []Tab
	for _, p := range pages {
		if windowID != "" && p.windowID != windowID {
			continue
		}
		id := string(p.info.TargetID)
		out = append(out, Tab{
			ID:           id,
			WindowID:     p.windowID,
			Title:        p.info.Title,
			URL:          p.info.URL,
			LastAccessed: a.lastAccessed[id],
		})
	}
	return out, nil
}

func (a *CDPAccessor) TabGroups(ctx context.Context, windowID string) ([]TabGroup, error) {
	return nil, ErrUnsupported
}

func (a *CDPAccessor) CreateTab(ctx context.Context, req CreateTabRequest) (Tab, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout())
	defer cancel()

	b, err := a.client(ctx)
	if err != nil {
		return Tab{}, err
	}
	res, err := proto.TargetCreateTarget{URL: req.URL, Background: !req.Active}.Call(b)
	if err != nil {
		return Tab{}, fmt.Errorf("create target: %w", err)
	}
	tab := Tab{ID: string(res.TargetID), WindowID: req.WindowID, Title: req.URL, URL: req.URL}
	if req.Active {
		tab.LastAccessed = a.touch(tab.ID)
	}
	return tab, nil
}

func (a *CDPAccessor) ActivateTab(ctx context.Context, tabID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout())
	defer cancel()

	b, err := a.client(ctx)
	if err != nil {
		return err
	}
	if err := (proto.TargetActivateTarget{TargetID: proto.TargetTargetID(tabID)}).Call(b); err != nil {
		return fmt.Errorf("activate target %s: %w", tabID, err)
	}
	a.touch(tabID)
	if win, err := (proto.BrowserGetWindowForTarget{TargetID: proto.TargetTargetID(tabID)}).Call(b); err == nil {
		a.mu.Lock()
		a.focused = strconv.Itoa(int(win.WindowID))
		a.mu.Unlock()
	}
	return nil
}

// FocusWindow restores a minimized window. DevTools cannot raise windows, so
// the tab activation that usually follows does the rest.
func (a *CDPAccessor) FocusWindow(ctx context.Context, windowID string) error {
	id, err := strconv.Atoi(windowID)
	if err != nil {
		return fmt.Errorf("focus window %q: %w", windowID, ErrNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout())
	defer cancel()

	b, err := a.client(ctx)
	if err != nil {
		return err
	}
	err = proto.BrowserSetWindowBounds{
		WindowID: proto.BrowserWindowID(id),
		Bounds:   &proto.BrowserBounds{WindowState: proto.BrowserWindowStateNormal},
	}.Call(b)
	if err != nil {
		return fmt.Errorf("focus window %s: %w", windowID, err)
	}

	a.mu.Lock()
	a.focused = windowID
	a.mu.Unlock()
	return nil
}

func (a *CDPAccessor) CloseTabs(ctx context.Context, tabIDs []string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout())
	defer cancel()

	b, err := a.client(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range tabIDs {
		if _, err := (proto.TargetCloseTarget{TargetID: proto.TargetTargetID(id)}).Call(b); err != nil {
			errs = append(errs, fmt.Errorf("close target %s: %w", id, err))
			continue
		}
		a.mu.Lock()
		delete(a.lastAccessed, id)
		a.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (a *CDPAccessor) GroupTabs(ctx context.Context, windowID string, tabIDs []string) (string, error) {
	return "", ErrUnsupported
}

func (a *CDPAccessor) UpdateTabGroup(ctx context.Context, groupID string, update GroupUpdate) error {
	return ErrUnsupported
}

func (a *CDPAccessor) UngroupTab(ctx context.Context, tabID string) error {
	return ErrUnsupported
}

func (a *CDPAccessor) BookmarkTree(ctx context.Context) (*action.BookmarkNode, error) {
	return nil, ErrUnsupported
}

func (a *CDPAccessor) CreateBookmark(ctx context.Context, req CreateBookmarkRequest) (*action.BookmarkNode, error) {
	return nil, ErrUnsupported
}

func (a *CDPAccessor) MoveBookmark(ctx context.Context, id, parentID string) error {
	return ErrUnsupported
}

func (a *CDPAccessor) RemoveBookmarkTree(ctx context.Context, id string) error {
	return ErrUnsupported
}

func (a *CDPAccessor) touch(tabID string) float64 {
	now := float64(time.Now().UnixMilli())
	a.mu.Lock()
	a.lastAccessed[tabID] = now
	a.mu.Unlock()
	return now
}

var _ Accessor = (*CDPAccessor)(nil)
