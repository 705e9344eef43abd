package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tabi/internal/action"
	"tabi/internal/browser"
	"tabi/internal/config"
	"tabi/internal/executor"
	"tabi/internal/inference"
	"tabi/internal/mangle"
	"tabi/internal/resolver"
)

type mockClassifier struct{ mock.Mock }

func (m *mockClassifier) Classify(ctx context.Context, utterance string) (action.Kind, bool) {
	args := m.Called(ctx, utterance)
	return args.Get(0).(action.Kind), args.Bool(1)
}

type mockResolver struct{ mock.Mock }

func (m *mockResolver) Resolve(ctx context.Context, req resolver.Request) (resolver.Resolution, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(resolver.Resolution), args.Error(1)
}

type staticIdentity string

func (s staticIdentity) ClientID() (string, error) { return string(s), nil }

func window() browser.Window {
	return browser.Window{ID: "w1", Type: browser.WindowTypeNormal, Focused: true}
}

type fixture struct {
	acc        *browser.MemoryAccessor
	classifier *mockClassifier
	resolver   *mockResolver
	history    *mangle.Engine
	gw         *Gateway
}

func newFixture(t *testing.T, f browser.Fixture) *fixture {
	t.Helper()
	history, err := mangle.NewEngine(config.HistoryConfig{Enable: true, FactBufferLimit: 1000}, nil)
	require.NoError(t, err)

	fx := &fixture{
		acc:        browser.NewMemoryAccessor(f),
		classifier: &mockClassifier{},
		resolver:   &mockResolver{},
		history:    history,
	}
	fx.gw = New(Deps{
		Accessor:   fx.acc,
		Classifier: fx.classifier,
		Resolver:   fx.resolver,
		Executor:   executor.New(fx.acc, "", nil),
		Identity:   staticIdentity("client-1"),
		History:    history,
	})
	return fx
}

func resolution(kind action.Kind, output string, source resolver.Source) resolver.Resolution {
	return resolver.Resolution{
		Plan:   action.Plan{Action: kind, Output: json.RawMessage(output), Confidence: 0.92},
		Source: source,
	}
}

func TestExecuteClosesTabs(t *testing.T) {
	fx := newFixture(t, browser.Fixture{
		Windows: []browser.Window{window()},
		Tabs: []browser.Tab{
			{ID: "1", WindowID: "w1", Title: "CNN"},
			{ID: "2", WindowID: "w1", Title: "Reddit"},
			{ID: "3", WindowID: "w1", Title: "Docs"},
		},
	})
	fx.classifier.On("Classify", mock.Anything, "close cnn and reddit").Return(action.CloseTabs, true)
	fx.resolver.On("Resolve", mock.Anything, mock.MatchedBy(func(req resolver.Request) bool {
		return req.Kind == action.CloseTabs && req.ClientID == "client-1" && len(req.TabGroups) == 1
	})).Return(resolution(action.CloseTabs, `{"tabs":["CNN","Reddit"]}`, resolver.SourceLocal), nil)

	out := fx.gw.Execute(context.Background(), "  close cnn and reddit ")

	assert.Equal(t, StatusTabsCleaned, out.Status)
	assert.True(t, out.OK)
	assert.Equal(t, action.CloseTabs, out.Kind)
	assert.Equal(t, resolver.SourceLocal, out.Source)
	require.Len(t, fx.acc.Snapshot().Tabs, 1)
	assert.Equal(t, "Docs", fx.acc.Snapshot().Tabs[0].Title)

	commands := fx.history.Commands(0)
	require.Len(t, commands, 1)
	assert.Equal(t, out.ID, commands[0].ID)
	assert.Equal(t, "close_tabs", commands[0].Kind)
	assert.Equal(t, StatusTabsCleaned, commands[0].Status)
	assert.False(t, fx.gw.Busy())
}

func TestExecuteWithoutWindowSkipsInference(t *testing.T) {
	fx := newFixture(t, browser.Fixture{Windows: []browser.Window{{ID: "p", Type: "popup", Focused: true}}})

	out := fx.gw.Execute(context.Background(), "organize my tabs")

	assert.Equal(t, StatusNoWindow, out.Status)
	assert.False(t, out.OK)
	assert.ErrorIs(t, out.Err, browser.ErrNoWindow)
	fx.classifier.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
	fx.resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
}

func TestExecuteBlankUtterance(t *testing.T) {
	fx := newFixture(t, browser.Fixture{Windows: []browser.Window{window()}})

	out := fx.gw.Execute(context.Background(), "   ")

	assert.Equal(t, Outcome{}, out)
	fx.classifier.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
	assert.Empty(t, fx.history.Commands(0))
}

func TestExecuteUnknownIntent(t *testing.T) {
	fx := newFixture(t, browser.Fixture{Windows: []browser.Window{window()}})
	fx.classifier.On("Classify", mock.Anything, "make me a sandwich").Return(action.Kind(""), false)

	out := fx.gw.Execute(context.Background(), "make me a sandwich")

	assert.Equal(t, StatusUnknownIntent, out.Status)
	fx.resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
}

func TestExecuteResolutionFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"backend", fmt.Errorf("remote resolution: %w", inference.ErrBackend), StatusBackendError},
		{"unavailable", fmt.Errorf("remote resolution: %w", inference.ErrUnavailable), StatusFailed},
		{"unknown intent", resolver.ErrUnknownIntent, StatusFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t, browser.Fixture{Windows: []browser.Window{window()}})
			fx.classifier.On("Classify", mock.Anything, mock.Anything).Return(action.GenerateTabs, true)
			fx.resolver.On("Resolve", mock.Anything, mock.Anything).Return(resolver.Resolution{}, tc.err)

			out := fx.gw.Execute(context.Background(), "plan a trip")

			assert.Equal(t, tc.want, out.Status)
			assert.False(t, out.OK)
			assert.ErrorIs(t, out.Err, tc.err)

			failed, err := fx.history.Evaluate(context.Background(), mangle.PredFailedCommand)
			require.NoError(t, err)
			assert.Len(t, failed, 1)
		})
	}
}

func TestExecuteRemoveMissingBookmarkStillSucceeds(t *testing.T) {
	fx := newFixture(t, browser.Fixture{Windows: []browser.Window{window()}})
	fx.classifier.On("Classify", mock.Anything, mock.Anything).Return(action.RemoveBookmarks, true)
	fx.resolver.On("Resolve", mock.Anything, mock.Anything).
		Return(resolution(action.RemoveBookmarks, `{"bookmarks":[{"id":"42","title":"Old Link"}]}`, resolver.SourceLocal), nil)

	out := fx.gw.Execute(context.Background(), "remove the old link bookmark")

	assert.Equal(t, StatusBookmarksGone, out.Status)
	assert.True(t, out.OK)
	require.NotNil(t, out.Result)
	require.Len(t, out.Result.Failures, 1)

	commands := fx.history.Commands(0)
	require.Len(t, commands, 1)
	assert.Equal(t, 1, commands[0].Failures)
}

func TestExecuteStatuses(t *testing.T) {
	cases := []struct {
		name   string
		kind   action.Kind
		output string
		want   string
		ok     bool
	}{
		{"generate", action.GenerateTabs, `{"group_name":"Trip","tabs":[{"title":"Maps","url":"https://maps.example","description":""}]}`, "Your tabs are saved in: Trip", true},
		{"organize", action.OrganizeTabs, `{"tabs":[{"group_name":"Reading","tabs":[{"title":"Docs","url":"","description":""}]}]}`, StatusTabsOrganized, true},
		{"search found", action.SearchTabs, `{"title":"Docs","url":"","description":""}`, StatusTabFound, true},
		{"search missing", action.SearchTabs, `{"title":"Weather","url":"","description":""}`, StatusTabNotFound, false},
		{"bookmark missing url", action.SearchBookmarks, `{"bookmarks":[{"id":"9","title":"Folder"}]}`, StatusBookmarkAbsent, false},
		{"organize bookmarks", action.OrganizeBookmarks, `{"reorganized_bookmarks":[]}`, StatusBookmarksMoved, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t, browser.Fixture{
				Windows: []browser.Window{window()},
				Tabs:    []browser.Tab{{ID: "1", WindowID: "w1", Title: "Docs", URL: "https://docs.example"}},
			})
			fx.classifier.On("Classify", mock.Anything, mock.Anything).Return(tc.kind, true)
			fx.resolver.On("Resolve", mock.Anything, mock.Anything).Return(resolution(tc.kind, tc.output, resolver.SourceRemote), nil)

			out := fx.gw.Execute(context.Background(), "do it")
			assert.Equal(t, tc.want, out.Status)
			assert.Equal(t, tc.ok, out.OK)
		})
	}
}

func TestExecuteRejectsConcurrentCommand(t *testing.T) {
	fx := newFixture(t, browser.Fixture{
		Windows: []browser.Window{window()},
		Tabs:    []browser.Tab{{ID: "1", WindowID: "w1", Title: "Docs"}},
	})

	started := make(chan struct{})
	release := make(chan struct{})
	fx.classifier.On("Classify", mock.Anything, mock.Anything).Return(action.SearchTabs, true)
	fx.resolver.On("Resolve", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(resolution(action.SearchTabs, `{"title":"Docs","url":"","description":""}`, resolver.SourceLocal), nil).
		Once()

	var wg sync.WaitGroup
	var first Outcome
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = fx.gw.Execute(context.Background(), "find docs")
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first command never reached the resolver")
	}
	assert.True(t, fx.gw.Busy())

	second := fx.gw.Execute(context.Background(), "find docs")
	assert.Equal(t, StatusBusy, second.Status)
	assert.ErrorIs(t, second.Err, ErrBusy)

	close(release)
	wg.Wait()
	assert.Equal(t, StatusTabFound, first.Status)
	fx.resolver.AssertNumberOfCalls(t, "Resolve", 1)
	assert.False(t, fx.gw.Busy())
}

func TestFocusAndSelect(t *testing.T) {
	fx := newFixture(t, browser.Fixture{
		Windows: []browser.Window{window(), {ID: "w2", Type: browser.WindowTypeNormal}},
		Tabs: []browser.Tab{
			{ID: "1", WindowID: "w1", Title: "Docs", Active: true},
			{ID: "2", WindowID: "w2", Title: "github.com - Pull requests"},
		},
		Bookmarks: &action.BookmarkNode{ID: "0", Children: []*action.BookmarkNode{
			{ID: "1", Title: "Bar", Children: []*action.BookmarkNode{
				{ID: "10", Title: "Best Recipes - Home", URL: "https://recipes.example"},
			}},
		}},
	})
	ctx := context.Background()

	labels, err := fx.gw.Focus(ctx)
	require.NoError(t, err)
	require.Len(t, labels, 1+1+len(browser.QuickPages()))
	assert.Equal(t, browser.Suggestion{Label: "Docs", Type: browser.SuggestionTab}, labels[0])
	assert.Equal(t, browser.Suggestion{Label: "Best Recipes", Type: browser.SuggestionBookmark}, labels[1])

	t.Run("tab in another window", func(t *testing.T) {
		ok, err := fx.gw.Select(ctx, browser.Suggestion{Label: "githubcom", Type: browser.SuggestionTab})
		require.NoError(t, err)
		assert.True(t, ok)
		state := fx.acc.Snapshot()
		for _, w := range state.Windows {
			assert.Equal(t, w.ID == "w2", w.Focused)
		}
	})

	t.Run("bookmark", func(t *testing.T) {
		ok, err := fx.gw.Select(ctx, browser.Suggestion{Label: "Best Recipes", Type: browser.SuggestionBookmark})
		require.NoError(t, err)
		assert.True(t, ok)
		tabs := fx.acc.Snapshot().Tabs
		assert.Equal(t, "https://recipes.example", tabs[len(tabs)-1].URL)
	})

	t.Run("quick page", func(t *testing.T) {
		page := browser.QuickPages()[0]
		ok, err := fx.gw.Select(ctx, page)
		require.NoError(t, err)
		assert.True(t, ok)
		tabs := fx.acc.Snapshot().Tabs
		assert.Equal(t, page.URL, tabs[len(tabs)-1].URL)
	})

	t.Run("stale tab label", func(t *testing.T) {
		ok, err := fx.gw.Select(ctx, browser.Suggestion{Label: "Weather", Type: browser.SuggestionTab})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("suggestion without url", func(t *testing.T) {
		_, err := fx.gw.Select(ctx, browser.Suggestion{Label: "x", Type: "chrome_nothing"})
		assert.Error(t, err)
	})
}

func TestStatusForUnknownKind(t *testing.T) {
	status, ok := statusFor(executor.Result{Kind: action.Kind("dance")})
	assert.Equal(t, StatusFailed, status)
	assert.False(t, ok)
}
