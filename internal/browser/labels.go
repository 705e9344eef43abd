package browser

import (
	"regexp"
	"strings"

	"tabi/internal/action"
)

// Suggestion types.
const (
	SuggestionTab      = "tab"
	SuggestionBookmark = "bookmark"
)

// Suggestion is an autocomplete entry. Labels are lossy lookup keys, not
// identities; URL is only set for fixed pages.
type Suggestion struct {
	Label string `json:"label"`
	Type  string `json:"type"`
	URL   string `json:"url,omitempty"`
}

var (
	bookmarkPunctuation = regexp.MustCompile("[#\\-_|\\\\/><,!`$%^&*()+=]")
	// tab labels also drop dots, so "github.com" reads as one word
	tabPunctuation = regexp.MustCompile("[#\\-_|\\\\/.><,!`$%^&*()+=]")
)

// Label keeps the first two words of title with punctuation removed.
func Label(title string) string {
	return shorten(title, bookmarkPunctuation)
}

func shorten(title string, punct *regexp.Regexp) string {
	words := strings.Fields(title)
	if len(words) > 2 {
		words = words[:2]
	}
	return strings.TrimSpace(punct.ReplaceAllString(strings.Join(words, " "), ""))
}

// LabelIndex flattens every bookmark leaf under root, depth first.
func LabelIndex(root *action.BookmarkNode) []Suggestion {
	if root == nil {
		return nil
	}
	var out []Suggestion
	root.Walk(func(n *action.BookmarkNode) bool {
		if !n.IsFolder() {
			out = append(out, Suggestion{Label: Label(n.Title), Type: SuggestionBookmark})
		}
		return true
	})
	return out
}

// TabSuggestions labels the given tabs in order.
func TabSuggestions(tabs []Tab) []Suggestion {
	out := make([]Suggestion, 0, len(tabs))
	for _, t := range tabs {
		out = append(out, Suggestion{Label: shorten(t.Title, tabPunctuation), Type: SuggestionTab})
	}
	return out
}

// QuickPages are the browser pages offered alongside tabs and bookmarks.
func QuickPages() []Suggestion {
	return []Suggestion{
		{Label: "Settings", Type: "chrome_settings", URL: "chrome://settings/"},
		{Label: "History", Type: "chrome_history", URL: "chrome://history/"},
		{Label: "Bookmarks", Type: "chrome_bookmarks", URL: "chrome://bookmarks/"},
		{Label: "Downloads", Type: "chrome_downloads", URL: "chrome://downloads/"},
		{Label: "Extensions", Type: "chrome_extensions", URL: "chrome://extensions/"},
		{Label: "Clear Browsing Data", Type: "chrome_clear_data", URL: "chrome://settings/clearBrowserData"},
		{Label: "Passwords", Type: "chrome_passwords", URL: "chrome://settings/passwords"},
		{Label: "Chrome Webstore", Type: "chrome_webstore", URL: "https://chromewebstore.google.com/"},
	}
}

// FindBookmark returns the first bookmark whose title contains label,
// ignoring case.
func FindBookmark(root *action.BookmarkNode, label string) (*action.BookmarkNode, bool) {
	needle := strings.ToLower(strings.TrimSpace(label))
	if needle == "" {
		return nil, false
	}
	var found *action.BookmarkNode
	root.Walk(func(n *action.BookmarkNode) bool {
		if !n.IsFolder() && strings.Contains(strings.ToLower(n.Title), needle) {
			found = n
			return false
		}
		return true
	})
	return found, found != nil
}
