package intent

import (
	"strings"

	"tabi/internal/action"
)

type rule struct {
	kind  action.Kind
	verbs []string
	// bookmark rules only fire when the utterance mentions bookmarks
	bookmarks bool
}

// Order matters: the first rule with a matching verb wins.
var rules = []rule{
	{kind: action.RemoveBookmarks, verbs: []string{"remove", "delete", "clean", "clear"}, bookmarks: true},
	{kind: action.OrganizeBookmarks, verbs: []string{"organize", "organise", "sort", "tidy", "save", "add"}, bookmarks: true},
	{kind: action.SearchBookmarks, verbs: []string{"find", "search", "open", "where", "look", "show"}, bookmarks: true},
	{kind: action.CloseTabs, verbs: []string{"close", "remove", "delete", "clean", "clear", "kill"}},
	{kind: action.OrganizeTabs, verbs: []string{"organize", "organise", "group", "sort", "tidy", "arrange"}},
	{kind: action.SearchTabs, verbs: []string{"find", "search", "switch", "go to", "where", "look", "show"}},
	{kind: action.GenerateTabs, verbs: []string{"open", "generate", "plan", "research", "learn", "start", "new"}},
}

// Keywords classifies utterance by verb. It is a coarse fallback and only
// ever returns members of the closed set.
func Keywords(utterance string) (action.Kind, bool) {
	text := " " + strings.ToLower(utterance) + " "
	mentionsBookmarks := strings.Contains(text, "bookmark")

	for _, r := range rules {
		if r.bookmarks && !mentionsBookmarks {
			continue
		}
		for _, verb := range r.verbs {
			if strings.Contains(text, " "+verb) {
				return r.kind, true
			}
		}
	}
	return "", false
}
