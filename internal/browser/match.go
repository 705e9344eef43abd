package browser

import (
	"sort"
	"strings"
)

// MatchCandidates returns the tabs matching title, best first.
//
// Exact case-insensitive matches on the trimmed title win; only when there
// are none does substring containment apply. Candidates are ordered by
// LastAccessed descending and ties keep their input order.
func MatchCandidates(tabs []Tab, title string) []Tab {
	needle := strings.ToLower(strings.TrimSpace(title))
	if needle == "" {
		return nil
	}

	var exact, partial []Tab
	for _, t := range tabs {
		hay := strings.ToLower(strings.TrimSpace(t.Title))
		switch {
		case hay == needle:
			exact = append(exact, t)
		case strings.Contains(hay, needle):
			partial = append(partial, t)
		}
	}

	candidates := exact
	if len(candidates) == 0 {
		candidates = partial
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].LastAccessed > candidates[j].LastAccessed
	})
	return candidates
}

// MatchTab returns the single best tab for title.
func MatchTab(tabs []Tab, title string) (Tab, bool) {
	candidates := MatchCandidates(tabs, title)
	if len(candidates) == 0 {
		return Tab{}, false
	}
	return candidates[0], true
}

// TabsTitled returns the tabs whose title equals one of titles exactly.
func TabsTitled(tabs []Tab, titles []string) []Tab {
	want := make(map[string]bool, len(titles))
	for _, t := range titles {
		want[t] = true
	}
	var out []Tab
	for _, t := range tabs {
		if want[t.Title] {
			out = append(out, t)
		}
	}
	return out
}
