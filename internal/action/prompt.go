package action

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// PromptContext carries the values interpolated into a plan prompt.
type PromptContext struct {
	Utterance string
	Groups    []TabGroupSnapshot
	Bookmarks *BookmarkNode
}

// TabLines renders every tab as `{i}. [{group}] "{title}" - {url}`, numbered from 1
// across all groups.
func TabLines(groups []TabGroupSnapshot) string {
	var b strings.Builder
	i := 0
	for _, g := range groups {
		for _, t := range g.Tabs {
			i++
			if i > 1 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%d. [%s] \"%s\" - %s", i, g.GroupName, t.Title, t.URL)
		}
	}
	return b.String()
}

func bookmarkJSON(root *BookmarkNode) string {
	if root == nil {
		return "{}"
	}
	raw, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(raw)
}

const jsonOnly = `Return ONLY valid JSON. No additional text.`

var promptTemplates = map[Kind]string{
	SearchTabs: `You are a tab search assistant. Pick the open tab that best matches the user's request.

User request: "{{.Utterance}}"

Available tabs:
{{tabs .Groups}}

Return a JSON object with:
- action: "search_tabs"
- output: { title: "exact tab title", url: "exact tab url", description: "why this tab matches" }
- confidence: a number between 0 and 1

` + jsonOnly,

	CloseTabs: `You are a tab cleanup assistant. Decide which open tabs should be closed for the user's request.

User request: "{{.Utterance}}"

Available tabs:
{{tabs .Groups}}

Return a JSON object with:
- action: "close_tabs"
- output: { tabs: [{ title: "exact title", url: "exact url", description: "reason" }, ...] }
- confidence: a number between 0 and 1

` + jsonOnly,

	OrganizeTabs: `You are a tab organization assistant. Sort the open tabs into logical groups.

User request: "{{.Utterance}}"

Available tabs:
{{tabs .Groups}}

Return a JSON object with:
- action: "organize_tabs"
- output: { tabs: [{ group_name: "category", tabs: [{ title, url, description }, ...] }, ...] }
- confidence: a number between 0 and 1

Use the group name "Ungrouped" only for tabs that should leave every group.
` + jsonOnly,

	GenerateTabs: `You are a tab generation assistant. Propose useful pages for the user's request.

User request: "{{.Utterance}}"

Return a JSON object with:
- action: "generate_tabs"
- output: { group_name: "descriptive name", tabs: [{ title: "page title", url: "full url", description: "what it's for" }, ...] }
- confidence: a number between 0 and 1

Generate 5-10 relevant, high-quality URLs. ` + jsonOnly,

	RemoveBookmarks: `You are a bookmark cleanup assistant. Decide which bookmarks should be removed for the user's request.

User request: "{{.Utterance}}"

Bookmark tree:
{{bookmarks .Bookmarks}}

Return a JSON object with:
- action: "remove_bookmarks"
- output: { bookmarks: [{ id: "bookmark id", title: "bookmark title", url: "bookmark url" }, ...] }
- confidence: a number between 0 and 1

Only use ids that appear in the tree. ` + jsonOnly,

	SearchBookmarks: `You are a bookmark search assistant. Find the bookmark that best matches the user's request.

User request: "{{.Utterance}}"

Bookmark tree:
{{bookmarks .Bookmarks}}

Return a JSON object with:
- action: "search_bookmarks"
- output: { bookmarks: [{ id: "bookmark id", title: "bookmark title", url: "bookmark url" }] }
- confidence: a number between 0 and 1

Put the best match first. ` + jsonOnly,

	OrganizeBookmarks: `You are a bookmark organization assistant. Move bookmarks into folders and optionally bookmark open tabs.

User request: "{{.Utterance}}"

Open tabs:
{{tabs .Groups}}

Bookmark tree:
{{bookmarks .Bookmarks}}

Return a JSON object with:
- action: "organize_bookmarks"
- output: { reorganized_bookmarks: [{ id: "bookmark id", move_to_folder: "folder title" }, ...], tabs_to_add: [{ tab_title, tab_url, folder_title }, ...] }
- confidence: a number between 0 and 1

` + jsonOnly,
}

var compiledPrompts = func() map[Kind]*template.Template {
	funcs := template.FuncMap{
		"tabs":      TabLines,
		"bookmarks": bookmarkJSON,
	}
	out := make(map[Kind]*template.Template, len(promptTemplates))
	for kind, text := range promptTemplates {
		out[kind] = template.Must(template.New(string(kind)).Funcs(funcs).Parse(text))
	}
	return out
}()

// PromptFor renders the plan prompt for kind.
func PromptFor(kind Kind, ctx PromptContext) (string, error) {
	tmpl, ok := compiledPrompts[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, ctx); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", kind, err)
	}
	return b.String(), nil
}
