package action

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// UngroupedName is the sentinel group that holds tabs without group membership.
const UngroupedName = "Ungrouped"

// TabRef is a tab as the pipeline perceives it. Matching is by title, so two tabs
// sharing a title are indistinguishable.
type TabRef struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// NewTabRef builds a TabRef whose description falls back to its title.
func NewTabRef(title, url string) TabRef {
	return TabRef{Title: title, URL: url, Description: title}
}

// TabGroupSnapshot is one named group of tabs.
type TabGroupSnapshot struct {
	GroupName string   `json:"group_name"`
	Tabs      []TabRef `json:"tabs"`
}

// BookmarkNode is a node of the bookmark tree. A node without URL is a folder;
// a node with a URL never has children.
type BookmarkNode struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	URL      string          `json:"url,omitempty"`
	Children []*BookmarkNode `json:"children,omitempty"`
}

// IsFolder reports whether the node is a folder.
func (n *BookmarkNode) IsFolder() bool {
	return n != nil && n.URL == ""
}

// Walk visits n and every descendant depth first, stopping when fn returns false.
func (n *BookmarkNode) Walk(fn func(*BookmarkNode) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for _, child := range n.Children {
		if !child.Walk(fn) {
			return false
		}
	}
	return true
}

// Plan is the model-produced artifact: one action, its payload and a confidence.
type Plan struct {
	Action     Kind            `json:"action"`
	Output     json.RawMessage `json:"output"`
	Confidence float64         `json:"confidence"`
}

var (
	// ErrInvalidPlan wraps every structural problem found by Plan.Validate.
	ErrInvalidPlan = errors.New("invalid plan")
)

// ParsePlan decodes model text into a validated plan.
func ParsePlan(text []byte) (Plan, error) {
	var p Plan
	if err := json.Unmarshal(bytes.TrimSpace(text), &p); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// Validate checks the action label, the confidence range and that the output
// decodes into the payload shape of the action.
func (p Plan) Validate() error {
	if !p.Action.Valid() {
		return fmt.Errorf("%w: action %q", ErrInvalidPlan, p.Action)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range", ErrInvalidPlan, p.Confidence)
	}
	if _, err := p.Decode(); err != nil {
		return err
	}
	return nil
}

// Payload is the decoded, kind-specific output of a plan.
type Payload interface {
	Kind() Kind
}

// Decode unmarshals the raw output into the payload type selected by the action.
func (p Plan) Decode() (Payload, error) {
	if len(bytes.TrimSpace(p.Output)) == 0 || string(bytes.TrimSpace(p.Output)) == "null" {
		return nil, fmt.Errorf("%w: missing output", ErrInvalidPlan)
	}

	var payload Payload
	switch p.Action {
	case SearchTabs:
		payload = &SearchTabsOutput{}
	case CloseTabs:
		payload = &CloseTabsOutput{}
	case OrganizeTabs:
		payload = &OrganizeTabsOutput{}
	case GenerateTabs:
		payload = &GenerateTabsOutput{}
	case RemoveBookmarks:
		payload = &RemoveBookmarksOutput{}
	case SearchBookmarks:
		payload = &SearchBookmarksOutput{}
	case OrganizeBookmarks:
		payload = &OrganizeBookmarksOutput{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, p.Action)
	}

	if err := json.Unmarshal(p.Output, payload); err != nil {
		return nil, fmt.Errorf("%w: decode %s output: %v", ErrInvalidPlan, p.Action, err)
	}
	return payload, nil
}

// SearchTabsOutput names the single tab the user is looking for.
type SearchTabsOutput struct {
	TabRef
}

func (*SearchTabsOutput) Kind() Kind { return SearchTabs }

// CloseTabsOutput lists tabs to close. Models return either bare titles or
// full tab objects, so both are accepted.
type CloseTabsOutput struct {
	Tabs []TabRef `json:"tabs"`
}

func (*CloseTabsOutput) Kind() Kind { return CloseTabs }

func (o *CloseTabsOutput) UnmarshalJSON(data []byte) error {
	var raw struct {
		Tabs []json.RawMessage `json:"tabs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	o.Tabs = make([]TabRef, 0, len(raw.Tabs))
	for _, entry := range raw.Tabs {
		entry = bytes.TrimSpace(entry)
		if len(entry) > 0 && entry[0] == '"' {
			var title string
			if err := json.Unmarshal(entry, &title); err != nil {
				return err
			}
			o.Tabs = append(o.Tabs, NewTabRef(title, ""))
			continue
		}
		var ref TabRef
		if err := json.Unmarshal(entry, &ref); err != nil {
			return err
		}
		o.Tabs = append(o.Tabs, ref)
	}
	return nil
}

// Titles returns the titles named by the plan.
func (o *CloseTabsOutput) Titles() []string {
	titles := make([]string, 0, len(o.Tabs))
	for _, t := range o.Tabs {
		titles = append(titles, t.Title)
	}
	return titles
}

// OrganizeTabsOutput is the target grouping of the current window.
type OrganizeTabsOutput struct {
	Tabs []TabGroupSnapshot `json:"tabs"`
}

func (*OrganizeTabsOutput) Kind() Kind { return OrganizeTabs }

// GenerateTabsOutput is a new group of tabs to open.
type GenerateTabsOutput struct {
	TabGroupSnapshot
}

func (*GenerateTabsOutput) Kind() Kind { return GenerateTabs }

// BookmarkRef points at an existing bookmark by id.
type BookmarkRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

type RemoveBookmarksOutput struct {
	Bookmarks []BookmarkRef `json:"bookmarks"`
}

func (*RemoveBookmarksOutput) Kind() Kind { return RemoveBookmarks }

type SearchBookmarksOutput struct {
	Bookmarks []BookmarkRef `json:"bookmarks"`
}

func (*SearchBookmarksOutput) Kind() Kind { return SearchBookmarks }

// BookmarkMove relocates a bookmark into the folder with the given title.
type BookmarkMove struct {
	ID           string `json:"id"`
	MoveToFolder string `json:"move_to_folder"`
}

// BookmarkAddition bookmarks an open tab into the folder with the given title.
type BookmarkAddition struct {
	TabTitle    string `json:"tab_title"`
	TabURL      string `json:"tab_url"`
	FolderTitle string `json:"folder_title"`
}

type OrganizeBookmarksOutput struct {
	ReorganizedBookmarks []BookmarkMove     `json:"reorganized_bookmarks"`
	TabsToAdd            []BookmarkAddition `json:"tabs_to_add,omitempty"`
}

func (*OrganizeBookmarksOutput) Kind() Kind { return OrganizeBookmarks }
