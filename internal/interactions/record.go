// Package interactions builds anonymized training records from resolved
// commands and stores them in Postgres.
package interactions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"time"

	"tabi/internal/action"
)

// TabShape keeps the position of a tab and a hash of its host, nothing else.
type TabShape struct {
	TabIndex   int    `json:"tab_index"`
	DomainHash string `json:"domain_hash"`
}

type GroupShape struct {
	GroupIndex int        `json:"group_index"`
	GroupHash  string     `json:"group_hash"`
	Tabs       []TabShape `json:"tabs"`
}

type Structure struct {
	GroupCount   int      `json:"group_count"`
	TabsPerGroup []int    `json:"tabs_per_group"`
	GroupOrder   []string `json:"group_order,omitempty"`
}

// Output is the plan payload reduced to its structure.
type Output struct {
	Type      string       `json:"type"`
	Structure Structure    `json:"structure"`
	Groups    []GroupShape `json:"groups"`
}

// Metadata is the tab context reduced the same way.
type Metadata struct {
	Structure Structure    `json:"structure"`
	Groups    []GroupShape `json:"groups"`
}

// Record is one logged interaction.
type Record struct {
	ID         string          `json:"id"`
	Prompt     string          `json:"prompt"`
	Intent     action.Kind     `json:"intent"`
	Confidence float64         `json:"confidence"`
	Output     Output          `json:"output"`
	Metadata   Metadata        `json:"metadata"`
	RawOutput  json.RawMessage `json:"raw_output,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// HashDomain hashes the host of raw, truncated to 10 hex characters. An
// unparsable url hashes as an empty host.
func HashDomain(raw string) string {
	host := ""
	if u, err := url.Parse(raw); err == nil {
		host = u.Hostname()
	}
	return shortHash(host)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:10]
}

func tabShapes(tabs []action.TabRef) []TabShape {
	out := make([]TabShape, 0, len(tabs))
	for i, t := range tabs {
		out = append(out, TabShape{TabIndex: i, DomainHash: HashDomain(t.URL)})
	}
	return out
}

func groupShape(g action.TabGroupSnapshot, index int) GroupShape {
	return GroupShape{GroupIndex: index, GroupHash: shortHash(g.GroupName), Tabs: tabShapes(g.Tabs)}
}

func structureOf(groups []GroupShape, ordered bool) Structure {
	s := Structure{GroupCount: len(groups), TabsPerGroup: make([]int, 0, len(groups))}
	for _, g := range groups {
		s.TabsPerGroup = append(s.TabsPerGroup, len(g.Tabs))
		if ordered {
			s.GroupOrder = append(s.GroupOrder, g.GroupHash)
		}
	}
	return s
}

// single wraps a flat tab list under a fixed marker hash.
func single(typ, marker string, tabs []action.TabRef) Output {
	groups := []GroupShape{{GroupIndex: 0, GroupHash: marker, Tabs: tabShapes(tabs)}}
	return Output{Type: typ, Structure: structureOf(groups, false), Groups: groups}
}

// ShapeOutput anonymizes a plan payload. Bookmark kinds and undecodable plans
// keep only their type.
func ShapeOutput(plan action.Plan) Output {
	payload, err := plan.Decode()
	if err != nil {
		return Output{Type: "unknown", Groups: []GroupShape{}}
	}

	switch p := payload.(type) {
	case *action.SearchTabsOutput:
		return single("Tab", "search_result", []action.TabRef{p.TabRef})
	case *action.CloseTabsOutput:
		return single("TabList", "close_result", p.Tabs)
	case *action.OrganizeTabsOutput:
		groups := make([]GroupShape, 0, len(p.Tabs))
		for i, g := range p.Tabs {
			groups = append(groups, groupShape(g, i))
		}
		return Output{Type: "TabGroupList", Structure: structureOf(groups, true), Groups: groups}
	case *action.GenerateTabsOutput:
		groups := []GroupShape{groupShape(p.TabGroupSnapshot, 0)}
		return Output{Type: "TabGroup", Structure: structureOf(groups, false), Groups: groups}
	default:
		return Output{Type: string(plan.Action), Groups: []GroupShape{}}
	}
}

// ShapeMetadata anonymizes the tab context sent with the prompt.
func ShapeMetadata(groups []action.TabGroupSnapshot) Metadata {
	shapes := make([]GroupShape, 0, len(groups))
	for i, g := range groups {
		shapes = append(shapes, groupShape(g, i))
	}
	return Metadata{Structure: structureOf(shapes, true), Groups: shapes}
}

// Build assembles a record. The raw plan is kept only when includeRaw is set.
func Build(id, prompt string, plan action.Plan, context []action.TabGroupSnapshot, includeRaw bool, at time.Time) Record {
	rec := Record{
		ID:         id,
		Prompt:     prompt,
		Intent:     plan.Action,
		Confidence: plan.Confidence,
		Output:     ShapeOutput(plan),
		Metadata:   ShapeMetadata(context),
		CreatedAt:  at.UTC(),
	}
	if includeRaw {
		if raw, err := json.Marshal(plan); err == nil {
			rec.RawOutput = raw
		}
	}
	return rec
}
