package action

import (
	"errors"
	"strings"
)

// Kind is the closed vocabulary of commands the pipeline understands.
type Kind string

const (
	SearchTabs        Kind = "search_tabs"
	CloseTabs         Kind = "close_tabs"
	OrganizeTabs      Kind = "organize_tabs"
	GenerateTabs      Kind = "generate_tabs"
	RemoveBookmarks   Kind = "remove_bookmarks"
	SearchBookmarks   Kind = "search_bookmarks"
	OrganizeBookmarks Kind = "organize_bookmarks"
)

// ErrUnknownKind is returned when a lookup is made for a label outside the vocabulary.
var ErrUnknownKind = errors.New("unknown action kind")

var allKinds = []Kind{
	SearchTabs,
	CloseTabs,
	OrganizeTabs,
	GenerateTabs,
	RemoveBookmarks,
	SearchBookmarks,
	OrganizeBookmarks,
}

// Kinds returns the vocabulary in canonical order. The slice is a copy.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// ParseKind maps a label onto the vocabulary. Surrounding whitespace is ignored,
// but the label must otherwise match exactly.
func ParseKind(label string) (Kind, bool) {
	k := Kind(strings.TrimSpace(label))
	if k.Valid() {
		return k, true
	}
	return "", false
}

// Valid reports whether k belongs to the vocabulary.
func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Bookmarks reports whether the kind operates on the bookmark tree.
func (k Kind) Bookmarks() bool {
	switch k {
	case RemoveBookmarks, SearchBookmarks, OrganizeBookmarks:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }
