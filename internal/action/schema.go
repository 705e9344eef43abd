package action

// Schema is a JSON-schema-like object handed to inference providers as an
// output constraint.
type Schema = map[string]interface{}

func stringProp() Schema { return Schema{"type": "string"} }

func objectOf(props Schema, required ...string) Schema {
	s := Schema{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func arrayOf(items Schema) Schema {
	return Schema{"type": "array", "items": items}
}

func tabRefSchema() Schema {
	return objectOf(Schema{
		"title":       stringProp(),
		"url":         stringProp(),
		"description": stringProp(),
	}, "title", "url", "description")
}

func tabGroupSchema() Schema {
	return objectOf(Schema{
		"group_name": stringProp(),
		"tabs":       arrayOf(tabRefSchema()),
	}, "group_name", "tabs")
}

func bookmarkListSchema() Schema {
	return objectOf(Schema{
		"bookmarks": arrayOf(objectOf(Schema{
			"id":    stringProp(),
			"title": stringProp(),
			"url":   stringProp(),
		}, "id", "title")),
	}, "bookmarks")
}

func planSchema(kind Kind, output Schema) Schema {
	return objectOf(Schema{
		"action":     Schema{"type": "string", "enum": []string{string(kind)}},
		"output":     output,
		"confidence": Schema{"type": "number", "minimum": 0, "maximum": 1},
	}, "action", "output", "confidence")
}

func outputSchema(kind Kind) (Schema, bool) {
	switch kind {
	case SearchTabs:
		return tabRefSchema(), true
	case CloseTabs:
		return objectOf(Schema{"tabs": arrayOf(tabRefSchema())}, "tabs"), true
	case OrganizeTabs:
		return objectOf(Schema{"tabs": arrayOf(tabGroupSchema())}, "tabs"), true
	case GenerateTabs:
		return tabGroupSchema(), true
	case RemoveBookmarks, SearchBookmarks:
		return bookmarkListSchema(), true
	case OrganizeBookmarks:
		return objectOf(Schema{
			"reorganized_bookmarks": arrayOf(objectOf(Schema{
				"id":             stringProp(),
				"move_to_folder": stringProp(),
			}, "id", "move_to_folder")),
			"tabs_to_add": arrayOf(objectOf(Schema{
				"tab_title":    stringProp(),
				"tab_url":      stringProp(),
				"folder_title": stringProp(),
			}, "tab_title", "tab_url", "folder_title")),
		}, "reorganized_bookmarks"), true
	}
	return nil, false
}

// SchemaFor returns the plan schema for kind. The second result is false for a
// label outside the vocabulary, which callers must treat as a hard stop.
func SchemaFor(kind Kind) (Schema, bool) {
	output, ok := outputSchema(kind)
	if !ok {
		return nil, false
	}
	return planSchema(kind, output), true
}

// IntentSchema constrains a classifier response to exactly one vocabulary label.
func IntentSchema() Schema {
	labels := make([]string, 0, len(allKinds))
	for _, k := range allKinds {
		labels = append(labels, string(k))
	}
	return Schema{"type": "string", "enum": labels}
}
