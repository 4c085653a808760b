// Package search finds persons by name or free text within one tree.
package search

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Snippet string `json:"snippet,omitempty"`
}

// Query describes a search request. TreeID is mandatory; results never cross
// tree boundaries.
type Query struct {
	TreeID string
	Text   string
	Limit  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a person search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// PersonRecord is the data we index for a person.
type PersonRecord struct {
	UID      string `json:"uid"`
	TreeID   string `json:"treeId"`
	PersonID int64  `json:"personId"`
	Name     string `json:"name"`
	Text     string `json:"text"`
}

// MakePersonRecord flattens a person blob into an indexable record. All
// string values contribute to the searchable text; the name field doubles as
// the display title.
func MakePersonRecord(treeID string, personID int64, data json.RawMessage) PersonRecord {
	record := PersonRecord{
		UID:      fmt.Sprintf("%s-%d", treeID, personID),
		TreeID:   treeID,
		PersonID: personID,
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return record
	}
	if name, ok := fields["name"].(string); ok {
		record.Name = name
	}
	record.Text = flattenStrings(fields)
	return record
}

func flattenStrings(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var parts []string
	for _, key := range keys {
		collectStrings(fields[key], &parts)
	}
	return strings.Join(parts, " ")
}

func collectStrings(value any, parts *[]string) {
	switch v := value.(type) {
	case string:
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			*parts = append(*parts, trimmed)
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			collectStrings(v[key], parts)
		}
	case []any:
		for _, item := range v {
			collectStrings(item, parts)
		}
	}
}
