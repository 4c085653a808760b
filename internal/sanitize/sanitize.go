// Package sanitize scrubs person records before they reach the database.
package sanitize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Keys whose values are never rewritten: ids are numeric, photo and document
// URLs go through ValidateURL instead.
var exemptKeys = map[string]bool{
	"id":        true,
	"photo":     true,
	"documents": true,
}

var policy = bluemonday.StrictPolicy()

// PersonData strips markup from every free-text string in a person blob.
// Values under exempt keys pass through untouched.
func PersonData(raw json.RawMessage) (json.RawMessage, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode person: %w", err)
	}
	cleaned := cleanMap(data)
	out, err := json.Marshal(cleaned)
	if err != nil {
		return nil, fmt.Errorf("encode person: %w", err)
	}
	return out, nil
}

func cleanMap(data map[string]any) map[string]any {
	for key, value := range data {
		if exemptKeys[key] {
			continue
		}
		data[key] = cleanValue(value)
	}
	return data
}

func cleanValue(value any) any {
	switch v := value.(type) {
	case string:
		return policy.Sanitize(v)
	case map[string]any:
		return cleanMap(v)
	case []any:
		for i, item := range v {
			v[i] = cleanValue(item)
		}
		return v
	default:
		return value
	}
}

// ValidateURL accepts the photo/document references a person may carry:
// absolute http(s) URLs and server-rooted paths. Script-carrying schemes are
// rejected even with surrounding whitespace or unusual casing.
func ValidateURL(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	lower := strings.ToLower(trimmed)

	for _, scheme := range []string{"javascript:", "data:", "vbscript:"} {
		if strings.HasPrefix(lower, scheme) {
			return fmt.Errorf("url scheme not allowed: %s", scheme)
		}
	}
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(trimmed, "/") {
		return nil
	}
	return fmt.Errorf("url must be http(s) or server-rooted")
}
