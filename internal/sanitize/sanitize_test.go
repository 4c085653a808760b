package sanitize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersonDataStripsMarkup(t *testing.T) {
	raw := json.RawMessage(`{
		"id": 3,
		"name": "<script>alert(1)</script>Marie",
		"bio": "<b>Born</b> in Lyon",
		"photo": "/api/tree/t1/file/t1/images/a.webp",
		"documents": ["/api/tree/t1/file/t1/documents/d.pdf"],
		"notes": {"text": "<img src=x onerror=alert(1)>hello"}
	}`)

	cleaned, err := PersonData(raw)
	require.NoError(t, err)

	var data map[string]any
	require.NoError(t, json.Unmarshal(cleaned, &data))

	assert.Equal(t, "Marie", data["name"])
	assert.Equal(t, "Born in Lyon", data["bio"])
	assert.Equal(t, "hello", data["notes"].(map[string]any)["text"])
}

func TestPersonDataLeavesExemptKeysAlone(t *testing.T) {
	raw := json.RawMessage(`{
		"id": 9,
		"photo": "<not-a-tag-we-touch>",
		"documents": ["<kept>", "also kept"]
	}`)

	cleaned, err := PersonData(raw)
	require.NoError(t, err)

	var data map[string]any
	require.NoError(t, json.Unmarshal(cleaned, &data))

	assert.Equal(t, float64(9), data["id"])
	assert.Equal(t, "<not-a-tag-we-touch>", data["photo"])
	assert.Equal(t, "<kept>", data["documents"].([]any)[0])
}

func TestPersonDataRejectsNonObject(t *testing.T) {
	_, err := PersonData(json.RawMessage(`[1,2,3]`))
	assert.Error(t, err)
}

func TestValidateURL(t *testing.T) {
	valid := []string{
		"",
		"http://example.com/a.png",
		"https://example.com/a.png",
		"HTTPS://EXAMPLE.COM/A.PNG",
		"/api/tree/t1/file/t1/images/a.webp",
		"  https://example.com/padded  ",
	}
	for _, u := range valid {
		assert.NoError(t, ValidateURL(u), "url %q", u)
	}

	invalid := []string{
		"javascript:alert(1)",
		"JavaScript:alert(1)",
		"  javascript:alert(1)",
		"data:text/html;base64,xxxx",
		"vbscript:msgbox(1)",
		"ftp://example.com/a.png",
		"example.com/no-scheme",
	}
	for _, u := range invalid {
		assert.Error(t, ValidateURL(u), "url %q", u)
	}
}
