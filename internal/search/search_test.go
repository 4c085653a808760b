package search

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMakePersonRecord(t *testing.T) {
	data := json.RawMessage(`{
		"id": 12,
		"name": "Jean Dupont",
		"birthplace": "Lyon",
		"notes": {"text": "carpenter"},
		"tags": ["emigrated", "1890"],
		"age": 42
	}`)

	record := MakePersonRecord("tree-1", 12, data)

	assert.Equal(t, "tree-1-12", record.UID)
	assert.Equal(t, "tree-1", record.TreeID)
	assert.Equal(t, int64(12), record.PersonID)
	assert.Equal(t, "Jean Dupont", record.Name)
	assert.Contains(t, record.Text, "Lyon")
	assert.Contains(t, record.Text, "carpenter")
	assert.Contains(t, record.Text, "emigrated")
	assert.NotContains(t, record.Text, "42", "numbers are not searchable text")
}

func TestMakePersonRecordMalformedData(t *testing.T) {
	record := MakePersonRecord("tree-1", 3, json.RawMessage(`not json`))
	assert.Equal(t, "tree-1-3", record.UID)
	assert.Empty(t, record.Name)
	assert.Empty(t, record.Text)
}
