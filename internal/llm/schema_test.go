package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleReply struct {
	Score int    `json:"score"`
	Notes string `json:"notes"`
	Items []struct {
		Name string `json:"name"`
	} `json:"items"`
}

func TestGenerateSchemaClosesObjects(t *testing.T) {
	s := GenerateSchema[sampleReply]()

	assert.Equal(t, "object", s["type"])
	assert.Equal(t, false, s["additionalProperties"])
	assert.Equal(t, []string{"items", "notes", "score"}, s["required"])
	assert.NotContains(t, s, "$schema")

	props := s["properties"].(map[string]any)
	items := props["items"].(map[string]any)["items"].(map[string]any)
	require.Equal(t, "object", items["type"])
	assert.Equal(t, false, items["additionalProperties"])
	assert.Equal(t, []string{"name"}, items["required"])
}
