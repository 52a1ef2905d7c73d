package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanJSONBlock(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"json code block", "```json\n{\"score\": 0.9}\n```", `{"score": 0.9}`},
		{"generic code block", "```\n{\"score\": 0.9}\n```", `{"score": 0.9}`},
		{"code block with language", "```javascript\n{\"score\": 0.9}\n```", `{"score": 0.9}`},
		{"plain JSON", `{"score": 0.9}`, `{"score": 0.9}`},
		{"preamble", "Here is my audit:\n{\"consistent\": true}", `{"consistent": true}`},
		{"trailing text", "{\"consistent\": false}\n\nThe render misses the kitchen.", `{"consistent": false}`},
		{"array after preamble", "Categories:\n[\"lighting\", \"scale\"]", `["lighting", "scale"]`},
		{"nested", "Output: {\"a\": {\"b\": {\"c\": 1}}}", `{"a": {"b": {"c": 1}}}`},
		{"escaped quotes", "Result: {\"summary\": \"wall marked \\\"load bearing\\\"\"}", `{"summary": "wall marked \"load bearing\""}`},
		{"no json", "no answer", "no answer"},
		{"unbalanced", "{\"score\": ", "{\"score\":"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanJSONBlock(tt.input))
		})
	}
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple", `{"k": "v"}`, `{"k": "v"}`},
		{"with array", `{"items": [1, 2]}`, `{"items": [1, 2]}`},
		{"trailing text", `{"k": "v"} and more`, `{"k": "v"}`},
		{"braces inside string", `{"t": "room {a}"}`, `{"t": "room {a}"}`},
		{"empty", "", ""},
		{"not an object", "text", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractJSONObject(tt.input))
		})
	}
}

func TestExtractJSONArray(t *testing.T) {
	assert.Equal(t, `[[1, 2], [3]]`, extractJSONArray(`[[1, 2], [3]] extra`))
	assert.Equal(t, `[{"id": 1}]`, extractJSONArray(`[{"id": 1}]`))
	assert.Equal(t, "", extractJSONArray("not array"))
}

func TestPromptRender(t *testing.T) {
	p := Prompt{
		Task: "Audit the render.",
		Fields: []ResponseField{
			{Name: "score", Type: "number", Description: "0 to 1", Required: true},
			{Name: "summary"},
		},
	}

	out := p.Render(`{"artifact_ref":"a"}`)
	assert.Contains(t, out, "Audit the render.")
	assert.Contains(t, out, `"score": number (required) // 0 to 1,`)
	assert.Contains(t, out, `"summary": "string"`)
	assert.Contains(t, out, `{"artifact_ref":"a"}`)
}
