package llm

import (
	"fmt"
	"strings"
)

// ResponseField describes one field the model must return.
type ResponseField struct {
	Name        string
	Type        string // type hint shown to the model, e.g. "number" or "[\"string\"]"
	Description string
	Required    bool
}

// Prompt is a task description plus the JSON shape of the expected answer.
type Prompt struct {
	Task   string
	Fields []ResponseField
}

// Render builds the prompt text for the given input document.
func (p Prompt) Render(input string) string {
	var sb strings.Builder

	sb.WriteString(p.Task)
	sb.WriteString("\n\n")

	sb.WriteString("Return ONLY valid JSON matching this exact structure:\n{\n")
	for i, field := range p.Fields {
		typeHint := field.Type
		if typeHint == "" {
			typeHint = "\"string\""
		}
		sb.WriteString(fmt.Sprintf("  \"%s\": %s", field.Name, typeHint))
		if field.Required {
			sb.WriteString(" (required)")
		}
		if field.Description != "" {
			sb.WriteString(fmt.Sprintf(" // %s", field.Description))
		}
		if i < len(p.Fields)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("}\n\n")

	sb.WriteString("Input:\n\"\"\"\n")
	sb.WriteString(input)
	sb.WriteString("\n\"\"\"\n")

	return sb.String()
}
