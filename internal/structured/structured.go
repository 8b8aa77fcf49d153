// Package structured validates LLM responses against JSON Schemas and
// decodes them into typed values. Model output is untrusted: anything that
// fails extraction, parsing, or schema validation is rejected with a
// DecodeError so the caller can fall back deterministically.
package structured

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator validates response text against a compiled JSON Schema.
type Validator struct {
	schema     *jsonschema.Schema
	schemaJSON json.RawMessage
}

// NewValidator compiles a JSON Schema for validation.
func NewValidator(schemaJSON json.RawMessage) (*Validator, error) {
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: schema, schemaJSON: schemaJSON}, nil
}

// MustValidator compiles a schema known at build time; panics on error.
func MustValidator(schemaJSON string) *Validator {
	v, err := NewValidator(json.RawMessage(schemaJSON))
	if err != nil {
		panic(err)
	}
	return v
}

// SchemaJSON returns the raw schema for prompt-level injection.
func (v *Validator) SchemaJSON() json.RawMessage {
	return v.schemaJSON
}

// DecodeError describes an extraction, parse, or schema failure.
type DecodeError struct {
	Message string
	Raw     string
}

func (e *DecodeError) Error() string { return e.Message }

// Decode extracts JSON from the response text, validates it against the
// schema, and unmarshals it into out.
func (v *Validator) Decode(responseText string, out any) error {
	jsonStr := extractJSON(responseText)
	if jsonStr == "" {
		return &DecodeError{
			Message: "response does not contain valid JSON",
			Raw:     responseText,
		}
	}

	// jsonschema.UnmarshalJSON yields json.Number instead of float64, which
	// the validator requires.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return &DecodeError{
			Message: fmt.Sprintf("invalid JSON: %s", err),
			Raw:     responseText,
		}
	}

	if err := v.schema.Validate(parsed); err != nil {
		return &DecodeError{
			Message: fmt.Sprintf("schema validation failed: %s", err),
			Raw:     responseText,
		}
	}

	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		return &DecodeError{
			Message: fmt.Sprintf("decode into %T: %s", out, err),
			Raw:     responseText,
		}
	}
	return nil
}

// extractJSON finds a JSON object or array in the response text.
func extractJSON(text string) string {
	// 1. Try fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		// Skip optional newline after ```json
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// 2. Try generic fenced block: ```\n...\n```
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Try raw JSON: find first { or [ and match closing
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

// isJSON checks if a string is valid JSON.
func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of the string.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}

		if ch == '\\' && inString {
			escaped = true
			continue
		}

		if ch == '"' {
			inString = !inString
			continue
		}

		if inString {
			continue
		}

		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}
