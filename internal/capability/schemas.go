package capability

import "github.com/basket/agentrouter/internal/structured"

// Compiled once at init; a malformed schema is a programming error.

var validationSchema = structured.MustValidator(`{
	"type": "object",
	"properties": {
		"is_valid": {"type": "boolean"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"reason": {"type": "string"},
		"suggested_action": {"type": "string", "enum": ["proceed", "clarify", "reject"]}
	},
	"required": ["is_valid", "confidence", "reason", "suggested_action"]
}`)

var evaluationSchema = structured.MustValidator(`{
	"type": "object",
	"properties": {
		"route": {"type": "boolean"},
		"agent": {"type": "string"},
		"subagent": {"type": "string"},
		"client_name": {"type": "string"},
		"wave_number": {"type": "string"},
		"matched_candidates": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"agent": {"type": "string"},
					"subagent": {"type": "string"},
					"description": {"type": "string"}
				},
				"required": ["agent"]
			}
		},
		"reasoning": {"type": "string"}
	},
	"required": ["route"]
}`)
