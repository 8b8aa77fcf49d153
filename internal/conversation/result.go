package conversation

// ResultType discriminates the outcome of a conversational turn.
type ResultType string

const (
	ResultInvalidQuery  ResultType = "invalid_query"
	ResultAgentInquiry  ResultType = "agent_inquiry"
	ResultClarification ResultType = "clarification"
	ResultConfirmation  ResultType = "confirmation"
	ResultRouting       ResultType = "routing"
)

// RoutingPayload is the handoff contract delivered with a routing result.
type RoutingPayload struct {
	Agent      string `json:"agent"`
	Subagent   string `json:"subagent"`
	ClientName string `json:"client_name"`
	WaveNumber string `json:"wave_number"`
}

// TurnResult is the discriminated outcome of one turn. Only the fields
// relevant to Type are populated.
type TurnResult struct {
	Type    ResultType `json:"type"`
	Message string     `json:"message"`

	// Invalid query turns carry the validator's verdict.
	Confidence      float64 `json:"confidence,omitempty"`
	SuggestedAction string  `json:"suggested_action,omitempty"`

	// Clarification and confirmation turns.
	ClarificationCount int      `json:"clarification_count,omitempty"`
	SuggestedAgents    []string `json:"suggested_agents,omitempty"`

	// Confirmation and routing turns.
	RoutingTarget string `json:"routing_target,omitempty"`

	// Routing turns only. SubagentID is empty when the chosen subagent is
	// not registered under the agent.
	AgentID    string          `json:"agent_id,omitempty"`
	SubagentID string          `json:"subagent_id,omitempty"`
	Payload    *RoutingPayload `json:"payload,omitempty"`
}
