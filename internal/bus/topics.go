package bus

// Session lifecycle topics.
const (
	TopicSessionCreated = "session.created"
	TopicSessionCleared = "session.cleared"
	TopicSessionEvicted = "session.evicted"
)

// Turn and routing topics.
const (
	TopicTurnCompleted    = "turn.completed"
	TopicRoutingFinalized = "routing.finalized"
	TopicAdapterFallback  = "adapter.fallback"
)

// Catalog topics.
const (
	TopicCatalogAgentIngested    = "catalog.agent_ingested"
	TopicCatalogSubagentIngested = "catalog.subagent_ingested"
)

// SessionEvent is published when a session is created, cleared, or evicted.
type SessionEvent struct {
	SessionID string // Session ID
	Reason    string // For evictions: "ttl" or "capacity"
}

// TurnCompletedEvent is published after every conversational turn.
type TurnCompletedEvent struct {
	SessionID      string // Session ID
	ResultType     string // invalid_query, agent_inquiry, clarification, confirmation, routing
	Clarifications int    // ClarificationsAsked after the turn
	DurationMS     int64  // Wall time of the turn
}

// RoutingFinalizedEvent is published when a session resolves to a target.
type RoutingFinalizedEvent struct {
	SessionID  string // Session ID
	AgentID    string // Resolved agent ID
	SubagentID string // Resolved subagent ID, empty when none
	AgentName  string
}

// AdapterFallbackEvent is published when an external capability call fails
// and a deterministic local fallback is used instead.
type AdapterFallbackEvent struct {
	Capability string // e.g. "evaluate_routing"
	SessionID  string
	Err        string
}

// CatalogEvent is published when an agent or subagent is ingested.
type CatalogEvent struct {
	AgentID    string
	SubagentID string // Empty for agent ingests
	Name       string
}
