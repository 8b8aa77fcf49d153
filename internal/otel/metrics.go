package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all router metrics instruments.
type Metrics struct {
	TurnDuration     metric.Float64Histogram
	LLMCallDuration  metric.Float64Histogram
	Clarifications   metric.Int64Counter
	Confirmations    metric.Int64Counter
	Finalized        metric.Int64Counter
	InvalidQueries   metric.Int64Counter
	AdapterFallbacks metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
	SessionEvictions metric.Int64Counter
	CatalogIngests   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("agentrouter.turn.duration",
		metric.WithDescription("Conversational turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("agentrouter.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Clarifications, err = meter.Int64Counter("agentrouter.turn.clarifications",
		metric.WithDescription("Clarification questions asked"),
	)
	if err != nil {
		return nil, err
	}

	m.Confirmations, err = meter.Int64Counter("agentrouter.turn.confirmations",
		metric.WithDescription("Confirmation questions asked"),
	)
	if err != nil {
		return nil, err
	}

	m.Finalized, err = meter.Int64Counter("agentrouter.routing.finalized",
		metric.WithDescription("Sessions resolved to a routing target"),
	)
	if err != nil {
		return nil, err
	}

	m.InvalidQueries, err = meter.Int64Counter("agentrouter.turn.invalid_queries",
		metric.WithDescription("Queries rejected by the validator"),
	)
	if err != nil {
		return nil, err
	}

	m.AdapterFallbacks, err = meter.Int64Counter("agentrouter.adapter.fallbacks",
		metric.WithDescription("External capability failures served by local fallbacks"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("agentrouter.sessions.active",
		metric.WithDescription("Number of live conversation sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionEvictions, err = meter.Int64Counter("agentrouter.sessions.evictions",
		metric.WithDescription("Sessions evicted by TTL or capacity"),
	)
	if err != nil {
		return nil, err
	}

	m.CatalogIngests, err = meter.Int64Counter("agentrouter.catalog.ingests",
		metric.WithDescription("Agents and subagents ingested into the catalog"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
