package llm

import (
	"context"
	"time"

	"github.com/basket/agentrouter/internal/otel"
)

// instrumented records completion latency for an inner Generator.
type instrumented struct {
	inner   Generator
	metrics *otel.Metrics
}

// Instrument wraps gen so every completion records its duration, failures
// included. A nil metrics handle returns gen unchanged.
func Instrument(gen Generator, m *otel.Metrics) Generator {
	if m == nil {
		return gen
	}
	return &instrumented{inner: gen, metrics: m}
}

func (ig *instrumented) Complete(ctx context.Context, system, prompt string) (string, error) {
	start := time.Now()
	out, err := ig.inner.Complete(ctx, system, prompt)
	ig.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds())
	return out, err
}

func (ig *instrumented) Enabled() bool {
	return ig.inner.Enabled()
}
