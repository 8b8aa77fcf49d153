package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentrouter/internal/bus"
	"github.com/basket/agentrouter/internal/capability"
	"github.com/basket/agentrouter/internal/catalog"
	"github.com/basket/agentrouter/internal/otel"
)

// Catalog is the slice of the catalog store the router depends on.
type Catalog interface {
	ListAgents(ctx context.Context) ([]catalog.Agent, error)
	Resolve(ctx context.Context, agentName, subagentName string) (catalog.Resolution, error)
}

// Retriever serves direct routing mode, where a query is matched against the
// catalog index without a conversation.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]catalog.ScoredHit, error)
}

// Options tune the router pipeline.
type Options struct {
	// ValidateQueries enables the first-turn query gate.
	ValidateQueries bool
	// ConfidenceThreshold marks validator verdicts below it as low
	// confidence. Low but valid queries still proceed.
	ConfidenceThreshold float64
}

// Router drives the conversational routing state machine. Capability calls
// that fail, including cancellations and schema-invalid model output, are
// replaced by deterministic local fallbacks and never surface to the caller;
// only catalog failures propagate.
type Router struct {
	sessions  *Store
	catalog   Catalog
	retriever Retriever
	caps      *capability.Set

	optsMu sync.RWMutex
	opts   Options

	bus     *bus.Bus
	metrics *otel.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

func NewRouter(sessions *Store, cat Catalog, ret Retriever, caps *capability.Set, opts Options, b *bus.Bus, m *otel.Metrics, logger *slog.Logger) *Router {
	return &Router{
		sessions:  sessions,
		catalog:   cat,
		retriever: ret,
		caps:      caps,
		opts:      opts,
		bus:       b,
		metrics:   m,
		tracer:    otelapi.Tracer(otel.TracerName),
		logger:    logger.With("component", "router"),
	}
}

// SetOptions replaces the pipeline tunables. Safe to call while turns are in
// flight; the new values apply from the next turn.
func (r *Router) SetOptions(opts Options) {
	r.optsMu.Lock()
	r.opts = opts
	r.optsMu.Unlock()
}

func (r *Router) options() Options {
	r.optsMu.RLock()
	defer r.optsMu.RUnlock()
	return r.opts
}

// Handle processes one user turn for the given session. Sessions are created
// on first use; concurrent turns on the same session serialize, turns on
// different sessions do not.
func (r *Router) Handle(ctx context.Context, sessionID, query string) (TurnResult, error) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, r.tracer, "conversation.turn",
		otel.AttrSessionID.String(sessionID))
	defer span.End()

	sess, release := r.sessions.Acquire(sessionID)
	defer release()

	res, err := r.handleTurn(ctx, sess, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TurnResult{}, err
	}
	span.SetAttributes(otel.AttrResultType.String(string(res.Type)))

	if r.metrics != nil {
		r.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrResultType.String(string(res.Type))))
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicTurnCompleted, bus.TurnCompletedEvent{
			SessionID:      sessionID,
			ResultType:     string(res.Type),
			Clarifications: res.ClarificationCount,
			DurationMS:     time.Since(start).Milliseconds(),
		})
	}
	r.logger.Info("turn completed",
		"session_id", sessionID,
		"result", string(res.Type),
		"clarifications", res.ClarificationCount,
		"duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

// handleTurn runs the pipeline with the session lock held.
func (r *Router) handleTurn(ctx context.Context, sess *Session, query string) (TurnResult, error) {
	agents, err := r.catalog.ListAgents(ctx)
	if err != nil {
		return TurnResult{}, fmt.Errorf("list agents: %w", err)
	}

	opts := r.options()

	// Query gate, first turn only.
	if opts.ValidateQueries && len(sess.History) == 0 && !sess.AwaitingConfirmation {
		vr, err := r.caps.Validator.ValidateQuery(ctx, query)
		if err != nil {
			r.fallback(ctx, "validate_query", sess.ID, err)
			vr = capability.HeuristicValidation(query)
		}
		if !vr.Valid {
			if r.metrics != nil {
				r.metrics.InvalidQueries.Add(ctx, 1)
			}
			return TurnResult{
				Type:            ResultInvalidQuery,
				Message:         capability.RejectionMessage(vr),
				Confidence:      vr.Confidence,
				SuggestedAction: vr.SuggestedAction,
			}, nil
		}
		if vr.Confidence < opts.ConfidenceThreshold {
			r.logger.Debug("low confidence query, proceeding",
				"session_id", sess.ID, "confidence", vr.Confidence)
		}
	}

	// Inquiry side channel. Answering does not advance the session, so a
	// pending confirmation survives a catalog question asked in between.
	isInquiry, err := r.caps.Inquiry.IsInquiry(ctx, query)
	if err != nil {
		r.fallback(ctx, "classify_inquiry", sess.ID, err)
		isInquiry = false
	}
	if isInquiry {
		answer, err := r.caps.Answerer.AnswerInquiry(ctx, query, agents)
		if err != nil {
			r.fallback(ctx, "answer_inquiry", sess.ID, err)
			answer = capability.FallbackAnswer(agents)
		}
		return TurnResult{Type: ResultAgentInquiry, Message: answer}, nil
	}

	// Confirmation gate.
	if sess.AwaitingConfirmation {
		affirmative, err := r.caps.Affirmative.IsAffirmative(ctx, query)
		if err != nil {
			r.fallback(ctx, "classify_affirmative", sess.ID, err)
			affirmative = capability.IsAffirmativeKeyword(query)
		}
		if affirmative {
			if missing := sess.MissingParams(); len(missing) > 0 {
				sess.AppendUser(query)
				sess.AwaitingConfirmation = false
				return r.clarifyMissing(ctx, sess, missing), nil
			}
			return r.finalize(ctx, sess, query)
		}
		// Not an agreement. Drop the proposed target and treat the reply
		// as a fresh routing turn.
		sess.AwaitingConfirmation = false
		sess.PendingAgent = ""
		sess.PendingSubagent = ""
	}

	sess.AppendUser(query)

	eval, err := r.caps.Evaluator.EvaluateRouting(ctx, sess.History, agents)
	if err != nil {
		r.fallback(ctx, "evaluate_routing", sess.ID, err)
		eval = capability.FallbackEvaluation(err)
	}
	sess.MergeEvaluation(eval)

	if eval.Route && eval.Agent != "" {
		return r.confirm(ctx, sess, eval), nil
	}
	return r.clarify(ctx, sess, eval, agents), nil
}

// confirm proposes the evaluator's target and asks the user to approve it.
func (r *Router) confirm(ctx context.Context, sess *Session, eval capability.RouteEvaluation) TurnResult {
	target := eval.Subagent
	if target == "" {
		target = eval.Agent
	}

	question, err := r.caps.Confirmer.GenerateConfirmation(ctx, target, sess.History)
	if err != nil {
		r.fallback(ctx, "generate_confirmation", sess.ID, err)
		question = capability.FallbackConfirmationError(target)
	} else if strings.TrimSpace(question) == "" {
		question = capability.FallbackConfirmation(target)
	}

	sess.PendingAgent = eval.Agent
	sess.PendingSubagent = eval.Subagent
	sess.AwaitingConfirmation = true
	sess.ClarificationsAsked++
	sess.AppendAssistant(question)

	if r.metrics != nil {
		r.metrics.Confirmations.Add(ctx, 1)
	}
	return TurnResult{
		Type:               ResultConfirmation,
		Message:            question,
		ClarificationCount: sess.ClarificationsAsked,
		RoutingTarget:      target,
	}
}

// clarify asks a disambiguation question when the evaluator could not commit.
func (r *Router) clarify(ctx context.Context, sess *Session, eval capability.RouteEvaluation, agents []catalog.Agent) TurnResult {
	question, err := r.caps.Clarifier.GenerateClarification(ctx, capability.ClarificationRequest{
		History:    sess.History,
		Agents:     agents,
		Candidates: eval.Candidates,
	})
	if err != nil {
		r.fallback(ctx, "generate_clarification", sess.ID, err)
		question = capability.FallbackClarificationError
	} else if strings.TrimSpace(question) == "" {
		question = capability.FallbackClarification
	}

	sess.ClarificationsAsked++
	sess.AppendAssistant(question)

	if r.metrics != nil {
		r.metrics.Clarifications.Add(ctx, 1)
	}
	return TurnResult{
		Type:               ResultClarification,
		Message:            question,
		ClarificationCount: sess.ClarificationsAsked,
		SuggestedAgents:    dedupeAgents(eval.Candidates),
	}
}

// clarifyMissing asks only for the routing parameters still absent after the
// user confirmed a target.
func (r *Router) clarifyMissing(ctx context.Context, sess *Session, missing []string) TurnResult {
	question, err := r.caps.Clarifier.GenerateClarification(ctx, capability.ClarificationRequest{
		History:        sess.History,
		TargetAgent:    sess.PendingAgent,
		TargetSubagent: sess.PendingSubagent,
		MissingParams:  missing,
	})
	if err != nil {
		r.fallback(ctx, "generate_clarification", sess.ID, err)
		question = capability.FallbackParamClarification(missing)
	} else if strings.TrimSpace(question) == "" {
		question = capability.FallbackParamClarification(missing)
	}

	sess.ClarificationsAsked++
	sess.AppendAssistant(question)

	if r.metrics != nil {
		r.metrics.Clarifications.Add(ctx, 1)
	}
	return TurnResult{
		Type:               ResultClarification,
		Message:            question,
		ClarificationCount: sess.ClarificationsAsked,
	}
}

// finalize resolves the confirmed target against the catalog and hands off.
// An unknown agent is a hard error and leaves the session untouched, so a
// repeated confirmation can retry after a transient catalog failure; an
// unknown subagent degrades to an agent-only handoff. The confirming
// utterance is appended only once resolution succeeds.
func (r *Router) finalize(ctx context.Context, sess *Session, query string) (TurnResult, error) {
	res, err := r.catalog.Resolve(ctx, sess.PendingAgent, sess.PendingSubagent)
	if err != nil {
		return TurnResult{}, fmt.Errorf("resolve agent %q: %w", sess.PendingAgent, err)
	}
	sess.AppendUser(query)
	sess.AwaitingConfirmation = false

	target := sess.PendingTarget()
	message, err := r.caps.Messenger.GenerateRoutingMessage(ctx, target)
	if err != nil {
		r.fallback(ctx, "generate_routing_message", sess.ID, err)
		message = capability.FallbackRoutingMessage(target)
	} else if strings.TrimSpace(message) == "" {
		message = capability.FallbackRoutingMessage(target)
	}

	sess.FinalAgentID = res.AgentID
	sess.FinalSubagentID = res.SubagentID
	sess.Finalized = true
	payload := &RoutingPayload{
		Agent:      sess.PendingAgent,
		Subagent:   sess.PendingSubagent,
		ClientName: sess.ClientName,
		WaveNumber: sess.WaveNumber,
	}

	// The conversation is over; the session is gone once the lock releases.
	r.sessions.Delete(sess.ID)

	if r.metrics != nil {
		r.metrics.Finalized.Add(ctx, 1,
			metric.WithAttributes(otel.AttrAgentName.String(res.AgentName)))
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicRoutingFinalized, bus.RoutingFinalizedEvent{
			SessionID:  sess.ID,
			AgentID:    res.AgentID,
			SubagentID: res.SubagentID,
			AgentName:  res.AgentName,
		})
	}
	return TurnResult{
		Type:          ResultRouting,
		Message:       message,
		RoutingTarget: target,
		AgentID:       res.AgentID,
		SubagentID:    res.SubagentID,
		Payload:       payload,
	}, nil
}

// Clear drops a session. Clearing an unknown session is a no-op.
func (r *Router) Clear(ctx context.Context, sessionID string) bool {
	existed := r.sessions.Delete(sessionID)
	if existed && r.bus != nil {
		r.bus.Publish(bus.TopicSessionCleared, bus.SessionEvent{SessionID: sessionID})
	}
	return existed
}

// HandleDirect routes a single query against the catalog index without a
// conversation. Used when conversation mode is disabled.
func (r *Router) HandleDirect(ctx context.Context, query string) (TurnResult, error) {
	if r.retriever == nil {
		return TurnResult{}, fmt.Errorf("direct routing unavailable: no retriever configured")
	}
	ctx, span := otel.StartSpan(ctx, r.tracer, "conversation.direct")
	defer span.End()

	hits, err := r.retriever.Retrieve(ctx, query, 1)
	if err != nil {
		span.RecordError(err)
		return TurnResult{}, fmt.Errorf("retrieve: %w", err)
	}
	if len(hits) == 0 {
		return TurnResult{
			Type:    ResultInvalidQuery,
			Message: "I couldn't find an agent matching your request.",
		}, nil
	}

	top := hits[0].Payload
	target := top.Name
	agentName := top.Name
	subagentName := ""
	if top.Type == "subagent" {
		subagentName = top.Name
	}
	res, err := r.resolveHit(ctx, top.AgentID, agentName, subagentName)
	if err != nil {
		return TurnResult{}, err
	}
	if r.metrics != nil {
		r.metrics.Finalized.Add(ctx, 1,
			metric.WithAttributes(otel.AttrAgentName.String(res.AgentName)))
	}
	return TurnResult{
		Type:          ResultRouting,
		Message:       capability.FallbackRoutingMessage(target),
		RoutingTarget: target,
		AgentID:       res.AgentID,
		SubagentID:    res.SubagentID,
		Payload: &RoutingPayload{
			Agent:    res.AgentName,
			Subagent: subagentName,
		},
	}, nil
}

func (r *Router) resolveHit(ctx context.Context, agentID, agentName, subagentName string) (catalog.Resolution, error) {
	agents, err := r.catalog.ListAgents(ctx)
	if err != nil {
		return catalog.Resolution{}, fmt.Errorf("list agents: %w", err)
	}
	for _, a := range agents {
		if a.ID == agentID {
			return r.catalog.Resolve(ctx, a.Name, subagentName)
		}
	}
	return catalog.Resolution{}, fmt.Errorf("resolve agent id %q: %w", agentID, catalog.ErrNotFound)
}

// dedupeAgents collapses candidates to unique agent names, preserving the
// order in which the evaluator listed them.
func dedupeAgents(cands []capability.Candidate) []string {
	seen := make(map[string]struct{}, len(cands))
	var out []string
	for _, c := range cands {
		if c.Agent == "" {
			continue
		}
		if _, ok := seen[c.Agent]; ok {
			continue
		}
		seen[c.Agent] = struct{}{}
		out = append(out, c.Agent)
	}
	return out
}

// fallback records a failed capability call that was served locally.
func (r *Router) fallback(ctx context.Context, name, sessionID string, err error) {
	r.logger.Warn("capability call failed, using local fallback",
		"capability", name, "session_id", sessionID, "error", err)
	if r.metrics != nil {
		r.metrics.AdapterFallbacks.Add(ctx, 1,
			metric.WithAttributes(otel.AttrCapability.String(name)))
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicAdapterFallback, bus.AdapterFallbackEvent{
			Capability: name,
			SessionID:  sessionID,
			Err:        err.Error(),
		})
	}
}
