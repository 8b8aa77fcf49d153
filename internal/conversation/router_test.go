package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/basket/agentrouter/internal/bus"
	"github.com/basket/agentrouter/internal/capability"
	"github.com/basket/agentrouter/internal/catalog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCaps lets each test script a single capability while the rest behave
// like the deterministic stub.
type fakeCaps struct {
	stub     *capability.Stub
	validate func(string) (capability.ValidationResult, error)
	inquiry  func(string) (bool, error)
	answer   func(string, []catalog.Agent) (string, error)
	evaluate func([]capability.Message, []catalog.Agent) (capability.RouteEvaluation, error)
	clarify  func(capability.ClarificationRequest) (string, error)
	confirmQ func(string, []capability.Message) (string, error)
	routeMsg func(string) (string, error)
	affirm   func(string) (bool, error)
}

func (f *fakeCaps) ValidateQuery(ctx context.Context, q string) (capability.ValidationResult, error) {
	if f.validate != nil {
		return f.validate(q)
	}
	return f.stub.ValidateQuery(ctx, q)
}

func (f *fakeCaps) IsInquiry(ctx context.Context, q string) (bool, error) {
	if f.inquiry != nil {
		return f.inquiry(q)
	}
	return f.stub.IsInquiry(ctx, q)
}

func (f *fakeCaps) AnswerInquiry(ctx context.Context, q string, agents []catalog.Agent) (string, error) {
	if f.answer != nil {
		return f.answer(q, agents)
	}
	return f.stub.AnswerInquiry(ctx, q, agents)
}

func (f *fakeCaps) EvaluateRouting(ctx context.Context, history []capability.Message, agents []catalog.Agent) (capability.RouteEvaluation, error) {
	if f.evaluate != nil {
		return f.evaluate(history, agents)
	}
	return f.stub.EvaluateRouting(ctx, history, agents)
}

func (f *fakeCaps) GenerateClarification(ctx context.Context, req capability.ClarificationRequest) (string, error) {
	if f.clarify != nil {
		return f.clarify(req)
	}
	return f.stub.GenerateClarification(ctx, req)
}

func (f *fakeCaps) GenerateConfirmation(ctx context.Context, target string, history []capability.Message) (string, error) {
	if f.confirmQ != nil {
		return f.confirmQ(target, history)
	}
	return f.stub.GenerateConfirmation(ctx, target, history)
}

func (f *fakeCaps) GenerateRoutingMessage(ctx context.Context, target string) (string, error) {
	if f.routeMsg != nil {
		return f.routeMsg(target)
	}
	return f.stub.GenerateRoutingMessage(ctx, target)
}

func (f *fakeCaps) IsAffirmative(ctx context.Context, u string) (bool, error) {
	if f.affirm != nil {
		return f.affirm(u)
	}
	return f.stub.IsAffirmative(ctx, u)
}

func capsFrom(f *fakeCaps) *capability.Set {
	f.stub = &capability.Stub{}
	return &capability.Set{
		Validator:   f,
		Inquiry:     f,
		Answerer:    f,
		Evaluator:   f,
		Clarifier:   f,
		Confirmer:   f,
		Messenger:   f,
		Affirmative: f,
	}
}

// fakeCatalog mirrors the store's resolution semantics in memory.
type fakeCatalog struct {
	agents []catalog.Agent
}

func (f *fakeCatalog) ListAgents(context.Context) ([]catalog.Agent, error) {
	return f.agents, nil
}

func (f *fakeCatalog) Resolve(_ context.Context, agentName, subagentName string) (catalog.Resolution, error) {
	for _, a := range f.agents {
		if a.Name != agentName {
			continue
		}
		res := catalog.Resolution{AgentID: a.ID, AgentName: a.Name}
		for _, s := range a.Subagents {
			if s.Name == subagentName {
				res.SubagentID = s.ID
			}
		}
		return res, nil
	}
	return catalog.Resolution{}, catalog.ErrNotFound
}

func testCatalog() *fakeCatalog {
	return &fakeCatalog{agents: []catalog.Agent{
		{
			ID:          "ag-campaign",
			Name:        "campaign",
			Description: "Plans and schedules outreach campaigns",
			Subagents: []catalog.Subagent{
				{ID: "sub-wave", AgentID: "ag-campaign", Name: "wave-scheduler", Description: "Schedules campaign waves"},
			},
		},
		{
			ID:          "ag-reporting",
			Name:        "reporting",
			Description: "Builds and exports reports",
		},
	}}
}

func newTestRouter(t *testing.T, f *fakeCaps) (*Router, *Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	store := NewStore(30*time.Minute, 100, b, nil, testLogger())
	r := NewRouter(store, testCatalog(), nil, capsFrom(f),
		Options{ValidateQueries: true, ConfidenceThreshold: 0.7}, b, nil, testLogger())
	return r, store, b
}

func routeEval(agent, subagent, client, wave string) capability.RouteEvaluation {
	return capability.RouteEvaluation{
		Route:      true,
		Agent:      agent,
		Subagent:   subagent,
		ClientName: client,
		WaveNumber: wave,
		Candidates: []capability.Candidate{{Agent: agent, Subagent: subagent}},
	}
}

func TestInvalidQueryRejectedWithoutAdvancing(t *testing.T) {
	f := &fakeCaps{
		validate: func(string) (capability.ValidationResult, error) {
			return capability.ValidationResult{
				Valid: false, Confidence: 0.1, Reason: "Gibberish", SuggestedAction: "reject",
			}, nil
		},
	}
	r, store, _ := newTestRouter(t, f)
	ctx := context.Background()

	res, err := r.Handle(ctx, "s1", "zzzz")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultInvalidQuery {
		t.Fatalf("type = %q, want %q", res.Type, ResultInvalidQuery)
	}
	if !strings.Contains(res.Message, "couldn't process your query") {
		t.Fatalf("message = %q", res.Message)
	}
	if !strings.Contains(res.Message, "What agents are available?") {
		t.Fatal("low confidence rejection should include guidance")
	}

	// The session exists but the rejected query was not recorded, so the
	// next turn is still treated as a first turn.
	sess, release := store.Acquire("s1")
	if len(sess.History) != 0 {
		t.Fatalf("history length = %d, want 0", len(sess.History))
	}
	release()
}

func TestInquiryDoesNotAdvanceSession(t *testing.T) {
	f := &fakeCaps{}
	r, store, _ := newTestRouter(t, f)

	res, err := r.Handle(context.Background(), "s1", "What agents are available?")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultAgentInquiry {
		t.Fatalf("type = %q, want %q", res.Type, ResultAgentInquiry)
	}
	if !strings.Contains(res.Message, "campaign") || !strings.Contains(res.Message, "reporting") {
		t.Fatalf("answer missing catalog: %q", res.Message)
	}

	sess, release := store.Acquire("s1")
	if len(sess.History) != 0 {
		t.Fatalf("history length = %d, want 0", len(sess.History))
	}
	if sess.ClarificationsAsked != 0 {
		t.Fatalf("clarifications = %d, want 0", sess.ClarificationsAsked)
	}
	release()
}

func TestHappyPathRouteAndConfirm(t *testing.T) {
	f := &fakeCaps{
		evaluate: func([]capability.Message, []catalog.Agent) (capability.RouteEvaluation, error) {
			return routeEval("campaign", "wave-scheduler", "Acme", "2"), nil
		},
	}
	r, store, _ := newTestRouter(t, f)
	ctx := context.Background()

	res, err := r.Handle(ctx, "s1", "Schedule campaign wave 2 for Acme")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultConfirmation {
		t.Fatalf("type = %q, want %q", res.Type, ResultConfirmation)
	}
	if res.RoutingTarget != "wave-scheduler" {
		t.Fatalf("target = %q, want wave-scheduler", res.RoutingTarget)
	}
	if res.ClarificationCount != 1 {
		t.Fatalf("clarification count = %d, want 1", res.ClarificationCount)
	}

	res, err = r.Handle(ctx, "s1", "yes")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultRouting {
		t.Fatalf("type = %q, want %q", res.Type, ResultRouting)
	}
	if res.Message != "Great! Routing to wave-scheduler" {
		t.Fatalf("message = %q", res.Message)
	}
	if res.AgentID != "ag-campaign" || res.SubagentID != "sub-wave" {
		t.Fatalf("ids = %q/%q", res.AgentID, res.SubagentID)
	}
	if res.Payload == nil {
		t.Fatal("routing result missing payload")
	}
	if res.Payload.Agent != "campaign" || res.Payload.Subagent != "wave-scheduler" {
		t.Fatalf("payload target = %q/%q", res.Payload.Agent, res.Payload.Subagent)
	}
	if res.Payload.ClientName != "Acme" || res.Payload.WaveNumber != "2" {
		t.Fatalf("payload params = %q/%q", res.Payload.ClientName, res.Payload.WaveNumber)
	}

	if store.Len() != 0 {
		t.Fatalf("sessions after routing = %d, want 0", store.Len())
	}
}

func TestAffirmativeWithMissingParamsClarifiesThenRoutes(t *testing.T) {
	turns := 0
	f := &fakeCaps{
		evaluate: func(history []capability.Message, _ []catalog.Agent) (capability.RouteEvaluation, error) {
			turns++
			if turns == 1 {
				return routeEval("campaign", "", "", ""), nil
			}
			return routeEval("campaign", "", "Acme", "1"), nil
		},
	}
	r, store, _ := newTestRouter(t, f)
	ctx := context.Background()

	res, err := r.Handle(ctx, "s1", "I want to run a campaign")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultConfirmation {
		t.Fatalf("turn 1 type = %q", res.Type)
	}

	// Agreement without the routing parameters asks only for what is missing.
	res, err = r.Handle(ctx, "s1", "yes please")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultClarification {
		t.Fatalf("turn 2 type = %q, want %q", res.Type, ResultClarification)
	}
	if !strings.Contains(res.Message, "client name and wave number") {
		t.Fatalf("question = %q", res.Message)
	}
	if res.ClarificationCount != 2 {
		t.Fatalf("clarification count = %d, want 2", res.ClarificationCount)
	}

	sess, release := store.Acquire("s1")
	if sess.AwaitingConfirmation {
		t.Fatal("confirmation flag should be cleared while collecting params")
	}
	if sess.PendingAgent != "campaign" {
		t.Fatalf("pending agent = %q, want campaign", sess.PendingAgent)
	}
	release()

	res, err = r.Handle(ctx, "s1", "it's for Acme, wave 1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultConfirmation {
		t.Fatalf("turn 3 type = %q", res.Type)
	}

	res, err = r.Handle(ctx, "s1", "ok")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultRouting {
		t.Fatalf("turn 4 type = %q", res.Type)
	}
	if res.Payload.ClientName != "Acme" || res.Payload.WaveNumber != "1" {
		t.Fatalf("payload params = %q/%q", res.Payload.ClientName, res.Payload.WaveNumber)
	}
}

func TestNonAffirmativeFallsThroughToEvaluation(t *testing.T) {
	turns := 0
	f := &fakeCaps{
		evaluate: func([]capability.Message, []catalog.Agent) (capability.RouteEvaluation, error) {
			turns++
			if turns == 1 {
				return routeEval("campaign", "", "Acme", "1"), nil
			}
			return routeEval("reporting", "", "Acme", "1"), nil
		},
	}
	r, _, _ := newTestRouter(t, f)
	ctx := context.Background()

	res, err := r.Handle(ctx, "s1", "campaign for Acme wave 1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultConfirmation || res.RoutingTarget != "campaign" {
		t.Fatalf("turn 1 = %q/%q", res.Type, res.RoutingTarget)
	}

	res, err = r.Handle(ctx, "s1", "actually I need reporting instead")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultConfirmation {
		t.Fatalf("turn 2 type = %q, want confirmation", res.Type)
	}
	if res.RoutingTarget != "reporting" {
		t.Fatalf("target = %q, want reporting", res.RoutingTarget)
	}
	if res.ClarificationCount != 2 {
		t.Fatalf("clarification count = %d, want 2", res.ClarificationCount)
	}
}

func TestAmbiguousCandidatesDeduped(t *testing.T) {
	f := &fakeCaps{
		evaluate: func([]capability.Message, []catalog.Agent) (capability.RouteEvaluation, error) {
			return capability.RouteEvaluation{
				Route: false,
				Candidates: []capability.Candidate{
					{Agent: "campaign", Subagent: "wave-scheduler"},
					{Agent: "reporting"},
					{Agent: "campaign"},
				},
			}, nil
		},
	}
	r, _, _ := newTestRouter(t, f)

	res, err := r.Handle(context.Background(), "s1", "I need some help")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultClarification {
		t.Fatalf("type = %q", res.Type)
	}
	want := []string{"campaign", "reporting"}
	if len(res.SuggestedAgents) != len(want) {
		t.Fatalf("suggested = %v, want %v", res.SuggestedAgents, want)
	}
	for i := range want {
		if res.SuggestedAgents[i] != want[i] {
			t.Fatalf("suggested = %v, want %v", res.SuggestedAgents, want)
		}
	}
}

func TestEvaluatorFailureFallsBackToClarification(t *testing.T) {
	f := &fakeCaps{
		evaluate: func([]capability.Message, []catalog.Agent) (capability.RouteEvaluation, error) {
			return capability.RouteEvaluation{}, errors.New("model unavailable")
		},
		clarify: func(capability.ClarificationRequest) (string, error) {
			return "", errors.New("model unavailable")
		},
	}
	r, _, b := newTestRouter(t, f)

	sub := b.Subscribe(bus.TopicAdapterFallback)
	defer b.Unsubscribe(sub)

	res, err := r.Handle(context.Background(), "s1", "I need help with something")
	if err != nil {
		t.Fatalf("adapter failure must not propagate: %v", err)
	}
	if res.Type != ResultClarification {
		t.Fatalf("type = %q, want clarification", res.Type)
	}
	if res.Message != capability.FallbackClarificationError {
		t.Fatalf("message = %q", res.Message)
	}

	select {
	case ev := <-sub.Ch():
		fb := ev.Payload.(bus.AdapterFallbackEvent)
		if fb.Capability != "evaluate_routing" {
			t.Fatalf("capability = %q, want evaluate_routing", fb.Capability)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for fallback event")
	}
}

func TestValidatorFailureUsesHeuristic(t *testing.T) {
	f := &fakeCaps{
		validate: func(string) (capability.ValidationResult, error) {
			return capability.ValidationResult{}, errors.New("model unavailable")
		},
	}
	r, _, _ := newTestRouter(t, f)

	// Vowel-free input fails the heuristic too.
	res, err := r.Handle(context.Background(), "s1", "zzz qqq")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultInvalidQuery {
		t.Fatalf("type = %q, want invalid_query", res.Type)
	}
}

func TestUnknownAgentIsHardErrorAndKeepsSession(t *testing.T) {
	f := &fakeCaps{
		evaluate: func([]capability.Message, []catalog.Agent) (capability.RouteEvaluation, error) {
			return routeEval("ghost", "", "Acme", "1"), nil
		},
	}
	r, store, _ := newTestRouter(t, f)
	ctx := context.Background()

	if _, err := r.Handle(ctx, "s1", "route me to the ghost for Acme wave 1"); err != nil {
		t.Fatal(err)
	}
	_, err := r.Handle(ctx, "s1", "yes")
	if err == nil {
		t.Fatal("expected error for unknown agent")
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if store.Len() != 1 {
		t.Fatalf("sessions = %d, want 1 (session must survive)", store.Len())
	}
}

func TestUnknownSubagentDegradesToAgent(t *testing.T) {
	f := &fakeCaps{
		evaluate: func([]capability.Message, []catalog.Agent) (capability.RouteEvaluation, error) {
			return routeEval("campaign", "no-such-subagent", "Acme", "1"), nil
		},
	}
	r, _, _ := newTestRouter(t, f)
	ctx := context.Background()

	if _, err := r.Handle(ctx, "s1", "campaign for Acme wave 1"); err != nil {
		t.Fatal(err)
	}
	res, err := r.Handle(ctx, "s1", "yes")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultRouting {
		t.Fatalf("type = %q", res.Type)
	}
	if res.AgentID != "ag-campaign" {
		t.Fatalf("agent id = %q", res.AgentID)
	}
	if res.SubagentID != "" {
		t.Fatalf("subagent id = %q, want empty", res.SubagentID)
	}
}

func TestStickyParamsSurviveAcrossTurns(t *testing.T) {
	turns := 0
	f := &fakeCaps{
		evaluate: func([]capability.Message, []catalog.Agent) (capability.RouteEvaluation, error) {
			turns++
			switch turns {
			case 1:
				// Captures the client but cannot commit yet.
				return capability.RouteEvaluation{
					Route:      false,
					ClientName: "Acme",
					Candidates: []capability.Candidate{{Agent: "campaign"}, {Agent: "reporting"}},
				}, nil
			default:
				// Later turn supplies the wave but not the client again.
				return capability.RouteEvaluation{
					Route:      true,
					Agent:      "campaign",
					WaveNumber: "4",
				}, nil
			}
		},
	}
	r, _, _ := newTestRouter(t, f)
	ctx := context.Background()

	if _, err := r.Handle(ctx, "s1", "something for Acme"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Handle(ctx, "s1", "the campaign one, wave 4"); err != nil {
		t.Fatal(err)
	}
	res, err := r.Handle(ctx, "s1", "yes")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultRouting {
		t.Fatalf("type = %q", res.Type)
	}
	if res.Payload.ClientName != "Acme" {
		t.Fatalf("client = %q, want Acme (sticky)", res.Payload.ClientName)
	}
	if res.Payload.WaveNumber != "4" {
		t.Fatalf("wave = %q, want 4", res.Payload.WaveNumber)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	f := &fakeCaps{}
	r, store, _ := newTestRouter(t, f)
	ctx := context.Background()

	if _, err := r.Handle(ctx, "s1", "I need help with a campaign"); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 1 {
		t.Fatalf("sessions = %d, want 1", store.Len())
	}
	if !r.Clear(ctx, "s1") {
		t.Fatal("first clear should report the session existed")
	}
	if r.Clear(ctx, "s1") {
		t.Fatal("second clear should be a no-op")
	}
	if store.Len() != 0 {
		t.Fatalf("sessions = %d, want 0", store.Len())
	}
}

func TestClarificationCounterMonotonic(t *testing.T) {
	f := &fakeCaps{
		evaluate: func([]capability.Message, []catalog.Agent) (capability.RouteEvaluation, error) {
			return capability.RouteEvaluation{Route: false}, nil
		},
	}
	r, _, _ := newTestRouter(t, f)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := r.Handle(ctx, "s1", "still not sure what I need")
		if err != nil {
			t.Fatal(err)
		}
		if res.ClarificationCount != i {
			t.Fatalf("turn %d count = %d, want %d", i, res.ClarificationCount, i)
		}
	}
}

func TestInvalidQueryCarriesValidatorVerdict(t *testing.T) {
	f := &fakeCaps{
		validate: func(string) (capability.ValidationResult, error) {
			return capability.ValidationResult{
				Valid: false, Confidence: 0.15, Reason: "Gibberish", SuggestedAction: "reject",
			}, nil
		},
	}
	r, _, _ := newTestRouter(t, f)

	res, err := r.Handle(context.Background(), "s1", "zzzz")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultInvalidQuery {
		t.Fatalf("type = %q, want %q", res.Type, ResultInvalidQuery)
	}
	if res.Confidence != 0.15 {
		t.Fatalf("confidence = %v, want 0.15", res.Confidence)
	}
	if res.SuggestedAction != "reject" {
		t.Fatalf("suggested action = %q, want reject", res.SuggestedAction)
	}
}

func TestInquiryDuringConfirmationKeepsPendingTarget(t *testing.T) {
	f := &fakeCaps{
		evaluate: func([]capability.Message, []catalog.Agent) (capability.RouteEvaluation, error) {
			return routeEval("campaign", "", "Acme", "1"), nil
		},
	}
	r, store, _ := newTestRouter(t, f)
	ctx := context.Background()

	res, err := r.Handle(ctx, "s1", "campaign for Acme wave 1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultConfirmation {
		t.Fatalf("turn 1 type = %q", res.Type)
	}

	// A catalog question in the middle of confirming is answered without
	// disturbing the proposed target.
	res, err = r.Handle(ctx, "s1", "What agents are available?")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultAgentInquiry {
		t.Fatalf("turn 2 type = %q, want %q", res.Type, ResultAgentInquiry)
	}

	sess, release := store.Acquire("s1")
	if !sess.AwaitingConfirmation {
		t.Fatal("confirmation must still be pending after the inquiry")
	}
	if sess.PendingAgent != "campaign" {
		t.Fatalf("pending agent = %q, want campaign", sess.PendingAgent)
	}
	release()

	res, err = r.Handle(ctx, "s1", "yes")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultRouting {
		t.Fatalf("turn 3 type = %q, want %q", res.Type, ResultRouting)
	}
}

// flakyCatalog fails the first resolutions, then behaves like the fake.
type flakyCatalog struct {
	*fakeCatalog
	failures int
}

func (f *flakyCatalog) Resolve(ctx context.Context, agentName, subagentName string) (catalog.Resolution, error) {
	if f.failures > 0 {
		f.failures--
		return catalog.Resolution{}, errors.New("database is locked")
	}
	return f.fakeCatalog.Resolve(ctx, agentName, subagentName)
}

func TestConfirmationRetriesAfterResolutionFailure(t *testing.T) {
	f := &fakeCaps{
		evaluate: func([]capability.Message, []catalog.Agent) (capability.RouteEvaluation, error) {
			return routeEval("campaign", "", "Acme", "1"), nil
		},
	}
	b := bus.New()
	store := NewStore(30*time.Minute, 100, b, nil, testLogger())
	cat := &flakyCatalog{fakeCatalog: testCatalog(), failures: 1}
	r := NewRouter(store, cat, nil, capsFrom(f),
		Options{ValidateQueries: true, ConfidenceThreshold: 0.7}, b, nil, testLogger())
	ctx := context.Background()

	if _, err := r.Handle(ctx, "s1", "campaign for Acme wave 1"); err != nil {
		t.Fatal(err)
	}
	sess, release := store.Acquire("s1")
	historyBefore := len(sess.History)
	release()

	if _, err := r.Handle(ctx, "s1", "yes"); err == nil {
		t.Fatal("expected error from failed resolution")
	}

	// The failed handoff must not consume the confirmation.
	sess, release = store.Acquire("s1")
	if !sess.AwaitingConfirmation {
		t.Fatal("confirmation must still be pending after a failed handoff")
	}
	if len(sess.History) != historyBefore {
		t.Fatalf("history length = %d, want %d", len(sess.History), historyBefore)
	}
	release()

	res, err := r.Handle(ctx, "s1", "yes")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultRouting {
		t.Fatalf("type = %q, want %q", res.Type, ResultRouting)
	}
	if store.Len() != 0 {
		t.Fatalf("sessions after routing = %d, want 0", store.Len())
	}
}

func TestRejectedConfirmationClearsPendingTarget(t *testing.T) {
	turns := 0
	f := &fakeCaps{
		evaluate: func([]capability.Message, []catalog.Agent) (capability.RouteEvaluation, error) {
			turns++
			if turns == 1 {
				return routeEval("campaign", "wave-scheduler", "Acme", "1"), nil
			}
			return capability.RouteEvaluation{Route: false}, nil
		},
	}
	r, store, _ := newTestRouter(t, f)
	ctx := context.Background()

	if _, err := r.Handle(ctx, "s1", "campaign for Acme wave 1"); err != nil {
		t.Fatal(err)
	}
	res, err := r.Handle(ctx, "s1", "no, that is not what I meant")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultClarification {
		t.Fatalf("type = %q, want %q", res.Type, ResultClarification)
	}

	sess, release := store.Acquire("s1")
	if sess.AwaitingConfirmation {
		t.Fatal("confirmation flag should be cleared after a rejection")
	}
	if sess.PendingAgent != "" || sess.PendingSubagent != "" {
		t.Fatalf("pending target = %q/%q, want empty", sess.PendingAgent, sess.PendingSubagent)
	}
	// Collected routing parameters stay for the next proposal.
	if sess.ClientName != "Acme" || sess.WaveNumber != "1" {
		t.Fatalf("params = %q/%q, want Acme/1", sess.ClientName, sess.WaveNumber)
	}
	release()
}
