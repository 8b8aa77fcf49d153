// Package capability defines the model-backed capabilities the router depends on:
// query validation, inquiry handling, routing evaluation, clarification and
// confirmation generation, and affirmative detection. Each capability is an
// interface with a live LLM-backed adapter and a deterministic stub, so the
// pipeline behaves the same with or without a provider configured.
package capability

import (
	"context"
	"errors"

	"github.com/basket/agentrouter/internal/catalog"
)

// ErrEmptyCompletion reports a model call that returned no usable text.
// Callers treat it like any other adapter failure and fall back locally.
var ErrEmptyCompletion = errors.New("capability: empty completion")

// Message is one turn of conversation history, oldest first.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ValidationResult is the verdict on whether a query is worth routing.
type ValidationResult struct {
	Valid           bool    `json:"is_valid"`
	Confidence      float64 `json:"confidence"`
	Reason          string  `json:"reason"`
	SuggestedAction string  `json:"suggested_action"`
}

// Candidate is one plausible routing target surfaced by the evaluator.
type Candidate struct {
	Agent       string `json:"agent"`
	Subagent    string `json:"subagent,omitempty"`
	Description string `json:"description,omitempty"`
}

// RouteEvaluation is the evaluator's read of the conversation so far.
// Empty string fields mean "no new information this turn".
type RouteEvaluation struct {
	Route      bool        `json:"route"`
	Agent      string      `json:"agent,omitempty"`
	Subagent   string      `json:"subagent,omitempty"`
	ClientName string      `json:"client_name,omitempty"`
	WaveNumber string      `json:"wave_number,omitempty"`
	Candidates []Candidate `json:"matched_candidates,omitempty"`
	Reasoning  string      `json:"reasoning,omitempty"`
}

// ClarificationRequest carries everything a clarification question may need.
// When MissingParams is non-empty the question targets those parameters for
// an already-chosen agent; otherwise it disambiguates between Candidates.
type ClarificationRequest struct {
	History        []Message
	Agents         []catalog.Agent
	Candidates     []Candidate
	TargetAgent    string
	TargetSubagent string
	MissingParams  []string
}

type QueryValidator interface {
	ValidateQuery(ctx context.Context, query string) (ValidationResult, error)
}

type InquiryClassifier interface {
	IsInquiry(ctx context.Context, query string) (bool, error)
}

type InquiryAnswerer interface {
	AnswerInquiry(ctx context.Context, query string, agents []catalog.Agent) (string, error)
}

type RoutingEvaluator interface {
	EvaluateRouting(ctx context.Context, history []Message, agents []catalog.Agent) (RouteEvaluation, error)
}

type ClarificationGenerator interface {
	GenerateClarification(ctx context.Context, req ClarificationRequest) (string, error)
}

type ConfirmationGenerator interface {
	GenerateConfirmation(ctx context.Context, target string, history []Message) (string, error)
}

type RoutingMessenger interface {
	GenerateRoutingMessage(ctx context.Context, target string) (string, error)
}

type AffirmativeClassifier interface {
	IsAffirmative(ctx context.Context, utterance string) (bool, error)
}

// Set bundles one implementation of every capability for injection into the router.
type Set struct {
	Validator   QueryValidator
	Inquiry     InquiryClassifier
	Answerer    InquiryAnswerer
	Evaluator   RoutingEvaluator
	Clarifier   ClarificationGenerator
	Confirmer   ConfirmationGenerator
	Messenger   RoutingMessenger
	Affirmative AffirmativeClassifier
}
