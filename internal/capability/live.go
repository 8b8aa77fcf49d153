package capability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/agentrouter/internal/catalog"
	"github.com/basket/agentrouter/internal/llm"
)

// Live backs every capability with a single text-completion generator.
// Structured capabilities validate the model output against a JSON Schema before trusting it;
// a failed call or invalid output is returned as an error and the router
// substitutes the deterministic fallback.
type Live struct {
	gen    llm.Generator
	logger *slog.Logger
}

func NewLive(gen llm.Generator, logger *slog.Logger) *Live {
	return &Live{gen: gen, logger: logger.With("component", "capability")}
}

// NewLiveSet wires the live adapter into every capability slot.
func NewLiveSet(gen llm.Generator, logger *slog.Logger) *Set {
	l := NewLive(gen, logger)
	return &Set{
		Validator:   l,
		Inquiry:     l,
		Answerer:    l,
		Evaluator:   l,
		Clarifier:   l,
		Confirmer:   l,
		Messenger:   l,
		Affirmative: l,
	}
}

const validateSystem = `You validate whether a user query is a meaningful request that could be routed to an agent.
Respond with only a JSON object: {"is_valid": bool, "confidence": number 0-1, "reason": string, "suggested_action": "proceed"|"clarify"|"reject"}.
Gibberish, empty noise, or abusive content is invalid. A vague but genuine request is valid with lower confidence.`

func (l *Live) ValidateQuery(ctx context.Context, query string) (ValidationResult, error) {
	text, err := l.gen.Complete(ctx, validateSystem, fmt.Sprintf("Query: %s", query))
	if err != nil {
		return ValidationResult{}, fmt.Errorf("validate query: %w", err)
	}
	var out ValidationResult
	if err := validationSchema.Decode(text, &out); err != nil {
		l.logger.Warn("validator output rejected", "error", err)
		return ValidationResult{}, fmt.Errorf("validate query: %w", err)
	}
	return out, nil
}

const inquirySystem = `You decide whether the user is asking ABOUT the agent system itself
(what agents exist, what they can do) rather than asking to get something done.
Answer with exactly one word: yes or no.`

func (l *Live) IsInquiry(ctx context.Context, query string) (bool, error) {
	text, err := l.gen.Complete(ctx, inquirySystem, query)
	if err != nil {
		return false, fmt.Errorf("classify inquiry: %w", err)
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(text)), "yes"), nil
}

const answerSystem = `You answer questions about an agent catalog. Be concise and factual.
Only describe agents that appear in the catalog below. Do not invent capabilities.`

func (l *Live) AnswerInquiry(ctx context.Context, query string, agents []catalog.Agent) (string, error) {
	system := answerSystem + "\n\nCatalog:\n" + FormatCatalog(agents)
	text, err := l.gen.Complete(ctx, system, query)
	if err != nil {
		return "", fmt.Errorf("answer inquiry: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

const evaluateSystem = `You route conversations to agents. Given the conversation history and the
agent catalog, decide whether there is enough information to commit to exactly one agent.
Respond with only a JSON object:
{"route": bool, "agent": string, "subagent": string, "client_name": string, "wave_number": string,
 "matched_candidates": [{"agent": string, "subagent": string, "description": string}], "reasoning": string}.
Set route to true only when a single agent clearly matches AND both client_name and wave_number
are known from the conversation. Leave a field as an empty string when the conversation has not
provided it. List every plausible target in matched_candidates.`

func (l *Live) EvaluateRouting(ctx context.Context, history []Message, agents []catalog.Agent) (RouteEvaluation, error) {
	system := evaluateSystem + "\n\nCatalog:\n" + FormatCatalog(agents)
	text, err := l.gen.Complete(ctx, system, "Conversation:\n"+historyText(history))
	if err != nil {
		return RouteEvaluation{}, fmt.Errorf("evaluate routing: %w", err)
	}
	var out RouteEvaluation
	if err := evaluationSchema.Decode(text, &out); err != nil {
		l.logger.Warn("evaluator output rejected", "error", err)
		return RouteEvaluation{}, fmt.Errorf("evaluate routing: %w", err)
	}
	return out, nil
}

const clarifySystem = `You ask exactly one short clarifying question to move a routing conversation forward.
Respond with only the question text, no preamble.`

func (l *Live) GenerateClarification(ctx context.Context, req ClarificationRequest) (string, error) {
	var prompt strings.Builder
	prompt.WriteString("Conversation:\n")
	prompt.WriteString(historyText(req.History))
	if len(req.MissingParams) > 0 {
		fmt.Fprintf(&prompt, "\n\nThe user has chosen %s but has not provided: %s.\nAsk only for those values.",
			req.TargetAgent, strings.Join(req.MissingParams, ", "))
	} else if len(req.Candidates) > 0 {
		prompt.WriteString("\n\nThese targets could match:\n")
		prompt.WriteString(candidateText(req.Candidates))
		prompt.WriteString("\nAsk which one the user means.")
	}
	text, err := l.gen.Complete(ctx, clarifySystem, prompt.String())
	if err != nil {
		return "", fmt.Errorf("generate clarification: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}
	return strings.TrimSpace(text), nil
}

const confirmSystem = `You ask the user to confirm a proposed routing target in one friendly sentence
ending with a yes/no question. Respond with only that sentence.`

func (l *Live) GenerateConfirmation(ctx context.Context, target string, history []Message) (string, error) {
	prompt := fmt.Sprintf("Conversation:\n%s\n\nProposed target: %s", historyText(history), target)
	text, err := l.gen.Complete(ctx, confirmSystem, prompt)
	if err != nil {
		return "", fmt.Errorf("generate confirmation: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}
	return strings.TrimSpace(text), nil
}

const routingMessageSystem = `You announce that the user is being routed to an agent, in one short upbeat sentence.
Respond with only that sentence.`

func (l *Live) GenerateRoutingMessage(ctx context.Context, target string) (string, error) {
	text, err := l.gen.Complete(ctx, routingMessageSystem, fmt.Sprintf("Target: %s", target))
	if err != nil {
		return "", fmt.Errorf("generate routing message: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}
	return strings.TrimSpace(text), nil
}

const affirmativeSystem = `You decide whether the user's reply agrees to a proposed action.
Answer with exactly one word: yes or no.`

func (l *Live) IsAffirmative(ctx context.Context, utterance string) (bool, error) {
	text, err := l.gen.Complete(ctx, affirmativeSystem, utterance)
	if err != nil {
		return false, fmt.Errorf("classify affirmative: %w", err)
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(text)), "yes"), nil
}
