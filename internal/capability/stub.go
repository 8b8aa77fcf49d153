package capability

import (
	"context"
	"regexp"
	"strings"

	"github.com/basket/agentrouter/internal/catalog"
)

// Stub implements every capability lexically. It backs the router when no
// provider key is configured and keeps tests deterministic. Behavior is
// intentionally conservative: it only routes when a single agent matches by
// name and both routing parameters are present in the conversation.
type Stub struct{}

// NewStubSet wires the lexical stub into every capability slot.
func NewStubSet() *Set {
	s := &Stub{}
	return &Set{
		Validator:   s,
		Inquiry:     s,
		Answerer:    s,
		Evaluator:   s,
		Clarifier:   s,
		Confirmer:   s,
		Messenger:   s,
		Affirmative: s,
	}
}

func (s *Stub) ValidateQuery(_ context.Context, query string) (ValidationResult, error) {
	return HeuristicValidation(query), nil
}

var inquiryMarkers = []string{
	"what agents", "which agents", "list agents", "available agents",
	"list the agents", "what can you do", "what do you do", "capabilities",
}

func (s *Stub) IsInquiry(_ context.Context, query string) (bool, error) {
	lower := strings.ToLower(query)
	for _, m := range inquiryMarkers {
		if strings.Contains(lower, m) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Stub) AnswerInquiry(_ context.Context, _ string, agents []catalog.Agent) (string, error) {
	return FallbackAnswer(agents), nil
}

var (
	clientPattern = regexp.MustCompile(`(?i)\b(?:for\s+client|client|for)\s+([A-Z][A-Za-z0-9_-]*)`)
	wavePattern   = regexp.MustCompile(`(?i)\bwave\s*#?\s*(\d+)`)
)

func (s *Stub) EvaluateRouting(_ context.Context, history []Message, agents []catalog.Agent) (RouteEvaluation, error) {
	var text strings.Builder
	for _, m := range history {
		if m.Role == "user" {
			text.WriteString(m.Content)
			text.WriteString("\n")
		}
	}
	full := text.String()
	lower := strings.ToLower(full)

	var cands []Candidate
	for _, a := range agents {
		agentHit := strings.Contains(lower, strings.ToLower(a.Name))
		subHit := ""
		for _, sub := range a.Subagents {
			if strings.Contains(lower, strings.ToLower(sub.Name)) {
				subHit = sub.Name
				break
			}
		}
		if agentHit || subHit != "" {
			cands = append(cands, Candidate{Agent: a.Name, Subagent: subHit, Description: a.Description})
		}
	}

	eval := RouteEvaluation{Candidates: cands, Reasoning: "lexical match"}
	if m := clientPattern.FindStringSubmatch(full); m != nil {
		eval.ClientName = m[1]
	}
	if m := wavePattern.FindStringSubmatch(full); m != nil {
		eval.WaveNumber = m[1]
	}
	if len(cands) == 1 {
		eval.Agent = cands[0].Agent
		eval.Subagent = cands[0].Subagent
		eval.Route = eval.ClientName != "" && eval.WaveNumber != ""
	}
	return eval, nil
}

func (s *Stub) GenerateClarification(_ context.Context, req ClarificationRequest) (string, error) {
	if len(req.MissingParams) > 0 {
		return FallbackParamClarification(req.MissingParams), nil
	}
	return FallbackClarification, nil
}

func (s *Stub) GenerateConfirmation(_ context.Context, target string, _ []Message) (string, error) {
	return FallbackConfirmation(target), nil
}

func (s *Stub) GenerateRoutingMessage(_ context.Context, target string) (string, error) {
	return FallbackRoutingMessage(target), nil
}

func (s *Stub) IsAffirmative(_ context.Context, utterance string) (bool, error) {
	return IsAffirmativeKeyword(utterance), nil
}
