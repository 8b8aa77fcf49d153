package capability

import (
	"fmt"
	"strings"

	"github.com/basket/agentrouter/internal/catalog"
)

// Deterministic fallbacks used when a live adapter fails or no provider is
// configured. The router applies these itself so a model outage never
// surfaces to the caller as an error.

var affirmativeKeywords = map[string]struct{}{
	"yes": {}, "yeah": {}, "yep": {}, "correct": {}, "right": {},
	"sure": {}, "ok": {}, "okay": {}, "agree": {}, "proceed": {}, "go": {},
}

// IsAffirmativeKeyword reports whether any token of the utterance is a known
// affirmative. Matching is case-insensitive and ignores surrounding
// punctuation, so "Yes!" and "ok, go ahead" both count.
func IsAffirmativeKeyword(utterance string) bool {
	for _, tok := range strings.Fields(strings.ToLower(utterance)) {
		tok = strings.Trim(tok, ".,!?;:'\"()")
		if _, ok := affirmativeKeywords[tok]; ok {
			return true
		}
	}
	return false
}

var actionWords = []string{
	"send", "create", "make", "generate", "write", "need", "want",
	"help", "can", "how", "what", "rename", "organize", "manage",
}

// HeuristicValidation judges a query without a model. Very short or
// vowel-free input is rejected; anything mentioning a recognizable action
// word gets moderate confidence, everything else low-but-valid.
func HeuristicValidation(query string) ValidationResult {
	trimmed := strings.TrimSpace(query)
	if len(trimmed) < 3 {
		return ValidationResult{
			Valid:           false,
			Confidence:      0.2,
			Reason:          "Query too short to be meaningful",
			SuggestedAction: "reject",
		}
	}
	if !strings.ContainsAny(strings.ToLower(trimmed), "aeiou") {
		return ValidationResult{
			Valid:           false,
			Confidence:      0.15,
			Reason:          "Query appears to be gibberish",
			SuggestedAction: "reject",
		}
	}
	lower := strings.ToLower(trimmed)
	for _, w := range actionWords {
		if strings.Contains(lower, w) {
			return ValidationResult{
				Valid:           true,
				Confidence:      0.65,
				Reason:          "Query contains actionable language",
				SuggestedAction: "clarify",
			}
		}
	}
	return ValidationResult{
		Valid:           true,
		Confidence:      0.55,
		Reason:          "Query is plain text but intent is unclear",
		SuggestedAction: "clarify",
	}
}

// RejectionMessage renders the user-facing text for an invalid query. Very
// low confidence gets extra guidance about what the router can do.
func RejectionMessage(vr ValidationResult) string {
	msg := fmt.Sprintf("I'm sorry, but I couldn't process your query. %s", vr.Reason)
	if vr.Confidence < 0.3 {
		msg += "\n\nPlease provide a clear question or request related to the available agents. " +
			"You can ask 'What agents are available?' to see what I can help you with."
	}
	return msg
}

const (
	// FallbackClarification disambiguates when the model produced nothing.
	FallbackClarification = "I can help with that. Could you clarify which specific agent or task you'd like to proceed with?"
	// FallbackClarificationError is used when the clarification call failed.
	FallbackClarificationError = "I can help with that. Could you provide more details about what you'd like to do?"
)

// FallbackParamClarification asks for the listed missing parameters.
func FallbackParamClarification(missing []string) string {
	if len(missing) == 0 {
		return FallbackClarification
	}
	return fmt.Sprintf("Before I route you, could you provide the %s?", strings.Join(missing, " and "))
}

// FallbackConfirmation is the confirmation question when the model returned
// empty text; FallbackConfirmationError when the call itself failed.
func FallbackConfirmation(target string) string {
	return fmt.Sprintf("I'll route you to %s. Ready to proceed?", target)
}

func FallbackConfirmationError(target string) string {
	return fmt.Sprintf("Should I route you to %s?", target)
}

// FallbackRoutingMessage announces a finalized route.
func FallbackRoutingMessage(target string) string {
	return fmt.Sprintf("Great! Routing to %s", target)
}

// FallbackEvaluation is the evaluator result when the model call failed.
func FallbackEvaluation(err error) RouteEvaluation {
	return RouteEvaluation{
		Route:      false,
		Candidates: []Candidate{},
		Reasoning:  fmt.Sprintf("evaluation unavailable: %v", err),
	}
}

// FallbackAnswer lists the catalog as a plain-text inquiry answer.
func FallbackAnswer(agents []catalog.Agent) string {
	if len(agents) == 0 {
		return "There are no agents registered yet."
	}
	var b strings.Builder
	b.WriteString("Here are the available agents:\n")
	for _, a := range agents {
		fmt.Fprintf(&b, "\n- %s: %s", a.Name, a.Description)
		for _, s := range a.Subagents {
			fmt.Fprintf(&b, "\n  - %s: %s", s.Name, s.Description)
		}
	}
	return b.String()
}
