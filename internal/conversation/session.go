// Package conversation holds the multi-turn routing state machine: sessions,
// the session store, and the router that drives a free-text conversation to
// a single agent in the catalog.
package conversation

import (
	"time"

	"github.com/basket/agentrouter/internal/capability"
)

// Session is the per-conversation routing state. It is owned by the store;
// callers access it only while holding the session lock handed out by
// Acquire.
type Session struct {
	ID      string
	History []capability.Message

	// ClarificationsAsked only ever grows within a session. It counts both
	// clarification and confirmation questions.
	ClarificationsAsked int

	AwaitingConfirmation bool
	PendingAgent         string
	PendingSubagent      string

	// Sticky routing parameters. Once captured they survive later turns
	// unless the evaluator supplies a new non-empty value.
	ClientName string
	WaveNumber string

	FinalAgentID    string
	FinalSubagentID string
	Finalized       bool

	CreatedAt  time.Time
	LastActive time.Time
}

// AppendUser records a user turn.
func (s *Session) AppendUser(content string) {
	s.History = append(s.History, capability.Message{Role: "user", Content: content})
}

// AppendAssistant records an assistant turn.
func (s *Session) AppendAssistant(content string) {
	s.History = append(s.History, capability.Message{Role: "assistant", Content: content})
}

// MergeEvaluation folds the evaluator's parameter reads into the session.
// Non-empty values overwrite, empty values leave the stored ones untouched.
func (s *Session) MergeEvaluation(eval capability.RouteEvaluation) {
	if eval.ClientName != "" {
		s.ClientName = eval.ClientName
	}
	if eval.WaveNumber != "" {
		s.WaveNumber = eval.WaveNumber
	}
}

// MissingParams lists the routing parameters not yet captured.
func (s *Session) MissingParams() []string {
	var missing []string
	if s.ClientName == "" {
		missing = append(missing, "client name")
	}
	if s.WaveNumber == "" {
		missing = append(missing, "wave number")
	}
	return missing
}

// PendingTarget names the target awaiting confirmation, preferring the
// subagent when one is pending.
func (s *Session) PendingTarget() string {
	if s.PendingSubagent != "" {
		return s.PendingSubagent
	}
	return s.PendingAgent
}
