package capability

import (
	"fmt"
	"strings"

	"github.com/basket/agentrouter/internal/catalog"
)

// FormatCatalog renders the agent catalog for prompt injection.
func FormatCatalog(agents []catalog.Agent) string {
	if len(agents) == 0 {
		return "(no agents registered)"
	}
	var b strings.Builder
	for _, a := range agents {
		fmt.Fprintf(&b, "- agent %q: %s", a.Name, a.Description)
		if len(a.Capabilities) > 0 {
			fmt.Fprintf(&b, " (capabilities: %s)", strings.Join(a.Capabilities, ", "))
		}
		b.WriteString("\n")
		for _, s := range a.Subagents {
			fmt.Fprintf(&b, "  - subagent %q: %s\n", s.Name, s.Description)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// historyText renders conversation history as role-tagged lines.
func historyText(history []Message) string {
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// candidateText renders evaluator candidates for clarification prompts.
func candidateText(cands []Candidate) string {
	var b strings.Builder
	for _, c := range cands {
		b.WriteString("- ")
		b.WriteString(c.Agent)
		if c.Subagent != "" {
			b.WriteString(" / ")
			b.WriteString(c.Subagent)
		}
		if c.Description != "" {
			b.WriteString(": ")
			b.WriteString(c.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
