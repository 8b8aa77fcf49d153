package main

import (
	"strings"
	"testing"
)

func TestParsePullDocument(t *testing.T) {
	doc, err := parsePullDocument([]byte(`
agents:
  - name: campaign
    description: Creates and schedules client campaigns.
    capabilities: [create_campaign, schedule_wave]
    subagents:
      - name: wave-scheduler
        description: Schedules a delivery wave.
  - name: reporting
    description: Builds reports.
`))
	if err != nil {
		t.Fatalf("parsePullDocument: %v", err)
	}
	if len(doc.Agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(doc.Agents))
	}
	if doc.Agents[0].Subagents[0].Name != "wave-scheduler" {
		t.Fatalf("subagent = %q, want wave-scheduler", doc.Agents[0].Subagents[0].Name)
	}
	if len(doc.Agents[0].Capabilities) != 2 {
		t.Fatalf("capabilities = %d, want 2", len(doc.Agents[0].Capabilities))
	}
}

func TestParsePullDocumentRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"empty", "agents: []", "no agents"},
		{"missing name", "agents:\n  - description: x", "missing required 'name'"},
		{"missing description", "agents:\n  - name: a", "missing required 'description'"},
		{"unnamed subagent", "agents:\n  - name: a\n    description: x\n    subagents:\n      - description: y", "missing required 'name'"},
		{"bad yaml", "agents: [", "invalid YAML"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parsePullDocument([]byte(tc.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want substring %q", err, tc.want)
			}
		})
	}
}
