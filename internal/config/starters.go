package config

// StarterSubagent describes a subagent seeded under a starter agent.
type StarterSubagent struct {
	Name        string
	Description string
}

// StarterAgent describes a catalog entry seeded on first run.
type StarterAgent struct {
	Name         string
	Description  string
	Capabilities []string
	Subagents    []StarterSubagent
}

// StarterCatalog returns default agents for first-run setup.
// Seeded into the catalog database only when it is empty.
func StarterCatalog() []StarterAgent {
	return []StarterAgent{
		{
			Name:         "campaign",
			Description:  "Creates, schedules, and reviews client marketing campaigns and their delivery waves.",
			Capabilities: []string{"create_campaign", "schedule_wave", "review_performance"},
			Subagents: []StarterSubagent{
				{Name: "wave-scheduler", Description: "Schedules a delivery wave for an existing client campaign."},
				{Name: "performance-review", Description: "Summarizes delivery and engagement metrics for a campaign wave."},
			},
		},
		{
			Name:         "reporting",
			Description:  "Builds ad-hoc and recurring reports over client accounts and delivery history.",
			Capabilities: []string{"generate_report", "export_csv"},
			Subagents: []StarterSubagent{
				{Name: "export", Description: "Exports report data as CSV or spreadsheet attachments."},
			},
		},
		{
			Name:         "support",
			Description:  "Handles account questions, delivery issues, and escalations for client teams.",
			Capabilities: []string{"open_ticket", "check_status"},
		},
	}
}
