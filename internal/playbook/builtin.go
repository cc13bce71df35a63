package playbook

import (
	"time"

	"github.com/sentinelops/secops-engine/internal/models"
)

// RegisterBuiltIns registers the built-in playbooks
func (c *Catalog) RegisterBuiltIns() error {
	for _, pb := range BuiltIns() {
		if _, err := c.Register(pb); err != nil {
			return err
		}
	}
	return nil
}

// BuiltIns returns the playbooks shipped with the engine
func BuiltIns() []*models.Playbook {
	return []*models.Playbook{
		{
			ID:          "malware-containment",
			Version:     1,
			Name:        "Malware Containment",
			Description: "Isolate the infected host, quarantine the payload and capture evidence",
			ThreatTypes: []string{"malware"},
			SuccessRate: 0.92,
			Steps: []models.Step{
				{ID: "isolate", Order: 1, Title: "Isolate affected host", Action: "isolate_host",
					Automated: true, EstimatedDuration: 2 * time.Minute, Rollbackable: true},
				{ID: "quarantine", Order: 2, Title: "Quarantine malicious file", Action: "quarantine_file",
					Automated: true, EstimatedDuration: 3 * time.Minute, Dependencies: []string{"isolate"}, Rollbackable: true},
				{ID: "forensics", Order: 3, Title: "Collect forensic snapshot", Action: "collect_forensics",
					Automated: true, EstimatedDuration: 10 * time.Minute, Dependencies: []string{"isolate"}},
				{ID: "review", Order: 4, Title: "Analyst review and sign-off", Action: "analyst_review",
					EstimatedDuration: 30 * time.Minute, Dependencies: []string{"quarantine", "forensics"}},
			},
		},
		{
			ID:          "intrusion-response",
			Version:     1,
			Name:        "Intrusion Response",
			Description: "Block the attacking source and alert the on-call team",
			ThreatTypes: []string{"intrusion", "reconnaissance"},
			SuccessRate: 0.88,
			Steps: []models.Step{
				{ID: "block", Order: 1, Title: "Block source address", Action: "block_ip",
					Automated: true, EstimatedDuration: time.Minute, Rollbackable: true},
				{ID: "alert", Order: 2, Title: "Alert on-call", Action: "alert",
					Automated: true, EstimatedDuration: 30 * time.Second,
					Parameters: map[string]any{"channel": "oncall", "priority": "P1"}},
				{ID: "forensics", Order: 3, Title: "Collect perimeter logs", Action: "collect_forensics",
					Automated: true, EstimatedDuration: 5 * time.Minute, Dependencies: []string{"block"}},
			},
		},
		{
			ID:          "credential-compromise",
			Version:     1,
			Name:        "Credential Compromise",
			Description: "Reset affected credentials and notify the account owner",
			ThreatTypes: []string{"brute_force", "privilege_escalation", "phishing"},
			SuccessRate: 0.85,
			Steps: []models.Step{
				{ID: "block", Order: 1, Title: "Block source address", Action: "block_ip",
					Automated: true, EstimatedDuration: time.Minute, Rollbackable: true},
				{ID: "reset", Order: 2, Title: "Reset credentials", Action: "reset_credentials",
					Automated: true, EstimatedDuration: 2 * time.Minute},
				{ID: "notify", Order: 3, Title: "Notify account owner", Action: "notify",
					Automated: true, EstimatedDuration: 30 * time.Second, Dependencies: []string{"reset"}},
			},
		},
		{
			ID:          "data-exfiltration-response",
			Version:     1,
			Name:        "Data Exfiltration Response",
			Description: "Cut off the transfer, isolate the source and escalate to legal review",
			ThreatTypes: []string{"data_exfiltration"},
			SuccessRate: 0.8,
			Steps: []models.Step{
				{ID: "block", Order: 1, Title: "Block destination address", Action: "block_ip",
					Automated: true, EstimatedDuration: time.Minute, Rollbackable: true},
				{ID: "isolate", Order: 2, Title: "Isolate source host", Action: "isolate_host",
					Automated: true, EstimatedDuration: 2 * time.Minute, Rollbackable: true},
				{ID: "forensics", Order: 3, Title: "Preserve transfer evidence", Action: "collect_forensics",
					Automated: true, EstimatedDuration: 15 * time.Minute, Dependencies: []string{"isolate"}},
				{ID: "legal", Order: 4, Title: "Legal and privacy review", Action: "legal_review",
					EstimatedDuration: time.Hour, Dependencies: []string{"forensics"}},
			},
		},
		{
			ID:          "generic-triage",
			Version:     1,
			Name:        "Generic Triage",
			Description: "Alert and gather context for any threat type",
			ThreatTypes: []string{models.AnyThreatType},
			SuccessRate: 0.7,
			Steps: []models.Step{
				{ID: "alert", Order: 1, Title: "Alert security team", Action: "alert",
					Automated: true, EstimatedDuration: 30 * time.Second},
				{ID: "forensics", Order: 2, Title: "Collect context", Action: "collect_forensics",
					Automated: true, EstimatedDuration: 5 * time.Minute, Dependencies: []string{"alert"}},
			},
		},
	}
}
