package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/trial-signal-server/internal/domain"
	"github.com/trial-signal-server/pkg/external"
)

const aiSystemPrompt = `You are a clinical data quality analyst reviewing clinical trial data feeds.
Identify data quality issues, safety signals, and operational risks in the supplied records.
Respond with a JSON array of findings. Each finding is an object with exactly these keys:
"title" (short issue name), "observation" (what the data shows), "priority" (one of "Critical", "High", "Medium", "Low"),
"siteId" (the affected site identifier, or "" if trial-wide), "recommendation" (the corrective action).
Respond with the JSON array only, no prose.`

// maxAIRecords bounds the prompt size for large batches.
const maxAIRecords = 50

// AIDetector produces findings by asking a language model to review a record
// sample. It satisfies the same Detector contract as the rule engine, so the
// detection service can swap between the two.
type AIDetector struct {
	client *external.OpenAIClient
	logger *logrus.Logger
}

// NewAIDetector creates an AI-powered detector backed by the OpenAI client.
func NewAIDetector(client *external.OpenAIClient, logger *logrus.Logger) *AIDetector {
	return &AIDetector{client: client, logger: logger}
}

// aiFinding mirrors the JSON shape the model is instructed to return.
type aiFinding struct {
	Title          string `json:"title"`
	Observation    string `json:"observation"`
	Priority       string `json:"priority"`
	SiteID         string `json:"siteId"`
	Recommendation string `json:"recommendation"`
}

// Detect asks the model for findings over a sample of the records. Invalid
// findings in the reply are dropped; a malformed reply is an error so the
// caller can fall back to rules.
func (d *AIDetector) Detect(ctx context.Context, trial *domain.Trial, source domain.DataSource, records []domain.DomainRecord) ([]domain.Finding, error) {
	sample := records
	if len(sample) > maxAIRecords {
		sample = sample[:maxAIRecords]
	}

	payload, err := json.Marshal(map[string]any{
		"trial": map[string]any{
			"protocolNumber": trial.ProtocolNumber,
			"phase":          trial.Phase,
			"status":         trial.Status,
		},
		"source":  source.String(),
		"records": sample,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling AI detection payload: %w", err)
	}

	content, err := d.client.CompleteJSON(ctx, aiSystemPrompt, string(payload))
	if err != nil {
		return nil, fmt.Errorf("AI detection request: %w", err)
	}

	findings, err := parseAIFindings(content)
	if err != nil {
		return nil, err
	}

	d.logger.WithFields(logrus.Fields{
		"trial_id": trial.ID,
		"source":   source.String(),
		"records":  len(sample),
		"findings": len(findings),
	}).Info("Completed AI detection")

	return findings, nil
}

// parseAIFindings decodes the model reply, tolerating a single object where an
// array was requested. Findings that fail validation are dropped.
func parseAIFindings(content string) ([]domain.Finding, error) {
	cleaned := external.CleanJSONContent(content)

	var raw []aiFinding
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		var single aiFinding
		if err2 := json.Unmarshal([]byte(cleaned), &single); err2 != nil {
			return nil, fmt.Errorf("parsing AI findings: %w", err)
		}
		raw = []aiFinding{single}
	}

	var findings []domain.Finding
	for _, f := range raw {
		finding := domain.Finding{
			Title:          f.Title,
			Observation:    f.Observation,
			Priority:       domain.Priority(f.Priority),
			SiteID:         f.SiteID,
			Recommendation: f.Recommendation,
		}
		if err := finding.Validate(); err != nil {
			continue
		}
		findings = append(findings, finding)
	}
	return findings, nil
}
