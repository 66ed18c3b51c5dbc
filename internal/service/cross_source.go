package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/trial-signal-server/internal/domain"
)

// crossSourceRule emits findings when both of its sources are connected for
// the trial.
type crossSourceRule struct {
	first    domain.DataSource
	second   domain.DataSource
	findings []domain.Finding
}

// crossSourceCatalogue enumerates the known inconsistency patterns between
// pairs of connected data sources. Order determines output order.
var crossSourceCatalogue = []crossSourceRule{
	{
		first:  domain.SourceEDC,
		second: domain.SourceLabResults,
		findings: []domain.Finding{
			{
				Title:          "Lab Results Discrepancy",
				Observation:    "Laboratory values recorded in EDC do not match the lab system for overlapping subjects.",
				Priority:       domain.PriorityHigh,
				Recommendation: "Reconcile EDC lab entries against the source lab system and query affected sites.",
				Domain:         "LB",
			},
			{
				Title:          "Missing Lab Results in EDC",
				Observation:    "Lab results present in the lab system have no corresponding EDC entries.",
				Priority:       domain.PriorityMedium,
				Recommendation: "Request sites to enter outstanding lab results into EDC.",
				Domain:         "LB",
			},
		},
	},
	{
		first:  domain.SourceCTMS,
		second: domain.SourceEDC,
		findings: []domain.Finding{
			{
				Title:          "Visit Date Inconsistencies",
				Observation:    "Visit dates recorded in CTMS differ from the dates entered in EDC.",
				Priority:       domain.PriorityMedium,
				Recommendation: "Align visit tracking between CTMS and EDC and correct the mismatched dates.",
				Domain:         "SV",
			},
			{
				Title:          "Protocol Compliance Issues",
				Observation:    "Monitoring records in CTMS indicate visits conducted outside protocol windows not reflected in EDC.",
				Priority:       domain.PriorityHigh,
				Recommendation: "Review protocol window adherence with site staff and document deviations.",
				Domain:         "DV",
			},
		},
	},
	{
		first:  domain.SourceIRT,
		second: domain.SourceSupplyChain,
		findings: []domain.Finding{
			{
				Title:          "Drug Supply Disparity",
				Observation:    "Dispensation counts in IRT do not reconcile with supply chain shipment records.",
				Priority:       domain.PriorityCritical,
				Recommendation: "Halt further shipments pending reconciliation of IRT dispensation against supply records.",
				Domain:         "DA",
			},
			{
				Title:          "Drug Accountability Gaps",
				Observation:    "Returned and destroyed drug quantities are missing from accountability logs.",
				Priority:       domain.PriorityHigh,
				Recommendation: "Complete drug accountability logs for all sites with open gaps.",
				Domain:         "DA",
			},
		},
	},
	{
		first:  domain.SourceScreenFailure,
		second: domain.SourceEnrollment,
		findings: []domain.Finding{
			{
				Title:          "Enrollment Rate Anomaly",
				Observation:    "Screen failure volume is inconsistent with the reported enrollment rate.",
				Priority:       domain.PriorityMedium,
				Recommendation: "Compare screening and enrollment funnels per site and validate subject status transitions.",
				Domain:         "DM",
			},
		},
	},
	{
		first:  domain.SourceEDC,
		second: domain.SourceAdverseEvents,
		findings: []domain.Finding{
			{
				Title:          "Unreported Adverse Events",
				Observation:    "Adverse events in the safety system have no matching EDC entries.",
				Priority:       domain.PriorityCritical,
				Recommendation: "Escalate to the medical monitor and require sites to reconcile safety reporting with EDC.",
				Domain:         "AE",
			},
		},
	},
	{
		first:  domain.SourceEDC,
		second: domain.SourceCentralLab,
		findings: []domain.Finding{
			{
				Title:          "Central Lab Data Discrepancies",
				Observation:    "Central lab transfers contain results that conflict with locally entered EDC values.",
				Priority:       domain.PriorityHigh,
				Recommendation: "Re-run the central lab transfer reconciliation and issue queries for conflicting results.",
				Domain:         "LB",
			},
		},
	},
	{
		first:  domain.SourceCTMS,
		second: domain.SourceFinancial,
		findings: []domain.Finding{
			{
				Title:          "Site Payment Discrepancies",
				Observation:    "Completed visits in CTMS do not match the visits invoiced in the financial system.",
				Priority:       domain.PriorityLow,
				Recommendation: "Audit site payment milestones against CTMS visit completion records.",
				Domain:         "DM",
			},
		},
	},
}

// Emitted in addition to the EDC+LAB_RESULTS findings for phase 3 trials,
// where endpoint lab data carries submission risk.
var phaseThreeEndpointFinding = domain.Finding{
	Title:          "Primary Endpoint Data Integrity Risk",
	Observation:    "Lab data inconsistencies affect endpoint-relevant parameters in a phase 3 trial.",
	Priority:       domain.PriorityCritical,
	Recommendation: "Initiate a focused data integrity review of endpoint-relevant lab parameters before database lock activities.",
	Domain:         "LB",
}

// CrossSourceEvaluator derives consistency findings from the set of data
// sources connected to a trial.
type CrossSourceEvaluator struct {
	logger *logrus.Logger
}

// NewCrossSourceEvaluator creates a cross-source consistency evaluator.
func NewCrossSourceEvaluator(logger *logrus.Logger) *CrossSourceEvaluator {
	return &CrossSourceEvaluator{logger: logger}
}

// Evaluate returns the catalogue findings for every source pair present in
// sources. Unknown sources are ignored.
func (c *CrossSourceEvaluator) Evaluate(ctx context.Context, trial *domain.Trial, sources []domain.DomainSource) []domain.Finding {
	connected := make(map[domain.DataSource]bool, len(sources))
	for _, s := range sources {
		if s.Active {
			connected[s.Source] = true
		}
	}

	var findings []domain.Finding
	for _, rule := range crossSourceCatalogue {
		if !connected[rule.first] || !connected[rule.second] {
			continue
		}
		findings = append(findings, rule.findings...)

		if rule.first == domain.SourceEDC && rule.second == domain.SourceLabResults && trial.IsPhaseThree() {
			findings = append(findings, phaseThreeEndpointFinding)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"trial_id": trial.ID,
		"sources":  len(sources),
		"findings": len(findings),
	}).Info("Completed cross-source consistency evaluation")

	return findings
}
