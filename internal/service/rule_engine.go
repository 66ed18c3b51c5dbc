// Package service implements the signal detection engine: per-source rule
// evaluators, the cross-source consistency catalogue, the finding
// materializer, and the detection orchestration.
package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trial-signal-server/internal/domain"
)

// Screen-failure trend detection parameters: records are bucketed into 7-day
// windows of screeningDate; a rising trend requires at least minTrendWindows
// windows with at least trendThreshold of consecutive pairs strictly
// increasing.
const (
	trendWindowDays = 7
	trendThreshold  = 0.7
	minTrendWindows = 3
)

type evaluatorFunc func(trial *domain.Trial, records []domain.DomainRecord) []domain.Finding

// RuleEngine maps a batch of domain records to findings using per-source
// heuristics. Evaluators are pure: no I/O and deterministic given their
// inputs.
type RuleEngine struct {
	logger     *logrus.Logger
	evaluators map[domain.DataSource]evaluatorFunc
}

// NewRuleEngine creates a rule engine with all source evaluators registered.
func NewRuleEngine(logger *logrus.Logger) *RuleEngine {
	e := &RuleEngine{
		logger:     logger,
		evaluators: make(map[domain.DataSource]evaluatorFunc),
	}

	e.evaluators[domain.SourceScreenFailure] = e.evaluateScreenFailures
	e.evaluators[domain.SourceLabResults] = e.evaluateLabResults
	e.evaluators[domain.SourceCentralLab] = e.evaluateLabResults
	e.evaluators[domain.SourceAdverseEvents] = e.evaluateAdverseEvents
	e.evaluators[domain.SourceProtocolDeviation] = e.evaluateProtocolDeviations
	e.evaluators[domain.SourceEnrollment] = e.evaluateEnrollment

	return e
}

// Detect implements the Detector contract for the rule-based path. A source
// without a registered evaluator yields no findings, not an error.
func (e *RuleEngine) Detect(ctx context.Context, trial *domain.Trial, source domain.DataSource, records []domain.DomainRecord) ([]domain.Finding, error) {
	evaluator, ok := e.evaluators[source]
	if !ok {
		e.logger.WithFields(logrus.Fields{
			"trial_id": trial.ID,
			"source":   source.String(),
		}).Debug("No rule evaluator registered for source")
		return nil, nil
	}

	findings := evaluator(trial, records)

	e.logger.WithFields(logrus.Fields{
		"trial_id": trial.ID,
		"source":   source.String(),
		"records":  len(records),
		"findings": len(findings),
	}).Info("Completed rule evaluation")

	return findings, nil
}

// priorityForCount maps a count to a priority using the shared threshold
// ladder: count > critical gives Critical, count > high gives High,
// otherwise Medium.
func priorityForCount(count, high, critical int) domain.Priority {
	switch {
	case count > critical:
		return domain.PriorityCritical
	case count > high:
		return domain.PriorityHigh
	default:
		return domain.PriorityMedium
	}
}

// groupBySite counts records per non-empty siteId.
func groupBySite(records []domain.DomainRecord) map[string]int {
	counts := make(map[string]int)
	for _, r := range records {
		if siteID := r.StringField("siteId"); siteID != "" {
			counts[siteID]++
		}
	}
	return counts
}

// sortedKeys returns the map keys in deterministic order so evaluator output
// is stable across runs.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// evaluateScreenFailures surfaces sites with excessive screen-failure counts
// and a trial-wide rising failure trend.
func (e *RuleEngine) evaluateScreenFailures(trial *domain.Trial, records []domain.DomainRecord) []domain.Finding {
	var findings []domain.Finding

	counts := groupBySite(records)
	for _, siteID := range sortedKeys(counts) {
		count := counts[siteID]
		if count <= 5 {
			continue
		}
		findings = append(findings, domain.Finding{
			Title:       fmt.Sprintf("High Screen Failure Count at Site %s", siteID),
			Observation: fmt.Sprintf("Site %s recorded %d screen failures, exceeding the expected threshold of 5.", siteID, count),
			Priority:    priorityForCount(count, 10, 15),
			SiteID:      siteID,
			Recommendation: fmt.Sprintf(
				"Review screening procedures and inclusion/exclusion criteria application at site %s.", siteID),
			Domain: "DS",
		})
	}

	if trend, windows := risingFailureTrend(records); trend {
		findings = append(findings, domain.Finding{
			Title: "Rising Screen Failure Trend",
			Observation: fmt.Sprintf(
				"Screen failures across the trial increased in %d consecutive weekly windows.", windows),
			Priority: domain.PriorityHigh,
			Recommendation: fmt.Sprintf(
				"Investigate trial-wide screening trend for protocol %s and retrain sites on eligibility assessment.",
				trial.ProtocolNumber),
			Domain: "DS",
		})
	}

	return findings
}

// risingFailureTrend buckets screeningDate values into 7-day windows and
// reports whether the counts rise across at least trendThreshold of the
// consecutive window pairs.
func risingFailureTrend(records []domain.DomainRecord) (bool, int) {
	buckets := make(map[int64]int)
	for _, r := range records {
		d, ok := r.TimeField("screeningDate")
		if !ok {
			continue
		}
		window := d.Unix() / (trendWindowDays * 24 * 3600)
		buckets[window]++
	}
	if len(buckets) < minTrendWindows {
		return false, 0
	}

	windows := make([]int64, 0, len(buckets))
	for w := range buckets {
		windows = append(windows, w)
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i] < windows[j] })

	rising := 0
	for i := 1; i < len(windows); i++ {
		if buckets[windows[i]] > buckets[windows[i-1]] {
			rising++
		}
	}

	pairs := len(windows) - 1
	return float64(rising)/float64(pairs) >= trendThreshold, len(windows)
}

// evaluateLabResults surfaces sites with clusters of out-of-range values and
// parameters with a high abnormal percentage.
func (e *RuleEngine) evaluateLabResults(trial *domain.Trial, records []domain.DomainRecord) []domain.Finding {
	var findings []domain.Finding

	abnormalBySite := make(map[string]int)
	totalByParam := make(map[string]int)
	abnormalByParam := make(map[string]int)

	for _, r := range records {
		param := r.StringField("parameter")
		if param != "" {
			totalByParam[param]++
		}

		if !labValueAbnormal(r) {
			continue
		}
		if siteID := r.StringField("siteId"); siteID != "" {
			abnormalBySite[siteID]++
		}
		if param != "" {
			abnormalByParam[param]++
		}
	}

	for _, siteID := range sortedKeys(abnormalBySite) {
		count := abnormalBySite[siteID]
		if count <= 3 {
			continue
		}
		findings = append(findings, domain.Finding{
			Title:       fmt.Sprintf("Abnormal Lab Value Cluster at Site %s", siteID),
			Observation: fmt.Sprintf("Site %s reported %d lab results outside reference limits.", siteID, count),
			Priority:    priorityForCount(count, 5, 10),
			SiteID:      siteID,
			Recommendation: fmt.Sprintf(
				"Verify sample handling and instrument calibration at site %s and review affected subjects.", siteID),
			Domain: "LB",
		})
	}

	for _, param := range sortedKeys(abnormalByParam) {
		total := totalByParam[param]
		if total == 0 {
			continue
		}
		pct := float64(abnormalByParam[param]) * 100 / float64(total)
		if pct <= 30 {
			continue
		}
		priority := domain.PriorityHigh
		if pct > 50 {
			priority = domain.PriorityCritical
		}
		findings = append(findings, domain.Finding{
			Title: fmt.Sprintf("Elevated Abnormal Rate for %s", param),
			Observation: fmt.Sprintf(
				"%.1f%% of %s results (%d of %d) fall outside reference limits.",
				pct, param, abnormalByParam[param], total),
			Priority: priority,
			Recommendation: fmt.Sprintf(
				"Review the reference ranges and collection protocol for parameter %s across all sites.", param),
			Domain: "LB",
		})
	}

	return findings
}

// labValueAbnormal reports whether a lab record's value is outside its
// reference limits. A missing value or missing limits is not abnormal.
func labValueAbnormal(r domain.DomainRecord) bool {
	value, ok := r.FloatField("value")
	if !ok {
		return false
	}
	if upper, ok := r.FloatField("upperLimit"); ok && value > upper {
		return true
	}
	if lower, ok := r.FloatField("lowerLimit"); ok && value < lower {
		return true
	}
	return false
}

// evaluateAdverseEvents surfaces clusters of the same event type at one site.
func (e *RuleEngine) evaluateAdverseEvents(trial *domain.Trial, records []domain.DomainRecord) []domain.Finding {
	type key struct {
		eventType string
		siteID    string
	}
	counts := make(map[key]int)
	for _, r := range records {
		eventType := r.StringField("type")
		siteID := r.StringField("siteId")
		if eventType == "" || siteID == "" {
			continue
		}
		counts[key{eventType, siteID}]++
	}

	keys := make([]key, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].siteID != keys[j].siteID {
			return keys[i].siteID < keys[j].siteID
		}
		return keys[i].eventType < keys[j].eventType
	})

	var findings []domain.Finding
	for _, k := range keys {
		count := counts[k]
		if count <= 3 {
			continue
		}
		findings = append(findings, domain.Finding{
			Title: fmt.Sprintf("Adverse Event Cluster: %s at Site %s", k.eventType, k.siteID),
			Observation: fmt.Sprintf(
				"Site %s reported %d occurrences of adverse event type %q.", k.siteID, count, k.eventType),
			Priority: priorityForCount(count, 5, 8),
			SiteID:   k.siteID,
			Recommendation: fmt.Sprintf(
				"Assess causality for the %q cluster at site %s with the medical monitor.", k.eventType, k.siteID),
			Domain: "AE",
		})
	}

	return findings
}

// evaluateProtocolDeviations surfaces trial-wide deviation-type clusters.
func (e *RuleEngine) evaluateProtocolDeviations(trial *domain.Trial, records []domain.DomainRecord) []domain.Finding {
	counts := make(map[string]int)
	for _, r := range records {
		if dt := r.StringField("deviationType"); dt != "" {
			counts[dt]++
		}
	}

	var findings []domain.Finding
	for _, deviationType := range sortedKeys(counts) {
		count := counts[deviationType]
		if count <= 5 {
			continue
		}
		findings = append(findings, domain.Finding{
			Title: fmt.Sprintf("Recurring Protocol Deviation: %s", deviationType),
			Observation: fmt.Sprintf(
				"The trial recorded %d protocol deviations of type %q.", count, deviationType),
			Priority: priorityForCount(count, 10, 15),
			Recommendation: fmt.Sprintf(
				"Perform root-cause analysis for deviation type %q and issue corrective guidance to sites.", deviationType),
			Domain: "DV",
		})
	}

	return findings
}

// evaluateEnrollment surfaces under-enrolling sites while the trial is active.
func (e *RuleEngine) evaluateEnrollment(trial *domain.Trial, records []domain.DomainRecord) []domain.Finding {
	if !trial.IsActive() {
		return nil
	}

	counts := groupBySite(records)

	var findings []domain.Finding
	for _, siteID := range sortedKeys(counts) {
		count := counts[siteID]
		if count >= 3 {
			continue
		}
		findings = append(findings, domain.Finding{
			Title: fmt.Sprintf("Low Enrollment at Site %s", siteID),
			Observation: fmt.Sprintf(
				"Site %s has enrolled only %d subject(s) while the trial is active.", siteID, count),
			Priority: domain.PriorityMedium,
			SiteID:   siteID,
			Recommendation: fmt.Sprintf(
				"Contact site %s to identify enrollment barriers and agree on a recruitment plan.", siteID),
			Domain: "DM",
		})
	}

	return findings
}

// now is indirected for tests that pin time-sensitive behavior.
var now = time.Now
