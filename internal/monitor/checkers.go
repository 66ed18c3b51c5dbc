// Package monitor implements the live data-quality monitoring channel: a
// per-connection session state machine over a websocket running periodic
// quality checks against sampled trial records.
package monitor

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/trial-signal-server/internal/domain"
)

// CheckOptions gates the four quality dimensions for a monitoring session.
type CheckOptions struct {
	CheckConsistency  bool `json:"checkConsistency"`
	CheckCompleteness bool `json:"checkCompleteness"`
	CheckAccuracy     bool `json:"checkAccuracy"`
	CheckTimeliness   bool `json:"checkTimeliness"`
}

// QualityIssue is one detected data-quality problem, attributed to the source
// feed it was found in.
type QualityIssue struct {
	Source    domain.DataSource `json:"source"`
	Dimension string            `json:"dimension"`
	Finding   domain.Finding    `json:"finding"`
}

// Fields EDC records must carry for a complete entry.
var requiredEDCFields = []string{"subjectId", "siteId", "visitDate"}

// runCheckers evaluates all enabled quality dimensions over the sampled
// records, keyed by source.
func runCheckers(opts CheckOptions, records map[domain.DataSource][]domain.DomainRecord) []QualityIssue {
	var issues []QualityIssue
	if opts.CheckCompleteness {
		issues = append(issues, checkCompleteness(records[domain.SourceEDC])...)
	}
	if opts.CheckAccuracy {
		issues = append(issues, checkAccuracy(domain.SourceLabResults, records[domain.SourceLabResults])...)
		issues = append(issues, checkAccuracy(domain.SourceCentralLab, records[domain.SourceCentralLab])...)
	}
	if opts.CheckTimeliness {
		issues = append(issues, checkTimeliness(records[domain.SourceAdverseEvents])...)
	}
	if opts.CheckConsistency {
		issues = append(issues, checkConsistency(records[domain.SourceEDC], records[domain.SourceCTMS])...)
	}
	return issues
}

// checkCompleteness flags required EDC fields that are null or empty.
func checkCompleteness(records []domain.DomainRecord) []QualityIssue {
	missing := make(map[string]int)
	for _, r := range records {
		for _, field := range requiredEDCFields {
			v, present := r.Fields[field]
			if !present || v == nil || v == "" {
				missing[field]++
			}
		}
	}

	fields := make([]string, 0, len(missing))
	for f := range missing {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var issues []QualityIssue
	for _, field := range fields {
		issues = append(issues, QualityIssue{
			Source:    domain.SourceEDC,
			Dimension: "completeness",
			Finding: domain.Finding{
				Title:          fmt.Sprintf("Incomplete EDC Data: %s", field),
				Observation:    fmt.Sprintf("%d EDC record(s) are missing a value for %s.", missing[field], field),
				Priority:       domain.PriorityMedium,
				Recommendation: fmt.Sprintf("Query sites to complete the missing %s entries.", field),
				Domain:         "DM",
			},
		})
	}
	return issues
}

// checkAccuracy flags lab values outside their reference range. The range is
// a "min-max" string on the record; a value beyond a bound by more than half
// the range span is Critical, otherwise High.
func checkAccuracy(source domain.DataSource, records []domain.DomainRecord) []QualityIssue {
	type paramStats struct {
		outOfRange int
		critical   bool
	}
	stats := make(map[string]*paramStats)

	for _, r := range records {
		param := r.StringField("parameter")
		value, ok := r.FloatField("value")
		if param == "" || !ok {
			continue
		}
		low, high, ok := parseReferenceRange(r.StringField("referenceRange"))
		if !ok {
			continue
		}

		span := high - low
		var beyond float64
		switch {
		case value > high:
			beyond = value - high
		case value < low:
			beyond = low - value
		default:
			continue
		}

		s := stats[param]
		if s == nil {
			s = &paramStats{}
			stats[param] = s
		}
		s.outOfRange++
		if span > 0 && beyond > span/2 {
			s.critical = true
		}
	}

	params := make([]string, 0, len(stats))
	for p := range stats {
		params = append(params, p)
	}
	sort.Strings(params)

	var issues []QualityIssue
	for _, param := range params {
		s := stats[param]
		priority := domain.PriorityHigh
		if s.critical {
			priority = domain.PriorityCritical
		}
		issues = append(issues, QualityIssue{
			Source:    source,
			Dimension: "accuracy",
			Finding: domain.Finding{
				Title:          fmt.Sprintf("Out-of-Range Lab Values: %s", param),
				Observation:    fmt.Sprintf("%d %s result(s) fall outside the reference range.", s.outOfRange, param),
				Priority:       priority,
				Recommendation: fmt.Sprintf("Verify the %s measurements against source documents and confirm the reference range.", param),
				Domain:         "LB",
			},
		})
	}
	return issues
}

// parseReferenceRange parses a "min-max" range string, e.g. "3.5-5.0".
func parseReferenceRange(raw string) (low, high float64, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(raw), "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	low, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	high, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil || high < low {
		return 0, 0, false
	}
	return low, high, true
}

// checkTimeliness flags duplicate adverse event entries: identical
// subject + event type + onset date keys indicate double entry.
func checkTimeliness(records []domain.DomainRecord) []QualityIssue {
	counts := make(map[string]int)
	for _, r := range records {
		subject := r.StringField("subjectId")
		event := r.StringField("type")
		date := r.StringField("onsetDate")
		if subject == "" || event == "" {
			continue
		}
		counts[subject+"|"+event+"|"+date]++
	}

	keys := make([]string, 0, len(counts))
	for k, n := range counts {
		if n > 1 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var issues []QualityIssue
	for _, k := range keys {
		parts := strings.SplitN(k, "|", 3)
		issues = append(issues, QualityIssue{
			Source:    domain.SourceAdverseEvents,
			Dimension: "timeliness",
			Finding: domain.Finding{
				Title: fmt.Sprintf("Duplicate Adverse Event Entry: %s", parts[1]),
				Observation: fmt.Sprintf(
					"Subject %s has %d identical %q entries dated %s.", parts[0], counts[k], parts[1], parts[2]),
				Priority:       domain.PriorityMedium,
				Recommendation: fmt.Sprintf("Reconcile the duplicate %q entries for subject %s.", parts[1], parts[0]),
				Domain:         "AE",
			},
		})
	}
	return issues
}

// checkConsistency compares visit dates recorded in EDC against CTMS for the
// same subject and flags mismatches.
func checkConsistency(edc, ctms []domain.DomainRecord) []QualityIssue {
	ctmsVisits := make(map[string]string)
	for _, r := range ctms {
		subject := r.StringField("subjectId")
		if subject == "" {
			continue
		}
		ctmsVisits[subject] = r.StringField("visitDate")
	}

	mismatched := make(map[string][2]string)
	for _, r := range edc {
		subject := r.StringField("subjectId")
		if subject == "" {
			continue
		}
		ctmsDate, tracked := ctmsVisits[subject]
		if !tracked {
			continue
		}
		edcDate := r.StringField("visitDate")
		if edcDate != "" && ctmsDate != "" && edcDate != ctmsDate {
			mismatched[subject] = [2]string{edcDate, ctmsDate}
		}
	}

	subjects := make([]string, 0, len(mismatched))
	for s := range mismatched {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)

	var issues []QualityIssue
	for _, subject := range subjects {
		dates := mismatched[subject]
		issues = append(issues, QualityIssue{
			Source:    domain.SourceEDC,
			Dimension: "consistency",
			Finding: domain.Finding{
				Title: fmt.Sprintf("Visit Date Mismatch for Subject %s", subject),
				Observation: fmt.Sprintf(
					"EDC records visit date %s while CTMS records %s for subject %s.", dates[0], dates[1], subject),
				Priority:       domain.PriorityHigh,
				Recommendation: fmt.Sprintf("Confirm the actual visit date for subject %s and correct the divergent system.", subject),
				Domain:         "SV",
			},
		})
	}
	return issues
}
