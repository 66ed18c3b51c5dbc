// Package domain contains core business entities and types for clinical-trial
// signal detection: data-quality findings, persisted signal detections, and the
// actionable tasks derived from them.
package domain

import (
	"errors"
	"time"
)

// Priority represents the severity assigned to a finding, signal, or task.
type Priority string

const (
	PriorityCritical Priority = "Critical"
	PriorityHigh     Priority = "High"
	PriorityMedium   Priority = "Medium"
	PriorityLow      Priority = "Low"
)

// DataSource identifies the clinical data feed a record originates from.
type DataSource string

const (
	SourceEDC               DataSource = "EDC"
	SourceCTMS              DataSource = "CTMS"
	SourceLabResults        DataSource = "LAB_RESULTS"
	SourceCentralLab        DataSource = "CENTRAL_LAB"
	SourceAdverseEvents     DataSource = "ADVERSE_EVENTS"
	SourceScreenFailure     DataSource = "SCREEN_FAILURE"
	SourceEnrollment        DataSource = "ENROLLMENT"
	SourceProtocolDeviation DataSource = "PROTOCOL_DEVIATION"
	SourceIRT               DataSource = "IRT"
	SourceSupplyChain       DataSource = "SUPPLY_CHAIN"
	SourceFinancial         DataSource = "FINANCIAL"
)

// DetectionType describes how a signal was produced.
type DetectionType string

const (
	DetectionRuleBased DetectionType = "Rule-based"
	DetectionAIPowered DetectionType = "AI-powered"
	DetectionManual    DetectionType = "Manual"
	DetectionAutomated DetectionType = "Automated"
)

// SignalStatus tracks the workflow state of a persisted signal detection.
type SignalStatus string

const (
	SignalInitiated   SignalStatus = "initiated"
	SignalUnderReview SignalStatus = "under_review"
	SignalClosed      SignalStatus = "closed"
)

// TaskStatus tracks the workflow state of a task.
type TaskStatus string

const (
	TaskNotStarted TaskStatus = "not_started"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Validation errors for detection data integrity
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidPriority   = errors.New("invalid priority")
	ErrInvalidDataSource = errors.New("invalid data source")
	ErrInvalidDetection  = errors.New("invalid detection type")
	ErrInvalidTaskStatus = errors.New("invalid task status")
	ErrEmptyFindingTitle = errors.New("finding title is required")
	ErrEmptyObservation  = errors.New("finding observation is required")
)

// IsValid reports whether the priority is one of the four enumerated values.
// Findings carrying anything else are rejected before materialization.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// String returns the string representation of the priority.
func (p Priority) String() string {
	return string(p)
}

// DueDateDays returns the number of days until a task derived from a
// rule-based signal of this priority is due. Critical is the shortest offset.
func (p Priority) DueDateDays() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 7
	case PriorityMedium:
		return 14
	default:
		return 30
	}
}

// AIDueDateDays returns the due-date offset for tasks created from the
// AI-powered detection path. This table is deliberately faster than the
// rule-based one; callers depend on the distinct offsets, so the two tables
// are never unified.
func (p Priority) AIDueDateDays() int {
	switch p {
	case PriorityCritical:
		return 2
	case PriorityHigh:
		return 4
	case PriorityMedium:
		return 7
	default:
		return 14
	}
}

// IsActionable reports whether the priority is high enough to generate a task
// plus a notification in the live monitoring path.
func (p Priority) IsActionable() bool {
	return p == PriorityCritical || p == PriorityHigh
}

// LogFields returns structured logging fields for audit trails.
func (p Priority) LogFields() map[string]any {
	return map[string]any{
		"priority":      string(p),
		"is_valid":      p.IsValid(),
		"is_actionable": p.IsActionable(),
		"due_days":      p.DueDateDays(),
	}
}

// IsValid validates the data source against the known feed list.
func (s DataSource) IsValid() bool {
	switch s {
	case SourceEDC, SourceCTMS, SourceLabResults, SourceCentralLab,
		SourceAdverseEvents, SourceScreenFailure, SourceEnrollment,
		SourceProtocolDeviation, SourceIRT, SourceSupplyChain, SourceFinancial:
		return true
	default:
		return false
	}
}

// String returns the string representation of the data source.
func (s DataSource) String() string {
	return string(s)
}

// DetectionPrefix returns the short code used as the leading segment of a
// detection id for this source.
func (s DataSource) DetectionPrefix() string {
	switch s {
	case SourceEDC:
		return "EDC"
	case SourceCTMS:
		return "CTMS"
	case SourceLabResults, SourceCentralLab:
		return "LAB"
	case SourceAdverseEvents:
		return "AE"
	case SourceScreenFailure:
		return "SF"
	case SourceEnrollment:
		return "ENR"
	case SourceProtocolDeviation:
		return "PD"
	case SourceIRT:
		return "IRT"
	case SourceSupplyChain:
		return "SUP"
	case SourceFinancial:
		return "FIN"
	default:
		return "SIG"
	}
}

// SignalCategory returns the derived signal-type label for this source.
func (s DataSource) SignalCategory() string {
	switch s {
	case SourceLabResults, SourceCentralLab:
		return "LAB Testing Risk"
	case SourceAdverseEvents:
		return "Safety Risk"
	case SourceScreenFailure:
		return "Screening Risk"
	case SourceEnrollment:
		return "Enrollment Risk"
	case SourceProtocolDeviation:
		return "Protocol Compliance Risk"
	case SourceCTMS:
		return "Site Management Risk"
	case SourceIRT, SourceSupplyChain:
		return "Drug Supply Risk"
	case SourceFinancial:
		return "Financial Risk"
	default:
		return "Data Quality Risk"
	}
}

// NotifiedRoles returns the role names notified for a signal from this source.
// Critical and High severities additionally notify the Medical Monitor.
func (s DataSource) NotifiedRoles(p Priority) []string {
	var roles []string
	switch s {
	case SourceLabResults, SourceCentralLab:
		roles = []string{"Data Manager", "Lab Specialist"}
	case SourceAdverseEvents:
		roles = []string{"Safety Officer", "Data Manager"}
	case SourceScreenFailure, SourceEnrollment:
		roles = []string{"CRA", "Site Coordinator"}
	case SourceProtocolDeviation:
		roles = []string{"CRA", "Quality Manager"}
	case SourceIRT, SourceSupplyChain:
		roles = []string{"Supply Manager", "CRA"}
	case SourceFinancial:
		roles = []string{"Finance Manager"}
	default:
		roles = []string{"Data Manager"}
	}
	if p.IsActionable() {
		roles = append(roles, "Medical Monitor")
	}
	return roles
}

// IsValid validates the detection type.
func (dt DetectionType) IsValid() bool {
	switch dt {
	case DetectionRuleBased, DetectionAIPowered, DetectionManual, DetectionAutomated:
		return true
	default:
		return false
	}
}

// String returns the string representation of the detection type.
func (dt DetectionType) String() string {
	return string(dt)
}

// IsValid validates the signal status.
func (ss SignalStatus) IsValid() bool {
	switch ss {
	case SignalInitiated, SignalUnderReview, SignalClosed:
		return true
	default:
		return false
	}
}

// IsValid validates the task status.
func (ts TaskStatus) IsValid() bool {
	switch ts {
	case TaskNotStarted, TaskInProgress, TaskCompleted, TaskCancelled:
		return true
	default:
		return false
	}
}

// ImpliesCompletion reports whether the status carries a completion timestamp.
func (ts TaskStatus) ImpliesCompletion() bool {
	return ts == TaskCompleted
}

// DueDate computes the task due date for a priority on the given detection
// path, anchored at now. The result is always strictly after now.
func DueDate(now time.Time, p Priority, dt DetectionType) time.Time {
	days := p.DueDateDays()
	if dt == DetectionAIPowered {
		days = p.AIDueDateDays()
	}
	return now.AddDate(0, 0, days)
}
