package domain

import (
	"fmt"
	"strings"
	"time"
)

// Trial represents the clinical trial a detection request is scoped to.
type Trial struct {
	ID             int64     `json:"id"`
	ProtocolNumber string    `json:"protocol_number"`
	Title          string    `json:"title"`
	Phase          string    `json:"phase"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsActive reports whether the trial is currently enrolling/running.
func (t *Trial) IsActive() bool {
	return strings.EqualFold(t.Status, "active")
}

// IsPhaseThree reports whether the trial is a phase 3 study. Protocols record
// the phase as either "3" or "III".
func (t *Trial) IsPhaseThree() bool {
	p := strings.TrimSpace(strings.ToUpper(t.Phase))
	return p == "3" || p == "III" || p == "PHASE 3" || p == "PHASE III"
}

// ProtocolSuffix returns the trailing protocol segment used in task ids.
func (t *Trial) ProtocolSuffix() string {
	parts := strings.Split(t.ProtocolNumber, "-")
	if len(parts) == 0 || parts[len(parts)-1] == "" {
		return fmt.Sprintf("%d", t.ID)
	}
	return parts[len(parts)-1]
}

// Site represents an investigative site participating in a trial.
type Site struct {
	ID        int64     `json:"id"`
	SiteID    string    `json:"site_id"` // sponsor-facing identifier, e.g. "SITE-014"
	TrialID   int64     `json:"trial_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// DomainSource records that a data feed is connected for a trial.
type DomainSource struct {
	ID      int64      `json:"id"`
	TrialID int64      `json:"trial_id"`
	Source  DataSource `json:"source"`
	Active  bool       `json:"active"`
}

// DomainRecord is one input data point from a clinical feed. Records carry no
// fixed schema; evaluators read named fields by convention through the typed
// accessors, which normalize json-decoded values at the ingestion boundary.
type DomainRecord struct {
	Source DataSource     `json:"source"`
	Fields map[string]any `json:"fields"`
}

// StringField returns the named field as a string, or "" when absent or not
// string-shaped.
func (r DomainRecord) StringField(key string) string {
	switch v := r.Fields[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

// FloatField returns the named field as a float64. JSON decoding yields
// float64 for all numbers; int values from native construction are accepted
// too. The second result reports presence of a usable numeric value.
func (r DomainRecord) FloatField(key string) (float64, bool) {
	switch v := r.Fields[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// TimeField returns the named field as a time.Time. String values are parsed
// as RFC 3339 or as a bare date.
func (r DomainRecord) TimeField(key string) (time.Time, bool) {
	switch v := r.Fields[key].(type) {
	case time.Time:
		return v, true
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
		if t, err := time.Parse("2006-01-02", v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Finding is an in-memory candidate issue produced by an evaluator. It is
// consumed immediately by the materializer and never persisted directly.
type Finding struct {
	Title          string   `json:"title"`
	Observation    string   `json:"observation"`
	Priority       Priority `json:"priority"`
	SiteID         string   `json:"siteId,omitempty"`
	Recommendation string   `json:"recommendation"`
	Domain         string   `json:"domain,omitempty"` // SDTM-style domain code
	RecordID       string   `json:"recordId,omitempty"`
}

// Validate ensures the finding meets the materialization contract.
func (f *Finding) Validate() error {
	if strings.TrimSpace(f.Title) == "" {
		return fmt.Errorf("finding validation: %w", ErrEmptyFindingTitle)
	}
	if strings.TrimSpace(f.Observation) == "" {
		return fmt.Errorf("finding validation: %w", ErrEmptyObservation)
	}
	if !f.Priority.IsValid() {
		return fmt.Errorf("finding validation: %w: %q", ErrInvalidPriority, f.Priority)
	}
	return nil
}

// SignalDetection is a persisted record of a detected issue. Never deleted;
// status transitions happen in the external review workflow.
type SignalDetection struct {
	ID              int64         `json:"id"`
	DetectionID     string        `json:"detection_id"`
	Title           string        `json:"title"`
	SignalType      string        `json:"signal_type"`
	DetectionType   DetectionType `json:"detection_type"`
	TrialID         int64         `json:"trial_id"`
	SiteID          *int64        `json:"site_id,omitempty"`
	Observation     string        `json:"observation"`
	Priority        Priority      `json:"priority"`
	Status          SignalStatus  `json:"status"`
	DetectionDate   time.Time     `json:"detection_date"`
	CreatedBy       string        `json:"created_by"`
	NotifiedPersons []string      `json:"notified_persons"`
}

// Task is a persisted actionable work item linked one-to-one with a signal at
// creation time. The DetectionID back-reference is non-owning.
type Task struct {
	ID          int64          `json:"id"`
	TaskID      string         `json:"task_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    Priority       `json:"priority"`
	Status      TaskStatus     `json:"status"`
	TrialID     int64          `json:"trial_id"`
	SiteID      *int64         `json:"site_id,omitempty"`
	DetectionID string         `json:"detection_id"`
	CreatedBy   string         `json:"created_by"`
	DueDate     time.Time      `json:"due_date"`
	Domain      string         `json:"domain,omitempty"`
	RecordID    string         `json:"record_id,omitempty"`
	Source      DataSource     `json:"source"`
	DataContext map[string]any `json:"data_context,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// TaskNotification is the payload sent on the notification port when an
// actionable task is created.
type TaskNotification struct {
	TaskID       string    `json:"task_id"`
	TaskTitle    string    `json:"task_title"`
	DueDate      time.Time `json:"due_date"`
	Priority     Priority  `json:"priority"`
	AssignedRole string    `json:"assigned_role"`
	Description  string    `json:"description"`
	TrialID      int64     `json:"trial_id"`
}
