package service

import (
	"context"
	"errors"
	"testing"

	"github.com/trial-signal-server/internal/domain"
	"github.com/trial-signal-server/internal/repository"
)

type stubDetector struct {
	findings []domain.Finding
	err      error
	calls    int
}

func (d *stubDetector) Detect(ctx context.Context, trial *domain.Trial, source domain.DataSource, records []domain.DomainRecord) ([]domain.Finding, error) {
	d.calls++
	return d.findings, d.err
}

func newDetectionService(store domain.Store, ai domain.Detector) *DetectionService {
	logger := testLogger()
	return NewDetectionService(store, NewRuleEngine(logger), ai,
		NewCrossSourceEvaluator(logger),
		NewMaterializer(store, nil, "TSK", logger), logger)
}

func TestRunValidation(t *testing.T) {
	svc := newDetectionService(repository.NewMemoryStore(), nil)

	tests := []struct {
		name string
		req  DetectionRequest
	}{
		{"missing trial id", DetectionRequest{DataSource: domain.SourceEDC}},
		{"bad source", DetectionRequest{TrialID: 1, DataSource: "TELEMETRY"}},
		{"bad detection type", DetectionRequest{TrialID: 1, DataSource: domain.SourceEDC, DetectionType: "Psychic"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Run(context.Background(), &tt.req)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("error type = %T, expected *ValidationError", err)
			}
		})
	}
}

func TestRunUnknownTrial(t *testing.T) {
	svc := newDetectionService(repository.NewMemoryStore(), nil)

	_, err := svc.Run(context.Background(), &DetectionRequest{
		TrialID:    99,
		DataSource: domain.SourceEDC,
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("error = %v, expected ErrNotFound", err)
	}
}

func TestRunRuleBasedPath(t *testing.T) {
	trial := activeTrial()
	store := seededStore(trial)
	svc := newDetectionService(store, nil)

	req := &DetectionRequest{
		TrialID:    trial.ID,
		DataSource: domain.SourceScreenFailure,
		DataPoints: siteRecords(domain.SourceScreenFailure, "SITE-001", 12, nil),
	}

	resp, err := svc.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !resp.Success {
		t.Error("expected success")
	}
	if resp.Method != domain.DetectionRuleBased {
		t.Errorf("method = %s, expected Rule-based", resp.Method)
	}
	if len(resp.Detections) != 1 || len(resp.Tasks) != 1 {
		t.Fatalf("detections = %d, tasks = %d", len(resp.Detections), len(resp.Tasks))
	}

	// Persisted and readable back through the store.
	persisted, err := store.GetSignalDetection(context.Background(), resp.Detections[0].DetectionID)
	if err != nil {
		t.Fatalf("GetSignalDetection() error = %v", err)
	}
	if persisted.Priority != domain.PriorityHigh {
		t.Errorf("persisted priority = %s, expected High", persisted.Priority)
	}
}

func TestRunDetectionTypeOverride(t *testing.T) {
	trial := activeTrial()
	store := seededStore(trial)
	svc := newDetectionService(store, nil)

	resp, err := svc.Run(context.Background(), &DetectionRequest{
		TrialID:       trial.ID,
		DataSource:    domain.SourceScreenFailure,
		DataPoints:    siteRecords(domain.SourceScreenFailure, "SITE-001", 12, nil),
		DetectionType: domain.DetectionManual,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Method != domain.DetectionManual {
		t.Errorf("method = %s, expected the requested Manual label", resp.Method)
	}
	if resp.Detections[0].DetectionType != domain.DetectionManual {
		t.Errorf("signal detection type = %s, expected Manual", resp.Detections[0].DetectionType)
	}
}

func TestRunIncludesCrossSourceFindings(t *testing.T) {
	trial := activeTrial()
	store := seededStore(trial)
	store.SeedDomainSource(domain.DomainSource{ID: 1, TrialID: trial.ID, Source: domain.SourceEDC, Active: true})
	store.SeedDomainSource(domain.DomainSource{ID: 2, TrialID: trial.ID, Source: domain.SourceLabResults, Active: true})
	svc := newDetectionService(store, nil)

	resp, err := svc.Run(context.Background(), &DetectionRequest{
		TrialID:    trial.ID,
		DataSource: domain.SourceEDC,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(resp.Detections) != 2 {
		t.Fatalf("detections = %d, expected the 2 cross-source findings", len(resp.Detections))
	}
}

func TestRunAIPath(t *testing.T) {
	trial := activeTrial()
	store := seededStore(trial)
	ai := &stubDetector{findings: []domain.Finding{validFinding(domain.PriorityMedium)}}
	svc := newDetectionService(store, ai)

	resp, err := svc.Run(context.Background(), &DetectionRequest{
		TrialID:    trial.ID,
		DataSource: domain.SourceLabResults,
		UseAI:      true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Method != domain.DetectionAIPowered {
		t.Errorf("method = %s, expected AI-powered", resp.Method)
	}
	if ai.calls != 1 {
		t.Errorf("AI detector calls = %d, expected 1", ai.calls)
	}
	if len(resp.Detections) != 1 {
		t.Errorf("detections = %d, expected 1", len(resp.Detections))
	}
}

func TestRunAIFailureFallsBackToRules(t *testing.T) {
	trial := activeTrial()
	store := seededStore(trial)
	ai := &stubDetector{err: errors.New("model unavailable")}
	svc := newDetectionService(store, ai)

	resp, err := svc.Run(context.Background(), &DetectionRequest{
		TrialID:    trial.ID,
		DataSource: domain.SourceScreenFailure,
		DataPoints: siteRecords(domain.SourceScreenFailure, "SITE-001", 12, nil),
		UseAI:      true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Method != domain.DetectionRuleBased {
		t.Errorf("method = %s, expected rule-based fallback", resp.Method)
	}
	if len(resp.Detections) != 1 {
		t.Errorf("detections = %d, expected 1 from the rule engine", len(resp.Detections))
	}
}

func TestRunAIRequestedButNotConfigured(t *testing.T) {
	trial := activeTrial()
	svc := newDetectionService(seededStore(trial), nil)

	resp, err := svc.Run(context.Background(), &DetectionRequest{
		TrialID:    trial.ID,
		DataSource: domain.SourceEnrollment,
		DataPoints: siteRecords(domain.SourceEnrollment, "SITE-001", 1, nil),
		UseAI:      true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Method != domain.DetectionRuleBased {
		t.Errorf("method = %s, expected rule-based when AI is not configured", resp.Method)
	}
}
