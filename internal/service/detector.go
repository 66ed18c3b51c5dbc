package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/trial-signal-server/internal/domain"
)

// DetectionRequest is one synchronous detection run over a batch of records.
// DetectionType, when set, overrides the recorded detection method (callers
// use it to label manually triggered runs).
type DetectionRequest struct {
	TrialID       int64                 `json:"trialId" binding:"required"`
	DataSource    domain.DataSource     `json:"dataSource" binding:"required"`
	DataPoints    []domain.DomainRecord `json:"dataPoints"`
	DetectionType domain.DetectionType  `json:"detectionType"`
	UseAI         bool                  `json:"useAI"`
}

// Validate checks the request before any store access.
func (r *DetectionRequest) Validate() error {
	if r.TrialID <= 0 {
		return domain.NewValidationError("trialId", "trial id must be positive", r.TrialID)
	}
	if !r.DataSource.IsValid() {
		return domain.NewValidationError("dataSource", "unknown data source", string(r.DataSource))
	}
	if r.DetectionType != "" && !r.DetectionType.IsValid() {
		return domain.NewValidationError("detectionType", "unknown detection type", string(r.DetectionType))
	}
	return nil
}

// DetectionResponse reports the outcome of a detection run.
type DetectionResponse struct {
	Success    bool                      `json:"success"`
	Method     domain.DetectionType      `json:"method"`
	Message    string                    `json:"message"`
	Detections []*domain.SignalDetection `json:"detections"`
	Tasks      []*domain.Task            `json:"tasks"`
}

// DetectionService orchestrates a detection run: per-source evaluation (AI or
// rules), cross-source consistency checks, and materialization of the
// resulting findings.
type DetectionService struct {
	store        domain.Store
	rules        *RuleEngine
	ai           domain.Detector // nil when the AI path is not configured
	crossSource  *CrossSourceEvaluator
	materializer *Materializer
	logger       *logrus.Logger
}

// NewDetectionService creates the detection orchestrator. ai may be nil, in
// which case requests asking for AI silently use the rule engine.
func NewDetectionService(store domain.Store, rules *RuleEngine, ai domain.Detector, crossSource *CrossSourceEvaluator, materializer *Materializer, logger *logrus.Logger) *DetectionService {
	return &DetectionService{
		store:        store,
		rules:        rules,
		ai:           ai,
		crossSource:  crossSource,
		materializer: materializer,
		logger:       logger,
	}
}

// Run executes one detection pass for the request and persists the results.
func (s *DetectionService) Run(ctx context.Context, req *DetectionRequest) (*DetectionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	trial, err := s.store.GetTrial(ctx, req.TrialID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("trial %d: %w", req.TrialID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("loading trial %d: %w", req.TrialID, err)
	}

	findings, method := s.evaluate(ctx, trial, req)
	if req.DetectionType != "" {
		method = req.DetectionType
	}

	sources, err := s.store.GetDomainSourcesByTrialID(ctx, trial.ID)
	if err != nil {
		s.logger.WithError(err).WithField("trial_id", trial.ID).Warn("Skipping cross-source checks: source lookup failed")
	} else {
		findings = append(findings, s.crossSource.Evaluate(ctx, trial, sources)...)
	}

	results := s.materializer.Materialize(ctx, trial, req.DataSource, method, findings)

	resp := &DetectionResponse{
		Success: true,
		Method:  method,
		Message: fmt.Sprintf("Detection completed: %d finding(s), %d persisted", len(findings), len(results)),
	}
	for _, r := range results {
		resp.Detections = append(resp.Detections, r.Signal)
		if r.Task != nil {
			resp.Tasks = append(resp.Tasks, r.Task)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"trial_id":   trial.ID,
		"source":     req.DataSource.String(),
		"method":     method.String(),
		"detections": len(resp.Detections),
	}).Info("Detection run completed")

	return resp, nil
}

// evaluate runs the AI detector when requested and available, falling back to
// the rule engine on any AI failure.
func (s *DetectionService) evaluate(ctx context.Context, trial *domain.Trial, req *DetectionRequest) ([]domain.Finding, domain.DetectionType) {
	if req.UseAI && s.ai != nil {
		findings, err := s.ai.Detect(ctx, trial, req.DataSource, req.DataPoints)
		if err == nil {
			return findings, domain.DetectionAIPowered
		}
		s.logger.WithError(err).WithFields(logrus.Fields{
			"trial_id": trial.ID,
			"source":   req.DataSource.String(),
		}).Warn("AI detection failed, falling back to rule engine")
	}

	findings, err := s.rules.Detect(ctx, trial, req.DataSource, req.DataPoints)
	if err != nil {
		s.logger.WithError(err).WithField("trial_id", trial.ID).Error("Rule evaluation failed")
		return nil, domain.DetectionRuleBased
	}
	return findings, domain.DetectionRuleBased
}
