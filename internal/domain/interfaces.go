package domain

import "context"

// Store is the persistence port the detection engine depends on. Backends:
// postgres for production, sqlite for standalone deployments, memory for tests.
type Store interface {
	GetTrial(ctx context.Context, id int64) (*Trial, error)
	GetSiteBySiteID(ctx context.Context, siteID string) (*Site, error)
	GetDomainSourcesByTrialID(ctx context.Context, trialID int64) ([]DomainSource, error)

	// CreateSignalDetection persists a signal, assigning id and defaulting
	// DetectionDate to now, Status to initiated, and Title to
	// "Signal Detection {detectionId}" when omitted.
	CreateSignalDetection(ctx context.Context, signal *SignalDetection) (*SignalDetection, error)

	// CreateTask persists a task, assigning id and timestamps. CompletedAt is
	// set only when the status implies completion.
	CreateTask(ctx context.Context, task *Task) (*Task, error)

	GetSignalDetection(ctx context.Context, detectionID string) (*SignalDetection, error)
	ListSignalDetectionsByTrial(ctx context.Context, trialID int64) ([]*SignalDetection, error)
	GetTask(ctx context.Context, taskID string) (*Task, error)

	Close() error
}

// Notifier is the outbound notification port. Sends are fire-and-forget:
// implementations log failures and never propagate them.
type Notifier interface {
	SendTaskNotification(ctx context.Context, n *TaskNotification) error
}

// Detector maps a batch of domain records plus trial context to findings.
// The rule engine and the AI adapter both satisfy this contract.
type Detector interface {
	Detect(ctx context.Context, trial *Trial, source DataSource, records []DomainRecord) ([]Finding, error)
}

// RecordProvider supplies sample records for a trial and source. The live
// monitoring loop consumes whatever the collaborator returns.
type RecordProvider interface {
	FetchRecords(ctx context.Context, trialID int64, source DataSource) ([]DomainRecord, error)
}
