package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/trial-signal-server/internal/domain"
)

// PostgresStore implements domain.Store on a pgx connection pool.
type PostgresStore struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewPostgresStore creates a new postgres-backed store
func NewPostgresStore(db *pgxpool.Pool, logger *logrus.Logger) *PostgresStore {
	return &PostgresStore{
		db:  db,
		log: logger,
	}
}

// GetTrial retrieves a trial by its ID
func (s *PostgresStore) GetTrial(ctx context.Context, id int64) (*domain.Trial, error) {
	query := `
		SELECT id, protocol_number, title, phase, status, created_at
		FROM trials
		WHERE id = $1`

	var trial domain.Trial
	err := s.db.QueryRow(ctx, query, id).Scan(
		&trial.ID,
		&trial.ProtocolNumber,
		&trial.Title,
		&trial.Phase,
		&trial.Status,
		&trial.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("trial not found: %w", domain.ErrNotFound)
		}
		s.log.WithFields(logrus.Fields{
			"trial_id": id,
			"error":    err,
		}).Error("Failed to get trial")
		return nil, fmt.Errorf("getting trial: %w", err)
	}

	return &trial, nil
}

// GetSiteBySiteID retrieves a site by its sponsor-facing identifier
func (s *PostgresStore) GetSiteBySiteID(ctx context.Context, siteID string) (*domain.Site, error) {
	query := `
		SELECT id, site_id, trial_id, name, status, created_at
		FROM sites
		WHERE site_id = $1`

	var site domain.Site
	err := s.db.QueryRow(ctx, query, siteID).Scan(
		&site.ID,
		&site.SiteID,
		&site.TrialID,
		&site.Name,
		&site.Status,
		&site.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("site not found: %w", domain.ErrNotFound)
		}
		s.log.WithFields(logrus.Fields{
			"site_id": siteID,
			"error":   err,
		}).Error("Failed to get site")
		return nil, fmt.Errorf("getting site: %w", err)
	}

	return &site, nil
}

// GetDomainSourcesByTrialID retrieves the data feeds connected for a trial
func (s *PostgresStore) GetDomainSourcesByTrialID(ctx context.Context, trialID int64) ([]domain.DomainSource, error) {
	query := `
		SELECT id, trial_id, source, active
		FROM domain_sources
		WHERE trial_id = $1
		ORDER BY id`

	rows, err := s.db.Query(ctx, query, trialID)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"trial_id": trialID,
			"error":    err,
		}).Error("Failed to get domain sources")
		return nil, fmt.Errorf("getting domain sources: %w", err)
	}
	defer rows.Close()

	var sources []domain.DomainSource
	for rows.Next() {
		var src domain.DomainSource
		if err := rows.Scan(&src.ID, &src.TrialID, &src.Source, &src.Active); err != nil {
			return nil, fmt.Errorf("scanning domain source row: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating domain source rows: %w", err)
	}

	return sources, nil
}

// CreateSignalDetection inserts a signal detection, applying creation defaults
func (s *PostgresStore) CreateSignalDetection(ctx context.Context, signal *domain.SignalDetection) (*domain.SignalDetection, error) {
	created := *signal
	if created.Title == "" {
		created.Title = fmt.Sprintf("Signal Detection %s", created.DetectionID)
	}
	if created.Status == "" {
		created.Status = domain.SignalInitiated
	}
	if created.DetectionDate.IsZero() {
		created.DetectionDate = time.Now().UTC()
	}

	query := `
		INSERT INTO signal_detections (
			detection_id, title, signal_type, detection_type, trial_id, site_id,
			observation, priority, status, detection_date, created_by, notified_persons
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		RETURNING id`

	err := s.db.QueryRow(ctx, query,
		created.DetectionID,
		created.Title,
		created.SignalType,
		created.DetectionType,
		created.TrialID,
		created.SiteID,
		created.Observation,
		created.Priority,
		created.Status,
		created.DetectionDate,
		created.CreatedBy,
		created.NotifiedPersons,
	).Scan(&created.ID)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"detection_id": created.DetectionID,
			"trial_id":     created.TrialID,
			"error":        err,
		}).Error("Failed to create signal detection")
		return nil, fmt.Errorf("creating signal detection: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"detection_id": created.DetectionID,
		"trial_id":     created.TrialID,
		"priority":     created.Priority.String(),
	}).Info("Signal detection created")

	return &created, nil
}

// CreateTask inserts a task, assigning timestamps
func (s *PostgresStore) CreateTask(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	created := *task
	if created.Status == "" {
		created.Status = domain.TaskNotStarted
	}

	now := time.Now().UTC()
	created.CreatedAt = now
	created.UpdatedAt = now
	if created.Status.ImpliesCompletion() {
		created.CompletedAt = &now
	}

	dataContext, err := json.Marshal(created.DataContext)
	if err != nil {
		return nil, fmt.Errorf("marshaling task data context: %w", err)
	}

	query := `
		INSERT INTO tasks (
			task_id, title, description, priority, status, trial_id, site_id,
			detection_id, created_by, due_date, domain, record_id, source,
			data_context, created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
		RETURNING id`

	err = s.db.QueryRow(ctx, query,
		created.TaskID,
		created.Title,
		created.Description,
		created.Priority,
		created.Status,
		created.TrialID,
		created.SiteID,
		created.DetectionID,
		created.CreatedBy,
		created.DueDate,
		created.Domain,
		created.RecordID,
		created.Source,
		dataContext,
		created.CreatedAt,
		created.UpdatedAt,
		created.CompletedAt,
	).Scan(&created.ID)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"task_id":  created.TaskID,
			"trial_id": created.TrialID,
			"error":    err,
		}).Error("Failed to create task")
		return nil, fmt.Errorf("creating task: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"task_id":      created.TaskID,
		"detection_id": created.DetectionID,
		"due_date":     created.DueDate,
	}).Info("Task created")

	return &created, nil
}

// GetSignalDetection retrieves a signal by its detection identifier
func (s *PostgresStore) GetSignalDetection(ctx context.Context, detectionID string) (*domain.SignalDetection, error) {
	query := `
		SELECT id, detection_id, title, signal_type, detection_type, trial_id, site_id,
			   observation, priority, status, detection_date, created_by, notified_persons
		FROM signal_detections
		WHERE detection_id = $1`

	signal, err := scanSignal(s.db.QueryRow(ctx, query, detectionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("signal not found: %w", domain.ErrNotFound)
		}
		s.log.WithFields(logrus.Fields{
			"detection_id": detectionID,
			"error":        err,
		}).Error("Failed to get signal detection")
		return nil, fmt.Errorf("getting signal detection: %w", err)
	}

	return signal, nil
}

// ListSignalDetectionsByTrial retrieves all signals for a trial, newest first
func (s *PostgresStore) ListSignalDetectionsByTrial(ctx context.Context, trialID int64) ([]*domain.SignalDetection, error) {
	query := `
		SELECT id, detection_id, title, signal_type, detection_type, trial_id, site_id,
			   observation, priority, status, detection_date, created_by, notified_persons
		FROM signal_detections
		WHERE trial_id = $1
		ORDER BY detection_date DESC, id DESC`

	rows, err := s.db.Query(ctx, query, trialID)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"trial_id": trialID,
			"error":    err,
		}).Error("Failed to list signal detections")
		return nil, fmt.Errorf("listing signal detections: %w", err)
	}
	defer rows.Close()

	var signals []*domain.SignalDetection
	for rows.Next() {
		signal, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning signal detection row: %w", err)
		}
		signals = append(signals, signal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating signal detection rows: %w", err)
	}

	return signals, nil
}

// GetTask retrieves a task by its task identifier
func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	query := `
		SELECT id, task_id, title, description, priority, status, trial_id, site_id,
			   detection_id, created_by, due_date, domain, record_id, source,
			   data_context, created_at, updated_at, completed_at
		FROM tasks
		WHERE task_id = $1`

	var task domain.Task
	var dataContext []byte
	err := s.db.QueryRow(ctx, query, taskID).Scan(
		&task.ID,
		&task.TaskID,
		&task.Title,
		&task.Description,
		&task.Priority,
		&task.Status,
		&task.TrialID,
		&task.SiteID,
		&task.DetectionID,
		&task.CreatedBy,
		&task.DueDate,
		&task.Domain,
		&task.RecordID,
		&task.Source,
		&dataContext,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("task not found: %w", domain.ErrNotFound)
		}
		s.log.WithFields(logrus.Fields{
			"task_id": taskID,
			"error":   err,
		}).Error("Failed to get task")
		return nil, fmt.Errorf("getting task: %w", err)
	}

	if len(dataContext) > 0 {
		if err := json.Unmarshal(dataContext, &task.DataContext); err != nil {
			return nil, fmt.Errorf("unmarshaling task data context: %w", err)
		}
	}

	return &task, nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (*domain.SignalDetection, error) {
	var signal domain.SignalDetection
	err := row.Scan(
		&signal.ID,
		&signal.DetectionID,
		&signal.Title,
		&signal.SignalType,
		&signal.DetectionType,
		&signal.TrialID,
		&signal.SiteID,
		&signal.Observation,
		&signal.Priority,
		&signal.Status,
		&signal.DetectionDate,
		&signal.CreatedBy,
		&signal.NotifiedPersons,
	)
	if err != nil {
		return nil, err
	}
	return &signal, nil
}
