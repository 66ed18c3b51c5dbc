package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/trial-signal-server/internal/domain"
)

// SQLiteStore implements domain.Store on an embedded SQLite database for
// standalone deployments.
type SQLiteStore struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewSQLiteStore creates a new SQLite store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("SQLite store opened")

	return &SQLiteStore{db: db, log: logger}, nil
}

// newSQLiteStoreWithDB wraps an existing handle; used by tests with sqlmock.
func newSQLiteStoreWithDB(db *sql.DB, logger *logrus.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, log: logger}
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS trials (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		protocol_number TEXT NOT NULL UNIQUE,
		title TEXT DEFAULT '',
		phase TEXT DEFAULT '',
		status TEXT DEFAULT 'active',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sites (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		site_id TEXT NOT NULL UNIQUE,
		trial_id INTEGER NOT NULL REFERENCES trials(id),
		name TEXT DEFAULT '',
		status TEXT DEFAULT 'active',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS domain_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trial_id INTEGER NOT NULL REFERENCES trials(id),
		source TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		UNIQUE(trial_id, source)
	);

	CREATE TABLE IF NOT EXISTS signal_detections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		detection_id TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		signal_type TEXT NOT NULL,
		detection_type TEXT NOT NULL,
		trial_id INTEGER NOT NULL REFERENCES trials(id),
		site_id INTEGER REFERENCES sites(id),
		observation TEXT NOT NULL,
		priority TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'initiated',
		detection_date DATETIME NOT NULL,
		created_by TEXT DEFAULT 'system',
		notified_persons TEXT DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		priority TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'not_started',
		trial_id INTEGER NOT NULL REFERENCES trials(id),
		site_id INTEGER REFERENCES sites(id),
		detection_id TEXT NOT NULL,
		created_by TEXT DEFAULT 'system',
		due_date DATETIME NOT NULL,
		domain TEXT DEFAULT '',
		record_id TEXT DEFAULT '',
		source TEXT NOT NULL,
		data_context TEXT DEFAULT '{}',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_signal_trial ON signal_detections(trial_id);
	CREATE INDEX IF NOT EXISTS idx_signal_detection_id ON signal_detections(detection_id);
	CREATE INDEX IF NOT EXISTS idx_task_trial ON tasks(trial_id);
	CREATE INDEX IF NOT EXISTS idx_task_detection ON tasks(detection_id);
	`

	_, err := db.Exec(schema)
	return err
}

// GetTrial retrieves a trial by its ID
func (s *SQLiteStore) GetTrial(ctx context.Context, id int64) (*domain.Trial, error) {
	var trial domain.Trial
	err := s.db.QueryRowContext(ctx,
		"SELECT id, protocol_number, title, phase, status, created_at FROM trials WHERE id = ?", id,
	).Scan(&trial.ID, &trial.ProtocolNumber, &trial.Title, &trial.Phase, &trial.Status, &trial.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trial not found: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting trial: %w", err)
	}
	return &trial, nil
}

// GetSiteBySiteID retrieves a site by its sponsor-facing identifier
func (s *SQLiteStore) GetSiteBySiteID(ctx context.Context, siteID string) (*domain.Site, error) {
	var site domain.Site
	err := s.db.QueryRowContext(ctx,
		"SELECT id, site_id, trial_id, name, status, created_at FROM sites WHERE site_id = ?", siteID,
	).Scan(&site.ID, &site.SiteID, &site.TrialID, &site.Name, &site.Status, &site.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("site not found: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting site: %w", err)
	}
	return &site, nil
}

// GetDomainSourcesByTrialID retrieves the data feeds connected for a trial
func (s *SQLiteStore) GetDomainSourcesByTrialID(ctx context.Context, trialID int64) ([]domain.DomainSource, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, trial_id, source, active FROM domain_sources WHERE trial_id = ? ORDER BY id", trialID)
	if err != nil {
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
	return sources, rows.Err()
}

// CreateSignalDetection inserts a signal detection, applying creation defaults
func (s *SQLiteStore) CreateSignalDetection(ctx context.Context, signal *domain.SignalDetection) (*domain.SignalDetection, error) {
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

	notified, err := json.Marshal(created.NotifiedPersons)
	if err != nil {
		return nil, fmt.Errorf("marshaling notified persons: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO signal_detections (
			detection_id, title, signal_type, detection_type, trial_id, site_id,
			observation, priority, status, detection_date, created_by, notified_persons
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		created.DetectionID, created.Title, created.SignalType, string(created.DetectionType),
		created.TrialID, created.SiteID, created.Observation, string(created.Priority),
		string(created.Status), created.DetectionDate, created.CreatedBy, string(notified),
	)
	if err != nil {
		s.log.WithError(err).WithField("detection_id", created.DetectionID).Error("Failed to create signal detection")
		return nil, fmt.Errorf("creating signal detection: %w", err)
	}

	created.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading signal insert id: %w", err)
	}

	return &created, nil
}

// CreateTask inserts a task, assigning timestamps
func (s *SQLiteStore) CreateTask(ctx context.Context, task *domain.Task) (*domain.Task, error) {
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

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			task_id, title, description, priority, status, trial_id, site_id,
			detection_id, created_by, due_date, domain, record_id, source,
			data_context, created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		created.TaskID, created.Title, created.Description, string(created.Priority),
		string(created.Status), created.TrialID, created.SiteID, created.DetectionID,
		created.CreatedBy, created.DueDate, created.Domain, created.RecordID,
		string(created.Source), string(dataContext), created.CreatedAt, created.UpdatedAt,
		created.CompletedAt,
	)
	if err != nil {
		s.log.WithError(err).WithField("task_id", created.TaskID).Error("Failed to create task")
		return nil, fmt.Errorf("creating task: %w", err)
	}

	created.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading task insert id: %w", err)
	}

	return &created, nil
}

// GetSignalDetection retrieves a signal by its detection identifier
func (s *SQLiteStore) GetSignalDetection(ctx context.Context, detectionID string) (*domain.SignalDetection, error) {
	signal, err := scanSQLiteSignal(s.db.QueryRowContext(ctx, `
		SELECT id, detection_id, title, signal_type, detection_type, trial_id, site_id,
			   observation, priority, status, detection_date, created_by, notified_persons
		FROM signal_detections WHERE detection_id = ?`, detectionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("signal not found: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting signal detection: %w", err)
	}
	return signal, nil
}

// ListSignalDetectionsByTrial retrieves all signals for a trial, newest first
func (s *SQLiteStore) ListSignalDetectionsByTrial(ctx context.Context, trialID int64) ([]*domain.SignalDetection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, detection_id, title, signal_type, detection_type, trial_id, site_id,
			   observation, priority, status, detection_date, created_by, notified_persons
		FROM signal_detections WHERE trial_id = ?
		ORDER BY detection_date DESC, id DESC`, trialID)
	if err != nil {
		return nil, fmt.Errorf("listing signal detections: %w", err)
	}
	defer rows.Close()

	var signals []*domain.SignalDetection
	for rows.Next() {
		signal, err := scanSQLiteSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning signal detection row: %w", err)
		}
		signals = append(signals, signal)
	}
	return signals, rows.Err()
}

// GetTask retrieves a task by its task identifier
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	var task domain.Task
	var dataContext string
	var completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, title, description, priority, status, trial_id, site_id,
			   detection_id, created_by, due_date, domain, record_id, source,
			   data_context, created_at, updated_at, completed_at
		FROM tasks WHERE task_id = ?`, taskID,
	).Scan(
		&task.ID, &task.TaskID, &task.Title, &task.Description, &task.Priority,
		&task.Status, &task.TrialID, &task.SiteID, &task.DetectionID, &task.CreatedBy,
		&task.DueDate, &task.Domain, &task.RecordID, &task.Source, &dataContext,
		&task.CreatedAt, &task.UpdatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task not found: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting task: %w", err)
	}

	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if dataContext != "" {
		if err := json.Unmarshal([]byte(dataContext), &task.DataContext); err != nil {
			return nil, fmt.Errorf("unmarshaling task data context: %w", err)
		}
	}

	return &task, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSignal(row scanner) (*domain.SignalDetection, error) {
	var signal domain.SignalDetection
	var notified string

	err := row.Scan(
		&signal.ID, &signal.DetectionID, &signal.Title, &signal.SignalType,
		&signal.DetectionType, &signal.TrialID, &signal.SiteID, &signal.Observation,
		&signal.Priority, &signal.Status, &signal.DetectionDate, &signal.CreatedBy,
		&notified,
	)
	if err != nil {
		return nil, err
	}

	if notified != "" {
		if err := json.Unmarshal([]byte(notified), &signal.NotifiedPersons); err != nil {
			return nil, fmt.Errorf("unmarshaling notified persons: %w", err)
		}
	}
	return &signal, nil
}
