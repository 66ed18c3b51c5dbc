package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"github.com/trial-signal-server/internal/domain"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestSQLiteGetTrial(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	store := newSQLiteStoreWithDB(db, quietLogger())

	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "protocol_number", "title", "phase", "status", "created_at"}).
		AddRow(1, "ONC-2024-0042", "Oncology Study", "3", "active", created)
	mock.ExpectQuery("SELECT id, protocol_number, title, phase, status, created_at FROM trials").
		WithArgs(int64(1)).
		WillReturnRows(rows)

	trial, err := store.GetTrial(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetTrial() error = %v", err)
	}
	if trial.ProtocolNumber != "ONC-2024-0042" || !trial.IsPhaseThree() {
		t.Errorf("trial = %+v", trial)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLiteGetTrialNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	store := newSQLiteStoreWithDB(db, quietLogger())

	mock.ExpectQuery("SELECT id, protocol_number").
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = store.GetTrial(context.Background(), 404)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("error = %v, expected ErrNotFound", err)
	}
}

func TestSQLiteCreateSignalDetection(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	store := newSQLiteStoreWithDB(db, quietLogger())

	mock.ExpectExec("INSERT INTO signal_detections").
		WillReturnResult(sqlmock.NewResult(5, 1))

	created, err := store.CreateSignalDetection(context.Background(), &domain.SignalDetection{
		DetectionID:     "LAB_1700000000000",
		SignalType:      "LAB Testing Risk",
		DetectionType:   domain.DetectionRuleBased,
		TrialID:         1,
		Observation:     "obs",
		Priority:        domain.PriorityHigh,
		NotifiedPersons: []string{"Data Manager", "Lab Specialist", "Medical Monitor"},
	})
	if err != nil {
		t.Fatalf("CreateSignalDetection() error = %v", err)
	}

	if created.ID != 5 {
		t.Errorf("id = %d, expected 5", created.ID)
	}
	if created.Title != "Signal Detection LAB_1700000000000" {
		t.Errorf("default title = %q", created.Title)
	}
	if created.Status != domain.SignalInitiated {
		t.Errorf("default status = %s", created.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLiteGetTask(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	store := newSQLiteStoreWithDB(db, quietLogger())

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "task_id", "title", "description", "priority", "status", "trial_id", "site_id",
		"detection_id", "created_by", "due_date", "domain", "record_id", "source",
		"data_context", "created_at", "updated_at", "completed_at",
	}).AddRow(
		3, "TSK_0042_0001", "t", "d", "High", "not_started", int64(1), nil,
		"LAB_1700000000000", "system", now.AddDate(0, 0, 7), "LB", "", "LAB_RESULTS",
		`{"audit_id":"abc"}`, now, now, nil,
	)
	mock.ExpectQuery("SELECT id, task_id").
		WithArgs("TSK_0042_0001").
		WillReturnRows(rows)

	task, err := store.GetTask(context.Background(), "TSK_0042_0001")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if task.ID != 3 || task.Priority != domain.PriorityHigh {
		t.Errorf("task = %+v", task)
	}
	if task.DataContext["audit_id"] != "abc" {
		t.Errorf("data context = %v", task.DataContext)
	}
	if task.SiteID != nil {
		t.Errorf("site id = %v, expected nil", task.SiteID)
	}
	if task.CompletedAt != nil {
		t.Error("completed_at should be nil")
	}
}

func TestSQLiteListSignalsByTrial(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	store := newSQLiteStoreWithDB(db, quietLogger())

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "detection_id", "title", "signal_type", "detection_type", "trial_id", "site_id",
		"observation", "priority", "status", "detection_date", "created_by", "notified_persons",
	}).
		AddRow(2, "SF_2", "t2", "Screening Risk", "Rule-based", int64(1), nil, "o", "High", "initiated", now, "system", `["CRA"]`).
		AddRow(1, "SF_1", "t1", "Screening Risk", "Rule-based", int64(1), nil, "o", "Medium", "initiated", now.Add(-time.Hour), "system", `[]`)
	mock.ExpectQuery("SELECT id, detection_id").
		WithArgs(int64(1)).
		WillReturnRows(rows)

	signals, err := store.ListSignalDetectionsByTrial(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListSignalDetectionsByTrial() error = %v", err)
	}
	if len(signals) != 2 {
		t.Fatalf("got %d signals, expected 2", len(signals))
	}
	if signals[0].DetectionID != "SF_2" {
		t.Errorf("first signal = %q", signals[0].DetectionID)
	}
	if len(signals[0].NotifiedPersons) != 1 || signals[0].NotifiedPersons[0] != "CRA" {
		t.Errorf("notified persons = %v", signals[0].NotifiedPersons)
	}
}
