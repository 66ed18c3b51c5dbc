package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trial-signal-server/internal/domain"
)

func TestMemoryStoreTrialLookup(t *testing.T) {
	store := NewMemoryStore()
	store.SeedTrial(&domain.Trial{ID: 1, ProtocolNumber: "ONC-2024-0042", Status: "active"})

	trial, err := store.GetTrial(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetTrial() error = %v", err)
	}
	if trial.ProtocolNumber != "ONC-2024-0042" {
		t.Errorf("protocol = %q", trial.ProtocolNumber)
	}

	_, err = store.GetTrial(context.Background(), 2)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing trial error = %v, expected ErrNotFound", err)
	}
}

func TestMemoryStoreSiteLookup(t *testing.T) {
	store := NewMemoryStore()
	store.SeedSite(&domain.Site{ID: 7, SiteID: "SITE-001", TrialID: 1})

	site, err := store.GetSiteBySiteID(context.Background(), "SITE-001")
	if err != nil {
		t.Fatalf("GetSiteBySiteID() error = %v", err)
	}
	if site.ID != 7 {
		t.Errorf("site id = %d", site.ID)
	}

	_, err = store.GetSiteBySiteID(context.Background(), "SITE-404")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing site error = %v, expected ErrNotFound", err)
	}
}

func TestMemoryStoreSignalDefaults(t *testing.T) {
	store := NewMemoryStore()

	created, err := store.CreateSignalDetection(context.Background(), &domain.SignalDetection{
		DetectionID: "SF_1700000000000",
		TrialID:     1,
		Observation: "obs",
		Priority:    domain.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("CreateSignalDetection() error = %v", err)
	}

	if created.ID == 0 {
		t.Error("id should be assigned")
	}
	if created.Title != "Signal Detection SF_1700000000000" {
		t.Errorf("default title = %q", created.Title)
	}
	if created.Status != domain.SignalInitiated {
		t.Errorf("default status = %s", created.Status)
	}
	if created.DetectionDate.IsZero() {
		t.Error("detection date should default to now")
	}

	// Explicit fields are not overridden.
	custom, err := store.CreateSignalDetection(context.Background(), &domain.SignalDetection{
		DetectionID:   "SF_1700000000001",
		Title:         "Custom Title",
		TrialID:       1,
		Observation:   "obs",
		Priority:      domain.PriorityLow,
		Status:        domain.SignalUnderReview,
		DetectionDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateSignalDetection() error = %v", err)
	}
	if custom.Title != "Custom Title" || custom.Status != domain.SignalUnderReview {
		t.Errorf("explicit fields overridden: %+v", custom)
	}
}

func TestMemoryStoreDuplicateDetectionID(t *testing.T) {
	store := NewMemoryStore()
	signal := &domain.SignalDetection{DetectionID: "SF_1", TrialID: 1, Observation: "o", Priority: domain.PriorityLow}

	if _, err := store.CreateSignalDetection(context.Background(), signal); err != nil {
		t.Fatalf("first create error = %v", err)
	}
	if _, err := store.CreateSignalDetection(context.Background(), signal); err == nil {
		t.Error("duplicate detection id should be rejected")
	}
}

func TestMemoryStoreTaskTimestamps(t *testing.T) {
	store := NewMemoryStore()

	task, err := store.CreateTask(context.Background(), &domain.Task{
		TaskID:      "TSK_0042_0001",
		Title:       "t",
		Priority:    domain.PriorityHigh,
		TrialID:     1,
		DetectionID: "SF_1",
		DueDate:     time.Now().AddDate(0, 0, 7),
		Source:      domain.SourceScreenFailure,
	})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if task.CreatedAt.IsZero() || task.UpdatedAt.IsZero() {
		t.Error("timestamps should be assigned")
	}
	if task.Status != domain.TaskNotStarted {
		t.Errorf("default status = %s", task.Status)
	}
	if task.CompletedAt != nil {
		t.Error("completed_at should be nil for a new task")
	}

	done, err := store.CreateTask(context.Background(), &domain.Task{
		TaskID:      "TSK_0042_0002",
		Title:       "t",
		Priority:    domain.PriorityLow,
		Status:      domain.TaskCompleted,
		TrialID:     1,
		DetectionID: "SF_1",
		DueDate:     time.Now(),
		Source:      domain.SourceEDC,
	})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if done.CompletedAt == nil {
		t.Error("completed status should set completed_at")
	}
}

func TestMemoryStoreListByTrial(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, trialID := range []int64{1, 1, 2} {
		_, err := store.CreateSignalDetection(ctx, &domain.SignalDetection{
			DetectionID: "SIG_" + string(rune('a'+i)),
			TrialID:     trialID,
			Observation: "o",
			Priority:    domain.PriorityLow,
		})
		if err != nil {
			t.Fatalf("create %d error = %v", i, err)
		}
	}

	signals, err := store.ListSignalDetectionsByTrial(ctx, 1)
	if err != nil {
		t.Fatalf("ListSignalDetectionsByTrial() error = %v", err)
	}
	if len(signals) != 2 {
		t.Fatalf("got %d signals, expected 2", len(signals))
	}
	if signals[0].ID < signals[1].ID {
		t.Error("signals should be ordered newest first")
	}
}

func TestMemoryStoreDomainSources(t *testing.T) {
	store := NewMemoryStore()
	store.SeedDomainSource(domain.DomainSource{ID: 1, TrialID: 1, Source: domain.SourceEDC, Active: true})
	store.SeedDomainSource(domain.DomainSource{ID: 2, TrialID: 1, Source: domain.SourceCTMS, Active: false})

	sources, err := store.GetDomainSourcesByTrialID(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetDomainSourcesByTrialID() error = %v", err)
	}
	if len(sources) != 2 {
		t.Errorf("got %d sources, expected 2", len(sources))
	}

	empty, err := store.GetDomainSourcesByTrialID(context.Background(), 9)
	if err != nil || len(empty) != 0 {
		t.Errorf("unknown trial sources = %v, %v", empty, err)
	}
}
