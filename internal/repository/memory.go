// Package repository provides persistence backends for trials, sites, signal
// detections, and tasks: postgres for production, sqlite for standalone
// deployments, and an in-memory store for tests and demos.
package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/trial-signal-server/internal/domain"
)

// MemoryStore is a thread-safe in-memory Store implementation.
type MemoryStore struct {
	mu sync.RWMutex

	trials  map[int64]*domain.Trial
	sites   map[string]*domain.Site
	sources map[int64][]domain.DomainSource

	signals      map[string]*domain.SignalDetection
	tasks        map[string]*domain.Task
	nextSignalID int64
	nextTaskID   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trials:  make(map[int64]*domain.Trial),
		sites:   make(map[string]*domain.Site),
		sources: make(map[int64][]domain.DomainSource),
		signals: make(map[string]*domain.SignalDetection),
		tasks:   make(map[string]*domain.Task),
	}
}

// SeedTrial registers a trial so detection requests can resolve it.
func (s *MemoryStore) SeedTrial(trial *domain.Trial) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trials[trial.ID] = trial
}

// SeedSite registers a site keyed by its sponsor-facing identifier.
func (s *MemoryStore) SeedSite(site *domain.Site) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[site.SiteID] = site
}

// SeedDomainSource registers a connected data feed for a trial.
func (s *MemoryStore) SeedDomainSource(src domain.DomainSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.TrialID] = append(s.sources[src.TrialID], src)
}

// GetTrial returns the trial with the given id.
func (s *MemoryStore) GetTrial(ctx context.Context, id int64) (*domain.Trial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trial, ok := s.trials[id]
	if !ok {
		return nil, fmt.Errorf("trial %d: %w", id, domain.ErrNotFound)
	}
	copied := *trial
	return &copied, nil
}

// GetSiteBySiteID returns the site with the given sponsor-facing identifier.
func (s *MemoryStore) GetSiteBySiteID(ctx context.Context, siteID string) (*domain.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[siteID]
	if !ok {
		return nil, fmt.Errorf("site %s: %w", siteID, domain.ErrNotFound)
	}
	copied := *site
	return &copied, nil
}

// GetDomainSourcesByTrialID returns the data feeds connected for a trial.
func (s *MemoryStore) GetDomainSourcesByTrialID(ctx context.Context, trialID int64) ([]domain.DomainSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DomainSource, len(s.sources[trialID]))
	copy(out, s.sources[trialID])
	return out, nil
}

// CreateSignalDetection persists a signal, applying creation defaults.
func (s *MemoryStore) CreateSignalDetection(ctx context.Context, signal *domain.SignalDetection) (*domain.SignalDetection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.signals[signal.DetectionID]; exists {
		return nil, fmt.Errorf("detection id %s already exists", signal.DetectionID)
	}

	s.nextSignalID++
	copied := *signal
	copied.ID = s.nextSignalID
	applySignalDefaults(&copied)

	s.signals[copied.DetectionID] = &copied
	result := copied
	return &result, nil
}

func applySignalDefaults(signal *domain.SignalDetection) {
	if signal.Title == "" {
		signal.Title = fmt.Sprintf("Signal Detection %s", signal.DetectionID)
	}
	if signal.Status == "" {
		signal.Status = domain.SignalInitiated
	}
	if signal.DetectionDate.IsZero() {
		signal.DetectionDate = time.Now().UTC()
	}
}

// CreateTask persists a task, assigning timestamps.
func (s *MemoryStore) CreateTask(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.TaskID]; exists {
		return nil, fmt.Errorf("task id %s already exists", task.TaskID)
	}

	s.nextTaskID++
	copied := *task
	copied.ID = s.nextTaskID

	nowTS := time.Now().UTC()
	copied.CreatedAt = nowTS
	copied.UpdatedAt = nowTS
	if copied.Status == "" {
		copied.Status = domain.TaskNotStarted
	}
	if copied.Status.ImpliesCompletion() {
		copied.CompletedAt = &nowTS
	}

	s.tasks[copied.TaskID] = &copied
	result := copied
	return &result, nil
}

// GetSignalDetection returns the signal with the given detection id.
func (s *MemoryStore) GetSignalDetection(ctx context.Context, detectionID string) (*domain.SignalDetection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	signal, ok := s.signals[detectionID]
	if !ok {
		return nil, fmt.Errorf("signal %s: %w", detectionID, domain.ErrNotFound)
	}
	copied := *signal
	return &copied, nil
}

// ListSignalDetectionsByTrial returns all signals for a trial, newest first.
func (s *MemoryStore) ListSignalDetectionsByTrial(ctx context.Context, trialID int64) ([]*domain.SignalDetection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.SignalDetection
	for _, signal := range s.signals {
		if signal.TrialID != trialID {
			continue
		}
		copied := *signal
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// GetTask returns the task with the given task id.
func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	copied := *task
	return &copied, nil
}

// Close releases nothing for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
