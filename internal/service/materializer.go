package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/trial-signal-server/internal/domain"
)

const siteCacheSize = 256

// MaterializedFinding pairs the persisted artifacts produced from one finding.
// Task is nil when the caller materialized a signal only.
type MaterializedFinding struct {
	Signal *domain.SignalDetection
	Task   *domain.Task
}

// Materializer converts findings into persisted signal detections and tasks,
// resolving site references and emitting notifications for actionable work.
type Materializer struct {
	store      domain.Store
	notifier   domain.Notifier
	logger     *logrus.Logger
	taskPrefix string

	// siteCache memoizes siteId lookups, including misses (nil entries).
	siteCache *lru.Cache[string, *int64]
}

// NewMaterializer creates a materializer. taskPrefix leads generated task ids;
// the synchronous detection path uses "TSK" and live monitoring uses "DM".
// Generated ids stay unique across instances and process restarts.
func NewMaterializer(store domain.Store, notifier domain.Notifier, taskPrefix string, logger *logrus.Logger) *Materializer {
	cache, _ := lru.New[string, *int64](siteCacheSize)
	return &Materializer{
		store:      store,
		notifier:   notifier,
		logger:     logger,
		taskPrefix: taskPrefix,
		siteCache:  cache,
	}
}

// Materialize persists a signal and task for every finding. A failing finding
// is logged and skipped; it never aborts the batch.
func (m *Materializer) Materialize(ctx context.Context, trial *domain.Trial, source domain.DataSource, dt domain.DetectionType, findings []domain.Finding) []MaterializedFinding {
	results := make([]MaterializedFinding, 0, len(findings))
	for i := range findings {
		f := findings[i]

		signal, err := m.MaterializeSignal(ctx, trial, source, dt, f)
		if err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"trial_id": trial.ID,
				"title":    f.Title,
			}).Error("Failed to materialize signal, skipping finding")
			continue
		}

		task, err := m.MaterializeTask(ctx, trial, source, dt, f, signal)
		if err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"trial_id":     trial.ID,
				"detection_id": signal.DetectionID,
			}).Error("Failed to materialize task for signal")
			results = append(results, MaterializedFinding{Signal: signal})
			continue
		}

		results = append(results, MaterializedFinding{Signal: signal, Task: task})
	}
	return results
}

// MaterializeSignal validates the finding and persists a signal detection.
func (m *Materializer) MaterializeSignal(ctx context.Context, trial *domain.Trial, source domain.DataSource, dt domain.DetectionType, f domain.Finding) (*domain.SignalDetection, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	detectionID := fmt.Sprintf("%s_%d", source.DetectionPrefix(), nextDetectionMillis())

	signal := &domain.SignalDetection{
		DetectionID:     detectionID,
		Title:           f.Title,
		SignalType:      source.SignalCategory(),
		DetectionType:   dt,
		TrialID:         trial.ID,
		SiteID:          m.resolveSite(ctx, f.SiteID),
		Observation:     f.Observation,
		Priority:        f.Priority,
		Status:          domain.SignalInitiated,
		CreatedBy:       "system",
		NotifiedPersons: source.NotifiedRoles(f.Priority),
	}

	created, err := m.store.CreateSignalDetection(ctx, signal)
	if err != nil {
		return nil, fmt.Errorf("persisting signal %s: %w", detectionID, err)
	}

	m.logger.WithFields(logrus.Fields{
		"detection_id": created.DetectionID,
		"trial_id":     trial.ID,
		"priority":     f.Priority.String(),
		"signal_type":  created.SignalType,
	}).Info("Created signal detection")

	return created, nil
}

// MaterializeTask persists the follow-up task for a signal and notifies the
// lead assigned role when the priority is actionable.
func (m *Materializer) MaterializeTask(ctx context.Context, trial *domain.Trial, source domain.DataSource, dt domain.DetectionType, f domain.Finding, signal *domain.SignalDetection) (*domain.Task, error) {
	taskID := fmt.Sprintf("%s_%s_%s", m.taskPrefix, trial.ProtocolSuffix(), taskSuffix())

	dueDate := domain.DueDate(now(), f.Priority, dt)

	task := &domain.Task{
		TaskID:      taskID,
		Title:       f.Title,
		Description: fmt.Sprintf("%s Recommended action: %s", f.Observation, f.Recommendation),
		Priority:    f.Priority,
		Status:      domain.TaskNotStarted,
		TrialID:     trial.ID,
		SiteID:      signal.SiteID,
		DetectionID: signal.DetectionID,
		CreatedBy:   "system",
		DueDate:     dueDate,
		Domain:      f.Domain,
		RecordID:    f.RecordID,
		Source:      source,
		DataContext: map[string]any{
			"audit_id":       uuid.NewString(),
			"detection_id":   signal.DetectionID,
			"detection_type": dt.String(),
			"source":         source.String(),
			"site_id":        f.SiteID,
		},
	}

	created, err := m.store.CreateTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("persisting task %s: %w", taskID, err)
	}

	m.logger.WithFields(logrus.Fields{
		"task_id":      created.TaskID,
		"detection_id": signal.DetectionID,
		"due_date":     created.DueDate,
		"priority":     f.Priority.String(),
	}).Info("Created task")

	if f.Priority.IsActionable() {
		m.notify(ctx, trial, source, created)
	}

	return created, nil
}

// notify sends the task notification to the lead assigned role. Delivery is
// fire-and-forget; a send error never fails the materialization.
func (m *Materializer) notify(ctx context.Context, trial *domain.Trial, source domain.DataSource, task *domain.Task) {
	if m.notifier == nil {
		return
	}

	roles := source.NotifiedRoles(task.Priority)
	assigned := "Data Manager"
	if len(roles) > 0 {
		assigned = roles[0]
	}

	n := &domain.TaskNotification{
		TaskID:       task.TaskID,
		TaskTitle:    task.Title,
		DueDate:      task.DueDate,
		Priority:     task.Priority,
		AssignedRole: assigned,
		Description:  task.Description,
		TrialID:      trial.ID,
	}
	if err := m.notifier.SendTaskNotification(ctx, n); err != nil {
		m.logger.WithError(err).WithField("task_id", task.TaskID).Warn("Task notification delivery failed")
	}
}

// resolveSite maps a sponsor-facing site identifier to the internal site id.
// Lookups, including misses, are memoized; an unresolvable site leaves the
// signal trial-scoped rather than failing materialization.
func (m *Materializer) resolveSite(ctx context.Context, siteID string) *int64 {
	if siteID == "" {
		return nil
	}
	if cached, ok := m.siteCache.Get(siteID); ok {
		return cached
	}

	site, err := m.store.GetSiteBySiteID(ctx, siteID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			m.logger.WithError(err).WithField("site_id", siteID).Warn("Site lookup failed")
			return nil
		}
		m.siteCache.Add(siteID, nil)
		return nil
	}

	id := site.ID
	m.siteCache.Add(siteID, &id)
	return &id
}

// lastDetectionMillis is shared by every materializer in the process so the
// detection and monitoring paths never mint the same detection id within one
// millisecond.
var lastDetectionMillis int64

// nextDetectionMillis returns the current epoch milliseconds, bumped forward
// when a previous id already consumed that millisecond.
func nextDetectionMillis() int64 {
	for {
		current := now().UnixMilli()
		last := atomic.LoadInt64(&lastDetectionMillis)
		if current <= last {
			current = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastDetectionMillis, last, current) {
			return current
		}
	}
}

// taskSuffix returns the unique segment of a task id. Task ids are unique in
// the store across process restarts, so the suffix cannot come from an
// in-process counter.
func taskSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
