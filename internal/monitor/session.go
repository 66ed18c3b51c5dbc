package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trial-signal-server/internal/domain"
	"github.com/trial-signal-server/internal/service"
)

// Inbound message types.
const (
	MessageStartMonitoring = "START_MONITORING"
	MessageStopMonitoring  = "STOP_MONITORING"
)

// Outbound message types.
const (
	MessageStatus            = "STATUS"
	MessageDataQualityResult = "DATA_QUALITY_RESULT"
	MessageError             = "ERROR"
)

// State is the lifecycle state of a monitoring session.
type State int

const (
	StateIdle State = iota
	StateMonitoring
)

// Sender writes one JSON message to the client. *websocket.Conn satisfies it.
type Sender interface {
	WriteJSON(v any) error
}

// clientMessage is the inbound wire format.
type clientMessage struct {
	Type string       `json:"type"`
	Data startRequest `json:"data"`
}

// startRequest is the START_MONITORING payload.
type startRequest struct {
	TrialID int64               `json:"trialId"`
	Sources []domain.DataSource `json:"sources"`
	Options CheckOptions        `json:"options"`
}

// serverMessage is the outbound wire format: a type, a type-specific data
// payload, and a timestamp.
type serverMessage struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// messageData is the payload for STATUS and ERROR messages.
type messageData struct {
	Message string `json:"message"`
}

// qualityResultData is the payload for DATA_QUALITY_RESULT messages.
type qualityResultData struct {
	Issues  []QualityIssue            `json:"issues"`
	Signals []*domain.SignalDetection `json:"signals"`
	Tasks   []*domain.Task            `json:"tasks"`
}

// Session is the per-connection monitoring state machine. One goroutine runs
// the periodic check loop while HandleMessage reacts to client messages; the
// busy flag keeps a slow check from overlapping the next tick.
type Session struct {
	store        domain.Store
	provider     domain.RecordProvider
	materializer *service.Materializer
	sender       Sender
	logger       *logrus.Logger
	interval     time.Duration

	mu      sync.Mutex
	state   State
	trial   *domain.Trial
	sources []domain.DataSource
	options CheckOptions
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	busy atomic.Bool
}

// NewSession creates an idle monitoring session bound to one client
// connection. The materializer should generate task ids with the "DM" prefix.
func NewSession(store domain.Store, provider domain.RecordProvider, materializer *service.Materializer, sender Sender, interval time.Duration, logger *logrus.Logger) *Session {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Session{
		store:        store,
		provider:     provider,
		materializer: materializer,
		sender:       sender,
		logger:       logger,
		interval:     interval,
		state:        StateIdle,
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HandleMessage processes one inbound client message.
func (s *Session) HandleMessage(ctx context.Context, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError("invalid message format")
		return
	}

	switch msg.Type {
	case MessageStartMonitoring:
		s.handleStart(ctx, msg.Data)
	case MessageStopMonitoring:
		s.Stop()
		s.sendStatus("monitoring stopped")
	default:
		s.sendError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

// handleStart validates the request and starts the check loop. Any validation
// failure leaves the session idle.
func (s *Session) handleStart(ctx context.Context, req startRequest) {
	if req.TrialID <= 0 {
		s.sendError("trialId is required")
		return
	}
	if len(req.Sources) == 0 {
		s.sendError("at least one data source is required")
		return
	}
	for _, src := range req.Sources {
		if !src.IsValid() {
			s.sendError(fmt.Sprintf("unknown data source: %s", src))
			return
		}
	}

	trial, err := s.store.GetTrial(ctx, req.TrialID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.sendError(fmt.Sprintf("trial %d not found", req.TrialID))
		} else {
			s.sendError("trial lookup failed")
		}
		return
	}

	s.mu.Lock()
	if s.state == StateMonitoring {
		s.mu.Unlock()
		s.sendError("monitoring already active")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.state = StateMonitoring
	s.trial = trial
	s.sources = req.Sources
	s.options = req.Options
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"trial_id": trial.ID,
		"sources":  len(req.Sources),
		"interval": s.interval.String(),
	}).Info("Monitoring session started")

	s.sendStatus(fmt.Sprintf("monitoring started for trial %d", trial.ID))

	go s.run(loopCtx)
}

// Stop halts the check loop. Safe to call repeatedly and on an idle session.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.logger.Info("Monitoring session stopped")
}

// run executes an immediate check, then one per interval until cancelled.
func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	s.runCheck(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCheck(ctx)
		}
	}
}

// runCheck samples records for every monitored source, evaluates the enabled
// checkers, and materializes the resulting issues. A tick arriving while a
// check is still running is skipped.
func (s *Session) runCheck(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		s.logger.Debug("Previous quality check still running, skipping tick")
		return
	}
	defer s.busy.Store(false)

	s.mu.Lock()
	trial := s.trial
	sources := s.sources
	options := s.options
	s.mu.Unlock()
	if trial == nil {
		return
	}

	records := make(map[domain.DataSource][]domain.DomainRecord, len(sources))
	for _, src := range sources {
		recs, err := s.provider.FetchRecords(ctx, trial.ID, src)
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"trial_id": trial.ID,
				"source":   src.String(),
			}).Warn("Failed to fetch records for quality check")
			continue
		}
		records[src] = recs
	}

	issues := runCheckers(options, records)

	var signals []*domain.SignalDetection
	var tasks []*domain.Task
	for _, issue := range issues {
		signal, err := s.materializer.MaterializeSignal(ctx, trial, issue.Source, domain.DetectionAutomated, issue.Finding)
		if err != nil {
			s.logger.WithError(err).WithField("title", issue.Finding.Title).Error("Failed to materialize quality signal")
			continue
		}
		signals = append(signals, signal)

		if issue.Finding.Priority.IsActionable() {
			task, err := s.materializer.MaterializeTask(ctx, trial, issue.Source, domain.DetectionAutomated, issue.Finding, signal)
			if err != nil {
				s.logger.WithError(err).WithField("detection_id", signal.DetectionID).Error("Failed to materialize quality task")
				continue
			}
			tasks = append(tasks, task)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"trial_id": trial.ID,
		"issues":   len(issues),
		"signals":  len(signals),
		"tasks":    len(tasks),
	}).Info("Quality check completed")

	s.send(MessageDataQualityResult, qualityResultData{
		Issues:  issues,
		Signals: signals,
		Tasks:   tasks,
	})
}

func (s *Session) sendStatus(message string) {
	s.send(MessageStatus, messageData{Message: message})
}

func (s *Session) sendError(message string) {
	s.send(MessageError, messageData{Message: message})
}

// send serializes writes to the client; websocket connections allow only one
// concurrent writer.
func (s *Session) send(msgType string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := serverMessage{Type: msgType, Data: data, Timestamp: time.Now().UTC()}
	if err := s.sender.WriteJSON(msg); err != nil {
		s.logger.WithError(err).Debug("Failed to write message to client")
	}
}
