package monitor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trial-signal-server/internal/domain"
	"github.com/trial-signal-server/internal/repository"
	"github.com/trial-signal-server/internal/service"
)

type fakeSender struct {
	mu       sync.Mutex
	messages []serverMessage
}

func (f *fakeSender) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, v.(serverMessage))
	return nil
}

func (f *fakeSender) byType(msgType string) []serverMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []serverMessage
	for _, m := range f.messages {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSender) waitFor(t *testing.T, msgType string) serverMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := f.byType(msgType); len(msgs) > 0 {
			return msgs[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s message received", msgType)
	return serverMessage{}
}

type fakeProvider struct {
	records map[domain.DataSource][]domain.DomainRecord
}

func (p *fakeProvider) FetchRecords(ctx context.Context, trialID int64, source domain.DataSource) ([]domain.DomainRecord, error) {
	return p.records[source], nil
}

func sessionLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestSession(provider *fakeProvider) (*Session, *fakeSender, *repository.MemoryStore) {
	store := repository.NewMemoryStore()
	store.SeedTrial(&domain.Trial{ID: 1, ProtocolNumber: "ONC-2024-0042", Phase: "2", Status: "active"})

	logger := sessionLogger()
	sender := &fakeSender{}
	materializer := service.NewMaterializer(store, nil, "DM", logger)
	session := NewSession(store, provider, materializer, sender, time.Hour, logger)
	return session, sender, store
}

func startMessage(trialID int64, sources []string, opts CheckOptions) []byte {
	msg := map[string]any{
		"type": MessageStartMonitoring,
		"data": map[string]any{
			"trialId": trialID,
			"sources": sources,
			"options": opts,
		},
	}
	data, _ := json.Marshal(msg)
	return data
}

func TestStartValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		message []byte
	}{
		{"garbage payload", []byte("{not json")},
		{"missing trial id", startMessage(0, []string{"EDC"}, CheckOptions{})},
		{"empty sources", startMessage(1, nil, CheckOptions{})},
		{"unknown source", startMessage(1, []string{"TELEMETRY"}, CheckOptions{})},
		{"unknown trial", startMessage(99, []string{"EDC"}, CheckOptions{})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, sender, _ := newTestSession(&fakeProvider{})

			session.HandleMessage(context.Background(), tt.message)

			if len(sender.byType(MessageError)) != 1 {
				t.Errorf("expected one ERROR message, got %v", sender.messages)
			}
			if session.State() != StateIdle {
				t.Error("session should remain idle after a rejected start")
			}

			// A stop on the idle session stays a no-op.
			session.Stop()
			if session.State() != StateIdle {
				t.Error("stop on idle session should be a no-op")
			}
		})
	}
}

func TestStartRunsImmediateCheck(t *testing.T) {
	provider := &fakeProvider{records: map[domain.DataSource][]domain.DomainRecord{
		domain.SourceEDC: {
			rec(domain.SourceEDC, map[string]any{"subjectId": "S-001", "siteId": "", "visitDate": "2025-03-01"}),
		},
	}}
	session, sender, _ := newTestSession(provider)
	defer session.Stop()

	session.HandleMessage(context.Background(),
		startMessage(1, []string{"EDC"}, CheckOptions{CheckCompleteness: true}))

	if session.State() != StateMonitoring {
		t.Fatal("session should be monitoring after a valid start")
	}
	if status := sender.waitFor(t, MessageStatus); status.Timestamp.IsZero() {
		t.Error("status message missing timestamp")
	}

	result := sender.waitFor(t, MessageDataQualityResult).Data.(qualityResultData)
	if len(result.Issues) != 1 {
		t.Fatalf("got %d issues, expected 1", len(result.Issues))
	}
	if len(result.Signals) != 1 {
		t.Fatalf("got %d signals, expected 1", len(result.Signals))
	}
	// Medium completeness issue creates a signal only.
	if len(result.Tasks) != 0 {
		t.Errorf("got %d tasks, expected none for a Medium issue", len(result.Tasks))
	}
}

func TestActionableIssueCreatesTask(t *testing.T) {
	provider := &fakeProvider{records: map[domain.DataSource][]domain.DomainRecord{
		domain.SourceLabResults: {
			rec(domain.SourceLabResults, map[string]any{
				"parameter": "Potassium", "value": 5.6, "referenceRange": "3.5-5.0",
			}),
		},
	}}
	session, sender, store := newTestSession(provider)
	defer session.Stop()

	session.HandleMessage(context.Background(),
		startMessage(1, []string{"LAB_RESULTS"}, CheckOptions{CheckAccuracy: true}))

	result := sender.waitFor(t, MessageDataQualityResult).Data.(qualityResultData)
	if len(result.Signals) != 1 || len(result.Tasks) != 1 {
		t.Fatalf("signals = %d, tasks = %d, expected 1 and 1", len(result.Signals), len(result.Tasks))
	}
	task := result.Tasks[0]
	if !strings.HasPrefix(task.TaskID, "DM_0042_") {
		t.Errorf("task id = %q, expected DM prefix with protocol suffix", task.TaskID)
	}
	if task.DetectionID != result.Signals[0].DetectionID {
		t.Error("task should reference the signal's detection id")
	}

	persisted, err := store.GetTask(context.Background(), task.TaskID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if persisted.Priority != domain.PriorityHigh {
		t.Errorf("persisted priority = %s, expected High", persisted.Priority)
	}
}

func TestStopMessageStopsMonitoring(t *testing.T) {
	session, sender, _ := newTestSession(&fakeProvider{})

	session.HandleMessage(context.Background(), startMessage(1, []string{"EDC"}, CheckOptions{}))
	if session.State() != StateMonitoring {
		t.Fatal("session should be monitoring")
	}

	stop, _ := json.Marshal(map[string]any{"type": MessageStopMonitoring})
	session.HandleMessage(context.Background(), stop)
	if session.State() != StateIdle {
		t.Error("session should be idle after stop")
	}
	if len(sender.byType(MessageStatus)) < 2 {
		t.Error("expected start and stop status messages")
	}

	// Stopping again stays safe.
	session.HandleMessage(context.Background(), stop)
	session.Stop()
}

func TestDoubleStartRejected(t *testing.T) {
	session, sender, _ := newTestSession(&fakeProvider{})
	defer session.Stop()

	start := startMessage(1, []string{"EDC"}, CheckOptions{})
	session.HandleMessage(context.Background(), start)
	session.HandleMessage(context.Background(), start)

	if len(sender.byType(MessageError)) != 1 {
		t.Error("second start should be rejected with an ERROR")
	}
	if session.State() != StateMonitoring {
		t.Error("session should still be monitoring")
	}
}

func TestUnknownMessageType(t *testing.T) {
	session, sender, _ := newTestSession(&fakeProvider{})

	msg, _ := json.Marshal(map[string]any{"type": "PING"})
	session.HandleMessage(context.Background(), msg)

	if len(sender.byType(MessageError)) != 1 {
		t.Error("unknown message type should produce an ERROR")
	}
}

func TestBusyGuardSkipsOverlappingCheck(t *testing.T) {
	session, sender, _ := newTestSession(&fakeProvider{})
	session.trial = &domain.Trial{ID: 1, ProtocolNumber: "ONC-2024-0042", Status: "active"}
	session.sources = []domain.DataSource{domain.SourceEDC}

	session.busy.Store(true)
	session.runCheck(context.Background())

	if len(sender.byType(MessageDataQualityResult)) != 0 {
		t.Error("check should be skipped while another is running")
	}
}
