package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-signal-server/internal/domain"
	"github.com/trial-signal-server/internal/repository"
	"github.com/trial-signal-server/internal/service"
)

func testServer(t *testing.T) (*Server, *repository.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store := repository.NewMemoryStore()
	store.SeedTrial(&domain.Trial{ID: 1, ProtocolNumber: "ONC-2024-0042", Phase: "2", Status: "active"})
	store.SeedSite(&domain.Site{ID: 42, SiteID: "SITE-001", TrialID: 1})

	materializer := service.NewMaterializer(store, nil, "TSK", logger)
	detection := service.NewDetectionService(store, service.NewRuleEngine(logger), nil,
		service.NewCrossSourceEvaluator(logger), materializer, logger)

	monitorMaterializer := service.NewMaterializer(store, nil, "DM", logger)
	sessions := NewSessionFactory(store, nil, monitorMaterializer, time.Minute, logger)

	cfg := &domain.Config{}
	cfg.Logging.Level = "info"

	return NewServer(cfg, store, detection, sessions, logger), store
}

func doRequest(server *Server, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := testServer(t)

	w := doRequest(server, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestRunDetectionEndpoint(t *testing.T) {
	server, store := testServer(t)

	points := make([]map[string]any, 0, 12)
	for i := 0; i < 12; i++ {
		points = append(points, map[string]any{"fields": map[string]any{"siteId": "SITE-001"}})
	}

	w := doRequest(server, http.MethodPost, "/api/v1/detection/run", map[string]any{
		"trialId":    1,
		"dataSource": "SCREEN_FAILURE",
		"dataPoints": points,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp service.DetectionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, domain.DetectionRuleBased, resp.Method)
	require.Len(t, resp.Detections, 1)
	assert.Equal(t, domain.PriorityHigh, resp.Detections[0].Priority)

	// Signal is retrievable through the read endpoint.
	read := doRequest(server, http.MethodGet, "/api/v1/signals/"+resp.Detections[0].DetectionID, nil)
	assert.Equal(t, http.StatusOK, read.Code)

	_, err := store.GetTask(context.Background(), resp.Tasks[0].TaskID)
	assert.NoError(t, err)
}

func TestRunDetectionValidationErrors(t *testing.T) {
	server, _ := testServer(t)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{
			name: "missing trial id",
			body: map[string]any{"dataSource": "EDC"},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown source",
			body: map[string]any{"trialId": 1, "dataSource": "TELEMETRY"},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown trial",
			body: map[string]any{"trialId": 99, "dataSource": "EDC"},
			want: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(server, http.MethodPost, "/api/v1/detection/run", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Contains(t, body, "error")
		})
	}
}

func TestGetSignalNotFound(t *testing.T) {
	server, _ := testServer(t)
	w := doRequest(server, http.MethodGet, "/api/v1/signals/SF_404", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	server, _ := testServer(t)
	w := doRequest(server, http.MethodGet, "/api/v1/tasks/TSK_404", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTrialSignals(t *testing.T) {
	server, store := testServer(t)

	for _, id := range []string{"SF_1", "SF_2"} {
		_, err := store.CreateSignalDetection(context.Background(), &domain.SignalDetection{
			DetectionID: id,
			TrialID:     1,
			Observation: "o",
			Priority:    domain.PriorityMedium,
		})
		require.NoError(t, err)
	}

	w := doRequest(server, http.MethodGet, "/api/v1/trials/1/signals", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Count   int                       `json:"count"`
		Signals []*domain.SignalDetection `json:"signals"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.Signals, 2)
}

func TestListTrialSignalsBadID(t *testing.T) {
	server, _ := testServer(t)
	w := doRequest(server, http.MethodGet, "/api/v1/trials/not-a-number/signals", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	server, _ := testServer(t)
	w := doRequest(server, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
