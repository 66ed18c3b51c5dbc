// Package notification delivers task notifications to an outbound webhook.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trial-signal-server/internal/domain"
)

// WebhookNotifier posts task notifications as JSON to a configured endpoint.
// Delivery is best-effort: failures are logged and never returned, so a dead
// webhook cannot fail task creation.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewWebhookNotifier creates a webhook notifier. An empty URL disables sends.
func NewWebhookNotifier(cfg domain.NotificationConfig, logger *logrus.Logger) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:        cfg.WebhookURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// SendTaskNotification posts the notification payload. Always returns nil.
func (w *WebhookNotifier) SendTaskNotification(ctx context.Context, n *domain.TaskNotification) error {
	if w.url == "" {
		w.logger.WithField("task_id", n.TaskID).Debug("Webhook URL not configured, skipping notification")
		return nil
	}

	payload, err := json.Marshal(n)
	if err != nil {
		w.logger.WithError(err).WithField("task_id", n.TaskID).Error("Failed to marshal notification")
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		w.logger.WithError(err).WithField("task_id", n.TaskID).Error("Failed to build notification request")
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.logger.WithError(err).WithField("task_id", n.TaskID).Warn("Notification delivery failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		w.logger.WithFields(logrus.Fields{
			"task_id": n.TaskID,
			"status":  resp.StatusCode,
		}).Warn("Notification endpoint returned non-success status")
		return nil
	}

	w.logger.WithFields(logrus.Fields{
		"task_id":       n.TaskID,
		"assigned_role": n.AssignedRole,
		"priority":      n.Priority.String(),
	}).Info("Task notification delivered")
	return nil
}
