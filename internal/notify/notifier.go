package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"authvault/internal/config"
	apperrors "authvault/internal/errors"
	"authvault/internal/logging"
)

// AlertSeverity ranks how urgent an alert is
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is one event worth telling an operator about
type Alert struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Severity  AlertSeverity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewAlert builds an alert with a fresh id and current timestamp
func NewAlert(severity AlertSeverity, title, message string) Alert {
	return Alert{
		ID:        uuid.New().String(),
		Title:     title,
		Message:   message,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
	}
}

// Channel delivers alerts through one transport
type Channel interface {
	Send(ctx context.Context, alert Alert) error
	Type() string
	Enabled() bool
}

// Notifier fans alerts out to every configured channel. Delivery failure is
// reported to the caller but callers treat it as advisory; an undeliverable
// alert never fails the operation that raised it.
type Notifier struct {
	logger   *logging.Logger
	channels []Channel
	retrier  *apperrors.RetryHandler
}

// NewNotifier builds a notifier from the notification configuration
func NewNotifier(cfg config.NotificationsConfig, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	n := &Notifier{logger: logger, retrier: newDeliveryRetrier()}

	if cfg.WebhookURL != "" {
		n.channels = append(n.channels, NewWebhookChannel(cfg.WebhookURL))
	}
	if cfg.SlackWebhookURL != "" {
		n.channels = append(n.channels, NewSlackChannel(cfg.SlackWebhookURL))
	}
	if cfg.FilePath != "" {
		n.channels = append(n.channels, NewFileChannel(cfg.FilePath))
	}

	return n
}

// NewNotifierWithChannels builds a notifier over explicit channels, used by
// tests and by recovery plans that carry their own channel list.
func NewNotifierWithChannels(logger *logging.Logger, channels ...Channel) *Notifier {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Notifier{logger: logger, channels: channels, retrier: newDeliveryRetrier()}
}

// newDeliveryRetrier reattempts a channel delivery on transient network
// errors. Rejections such as a 4xx response are not retried.
func newDeliveryRetrier() *apperrors.RetryHandler {
	return apperrors.NewRetryHandler(apperrors.RetryConfig{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
	})
}

// HasChannels reports whether any channel is configured
func (n *Notifier) HasChannels() bool {
	return len(n.channels) > 0
}

// Send delivers the alert through every enabled channel. It returns an error
// only when every channel failed.
func (n *Notifier) Send(ctx context.Context, alert Alert) error {
	var failures []string
	sent := 0

	for _, channel := range n.channels {
		if !channel.Enabled() {
			continue
		}

		err := n.retrier.Retry(ctx, func() error {
			return channel.Send(ctx, alert)
		})
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", channel.Type(), err))
			n.logger.WithFields(map[string]interface{}{
				"channel":  channel.Type(),
				"alert_id": alert.ID,
				"error":    err.Error(),
			}).Error("failed to deliver notification")
			continue
		}
		sent++
	}

	if len(failures) > 0 && sent == 0 {
		return fmt.Errorf("all notification channels failed: %s", strings.Join(failures, "; "))
	}

	return nil
}

// severityColor maps a severity to the accent color webhook consumers show
func severityColor(severity AlertSeverity) string {
	switch severity {
	case SeverityWarning:
		return "#ff9900"
	case SeverityCritical:
		return "#ff0000"
	default:
		return "#36a64f"
	}
}

// WebhookChannel POSTs the alert as JSON to a generic webhook
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Send implements Channel
func (wc *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.url, strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := wc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}

	return nil
}

// Type implements Channel
func (wc *WebhookChannel) Type() string { return "webhook" }

// Enabled implements Channel
func (wc *WebhookChannel) Enabled() bool { return wc.url != "" }

// SlackChannel posts the alert to a Slack incoming webhook
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

// NewSlackChannel creates a Slack channel
func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Send implements Channel
func (sc *SlackChannel) Send(ctx context.Context, alert Alert) error {
	payload := map[string]interface{}{
		"text": alert.Title,
		"attachments": []map[string]interface{}{
			{
				"color":     severityColor(alert.Severity),
				"title":     alert.Title,
				"text":      alert.Message,
				"timestamp": alert.Timestamp.Unix(),
				"fields": []map[string]interface{}{
					{"title": "Alert ID", "value": alert.ID, "short": true},
					{"title": "Severity", "value": string(alert.Severity), "short": true},
				},
			},
		},
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.webhookURL, strings.NewReader(string(jsonPayload)))
	if err != nil {
		return fmt.Errorf("failed to create Slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Slack notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("Slack returned error status: %d", resp.StatusCode)
	}

	return nil
}

// Type implements Channel
func (sc *SlackChannel) Type() string { return "slack" }

// Enabled implements Channel
func (sc *SlackChannel) Enabled() bool { return sc.webhookURL != "" }

// FileChannel appends alerts to a local file, one line each. Useful as a dead
// simple audit trail and in air-gapped environments.
type FileChannel struct {
	path string
}

// NewFileChannel creates a file channel
func NewFileChannel(path string) *FileChannel {
	return &FileChannel{path: path}
}

// Send implements Channel
func (fc *FileChannel) Send(ctx context.Context, alert Alert) error {
	line := fmt.Sprintf("[%s] %s - %s: %s\n",
		alert.Timestamp.Format(time.RFC3339),
		alert.Severity,
		alert.Title,
		alert.Message)

	file, err := os.OpenFile(fc.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open notification file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}

	return nil
}

// Type implements Channel
func (fc *FileChannel) Type() string { return "file" }

// Enabled implements Channel
func (fc *FileChannel) Enabled() bool { return fc.path != "" }
