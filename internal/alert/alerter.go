package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/withdrawal-finalizer/internal/metrics"
)

type AlertType string

const (
	AlertTypeConvergenceFailure AlertType = "CONVERGENCE_FAILURE"
	AlertTypeInvariantViolation AlertType = "INVARIANT_VIOLATION"
	AlertTypeOracleUnavailable  AlertType = "ORACLE_UNAVAILABLE"
	AlertTypeQueueInconsistent  AlertType = "QUEUE_INCONSISTENT"
	AlertTypeBreakerOpen        AlertType = "BREAKER_OPEN"
	AlertTypeRecovery           AlertType = "RECOVERY"
)

// Alert is one notification about a withdrawal queue.
type Alert struct {
	Type    AlertType
	Queue   string
	Network string
	Title   string
	Message string
	Fields  map[string]string
}

type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Channel is an Alerter with a name used for metrics labels.
type Channel interface {
	Alerter
	Name() string
}

// MultiAlerter fans out alerts to every channel with a per-queue cooldown.
// A RECOVERY alert always goes out and re-arms the failure alerts of its queue.
type MultiAlerter struct {
	channels []Channel
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, channels ...Channel) *MultiAlerter {
	return &MultiAlerter{
		channels: channels,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

func cooldownKey(a Alert) string {
	return fmt.Sprintf("%s:%s:%s", a.Type, a.Queue, a.Network)
}

func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	if len(m.channels) == 0 {
		return nil
	}

	if !m.admit(alert) {
		m.logger.Debug("alert suppressed by cooldown", "key", cooldownKey(alert))
		for _, c := range m.channels {
			metrics.AlertsCooldownSkipped.WithLabelValues(c.Name(), string(alert.Type)).Inc()
		}
		return nil
	}

	var firstErr error
	for _, c := range m.channels {
		if err := c.Send(ctx, alert); err != nil {
			m.logger.Warn("alert send failed",
				"channel", c.Name(),
				"type", alert.Type,
				"queue", alert.Queue,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(c.Name(), string(alert.Type)).Inc()
	}
	return firstErr
}

func (m *MultiAlerter) admit(alert Alert) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if alert.Type == AlertTypeRecovery {
		suffix := ":" + alert.Queue + ":" + alert.Network
		for key := range m.lastSent {
			if strings.HasSuffix(key, suffix) {
				delete(m.lastSent, key)
			}
		}
		return true
	}

	key := cooldownKey(alert)
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		return false
	}
	m.lastSent[key] = now
	return true
}

type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackAlerter) Name() string { return "slack" }

func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	emoji := ":warning:"
	switch alert.Type {
	case AlertTypeRecovery:
		emoji = ":white_check_mark:"
	case AlertTypeInvariantViolation, AlertTypeConvergenceFailure:
		emoji = ":rotating_light:"
	case AlertTypeBreakerOpen:
		emoji = ":no_entry:"
	case AlertTypeQueueInconsistent:
		emoji = ":scales:"
	}

	var text strings.Builder
	fmt.Fprintf(&text, "%s *[%s]* %s/%s: %s\n%s",
		emoji, alert.Type, alert.Queue, alert.Network, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		text.WriteString("\n")
		for _, k := range slices.Sorted(maps.Keys(alert.Fields)) {
			fmt.Fprintf(&text, "- *%s*: %s\n", k, alert.Fields[k])
		}
	}

	return postJSON(ctx, s.client, s.webhookURL, map[string]string{"text": text.String()}, "slack")
}

// WebhookAlerter posts the alert as a flat JSON document.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookAlerter) Name() string { return "webhook" }

func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	payload := map[string]any{
		"type":    string(alert.Type),
		"queue":   alert.Queue,
		"network": alert.Network,
		"title":   alert.Title,
		"message": alert.Message,
		"fields":  alert.Fields,
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
	return postJSON(ctx, w.client, w.url, payload, "webhook")
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, channel string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s alert: %w", channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", channel, resp.StatusCode)
	}
	return nil
}
