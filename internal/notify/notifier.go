// Package notify delivers escalation alerts to Slack. Delivery is
// best-effort: every failure mode is logged and reported as a boolean so
// the chat path never blocks or fails on notification problems.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/harborline/supportd/internal/config"
	"github.com/harborline/supportd/internal/metrics"
	"github.com/harborline/supportd/internal/tracing"
)

const defaultSlackAPIURL = "https://slack.com/api/chat.postMessage"

// Alert carries the fields of one escalation notification.
type Alert struct {
	SessionID       string
	UserEmail       string
	UserQuery       string
	AssistantAnswer string
	Reason          string
}

// Notifier posts escalation alerts to Slack, preferring an incoming webhook
// and falling back to the bot-token chat.postMessage API.
type Notifier struct {
	cfg     config.NotifyConfig
	http    *http.Client
	limiter *rate.Limiter
	apiURL  string
	logger  *zap.Logger
}

// New creates a Slack notifier. The notifier is safe to construct with empty
// credentials; Send then reports false without making any request.
func New(cfg config.NotifyConfig, logger *zap.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	perMinute := cfg.AlertsPerMinute
	if perMinute <= 0 {
		perMinute = 6
	}
	return &Notifier{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: tracing.NewTransport(nil),
		},
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		apiURL:  defaultSlackAPIURL,
		logger:  logger,
	}
}

// Enabled reports whether any Slack credential is configured.
func (n *Notifier) Enabled() bool {
	if strings.TrimSpace(n.cfg.SlackWebhookURL) != "" {
		return true
	}
	return strings.TrimSpace(n.cfg.SlackBotToken) != "" && strings.TrimSpace(n.cfg.SlackChannelID) != ""
}

// Send posts one escalation alert and reports whether it was delivered.
// Missing credentials, rate limiting and transport errors all come back as
// false; none of them are surfaced as errors.
func (n *Notifier) Send(ctx context.Context, alert Alert) bool {
	if !n.Enabled() {
		n.logger.Debug("Slack credentials missing, skipping escalation alert",
			zap.String("session_id", alert.SessionID))
		return false
	}
	if !n.limiter.Allow() {
		n.logger.Warn("Escalation alert rate limited",
			zap.String("session_id", alert.SessionID))
		metrics.NotificationsSent.WithLabelValues("rate_limited").Inc()
		return false
	}

	text := n.formatAlert(alert)

	var ok bool
	if strings.TrimSpace(n.cfg.SlackWebhookURL) != "" {
		ok = n.postWebhook(ctx, text)
	} else {
		ok = n.postMessage(ctx, text)
	}
	if ok {
		metrics.NotificationsSent.WithLabelValues("ok").Inc()
		n.logger.Info("Escalation alert sent", zap.String("session_id", alert.SessionID))
	} else {
		metrics.NotificationsSent.WithLabelValues("error").Inc()
	}
	return ok
}

func (n *Notifier) formatAlert(alert Alert) string {
	reason := alert.Reason
	if reason == "" {
		reason = "User requested human assistance."
	}
	lines := []string{
		"*Customer escalation alert*",
		fmt.Sprintf("• User: `%s`", alert.UserEmail),
		fmt.Sprintf("• Session: `%s`", alert.SessionID),
		fmt.Sprintf("• Latest query: %s", alert.UserQuery),
		fmt.Sprintf("• Assistant response: %s", alert.AssistantAnswer),
		fmt.Sprintf("• Reason: %s", reason),
	}
	if base := strings.TrimSpace(n.cfg.SessionURLBase); base != "" {
		lines = append(lines, fmt.Sprintf("View session: %s/%s",
			strings.TrimRight(base, "/"), alert.SessionID))
	}
	return strings.Join(lines, "\n")
}

func (n *Notifier) postWebhook(ctx context.Context, text string) bool {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		n.logger.Warn("Failed to encode Slack webhook payload", zap.Error(err))
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.cfg.SlackWebhookURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("Failed to build Slack webhook request", zap.Error(err))
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		n.logger.Warn("Slack webhook request failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		n.logger.Warn("Slack webhook returned non-2xx",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", snippet))
		return false
	}
	return true
}

func (n *Notifier) postMessage(ctx context.Context, text string) bool {
	payload := map[string]string{
		"channel": n.cfg.SlackChannelID,
		"text":    text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("Failed to encode Slack API payload", zap.Error(err))
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.apiURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("Failed to build Slack API request", zap.Error(err))
		return false
	}
	req.Header.Set("Authorization", "Bearer "+n.cfg.SlackBotToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := n.http.Do(req)
	if err != nil {
		n.logger.Warn("Slack API request failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Warn("Slack API returned non-2xx", zap.Int("status", resp.StatusCode))
		return false
	}

	var apiResp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		n.logger.Warn("Failed to decode Slack API response", zap.Error(err))
		return false
	}
	if !apiResp.OK {
		n.logger.Warn("Slack API rejected message", zap.String("slack_error", apiResp.Error))
		return false
	}
	return true
}
