package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"client-engine/internal/logging"
	"client-engine/internal/models"
)

// Channel sends one delivery of an event. A returned error counts as a
// failed attempt.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev models.NotificationEvent, d models.NotificationDelivery) error
}

// WebhookPayload is the JSON body posted by WebhookChannel.
type WebhookPayload struct {
	DeliveryID string                   `json:"delivery_id"`
	Attempt    int                      `json:"attempt"`
	Event      models.NotificationEvent `json:"event"`
}

// WebhookChannel posts events as JSON. When a secret is set the body is
// signed with HMAC-SHA256 in X-Signature.
type WebhookChannel struct {
	url     string
	secret  string
	timeout time.Duration
	client  *http.Client
}

func NewWebhookChannel(url, secret string, timeout time.Duration) *WebhookChannel {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{url: url, secret: secret, timeout: timeout, client: &http.Client{}}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, ev models.NotificationEvent, d models.NotificationDelivery) error {
	body, err := json.Marshal(WebhookPayload{DeliveryID: d.ID, Attempt: d.Attempts + 1, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Key", ev.EventKey)
	// Receivers dedupe redelivered attempts on this header.
	req.Header.Set("Idempotency-Key", d.ID)
	if w.secret != "" {
		req.Header.Set("X-Signature", Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers checking an incoming webhook.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// LogChannel writes events to the structured log. It never fails.
type LogChannel struct {
	log *zap.Logger
}

func NewLogChannel(log *zap.Logger) *LogChannel {
	return &LogChannel{log: logging.OrNop(log).Named("notifications")}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(_ context.Context, ev models.NotificationEvent, d models.NotificationDelivery) error {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("event_key", ev.EventKey),
		zap.String("delivery_id", d.ID),
		zap.String("title", ev.Title),
		zap.String("body", ev.Body),
	}
	switch ev.Severity {
	case models.SeverityCritical:
		l.log.Error("notification", fields...)
	case models.SeverityWarning:
		l.log.Warn("notification", fields...)
	default:
		l.log.Info("notification", fields...)
	}
	return nil
}
