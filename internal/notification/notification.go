// Package notification fans engine alerts out to operator-facing sinks.
// Sinks are fire and forget from the trading path's perspective; delivery
// retries happen inside the sink.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"alpaca-trading-engine/internal/events"
)

// Alert is one operator notification.
type Alert struct {
	Severity  string                 `json:"severity"` // LOW, MEDIUM, HIGH, CRITICAL
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Sink delivers alerts somewhere an operator looks.
type Sink interface {
	Send(ctx context.Context, a *Alert) error
	Name() string
}

// Manager fans alerts out to every sink and can feed itself from the event
// bus.
type Manager struct {
	sinks  []Sink
	logger zerolog.Logger
}

// NewManager creates an alert manager.
func NewManager(logger zerolog.Logger, sinks ...Sink) *Manager {
	return &Manager{
		sinks:  sinks,
		logger: logger.With().Str("component", "Notifications").Logger(),
	}
}

// Send delivers to all sinks; per-sink failures are logged, never returned
// to the trading path.
func (m *Manager) Send(ctx context.Context, a *Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	for _, s := range m.sinks {
		if err := s.Send(ctx, a); err != nil {
			m.logger.Error().Str("sink", s.Name()).Str("title", a.Title).Err(err).
				Msg("Alert delivery failed")
		}
	}
}

// Attach wires the manager to alert events on the bus. Delivery happens on
// the bus's dispatch goroutines, bounded only by each sink's own timeout.
func (m *Manager) Attach(ctx context.Context, bus *events.EventBus) {
	bus.Subscribe(events.EventAlert, func(ev events.Event) {
		if ctx.Err() != nil {
			return
		}
		m.Send(ctx, alertFromEvent(ev))
	})
}

func alertFromEvent(ev events.Event) *Alert {
	a := &Alert{Severity: "MEDIUM", Title: "engine alert", Timestamp: ev.Timestamp}
	if s, ok := ev.Data["severity"].(string); ok {
		a.Severity = s
	}
	if msg, ok := ev.Data["message"].(string); ok {
		a.Title = msg
	}
	fields := make(map[string]interface{})
	for k, v := range ev.Data {
		if k == "severity" || k == "message" {
			continue
		}
		fields[k] = v
	}
	if len(fields) > 0 {
		a.Fields = fields
	}
	return a
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates the log sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "AlertLog").Logger()}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Send implements Sink.
func (s *LogSink) Send(ctx context.Context, a *Alert) error {
	evt := s.logger.Warn()
	if a.Severity == "CRITICAL" {
		evt = s.logger.Error()
	}
	evt.Str("severity", a.Severity).
		Fields(a.Fields).
		Str("title", a.Title).
		Msg(a.Message)
	return nil
}

// WebhookSink POSTs alerts as JSON with bounded retries.
type WebhookSink struct {
	url     string
	client  *http.Client
	retries uint64
}

// NewWebhookSink creates a webhook sink. Empty url disables it at the
// wiring site, not here.
func NewWebhookSink(url string, timeout time.Duration, retries uint64) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		retries: retries,
	}
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Send implements Sink.
func (s *WebhookSink) Send(ctx context.Context, a *Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("webhook status %d", resp.StatusCode))
		}
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.retries), ctx)
	return backoff.Retry(op, b)
}
