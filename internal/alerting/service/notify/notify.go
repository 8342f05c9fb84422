package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/qiniu/opsguard/internal/alerting/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Kind classifies a notification.
type Kind string

const (
	KindFiring     Kind = "firing"
	KindResolved   Kind = "resolved"
	KindEscalation Kind = "escalation"
	KindSuccess    Kind = "success"
	KindFailure    Kind = "failure"
	KindApproval   Kind = "approval"
	KindEscalated  Kind = "escalated"
)

// Notification is the payload handed to a Dispatcher.
type Notification struct {
	Kind      Kind              `json:"kind"`
	AlertID   int64             `json:"alert_id,omitempty"`
	AlertName string            `json:"alert_name"`
	Host      string            `json:"host"`
	Severity  string            `json:"severity,omitempty"`
	Message   string            `json:"message,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	SentAt    time.Time         `json:"sent_at"`
}

// Dispatcher delivers notifications to an external channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// LogDispatcher writes notifications to the structured log. It never fails.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(ctx context.Context, n Notification) error {
	log.Info().
		Str("kind", string(n.Kind)).
		Int64("alert_id", n.AlertID).
		Str("alert_name", n.AlertName).
		Str("host", n.Host).
		Str("severity", n.Severity).
		Msg(n.Message)
	return nil
}

// MultiDispatcher fans a notification out to several dispatchers and returns the first error.
type MultiDispatcher struct {
	dispatchers []Dispatcher
}

// NewMultiDispatcher constructs a MultiDispatcher, dropping nil entries.
func NewMultiDispatcher(ds ...Dispatcher) *MultiDispatcher {
	m := &MultiDispatcher{}
	for _, d := range ds {
		if d != nil {
			m.dispatchers = append(m.dispatchers, d)
		}
	}
	return m
}

func (m *MultiDispatcher) Dispatch(ctx context.Context, n Notification) error {
	var first error
	for _, d := range m.dispatchers {
		if err := d.Dispatch(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WebhookDispatcher POSTs notifications as JSON, throttled by a token bucket.
type WebhookDispatcher struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookDispatcher creates a dispatcher for url allowing perSec requests with the given burst.
func NewWebhookDispatcher(url string, timeout time.Duration, perSec float64, burst int) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &WebhookDispatcher{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
	}
}

func (w *WebhookDispatcher) Dispatch(ctx context.Context, n Notification) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notification rate limit: %w", err)
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// DefaultMaxTries bounds retries of best-effort deliveries.
const DefaultMaxTries = 3

// Deliver dispatches n with bounded exponential backoff. Failures are logged and returned;
// callers treating delivery as best-effort simply ignore the error.
func Deliver(ctx context.Context, d Dispatcher, n Notification) error {
	if d == nil {
		return nil
	}
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, d.Dispatch(ctx, n)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(DefaultMaxTries))
	if err != nil {
		metrics.ObserveNotification(string(n.Kind), "error")
		log.Warn().Err(err).Str("kind", string(n.Kind)).Str("host", n.Host).Msg("notification dispatch failed")
		return err
	}
	metrics.ObserveNotification(string(n.Kind), "ok")
	return nil
}

// DeliverAsync runs Deliver in its own goroutine detached from the caller's cancellation.
func DeliverAsync(ctx context.Context, d Dispatcher, n Notification) {
	if d == nil {
		return
	}
	go func() {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		_ = Deliver(bg, d, n)
	}()
}
