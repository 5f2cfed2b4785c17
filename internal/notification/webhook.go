package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/labqc-server/internal/domain"
)

// WebhookNotifier posts alerts as JSON to a single endpoint. Deliveries are rate
// limited, retried on transient failures and guarded by a circuit breaker. Every attempt
// of one event carries the same Idempotency-Key.
type WebhookNotifier struct {
	url        string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	retries    int
	backoff    time.Duration
	logger     *logrus.Logger
	now        func() time.Time
}

// permanentError marks a response that retrying cannot fix.
type permanentError struct {
	status int
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("webhook rejected event with status %d", e.status)
}

// NewWebhookNotifier creates a notifier for cfg.WebhookURL.
func NewWebhookNotifier(cfg domain.NotificationConfig, logger *logrus.Logger) (*WebhookNotifier, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	retries := cfg.RetryCount
	if retries < 0 {
		retries = 0
	}

	n := &WebhookNotifier{
		url:        cfg.WebhookURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
		retries:    retries,
		backoff:    cfg.RetryBackoff,
		logger:     logger,
		now:        time.Now,
	}
	n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notification-webhook",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var perm *permanentError
			return err == nil || errors.As(err, &perm)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
	return n, nil
}

// EscalateCritical posts a critical value event.
func (n *WebhookNotifier) EscalateCritical(ctx context.Context, result *domain.Result, criticalValues []domain.ReportedValue) error {
	return n.deliver(ctx, criticalEvent(result, criticalValues))
}

// NotifyQCRejection posts a QC rejection event.
func (n *WebhookNotifier) NotifyQCRejection(ctx context.Context, run *domain.QCRun) error {
	return n.deliver(ctx, rejectionEvent(run))
}

// HoldSince posts a result hold request.
func (n *WebhookNotifier) HoldSince(ctx context.Context, run *domain.QCRun, since *time.Time) error {
	return n.deliver(ctx, holdEvent(run, since))
}

func (n *WebhookNotifier) deliver(ctx context.Context, event Event) error {
	event.ID = uuid.New().String()
	event.OccurredAt = n.now().UTC()
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event.Type, err)
	}

	var lastErr error
	for attempt := 0; attempt <= n.retries; attempt++ {
		if attempt > 0 && n.backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.backoff * time.Duration(attempt)):
			}
		}
		if err := n.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait failed: %w", err)
		}

		_, lastErr = n.breaker.Execute(func() (interface{}, error) {
			return nil, n.post(ctx, event.ID, body)
		})
		if lastErr == nil {
			n.logger.WithFields(logrus.Fields{
				"event_id": event.ID,
				"type":     event.Type,
				"attempt":  attempt + 1,
			}).Info("Notification delivered")
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) || errors.Is(lastErr, gobreaker.ErrOpenState) || errors.Is(lastErr, gobreaker.ErrTooManyRequests) {
			break
		}
		n.logger.WithFields(logrus.Fields{
			"event_id": event.ID,
			"type":     event.Type,
			"attempt":  attempt + 1,
			"error":    lastErr,
		}).Warn("Notification attempt failed")
	}
	return fmt.Errorf("delivering %s event %s: %w", event.Type, event.ID, lastErr)
}

func (n *WebhookNotifier) post(ctx context.Context, idempotencyKey string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return &permanentError{status: 0}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if n.apiKey != "" {
		req.Header.Set("X-API-Key", n.apiKey)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return &permanentError{status: resp.StatusCode}
	}
}

// State reports the circuit breaker state.
func (n *WebhookNotifier) State() gobreaker.State {
	return n.breaker.State()
}
