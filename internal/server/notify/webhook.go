package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/systemshift/provprune/internal/server/core"
)

// Notification is the body POSTed when a job finishes
type Notification struct {
	ID         string            `json:"id"`
	JobID      string            `json:"job_id"`
	Status     core.JobStatus    `json:"status"`
	Error      string            `json:"error,omitempty"`
	Results    []core.ResultView `json:"results"`
	FinishedAt time.Time         `json:"finished_at"`
}

// WebhookError is returned when the endpoint answers with a non-2xx status
type WebhookError struct {
	URL        string
	StatusCode int
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook %s returned status %d", e.URL, e.StatusCode)
}

// Webhook delivers job-completion notifications over HTTP
type Webhook struct {
	url        string
	httpClient *http.Client
	attempts   int
	backoff    func(attempt int) time.Duration
	logger     *slog.Logger
}

// Option configures a Webhook
type Option func(*Webhook)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) Option {
	return func(w *Webhook) {
		if c != nil {
			w.httpClient = c
		}
	}
}

// WithAttempts sets the number of delivery attempts
func WithAttempts(n int) Option {
	return func(w *Webhook) {
		if n > 0 {
			w.attempts = n
		}
	}
}

// WithBackoff sets the delay before retry attempt n (n >= 1)
func WithBackoff(f func(attempt int) time.Duration) Option {
	return func(w *Webhook) {
		if f != nil {
			w.backoff = f
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(w *Webhook) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWebhook creates a notifier posting to url
func NewWebhook(url string, timeout time.Duration, opts ...Option) *Webhook {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	w := &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		attempts:   3,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// JobFinished sends the notification; failures are logged, never returned
func (w *Webhook) JobFinished(ctx context.Context, job core.Job, results []core.CacheRecord) {
	n := Notification{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		Status:     job.Status,
		Error:      job.ErrorMessage,
		Results:    core.Views(results),
		FinishedAt: time.Now().UTC(),
	}
	if job.StoppedAt != nil {
		n.FinishedAt = job.StoppedAt.UTC()
	}
	if err := w.Send(ctx, n); err != nil {
		w.logger.Warn("job notification failed", "job_id", job.ID, "url", w.url, "error", err)
	}
}

// Send POSTs n, retrying with backoff
func (w *Webhook) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < w.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(w.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = w.post(ctx, n, payload)
		if lastErr == nil {
			w.logger.Debug("job notification delivered", "job_id", n.JobID, "url", w.url, "attempt", attempt+1)
			return nil
		}
		w.logger.Debug("job notification attempt failed", "job_id", n.JobID, "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("after %d attempts: %w", w.attempts, lastErr)
}

func (w *Webhook) post(ctx context.Context, n Notification, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Provprune-Event", "job."+string(n.Status))
	req.Header.Set("X-Provprune-Notification", n.ID)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &WebhookError{URL: w.url, StatusCode: resp.StatusCode}
	}
	return nil
}
