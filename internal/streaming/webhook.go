package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// WebhookConfig configures a WebhookSink (spec §4.6, §6.2).
type WebhookConfig struct {
	URL        string
	Method     string // "POST" (default) or "PUT"
	Headers    map[string]string
	Timeout    time.Duration
	MaxRetries int
	// RatePerSecond caps how many deliveries (including retries) the
	// sink issues per second, so a burst of terminal events on a wide
	// fan-out doesn't hammer a slow endpoint. 0 disables the limit.
	RatePerSecond float64
}

// payload is the wire shape of spec §6.2.
type payload struct {
	Protocol   string         `json:"protocol"`
	RootTaskID string         `json:"root_task_id"`
	TaskID     string         `json:"task_id"`
	Status     string         `json:"status"`
	Progress   float64        `json:"progress"`
	Message    string         `json:"message"`
	Type       string         `json:"type"`
	Timestamp  string         `json:"timestamp"`
	Final      bool           `json:"final"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// WebhookSink posts each event to a configured URL, grounded on the
// teacher's plugin/webhook.Post (http.Client with fixed timeout,
// github.com/pkg/errors-wrapped failures) generalized with the
// bounded-retry / exponential-backoff policy of spec §4.6.
type WebhookSink struct {
	protocol string
	cfg      WebhookConfig
	client   *http.Client
	logger   *slog.Logger

	limiter *rate.Limiter
	onRetry func(url string)

	queue chan Event
	wg    sync.WaitGroup
	once  sync.Once
}

// WithRetryObserver registers fn to be called once per retry attempt,
// letting a caller (internal/metrics) count them without streaming
// depending on the metrics package.
func (w *WebhookSink) WithRetryObserver(fn func(url string)) *WebhookSink {
	w.onRetry = fn
	return w
}

// NewWebhookSink starts the consumer loop and returns a ready sink.
func NewWebhookSink(protocol string, cfg WebhookConfig, logger *slog.Logger) *WebhookSink {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	w := &WebhookSink{
		protocol: protocol,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		limiter:  limiter,
		queue:    make(chan Event, 256),
	}
	w.wg.Add(1)
	go w.consumeLoop()
	return w
}

func (w *WebhookSink) consumeLoop() {
	defer w.wg.Done()
	for e := range w.queue {
		w.deliver(e)
	}
}

// Put enqueues e for delivery; non-blocking so a slow/unreachable
// endpoint never stalls the scheduler.
func (w *WebhookSink) Put(e Event) {
	select {
	case w.queue <- e:
	default:
		w.logger.Warn("webhook sink queue full, dropping event", "root_task_id", e.RootTaskID, "kind", e.Kind)
	}
}

// Close stops accepting new events and waits for the queue to drain.
func (w *WebhookSink) Close() {
	w.once.Do(func() {
		close(w.queue)
	})
	w.wg.Wait()
}

// deliver posts one event with retries. HTTP 4xx is never retried; 5xx
// and network/timeout errors retry with exponential backoff starting at
// 1s, up to cfg.MaxRetries attempts (spec §4.6).
func (w *WebhookSink) deliver(e Event) {
	body, err := json.Marshal(toPayload(w.protocol, e))
	if err != nil {
		w.logger.Error("webhook sink: marshal event failed", "error", err)
		return
	}

	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		if w.limiter != nil {
			if err := w.limiter.Wait(context.Background()); err != nil {
				w.logger.Warn("webhook sink: rate limiter wait failed", "error", err)
			}
		}
		status, err := w.attempt(body)
		if err == nil {
			return
		}
		lastErr = err

		if status >= 400 && status < 500 {
			w.logger.Warn("webhook sink: non-retryable response", "status", status, "url", w.cfg.URL, "error", err)
			return
		}
		if attempt < w.cfg.MaxRetries {
			if w.onRetry != nil {
				w.onRetry(w.cfg.URL)
			}
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	w.logger.Error("webhook sink: delivery failed after retries", "url", w.cfg.URL, "attempts", w.cfg.MaxRetries, "error", lastErr)
}

func (w *WebhookSink) attempt(body []byte) (int, error) {
	req, err := http.NewRequest(w.cfg.Method, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrapf(err, "construct webhook request to %s", w.cfg.URL)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "post webhook to %s", w.cfg.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, errors.Errorf("webhook %s returned status %d", w.cfg.URL, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func toPayload(protocol string, e Event) payload {
	return payload{
		Protocol:   protocol,
		RootTaskID: e.RootTaskID,
		TaskID:     e.TaskID,
		Status:     e.Status,
		Progress:   e.Progress,
		Message:    e.Message,
		Type:       string(e.Kind),
		Timestamp:  e.Timestamp.Format(time.RFC3339),
		Final:      e.Final,
		Result:     e.Result,
		Error:      e.Error,
	}
}
