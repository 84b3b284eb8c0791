package effect

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/Mindburn-Labs/quorum/pkg/engine"
	"github.com/Mindburn-Labs/quorum/pkg/observability"
)

var (
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrRejected is returned for non-retryable (4xx) responses.
	ErrRejected = errors.New("webhook rejected execution")
)

// Message is the JSON body POSTed for each execution.
type Message struct {
	WalletID   string `json:"wallet_id"`
	Index      uint64 `json:"index"`
	Target     string `json:"target"`
	Value      string `json:"value"`
	Payload    []byte `json:"payload"`
	ExecutedBy string `json:"executed_by"`
}

// Webhook dispatches executions to an HTTP endpoint with retries, jittered
// exponential backoff and a circuit breaker. Every attempt for one
// transaction carries the same Idempotency-Key so the receiver can
// deduplicate retries.
type Webhook struct {
	url        string
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	breaker    *CircuitBreaker
	logger     *slog.Logger
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithRetries sets the retry count and base backoff.
func WithRetries(n int, base time.Duration) WebhookOption {
	return func(w *Webhook) {
		w.maxRetries = n
		w.baseDelay = base
	}
}

// WithBreaker replaces the circuit breaker.
func WithBreaker(cb *CircuitBreaker) WebhookOption {
	return func(w *Webhook) { w.breaker = cb }
}

// NewWebhook creates a webhook effect posting to url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		breaker:    NewCircuitBreaker(url, 5, 10*time.Second),
		logger:     slog.Default().With("component", "effect.webhook"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Dispatch implements engine.Effect.
func (w *Webhook) Dispatch(ctx context.Context, a engine.Action) error {
	if !w.breaker.Allow() {
		return fmt.Errorf("%w for %s", ErrCircuitOpen, w.url)
	}

	body, err := json.Marshal(Message{
		WalletID:   a.WalletID,
		Index:      a.Index,
		Target:     a.Target,
		Value:      a.Value.String(),
		Payload:    a.Payload,
		ExecutedBy: a.ExecutedBy.String(),
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	key := a.WalletID + "/" + strconv.FormatUint(a.Index, 10)

	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, w.backoff(attempt-1)); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}

		status, err := w.post(ctx, key, body)
		observability.AddSpanEvent(ctx, "effect.webhook.attempt",
			observability.AttrEffectKind.String("webhook"),
			observability.AttrEffectCode.Int(status),
		)
		switch {
		case err == nil && status >= 200 && status < 300:
			w.breaker.Success()
			return nil
		case err == nil && status < 500:
			// The receiver answered: not a transport problem.
			w.breaker.Success()
			return fmt.Errorf("%w: status %d", ErrRejected, status)
		case err == nil:
			lastErr = fmt.Errorf("webhook status %d", status)
		default:
			lastErr = err
		}
		if ctx.Err() != nil {
			break
		}
		w.logger.WarnContext(ctx, "webhook attempt failed",
			"key", key, "attempt", attempt+1, "error", lastErr)
	}

	w.breaker.Failure()
	return fmt.Errorf("webhook %s: %w", w.url, lastErr)
}

func (w *Webhook) post(ctx context.Context, key string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// backoff is base * 2^i plus up to 50ms of jitter.
func (w *Webhook) backoff(i int) time.Duration {
	d := time.Duration(math.Pow(2, float64(i))) * w.baseDelay
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
