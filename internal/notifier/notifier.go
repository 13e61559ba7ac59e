package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gateway-reconciler/internal/models"
	"gateway-reconciler/internal/util"

	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = time.Second
	DefaultTimeout     = 10 * time.Second
)

// Outcome describes what happened to one delivery
type Outcome struct {
	Delivered  bool
	Permanent  bool
	Attempts   int
	StatusCode int
	Err        error
	Backoffs   []time.Duration
}

// Result maps the outcome onto the delivery record vocabulary
func (o Outcome) Result() string {
	switch {
	case o.Delivered:
		return models.DeliveryDelivered
	case o.Permanent:
		return models.DeliveryRejected
	}
	return models.DeliveryExhausted
}

// Notifier posts final order status to merchant webhooks. It never touches
// order or ledger state.
type Notifier struct {
	client      *http.Client
	maxAttempts int
	baseBackoff time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *zap.Logger
}

// NewNotifier creates a notifier. Zero values fall back to the defaults.
func NewNotifier(maxAttempts int, baseBackoff, timeout time.Duration) *Notifier {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseBackoff <= 0 {
		baseBackoff = DefaultBaseBackoff
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Notifier{
		client:      &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		sleep:       sleepContext,
		logger:      util.GetLogger(),
	}
}

// Notify delivers payload as JSON. A 4xx answer is a permanent rejection;
// 5xx, network errors and timeouts are retried with doubling backoff.
func (n *Notifier) Notify(ctx context.Context, url string, payload interface{}) Outcome {
	ctx, span := util.StartSpan(ctx, "Notifier.Notify")
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return Outcome{Permanent: true, Err: fmt.Errorf("failed to marshal notification: %w", err)}
	}

	var out Outcome
	backoff := n.baseBackoff
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		out.Attempts = attempt
		status, err := n.post(ctx, url, body)
		out.StatusCode = status
		out.Err = err

		switch {
		case err == nil && status >= 200 && status < 300:
			out.Delivered = true
			out.Err = nil
			return out
		case err == nil && status >= 400 && status < 500:
			out.Permanent = true
			out.Err = fmt.Errorf("merchant endpoint rejected notification with status %d", status)
			n.logger.Warn("Merchant rejected notification",
				zap.String("url", url),
				zap.Int("status", status),
			)
			return out
		case err == nil:
			out.Err = fmt.Errorf("merchant endpoint returned status %d", status)
		}

		n.logger.Warn("Notification attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(out.Err),
		)

		if attempt == n.maxAttempts {
			break
		}
		out.Backoffs = append(out.Backoffs, backoff)
		if err := n.sleep(ctx, backoff); err != nil {
			out.Err = err
			return out
		}
		backoff *= 2
	}
	return out
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
