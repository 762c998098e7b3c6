package gateway

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/feichai0017/docflow/internal/models"
	"github.com/feichai0017/docflow/pkg/logger"
)

type retryPolicy struct {
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// backoff returns the exponential delay for the given attempt with up
// to 50% random jitter added.
func (r retryPolicy) backoff(attempt int) time.Duration {
	d := float64(r.initialBackoff) * math.Pow(2, float64(attempt))
	if d > float64(r.maxBackoff) {
		d = float64(r.maxBackoff)
	}
	jitter := rand.Float64() * d / 2
	return time.Duration(d + jitter)
}

// withRetry executes the provider call, retrying throttled and
// transient failures with exponential backoff until the budget is
// exhausted. Rejections and corrupt-input failures surface immediately.
func (c *Client) withRetry(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retry.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := c.provider.complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !models.Retryable(err) {
			return nil, err
		}
		lastErr = err

		if attempt == c.retry.maxRetries {
			break
		}
		delay := c.retry.backoff(attempt)
		c.logger.Warn("Completion call failed, backing off",
			logger.Int("attempt", attempt+1),
			logger.Int("maxRetries", c.retry.maxRetries),
			logger.Duration("backoff", delay),
			logger.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}
