package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/s402-core/settlement/domain"
)

// WithBackoff retries fn while it returns a retryable SettlementError
// (RpcUnavailable or StoreUnavailable), sleeping with exponential backoff
// (base 200ms, doubling, capped at 5s) between attempts, up to maxRetries.
// Deterministic failures are returned immediately without retry. Used by
// the Settlement Service for its isPaymentUsed check and its submissions.
// The Indexer does not use it: an RPC error there fails the current tick,
// and the same window is tried again on the next tick.
func WithBackoff(ctx context.Context, maxRetries int, fn func() error) error {
	backoff := 200 * time.Millisecond
	const maxBackoff = 5 * time.Second

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var se *domain.SettlementError
		if !errors.As(lastErr, &se) || !se.Kind.Retryable() {
			return lastErr
		}
		if attempt == maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return lastErr
}
