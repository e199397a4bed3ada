package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/s402-core/settlement/domain"
)

func TestWithBackoffRetriesRetryableKind(t *testing.T) {
	attempts := 0
	err := WithBackoff(context.Background(), 3, func() error {
		attempts++
		if attempts < 3 {
			return domain.NewSettlementError(domain.KindRpcUnavailable, "transient", nil)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithBackoffDoesNotRetryDeterministicKind(t *testing.T) {
	attempts := 0
	err := WithBackoff(context.Background(), 3, func() error {
		attempts++
		return domain.NewSettlementError(domain.KindInvalidParams, "bad input", nil)
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts, "a non-retryable kind must fail fast without consuming retries")
}

func TestWithBackoffGivesUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	err := WithBackoff(context.Background(), 2, func() error {
		attempts++
		return domain.NewSettlementError(domain.KindStoreUnavailable, "down", nil)
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts) // initial attempt + 2 retries
}

func TestWithBackoffRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := WithBackoff(ctx, 10, func() error {
		attempts++
		return domain.NewSettlementError(domain.KindRpcUnavailable, "transient", nil)
	})
	require.True(t, errors.Is(err, context.Canceled))
}
