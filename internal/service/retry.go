package service

import (
	"context"
	"time"

	"github.com/ignatzorin/reward-ledger/internal/metrics"
	"github.com/ignatzorin/reward-ledger/internal/pkg/apperror"
)

const retryBaseDelay = 10 * time.Millisecond

// WithRetry выполняет fn и повторяет её до retries раз, если она вернула ConcurrencyConflict.
// Остальные ошибки возвращаются сразу.
func WithRetry(ctx context.Context, retries int, fn func(ctx context.Context) error) error {
	if retries < 0 {
		retries = 0
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !apperror.IsRetryable(err) || attempt >= retries {
			return err
		}

		metrics.TxRetries.Inc()
		delay := retryBaseDelay * time.Duration(1<<attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
