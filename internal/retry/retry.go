package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/example/yolo-serve/internal/logging"
)

// Policy bounds retries of transient infrastructure errors.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is used for redis and database calls.
var DefaultPolicy = Policy{
	Attempts:       3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     time.Second,
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempts are used up. Failures come back wrapped in a
// logging.OperationError carrying operation and requestID.
func Do(ctx context.Context, logger *zap.Logger, p Policy, operation, requestID string, fn func() error) error {
	opLogger := logging.WithOperation(logger, operation, requestID)
	if p.Attempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}
		if !IsTransient(err) || attempt == p.Attempts {
			opLogger.Error("operation failed", zap.Error(err), zap.Int("attempt", attempt))
			return backoff.Permanent(err)
		}
		opLogger.Warn("transient error", zap.Error(err), zap.Int("attempt", attempt))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.Attempts-1)), ctx))

	return logging.NewOperationError(operation, requestID, err)
}

// IsTransient reports whether err is worth retrying: deadlines and network
// errors that declare themselves temporary or timed out.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
