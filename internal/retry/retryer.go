package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cenkalti/backoff"

	"github.com/simplesurance/margebot/internal/logfields"
)

const loggerName = "retryer"

const (
	defTimeout                 = 10 * time.Minute
	defBackoffInitialInterval  = 5 * time.Second
	defBackoffRandomizationFac = 0.5
)

// ErrStopped is returned by Run when Stop() was called before fn succeeded.
var ErrStopped = errors.New("retryer stopped")

// Retryer executes a function repeatedly until it was successful or cancel
// condition happened.
type Retryer struct {
	logger       *zap.Logger
	shutdownChan chan struct{}

	defTimeout                 time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
}

func NewRetryer() *Retryer {
	return &Retryer{
		logger:                     zap.L().Named(loggerName),
		shutdownChan:               make(chan struct{}),
		defTimeout:                 defTimeout,
		backoffInitialInterval:     defBackoffInitialInterval,
		backoffRandomizationFactor: defBackoffRandomizationFac,
	}
}

func logFieldResult(val string) zap.Field {
	return zap.String("retryer.result", val)
}

// Run executes fn until it was successful, it returned an error that
// does not wrap RetryableError or the execution was aborted via the
// context.
// If ctx has no deadline, a default timeout is applied.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.defTimeout)
		defer cancel()
	}

	endTime, _ := ctx.Deadline()

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		select {
		case <-ctx.Done():
			logger.Info(
				"operation cancelled",
				logfields.Event("operation_cancelled"),
				logFieldResult("cancelled"),
			)

			return ctx.Err()

		case <-retryTimer.C:
			err := fn(ctx)
			if err == nil {
				logger.Debug(
					"operation executed successfully",
					logfields.Event("operation_succeeded"),
					logFieldResult("success"),
				)

				return nil
			}

			logger = logger.With(zap.Error(err))

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Info(
					"operation cancelled",
					logfields.Event("operation_cancelled"),
					logFieldResult("cancelled"),
				)

				return err
			}

			retryError, ok := AsRetryable(err)
			if !ok {
				logger.Warn(
					"operation failed, not retryable",
					logfields.Event("operation_failed"),
					logFieldResult("failure"),
				)

				return err
			}

			if retryError.NotBefore.After(endTime) {
				logger.Warn(
					"operation failed, next possible retry time is after timeout expiration",
					logfields.Event("operation_failed"),
					zap.Time("earliest_allowed_retry", retryError.NotBefore),
				)

				return err
			}

			var retryIn time.Duration
			if retryError.NotBefore.IsZero() {
				retryIn = bo.NextBackOff()
			} else {
				retryIn = time.Until(retryError.NotBefore)
				if minRetryIn := bo.NextBackOff(); retryIn < minRetryIn {
					retryIn = minRetryIn
				}
			}

			retryTimer.Reset(retryIn)
			logger.Info(
				"operation failed, retry scheduled",
				logfields.Event("operation_retry_scheduled"),
				zap.Duration("retry_in", retryIn),
				zap.Duration("age", bo.GetElapsedTime()),
			)

		case <-r.shutdownChan:
			logger.Info(
				"retryer terminating, operation not executed",
				logfields.Event("operation_cancelled_retryer_stopped"),
				logFieldResult("cancelled"),
			)

			return ErrStopped
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
