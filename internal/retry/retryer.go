// Package retry provides execution of operations until they succeeded or
// failed with a non-retryable error.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/simplesurance/gotrigger/internal/logfields"
	"github.com/simplesurance/gotrigger/internal/triggererr"
)

const (
	DefTimeout                    = time.Minute
	DefBackoffInitialInterval     = 2 * time.Second
	DefBackoffRandomizationFactor = backoff.DefaultRandomizationFactor
)

var ErrStopped = errors.New("retryer stopped")

// Retryer executes a function repeatedly until it was successful or cancel
// condition happened.
type Retryer struct {
	logger       *zap.Logger
	shutdownChan chan struct{}

	timeout                    time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
}

type Option func(*Retryer)

// WithTimeout sets the max. duration after which Run gives up retrying.
func WithTimeout(d time.Duration) Option {
	return func(r *Retryer) {
		r.timeout = d
	}
}

func WithBackoffInitialInterval(d time.Duration) Option {
	return func(r *Retryer) {
		r.backoffInitialInterval = d
	}
}

func NewRetryer(opts ...Option) *Retryer {
	r := Retryer{
		logger:                     zap.L().Named("retryer"),
		shutdownChan:               make(chan struct{}),
		timeout:                    DefTimeout,
		backoffInitialInterval:     DefBackoffInitialInterval,
		backoffRandomizationFactor: DefBackoffRandomizationFactor,
	}

	for _, opt := range opts {
		opt(&r)
	}

	return &r
}

func logFieldResult(val string) zap.Field {
	return zap.String("retry_result", val)
}

// Run executes fn until it was successful, it returned an error that
// does not wrap triggererr.RetryableError, the retry timeout expired or the
// execution was aborted via the context.
// When the timeout expires the last error of fn is returned, wrapped
// together with context.DeadlineExceeded.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint
	var lastErr error

	ctx, cancelFn := context.WithTimeout(ctx, r.timeout)
	defer cancelFn()

	endTime, _ := ctx.Deadline()

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt+1))

		select {
		case <-ctx.Done():
			logger.Info(
				"giving up retrying, operation cancelled or retry timeout expired",
				logfields.Event("retry_cancelled"),
				logFieldResult("cancelled"),
				zap.Duration("retry_timeout", r.timeout),
				zap.Error(lastErr),
			)

			if lastErr != nil {
				return fmt.Errorf("%w, last error: %w", ctx.Err(), lastErr)
			}

			return ctx.Err()

		case <-retryTimer.C:
			tryCnt++

			logger.Debug(
				"running operation",
				logfields.Event("retry_running"),
				zap.Duration("age", bo.GetElapsedTime()),
				zap.Duration("retry_timeout", r.timeout),
			)

			err := fn(ctx)
			if err == nil {
				logger.Debug(
					"operation executed successfully",
					logfields.Event("retry_operation_succeeded"),
					logFieldResult("success"),
				)

				return nil
			}

			logger = logger.With(zap.Error(err))
			lastErr = err

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					continue
				}
			}

			var retryError *triggererr.RetryableError
			if !errors.As(err, &retryError) {
				logger.Info(
					"operation failed, not retryable",
					logfields.Event("retry_operation_failed"),
					logFieldResult("failure"),
				)

				return err
			}

			if retryError.After.After(endTime) {
				logger.Info(
					"operation failed, next possible retry time is after timeout expiration",
					logfields.Event("retry_operation_failed"),
					logFieldResult("failure"),
					zap.Time("earliest_allowed_retry", retryError.After),
				)

				return err
			}

			retryIn := bo.NextBackOff()
			if !retryError.After.IsZero() {
				if until := time.Until(retryError.After); until > retryIn {
					retryIn = until
				}
			}

			retryTimer.Reset(retryIn)
			logger.Info(
				"operation failed, retry scheduled",
				logfields.Event("retry_scheduled"),
				zap.Duration("retry_in", retryIn),
			)

		case <-r.shutdownChan:
			logger.Info(
				"retryer terminating, operation not executed",
				logfields.Event("retry_cancelled_retryer_terminated"),
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
