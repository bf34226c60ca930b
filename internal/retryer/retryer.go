// Package retryer runs operations repeatedly until they succeed, fail
// permanently or a timeout expires.
package retryer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/simplesurance/mergetrain/internal/logfields"
	"github.com/simplesurance/mergetrain/internal/trainerr"
)

const loggerName = "retryer"

// DefRetryTimeout is the default duration after that retrying an operation is
// given up.
const DefRetryTimeout = 10 * time.Minute

const (
	defBackoffInitialInterval     = 5 * time.Second
	defBackoffRandomizationFactor = 0.5
)

// Retryer executes a function repeatedly until it was successful or a cancel
// condition happened.
// Only errors wrapping a trainerr.RetryableError are retried.
type Retryer struct {
	logger *zap.Logger

	maxRetryTimeout            time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
}

// Option is a functional option for New.
type Option func(*Retryer)

// WithMaxRetryTimeout sets the duration after which retrying an operation is
// given up.
func WithMaxRetryTimeout(d time.Duration) Option {
	return func(r *Retryer) {
		r.maxRetryTimeout = d
	}
}

func New(opts ...Option) *Retryer {
	r := Retryer{
		logger:                     zap.L().Named(loggerName),
		maxRetryTimeout:            DefRetryTimeout,
		backoffInitialInterval:     defBackoffInitialInterval,
		backoffRandomizationFactor: defBackoffRandomizationFactor,
	}

	for _, o := range opts {
		o(&r)
	}

	return &r
}

// Run executes fn until it was successful, it returned an error that
// does not wrap trainerr.RetryableError, the retry timeout expired or the
// execution was aborted via the context.
// When the retry timeout expires, the returned error wraps
// context.DeadlineExceeded.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	ctx, cancelFn := context.WithTimeout(ctx, r.maxRetryTimeout)
	defer cancelFn()

	endTime, _ := ctx.Deadline()

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor
	bo.MaxElapsedTime = 0
	bo.Reset()

	logger := r.logger.With(logF...)

	for {
		select {
		case <-ctx.Done():
			logger.Info(
				"operation execution cancelled",
				logfields.Event("operation_execution_cancelled"),
				zap.Uint("try_count", tryCnt),
				zap.Error(ctx.Err()),
			)

			return ctx.Err()

		case <-retryTimer.C:
			tryCnt++
			logger := logger.With(zap.Uint("try_count", tryCnt))

			logger.Debug(
				"running operation",
				logfields.Event("operation_running"),
				zap.Duration("age", bo.GetElapsedTime()),
				zap.Duration("retry_timeout", r.maxRetryTimeout),
			)

			err := fn(ctx)
			if err == nil {
				logger.Debug(
					"operation executed successfully",
					logfields.Event("operation_executed_successfully"),
				)

				return nil
			}

			logger = logger.With(zap.Error(err))

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Info(
					"operation cancelled",
					logfields.Event("operation_cancelled"),
				)

				return err
			}

			retryError, ok := trainerr.AsRetryable(err)
			if !ok {
				logger.Info(
					"operation failed, not retryable",
					logfields.Event("operation_failed"),
				)

				return err
			}

			if retryError.After.After(endTime) {
				logger.Warn(
					"operation failed, next possible retry time is after timeout expiration",
					logfields.Event("operation_failed"),
					zap.Time("earliest_allowed_retry", retryError.After),
				)

				return err
			}

			retryIn := bo.NextBackOff()
			if !retryError.After.IsZero() {
				if d := time.Until(retryError.After); d > retryIn {
					retryIn = d
				}
			}

			retryTimer.Reset(retryIn)
			logger.Info(
				"operation failed, retry scheduled",
				logfields.Event("operation_retry_scheduled"),
				zap.Duration("retry_in", retryIn),
			)
		}
	}
}
