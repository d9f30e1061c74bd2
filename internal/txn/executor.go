// Package txn runs units of work in backend transactions and retries the
// ones that fail with a retryable error.
package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/triteia/triteia/internal/model"
	"github.com/triteia/triteia/internal/store"
)

// DefaultRetryLimit is the number of attempts made before giving up.
const DefaultRetryLimit = 5

// Work is a unit of work bound to one transaction.
type Work func(ctx context.Context, c store.Conn) error

// Executor composes a store.Backend with the shared retry algorithm.
type Executor struct {
	backend    store.Backend
	retryLimit int
	retryDelay time.Duration
	timeout    time.Duration
	log        zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithRetryLimit sets the attempt ceiling. Values below 1 are treated as 1.
func WithRetryLimit(n int) Option {
	return func(e *Executor) { e.retryLimit = n }
}

// WithRetryDelay overrides the backend's delay between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Executor) { e.retryDelay = d }
}

// WithTimeout bounds each Run, retries included.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// New returns an executor for backend.
func New(backend store.Backend, opts ...Option) *Executor {
	e := &Executor{
		backend:    backend,
		retryLimit: DefaultRetryLimit,
		retryDelay: -1,
		log:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.retryLimit < 1 {
		e.retryLimit = 1
	}
	if e.retryDelay < 0 {
		e.retryDelay = backend.RetryDelay()
	}
	return e
}

// Backend returns the wrapped backend.
func (e *Executor) Backend() store.Backend { return e.backend }

// Run executes work in a transaction. Fatal failures return immediately;
// retryable ones are retried up to the limit, after which the last error is
// returned wrapped in model.ErrTransactionExhausted.
func (e *Executor) Run(ctx context.Context, work Work) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	label := e.backend.Name()

	attempts := 0
	var lastErr error
	op := func() error {
		attempts++
		attemptsTotal.WithLabelValues(label).Inc()
		err := e.backend.WithTransaction(ctx, func(c store.Conn) error {
			return work(ctx, c)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || e.backend.Classify(err) != model.Retryable {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.retryDelay), uint64(e.retryLimit-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		retriesTotal.WithLabelValues(label).Inc()
		e.log.Debug().
			Err(err).
			Str("backend", label).
			Int("attempt", attempts).
			Dur("wait", wait).
			Msg("retrying transaction")
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return nil
	}
	if lastErr != nil && ctx.Err() == nil && e.backend.Classify(lastErr) == model.Retryable {
		exhaustedTotal.WithLabelValues(label).Inc()
		e.log.Warn().
			Err(lastErr).
			Str("backend", label).
			Int("attempts", attempts).
			Msg("transaction retries exhausted")
		return fmt.Errorf("%w after %d attempts: %w", model.ErrTransactionExhausted, attempts, lastErr)
	}
	return err
}

// Read runs work on a pooled connection without a transaction or retries.
func (e *Executor) Read(ctx context.Context, work Work) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	return e.backend.WithConnection(ctx, func(c store.Conn) error {
		return work(ctx, c)
	})
}

// Do is Run for work that produces a value.
func Do[T any](ctx context.Context, e *Executor, work func(ctx context.Context, c store.Conn) (T, error)) (T, error) {
	var out T
	err := e.Run(ctx, func(ctx context.Context, c store.Conn) error {
		var zero T
		out = zero
		v, err := work(ctx, c)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
