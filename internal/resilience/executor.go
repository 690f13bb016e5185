// Package resilience retries remote calls with exponential backoff, giving up early on terminal errors.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	xerrors "Relay-Faucet/internal/errors"
	"Relay-Faucet/internal/observability/metrics"
	"Relay-Faucet/pkg/logger"
)

// Operation is a remote call guarded by the executor. The context passed in
// expires when the attempt times out.
type Operation[T any] func(ctx context.Context) (T, error)

// Report describes how a single execution went.
type Report struct {
	Label    string
	Attempts int
	// Delays holds the backoff slept after each failed attempt, jitter included.
	Delays  []time.Duration
	Elapsed time.Duration
	LastErr error
}

// Executor wraps remote calls with per-attempt timeouts and capped exponential
// backoff. It is safe for concurrent use.
type Executor struct {
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithPolicy replaces the default policy.
func WithPolicy(p Policy) Option {
	return func(e *Executor) {
		e.policy = p
	}
}

// WithSleeper replaces the backoff sleep, mainly for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithJitter replaces the jitter source.
func WithJitter(jitter func(max time.Duration) time.Duration) Option {
	return func(e *Executor) {
		if jitter != nil {
			e.jitter = jitter
		}
	}
}

// WithLogger sets the logger used for attempt tracing.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// New builds an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		policy: DefaultPolicy(),
		sleep:  sleepContext,
		jitter: randomJitter,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.policy = e.policy.normalized()
	if e.logger == nil {
		e.logger = logger.Named("network")
	}
	return e
}

// Policy returns the executor's default policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do runs an operation that produces no value.
func (e *Executor) Do(ctx context.Context, label string, op func(ctx context.Context) error, opts ...CallOption) (Report, error) {
	_, report, err := Execute(ctx, e, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return report, err
}

// Execute runs op until it succeeds or the attempt budget is spent. A terminal
// failure on the first attempt is returned untouched. Once a call has already
// failed transiently, later failures of any class back off and retry.
// Exhausting the budget returns a RETRIES_EXHAUSTED error wrapping the last
// failure.
func Execute[T any](ctx context.Context, e *Executor, label string, op Operation[T], opts ...CallOption) (T, Report, error) {
	var zero T
	if e == nil {
		e = New()
	}
	policy := e.policy
	for _, opt := range opts {
		if opt != nil {
			opt(&policy)
		}
	}
	policy = policy.normalized()

	report := Report{Label: label}
	start := time.Now()
	defer func() { report.Elapsed = time.Since(start) }()

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		report.Attempts = attempt
		e.logger.Debug("remote call attempt",
			slog.String("label", label),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", policy.MaxAttempts))

		value, err := runAttempt(ctx, policy.AttemptTimeout, op)
		if err == nil {
			metrics.ObserveAttempt(label, "success")
			metrics.ObserveExecution(label, "success", attempt)
			if attempt > 1 {
				e.logger.Info("remote call recovered",
					slog.String("label", label),
					slog.Int("attempt", attempt))
			}
			report.Elapsed = time.Since(start)
			return value, report, nil
		}
		report.LastErr = err

		if ctx.Err() != nil {
			metrics.ObserveAttempt(label, "canceled")
			metrics.ObserveExecution(label, "canceled", attempt)
			report.Elapsed = time.Since(start)
			return zero, report, ctx.Err()
		}

		class := Classify(err)
		metrics.ObserveAttempt(label, class.String())
		e.logger.Warn("remote call attempt failed",
			slog.String("label", label),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", policy.MaxAttempts),
			slog.String("class", class.String()),
			slog.Any("error", err))

		if class == Terminal && attempt == 1 {
			metrics.ObserveExecution(label, "terminal", attempt)
			report.Elapsed = time.Since(start)
			return zero, report, err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Backoff(attempt)
		if policy.MaxJitter > 0 {
			delay += e.jitter(policy.MaxJitter)
		}
		report.Delays = append(report.Delays, delay)
		e.logger.Debug("remote call backing off",
			slog.String("label", label),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay))
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			metrics.ObserveExecution(label, "canceled", attempt)
			report.Elapsed = time.Since(start)
			return zero, report, sleepErr
		}
	}

	metrics.ObserveExecution(label, "exhausted", report.Attempts)
	e.logger.Error("remote call gave up",
		slog.String("label", label),
		slog.Int("attempts", report.Attempts),
		slog.Any("error", report.LastErr))
	report.Elapsed = time.Since(start)
	return zero, report, xerrors.Wrap(xerrors.CodeRetriesExhausted, report.LastErr,
		fmt.Sprintf("%s failed after %d attempts", label, report.Attempts),
		xerrors.WithMetadata("label", label),
		xerrors.WithMetadata("attempts", strconv.Itoa(report.Attempts)),
	)
}

type attemptResult[T any] struct {
	value T
	err   error
}

// runAttempt races op against the attempt timeout. When the timer wins the
// attempt counts as a timeout even though op may still finish later.
func runAttempt[T any](ctx context.Context, timeout time.Duration, op Operation[T]) (T, error) {
	var zero T
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult[T]{err: fmt.Errorf("operation panicked: %v", r)}
			}
		}()
		value, err := op(attemptCtx)
		done <- attemptResult[T]{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, xerrors.New(xerrors.CodeTransientNetwork, "network timeout",
			xerrors.WithMetadata("timeout", timeout.String()))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
