// Package retry drives a bounded retry loop around a caller-supplied
// function, classifying failures through mesherr and spacing attempts with
// a backoff.Engine. It is grounded on pkg/retry/retry.go's Policy.Execute
// and pkg/resilience/circuit_breaker.go's goroutine+channel+select
// cancellation pattern.
package retry

import (
	"context"
	"time"

	"github.com/datapunk/mesh/lib/mesh/backoff"
	"github.com/datapunk/mesh/lib/mesh/mesherr"
	"github.com/datapunk/mesh/lib/mesh/meshtypes"
	"github.com/datapunk/mesh/lib/mesh/observability"
)

// Params configures a retry Engine, matching the retry.* rows of spec §6.
type Params struct {
	MaxAttempts    int
	Budget         time.Duration // 0 disables the wall-clock budget
	TimeoutPerCall time.Duration // 0 disables the per-attempt timeout
}

// Func is the operation a retry session drives. It must respect ctx
// cancellation promptly; the engine does not kill a goroutine once started.
type Func func(ctx context.Context, attempt int) (interface{}, error)

// Engine runs Func under a bounded number of attempts.
type Engine struct {
	params      Params
	backoff     *backoff.Engine
	logger      observability.Logger
	metrics     observability.MetricsClient
	utilization func(service string) float64
}

// NewEngine builds a retry Engine. backoffEngine computes inter-attempt
// delay; the retry engine owns attempt counting and budget/timeout
// enforcement, backoff owns only "how long to wait."
func NewEngine(params Params, backoffEngine *backoff.Engine, logger observability.Logger, metrics observability.MetricsClient) *Engine {
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = 3
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Engine{params: params, backoff: backoffEngine, logger: logger, metrics: metrics}
}

// WithUtilizationSource wires a per-service resource-utilization source (0..1)
// into the Engine's backoff delay computation, so the resource_sensitive
// strategy (and adaptive's resource-aware fallback) sees real utilization
// instead of always 0. Typically a health.Monitor's Utilization method.
// Returns the Engine for chaining at construction time.
func (e *Engine) WithUtilizationSource(fn func(service string) float64) *Engine {
	e.utilization = fn
	return e
}

// Result summarizes a completed retry session for callers that want the
// attempt trail (e.g. the integrator's tracing/logging).
type Result struct {
	Value    interface{}
	Attempts []meshtypes.RetryAttempt
	Err      error
}

// Execute runs fn, retrying on retryable errors up to MaxAttempts or until
// the wall-clock budget is exhausted, whichever comes first. A session's
// attempts are sequential by construction: the backoff.Session passed in is
// not safe to share across concurrent Execute calls.
func (e *Engine) Execute(ctx context.Context, session *backoff.Session, service, operation string, fn Func) Result {
	if session == nil {
		session = backoff.NewSession()
	}

	start := time.Now()
	var deadline time.Time
	if e.params.Budget > 0 {
		deadline = start.Add(e.params.Budget)
	}

	var attempts []meshtypes.RetryAttempt
	var lastErr error
	// lastStrategy is the concrete backoff strategy that scheduled the
	// delay before the attempt about to run; empty for attempt 1, since no
	// backoff decision precedes the first attempt.
	var lastStrategy string

	for attemptIdx := 1; attemptIdx <= e.params.MaxAttempts; attemptIdx++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			lastErr = mesherr.New(mesherr.KindBudgetExhausted, service, operation, lastErr).
				WithAttempts(attemptIdx-1, time.Since(start))
			break
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if e.params.TimeoutPerCall > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, e.params.TimeoutPerCall)
		}

		value, err, latency := e.runOnce(attemptCtx, attemptIdx, fn)
		if cancel != nil {
			cancel()
		}

		attempt := meshtypes.RetryAttempt{
			AttemptIndex:    attemptIdx,
			ObservedLatency: latency,
		}

		if err == nil {
			attempt.TerminalError = false
			attempts = append(attempts, attempt)
			if e.backoff != nil {
				e.backoff.RecordOutcome(session, lastStrategy, backoff.Outcome{Success: true, Latency: latency})
			}
			e.metrics.IncrementCounterWithLabels("retry_attempts_total", 1, map[string]string{
				"service": service, "operation": operation, "outcome": "success",
			})
			return Result{Value: value, Attempts: attempts, Err: nil}
		}

		lastErr = err
		if ctx.Err() == context.Canceled && !mesherr.Is(err, mesherr.KindCancelled) {
			// The caller cancelled while the attempt was in flight.
			lastErr = mesherr.New(mesherr.KindCancelled, service, operation, err)
		}
		terminal := ctx.Err() != nil || mesherr.Is(err, mesherr.KindCancelled) || !mesherr.Retryable(err)
		attempt.TerminalError = terminal
		attempts = append(attempts, attempt)

		if e.backoff != nil {
			e.backoff.RecordOutcome(session, lastStrategy, backoff.Outcome{Success: false, Latency: latency})
		}
		e.metrics.IncrementCounterWithLabels("retry_attempts_total", 1, map[string]string{
			"service": service, "operation": operation, "outcome": "error",
		})

		if terminal {
			break
		}
		if attemptIdx == e.params.MaxAttempts {
			break
		}

		delay, strategy := e.nextDelay(session, attemptIdx, service)
		lastStrategy = strategy
		attempts[len(attempts)-1].ScheduledDelay = delay

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = mesherr.New(mesherr.KindCancelled, service, operation, ctx.Err())
			attempts = append(attempts, meshtypes.RetryAttempt{AttemptIndex: attemptIdx + 1, TerminalError: true})
			return Result{Attempts: attempts, Err: lastErr.(*mesherr.MeshError).WithAttempts(len(attempts), time.Since(start))}
		case <-timer.C:
		}
	}

	elapsed := time.Since(start)
	var me *mesherr.MeshError
	if cast, ok := lastErr.(*mesherr.MeshError); ok {
		me = cast.WithAttempts(len(attempts), elapsed)
	} else {
		me = mesherr.New(mesherr.KindTransportError, service, operation, lastErr).WithAttempts(len(attempts), elapsed)
	}

	e.logger.Warn("retry: exhausted", map[string]interface{}{
		"service": service, "operation": operation, "attempts": len(attempts), "elapsed": elapsed,
	})
	return Result{Attempts: attempts, Err: me}
}

// runOnce runs fn in its own goroutine so a context timeout can preempt a
// caller that doesn't return promptly, mirroring the goroutine+buffered
// channel+select pattern of pkg/resilience/circuit_breaker.go's Execute.
func (e *Engine) runOnce(ctx context.Context, attemptIdx int, fn Func) (interface{}, error, time.Duration) {
	type outcome struct {
		value interface{}
		err   error
	}
	resultCh := make(chan outcome, 1)
	start := time.Now()

	go func() {
		value, err := fn(ctx, attemptIdx)
		resultCh <- outcome{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, mesherr.New(mesherr.KindTimeout, "", "", ctx.Err()), time.Since(start)
	case res := <-resultCh:
		return res.value, res.err, time.Since(start)
	}
}

// nextDelay computes the delay before the next attempt and reports the
// concrete strategy the backoff engine chose, so the caller can feed it back
// into RecordOutcome (required for the adaptive strategy's effectiveness
// scoring to ever see real strategy names, and for resource_sensitive to see
// real per-service utilization instead of a hardcoded 0).
func (e *Engine) nextDelay(session *backoff.Session, attemptIdx int, service string) (time.Duration, string) {
	if e.backoff == nil {
		return 0, ""
	}
	util := 0.0
	if e.utilization != nil {
		util = e.utilization(service)
	}
	return e.backoff.NextDelayWithStrategy(session, attemptIdx, util)
}
