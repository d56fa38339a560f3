// Package mesherr defines the mesh's error taxonomy. Every terminal or
// admission-denial error returned across package boundaries is a *MeshError
// so callers can branch on Kind without string matching, while Cause()
// preserves the underlying error for logging.
package mesherr

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Kind is one of the error categories a caller may need to branch on.
type Kind string

const (
	KindConfigError        Kind = "config_error"
	KindDiscoveryUnavail   Kind = "discovery_unavailable"
	KindServiceNotFound    Kind = "service_not_found"
	KindNoHealthyInstance  Kind = "no_healthy_instance"
	KindCircuitOpen        Kind = "circuit_open"
	KindRateLimited        Kind = "rate_limited"
	KindTimeout             Kind = "timeout"
	KindTransportError      Kind = "transport_error"
	KindPredictedFailure    Kind = "predicted_failure"
	KindBudgetExhausted     Kind = "budget_exhausted"
	KindCancelled           Kind = "cancelled"
)

// MeshError is the structured, user-visible failure object of spec §7.
type MeshError struct {
	Kind      Kind
	Service   string
	Operation string
	Attempts  int
	Elapsed   time.Duration
	Cause     error
}

func (e *MeshError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("mesh: %s: service=%s op=%s attempts=%d elapsed=%s: %v",
			e.Kind, e.Service, e.Operation, e.Attempts, e.Elapsed, e.Cause)
	}
	return fmt.Sprintf("mesh: %s: service=%s op=%s attempts=%d elapsed=%s",
		e.Kind, e.Service, e.Operation, e.Attempts, e.Elapsed)
}

// Unwrap lets errors.Is / errors.As reach the underlying cause.
func (e *MeshError) Unwrap() error {
	return e.Cause
}

// New builds a MeshError, wrapping cause (if any) with github.com/pkg/errors
// so stack traces survive for logging at the Integrator boundary.
func New(kind Kind, service, operation string, cause error) *MeshError {
	var wrapped error
	if cause != nil {
		wrapped = errors.WithStack(cause)
	}
	return &MeshError{Kind: kind, Service: service, Operation: operation, Cause: wrapped}
}

// WithAttempts returns a copy annotated with retry accounting.
func (e *MeshError) WithAttempts(attempts int, elapsed time.Duration) *MeshError {
	cp := *e
	cp.Attempts = attempts
	cp.Elapsed = elapsed
	return &cp
}

// Is reports whether err carries the given Kind, unwrapping along the way.
func Is(err error, kind Kind) bool {
	var me *MeshError
	if errors.As(err, &me) {
		return me.Kind == kind
	}
	return false
}

// Retryable reports whether the retry engine should keep attempting after
// this error, per the propagation policy of spec §7: admission denials and
// terminal errors bubble unchanged; Timeout and TransportError are consumed
// until exhaustion; Cancelled is never retried and never counted as a
// circuit-breaker failure.
func Retryable(err error) bool {
	var me *MeshError
	if !errors.As(err, &me) {
		// Unclassified errors (e.g. a bare error from a transport that
		// doesn't know about the taxonomy) are treated as transient.
		return true
	}
	switch me.Kind {
	case KindTimeout, KindTransportError:
		return true
	default:
		return false
	}
}

// CountsAsFailure reports whether err should increment a circuit breaker's
// failure counters. Cancellation is explicitly excluded per spec §7.
func CountsAsFailure(err error) bool {
	return !Is(err, KindCancelled)
}
