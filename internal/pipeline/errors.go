package pipeline

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Sentinel errors shared across subsystems.
var (
	// ErrPoolExhausted is returned when no pooled handle became available
	// within the acquire timeout.
	ErrPoolExhausted = errors.New("resource pool exhausted")

	// ErrDuplicateItem is returned by Enqueue for an existing (phase, sourceKey).
	ErrDuplicateItem = errors.New("work item already enqueued")

	// ErrDoubleClaim indicates a transition was attempted on an item the
	// caller does not own. This is an invariant violation, always systemic.
	ErrDoubleClaim = errors.New("work item not held in_progress by caller")

	// ErrToleranceExceeded aborts the run when a phase's aggregate error
	// rate passes the configured tolerance.
	ErrToleranceExceeded = errors.New("phase error rate exceeds tolerance")

	// ErrMalformedResponse marks a structuring reply that failed schema
	// validation after parsing retries.
	ErrMalformedResponse = errors.New("malformed structuring response")
)

// ErrorClass buckets item-level failures for retry and accounting decisions.
type ErrorClass int

// Error classes, from least to most severe.
const (
	// ClassTransient covers connectivity-shaped failures: timeouts, 5xx,
	// connection refused. Retried with cooldown, counted as network errors.
	ClassTransient ErrorClass = iota
	// ClassPermanent covers per-item defects: malformed source, not-found,
	// schema-invalid AI output. Retried per policy, then surfaced as a
	// data-quality issue; never aborts the run.
	ClassPermanent
	// ClassResourceExhaustion covers pool/limiter starvation; the item is
	// retried later.
	ClassResourceExhaustion
	// ClassSystemic covers store failures and invariant violations; these
	// propagate to the orchestrator and abort the run.
	ClassSystemic
)

// connectivityMarkers mirror the substrings the network path produces; status
// text from upstream services lands here as well.
var connectivityMarkers = []string{
	"no route to host",
	"connection refused",
	"connection reset",
	"connection error",
	"timeout",
	"temporary failure",
	"deadline exceeded",
	"502",
	"503",
	"504",
}

// ClassifyError assigns an item-level error to a class. Nil maps to
// ClassPermanent and should not be passed.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, ErrDoubleClaim) {
		return ClassSystemic
	}
	if errors.Is(err, ErrPoolExhausted) {
		return ClassResourceExhaustion
	}
	if errors.Is(err, ErrMalformedResponse) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range connectivityMarkers {
		if strings.Contains(msg, marker) {
			return ClassTransient
		}
	}
	return ClassPermanent
}

// IsNetwork reports whether the error is connectivity-classified; such
// failures add a cooldown sleep on top of ordinary retry backoff.
func IsNetwork(err error) bool {
	return err != nil && ClassifyError(err) == ClassTransient
}
