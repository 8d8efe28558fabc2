// Package faults defines the closed error taxonomy used across the alert
// pipeline. Every external call returns errors classified into one of these
// kinds so that retry, replay, and quarantine decisions are uniform.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline error.
type Kind string

const (
	// KindParse: an event payload failed to decode. The single event is
	// dropped, never the batch.
	KindParse Kind = "parse"
	// KindEnrichmentMiss: host enrichment could not resolve the target.
	// Non-fatal; the event flows through unenriched.
	KindEnrichmentMiss Kind = "enrichment_miss"
	// KindTransientRemote: I/O failure or 5xx; eligible for retry.
	KindTransientRemote Kind = "transient_remote"
	// KindPermanentRemote: 4xx or contract violation; terminal failure.
	KindPermanentRemote Kind = "permanent_remote"
	// KindBlocked: rate-limited downstream; replayable via captured
	// retry params.
	KindBlocked Kind = "blocked"
	// KindTimeout: a task exceeded its time budget.
	KindTimeout Kind = "timeout"
	// KindCancelled: explicit cancellation; the task expires.
	KindCancelled Kind = "cancelled"
	// KindInvariant: a bug; the offending record is quarantined.
	KindInvariant Kind = "invariant_violation"
)

// Fault is an error carrying a Kind and an optional wrapped cause.
type Fault struct {
	Knd    Kind
	Detail string
	Cause  error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Knd, f.Detail, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Knd, f.Detail)
}

func (f *Fault) Unwrap() error { return f.Cause }

// New creates a Fault without a cause.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Knd: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates a Fault wrapping an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Fault {
	return &Fault{Knd: kind, Detail: fmt.Sprintf(format, args...), Cause: err}
}

// KindOf returns the Kind of err, or "" if err carries no Fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Knd
	}
	return ""
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err should be retried by the owning component's
// retry policy. Only transient remote failures qualify; blocked errors are
// replayed by an operator instead.
func Retryable(err error) bool {
	return KindOf(err) == KindTransientRemote
}
