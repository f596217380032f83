// Package faults classifies pipeline errors so each component can decide between retry, fail, and surface.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the failure class of an error.
type Kind int

const (
	// KindUnknown errors are treated as permanent by stage workers.
	KindUnknown Kind = iota
	// KindTransient covers timeouts and temporary collaborator unavailability; retried with backoff.
	KindTransient
	// KindValidation covers malformed payloads and unknown documents; never retried.
	KindValidation
	// KindPartialBulk marks a per-item rejection inside a bulk write.
	KindPartialBulk
	// KindClusterDegraded marks an unhealthy search index.
	KindClusterDegraded
	// KindInfrastructure means the transport itself is down; surfaced to the process boundary.
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindPartialBulk:
		return "partial_bulk"
	case KindClusterDegraded:
		return "cluster_degraded"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Transient marks err as retryable.
func Transient(err error) error { return wrap(KindTransient, err) }

// Validation marks err as a permanent input problem.
func Validation(err error) error { return wrap(KindValidation, err) }

// Validationf builds a validation error from a format string.
func Validationf(format string, args ...any) error {
	return Validation(fmt.Errorf(format, args...))
}

// PartialBulk marks a per-item bulk rejection.
func PartialBulk(err error) error { return wrap(KindPartialBulk, err) }

// ClusterDegraded marks an unhealthy index.
func ClusterDegraded(err error) error { return wrap(KindClusterDegraded, err) }

// Infrastructure marks a transport failure.
func Infrastructure(err error) error { return wrap(KindInfrastructure, err) }

// KindOf returns the outermost Kind attached to err.
// Deadline expiry is transient even when unmarked.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsValidation reports whether err is a permanent input problem.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsInfrastructure reports whether err indicates the transport is down.
func IsInfrastructure(err error) bool { return KindOf(err) == KindInfrastructure }
