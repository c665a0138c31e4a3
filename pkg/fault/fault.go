// Package fault defines the error taxonomy used across the execution core.
//
// Every failure surfaced by a step action, a store, or a collaborator is
// classified into one of five categories. The category decides propagation:
//   - TRANSIENT failures are retried locally up to the configured limit
//   - PERMANENT, PERMISSION and VALIDATION failures never retry
//   - RESOURCE failures never retry and signal budget/rate exhaustion
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Category classifies a failure for retry and escalation decisions.
type Category string

const (
	// CategoryTransient covers timeouts, connection resets and 5xx-class
	// errors. A retry may succeed.
	CategoryTransient Category = "TRANSIENT"
	// CategoryPermanent covers malformed input and 4xx-class errors.
	CategoryPermanent Category = "PERMANENT"
	// CategoryResource covers budget or rate exhaustion.
	CategoryResource Category = "RESOURCE"
	// CategoryPermission covers authorization denials.
	CategoryPermission Category = "PERMISSION"
	// CategoryValidation covers schema and contract violations.
	CategoryValidation Category = "VALIDATION"
)

// Fault is an error carrying its taxonomy category. The originating category
// is preserved through wrapping so a run-level failure outcome can report it.
type Fault struct {
	Cat Category
	Err error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return string(f.Cat)
	}
	return fmt.Sprintf("%s: %v", f.Cat, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// New creates a categorized fault wrapping cause.
func New(cat Category, cause error) *Fault {
	return &Fault{Cat: cat, Err: cause}
}

// Newf creates a categorized fault from a format string.
func Newf(cat Category, format string, args ...any) *Fault {
	return &Fault{Cat: cat, Err: fmt.Errorf(format, args...)}
}

// Transient wraps cause as TRANSIENT.
func Transient(cause error) *Fault { return New(CategoryTransient, cause) }

// Permanent wraps cause as PERMANENT.
func Permanent(cause error) *Fault { return New(CategoryPermanent, cause) }

// Resource wraps cause as RESOURCE.
func Resource(cause error) *Fault { return New(CategoryResource, cause) }

// Permission wraps cause as PERMISSION.
func Permission(cause error) *Fault { return New(CategoryPermission, cause) }

// Validation wraps cause as VALIDATION.
func Validation(cause error) *Fault { return New(CategoryValidation, cause) }

// CategoryOf extracts the category from err. Errors with no explicit category
// are treated as TRANSIENT: an unclassified failure must not be promoted to a
// non-retryable class by default.
func CategoryOf(err error) Category {
	var f *Fault
	if errors.As(err, &f) {
		return f.Cat
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTransient
	}
	return CategoryTransient
}

// Retryable reports whether a failure of this category may be retried.
func Retryable(err error) bool {
	return CategoryOf(err) == CategoryTransient
}

// FromStatusCode maps an HTTP-style status code onto a category.
// 5xx is TRANSIENT, 401/403 is PERMISSION, 429 is RESOURCE, 422 is
// VALIDATION, any other 4xx is PERMANENT.
func FromStatusCode(code int, cause error) *Fault {
	switch {
	case code >= 500:
		return Transient(cause)
	case code == 401 || code == 403:
		return Permission(cause)
	case code == 429:
		return Resource(cause)
	case code == 422:
		return Validation(cause)
	case code >= 400:
		return Permanent(cause)
	default:
		return Transient(cause)
	}
}
