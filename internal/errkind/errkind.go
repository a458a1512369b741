// Package errkind is the closed error taxonomy of spec.md §7, shared by
// every component that can fail a transfer. It replaces the teacher's
// friendlyError/friendlyHTTPError string mapping with a typed error that
// downstream code can switch on or errors.As to decide retry eligibility.
package errkind

import "fmt"

type Kind string

const (
	InputInvalid        Kind = "input_invalid"
	NetworkTransient     Kind = "network_transient"
	NetworkFatal         Kind = "network_fatal"
	RangeUnsupported     Kind = "range_unsupported"
	FilesystemTransient  Kind = "filesystem_transient"
	FilesystemFatal      Kind = "filesystem_fatal"
	CorruptedPartial     Kind = "corrupted_partial"
	Cancelled            Kind = "cancelled"
	Internal             Kind = "internal"
)

// Retryable reports whether the dispatch loop's retry policy applies to
// a failure of this kind (spec.md §7).
func (k Kind) Retryable() bool {
	switch k {
	case NetworkTransient, FilesystemTransient:
		return true
	default:
		return false
	}
}

// Err wraps an underlying error with its taxonomy kind.
type Err struct {
	Kind Kind
	Err  error
}

func (e *Err) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Err) Unwrap() error { return e.Err }

// New constructs a typed transfer error of the given kind.
func New(kind Kind, err error) *Err {
	return &Err{Kind: kind, Err: err}
}

// Of extracts the Kind from err if it is (or wraps) an *Err, defaulting
// to Internal for anything else.
func Of(err error) Kind {
	var e *Err
	if as(err, &e) {
		return e.Kind
	}
	return Internal
}

func as(err error, target **Err) bool {
	for err != nil {
		if e, ok := err.(*Err); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
