// Package vmerr defines the error taxonomy exposed at the VM subsystem's
// public boundary. Every kind is a distinct sentinel so callers can use
// errors.Is; *Error additionally carries the failing operation name for
// logging.
//
// There is no third-party error-handling library anywhere in the
// retrieved corpus (no pkg/errors, no multierr); the closest precedent
// is gopher-os-gopher-os's kernel.Error{Module, Message} struct, which
// this package follows in shape while adding an Is method so errors.Is
// matches the sentinels, and Unwrap to expose an underlying cause.
package vmerr

import "fmt"

// Kind classifies a VM subsystem error.
type Kind int

const (
	// KindInvalidArgument marks bad alignment, bad range, or bad handle.
	KindInvalidArgument Kind = iota
	// KindAlreadyMapped marks overlap with an existing mapping.
	KindAlreadyMapped
	// KindNotFound marks unmap or reverse-lookup with no match.
	KindNotFound
	// KindOutOfMemory marks a backing-page or mapping-node allocation failure.
	KindOutOfMemory
	// KindTimeout marks an MMU flush that did not complete in time.
	KindTimeout
	// KindHierarchyWrap marks a cursor advance past the top of the address space.
	KindHierarchyWrap
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindAlreadyMapped:
		return "already mapped"
	case KindNotFound:
		return "not found"
	case KindOutOfMemory:
		return "out of memory"
	case KindTimeout:
		return "timeout"
	case KindHierarchyWrap:
		return "hierarchy wrap"
	default:
		return "unknown vm error"
	}
}

// Error is the concrete error type returned across the VM subsystem's
// public boundary.
type Error struct {
	Kind Kind
	// Op names the operation that failed (e.g. "map", "unmap", "cursor.next_page").
	Op string
	// Err, when set, is the underlying cause (e.g. a command-channel timeout).
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vm: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("vm: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's Kind, so that
// errors.Is(err, vmerr.ErrInvalidArgument) works against a wrapped *Error.
func (e *Error) Is(target error) bool {
	s, ok := target.(*sentinel)
	return ok && s.kind == e.Kind
}

type sentinel struct{ kind Kind }

func (s *sentinel) Error() string { return s.kind.String() }

// Sentinels usable with errors.Is against any *Error of the matching Kind.
var (
	ErrInvalidArgument = &sentinel{KindInvalidArgument}
	ErrAlreadyMapped   = &sentinel{KindAlreadyMapped}
	ErrNotFound        = &sentinel{KindNotFound}
	ErrOutOfMemory     = &sentinel{KindOutOfMemory}
	ErrTimeout         = &sentinel{KindTimeout}
	ErrHierarchyWrap   = &sentinel{KindHierarchyWrap}
)

// New constructs an *Error of the given kind for operation op.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap constructs an *Error of the given kind for operation op, wrapping cause.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}
