package vmerr_test

import (
	"errors"
	"testing"

	"roguevm/internal/vmerr"
)

func TestErrorIsSentinel(t *testing.T) {
	err := vmerr.Wrap(vmerr.KindNotFound, "unmap", errors.New("no such range"))

	if !errors.Is(err, vmerr.ErrNotFound) {
		t.Fatalf("errors.Is(%v, ErrNotFound) = false, want true", err)
	}
	if errors.Is(err, vmerr.ErrAlreadyMapped) {
		t.Fatalf("errors.Is(%v, ErrAlreadyMapped) = true, want false", err)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := vmerr.Wrap(vmerr.KindTimeout, "mmu_flush", cause)

	if got := errors.Unwrap(err); got != cause {
		t.Fatalf("Unwrap() = %v, want %v", got, cause)
	}
}

func TestNewHasNoCause(t *testing.T) {
	err := vmerr.New(vmerr.KindInvalidArgument, "map")

	if err.Unwrap() != nil {
		t.Fatalf("Unwrap() = %v, want nil", err.Unwrap())
	}
	if !errors.Is(err, vmerr.ErrInvalidArgument) {
		t.Fatalf("errors.Is(%v, ErrInvalidArgument) = false, want true", err)
	}
}

func TestKindString(t *testing.T) {
	cases := map[vmerr.Kind]string{
		vmerr.KindInvalidArgument: "invalid argument",
		vmerr.KindAlreadyMapped:   "already mapped",
		vmerr.KindNotFound:        "not found",
		vmerr.KindOutOfMemory:     "out of memory",
		vmerr.KindTimeout:         "timeout",
		vmerr.KindHierarchyWrap:   "hierarchy wrap",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
