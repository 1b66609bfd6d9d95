package reapierr

import (
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	status "google.golang.org/grpc/status"
)

func TestKindOf(t *testing.T) {
	err := New(Integrity, "digest mismatch")
	k, ok := KindOf(err)
	if !ok || k != Integrity {
		t.Fatalf("KindOf = %v, %v; want Integrity, true", k, ok)
	}

	wrapped := Wrap(Io, errors.New("disk full"), "write output")
	k, ok = KindOf(wrapped)
	if !ok || k != Io {
		t.Fatalf("KindOf(wrapped) = %v, %v; want Io, true", k, ok)
	}
}

func TestFromStatusClassifiesNotFound(t *testing.T) {
	st := status.New(codes.NotFound, "missing blob").Err()
	e := FromStatus(st, "read blob")
	if e.Kind != NotFound {
		t.Fatalf("Kind = %v; want NotFound", e.Kind)
	}
	if !IsNotFound(e) {
		t.Fatal("IsNotFound(e) = false; want true")
	}
}

func TestFromStatusOtherCodeIsRpc(t *testing.T) {
	st := status.New(codes.Unavailable, "down").Err()
	e := FromStatus(st, "call")
	if e.Kind != Rpc {
		t.Fatalf("Kind = %v; want Rpc", e.Kind)
	}
	if IsNotFound(e) {
		t.Fatal("IsNotFound(e) = true; want false")
	}
}

func TestErrorIsMatchesByKind(t *testing.T) {
	a := New(RetryExhausted, "gave up")
	b := New(RetryExhausted, "different message")
	if !errors.Is(a, b) {
		t.Fatal("errors.Is should match same Kind regardless of message")
	}
	c := New(Transport, "gave up")
	if errors.Is(a, c) {
		t.Fatal("errors.Is should not match different Kind")
	}
}
