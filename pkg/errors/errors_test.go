package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestErrorIncludesInternal(t *testing.T) {
	internal := stdErrors.New("boom")
	err := Wrap(internal, "failed")

	if err.Error() != "failed: boom" {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
}

func TestWithInternalCopiesAndStillMatchesSentinel(t *testing.T) {
	with := ErrConnectFailed.WithInternal(stdErrors.New("dial tcp: refused"))

	if with == ErrConnectFailed {
		t.Fatal("expected WithInternal to return a copy")
	}
	if ErrConnectFailed.Internal != nil {
		t.Fatal("expected sentinel to remain unchanged")
	}
	if !stdErrors.Is(with, ErrConnectFailed) {
		t.Fatal("expected copy to match sentinel via errors.Is")
	}
	if stdErrors.Is(with, ErrReconnectFailed) {
		t.Fatal("expected different codes not to match")
	}
}

func TestFromError(t *testing.T) {
	if out := FromError(ErrNotConnected); out != ErrNotConnected {
		t.Fatal("expected FromError to return the same SyncError instance")
	}

	wrapped := fmt.Errorf("emit cursor: %w", ErrNotConnected)
	if out := FromError(wrapped); out.Code != ErrNotConnected.Code {
		t.Fatalf("expected wrapped sync error to be unwrapped, got %s", out.Code)
	}

	raw := stdErrors.New("raw")
	out := FromError(raw)
	if out.Code != ErrInternal.Code {
		t.Fatalf("expected internal code, got %s", out.Code)
	}
	if out.Internal == nil {
		t.Fatal("expected internal error to be attached")
	}
	if FromError(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestKindOf(t *testing.T) {
	cases := map[error]Kind{
		nil:                     "",
		ErrMissingURL:           KindConfiguration,
		ErrReconnectFailed:      KindConnection,
		ErrNotConnected:         KindEmit,
		ErrHandlerFailed:        KindHandler,
		ErrNotLockHolder:        KindProtocol,
		stdErrors.New("plain"):  KindInternal,
	}
	for err, want := range cases {
		if got := KindOf(err); got != want {
			t.Fatalf("KindOf(%v) = %q, want %q", err, got, want)
		}
	}
}
