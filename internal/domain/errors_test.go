package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestTransientAndPermanentWrap(t *testing.T) {
	base := errors.New("db down")

	tr := Transient(base)
	if !errors.Is(tr, ErrTransient) || !errors.Is(tr, base) {
		t.Fatalf("Transient should match kind and cause: %v", tr)
	}
	if !IsRetryable(tr) {
		t.Fatalf("transient should be retryable")
	}

	pe := Permanent(base)
	if !errors.Is(pe, ErrPermanent) || errors.Is(pe, ErrTransient) {
		t.Fatalf("Permanent kind mismatch: %v", pe)
	}
	if IsRetryable(pe) {
		t.Fatalf("permanent should not be retryable")
	}

	if Transient(nil) != nil || Permanent(nil) != nil {
		t.Fatalf("nil in, nil out")
	}
	if again := Transient(tr); again != tr {
		t.Fatalf("re-wrapping the same kind should be a no-op")
	}
}

func TestIsRetryable_Kinds(t *testing.T) {
	for _, k := range []error{ErrValidation, ErrConflict, ErrCapacity, ErrPermanent} {
		if IsRetryable(fmt.Errorf("x: %w", k)) {
			t.Fatalf("%v should not be retryable", k)
		}
	}
	if IsRetryable(nil) {
		t.Fatalf("nil is not retryable")
	}
	if !IsRetryable(errors.New("plain")) {
		t.Fatalf("untagged errors default to retryable")
	}
}

func TestNotificationEvent_SignVerify(t *testing.T) {
	e := NotificationEvent{EventID: "e1", OrderID: "A1"}
	e.Sign([]byte("k1"))
	if e.Signature == "" || !e.Verify([]byte("k1")) {
		t.Fatalf("signature should verify with the same key")
	}
	if e.Verify([]byte("k2")) {
		t.Fatalf("signature must not verify with another key")
	}
	e.OrderID = "A2"
	if e.Verify([]byte("k1")) {
		t.Fatalf("tampered order id must not verify")
	}
}
