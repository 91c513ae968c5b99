package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindNotFound, "contract %d not found", 7)
	if KindOf(err) != KindNotFound {
		t.Errorf("KindOf = %v, want not_found", KindOf(err))
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("untagged error should report unknown")
	}
	if KindOf(nil) != KindUnknown {
		t.Error("nil should report unknown")
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(KindConflict, "duplicate signer")
	outer := fmt.Errorf("create user contract: %w", inner)
	if !Is(outer, KindConflict) {
		t.Errorf("kind lost through fmt wrapping: %v", KindOf(outer))
	}

	rewrapped := Wrap(KindTransient, outer, "retry layer")
	if !Is(rewrapped, KindTransient) {
		t.Error("outermost kind should win")
	}
	if !errors.Is(rewrapped, inner) {
		t.Error("errors.Is chain broken")
	}
}

func TestWrapNil(t *testing.T) {
	if got := Wrap(KindFatal, nil, "whatever"); got != nil {
		t.Errorf("Wrap(nil) = %v, want nil", got)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(New(KindTransient, "flaky")) {
		t.Error("transient should be retryable")
	}
	for _, k := range []Kind{KindNotFound, KindConflict, KindInvalidInput, KindFatal, KindUnauthorised} {
		if IsRetryable(New(k, "x")) {
			t.Errorf("%v should not be retryable", k)
		}
	}
}

func TestMessageHidesDetail(t *testing.T) {
	err := Wrap(KindFatal, errors.New("pq: password authentication failed for user"), "connect")
	msg := Message(err)
	if msg != "internal error" {
		t.Errorf("Message = %q", msg)
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(KindTransient, errors.New("socket closed"), "fetch price")
	want := "transient: fetch price: socket closed"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
