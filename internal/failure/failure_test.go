package failure_test

import (
	"errors"
	"fmt"
	"testing"

	"NFTLend/internal/failure"
)

func TestDetailedErrorMatchesSentinel(t *testing.T) {
	err := failure.ErrPaused.With("loan %s", "loan-1")
	wrapped := fmt.Errorf("submit: %w", err)

	if !errors.Is(wrapped, failure.ErrPaused) {
		t.Fatal("detailed error must match its sentinel through wrapping")
	}
	if errors.Is(wrapped, failure.ErrInsufficientValue) {
		t.Fatal("different reason must not match")
	}
	if failure.KindOf(wrapped) != failure.Guard {
		t.Errorf("expected guard kind, got %s", failure.KindOf(wrapped))
	}
	if failure.ReasonOf(wrapped) != "paused" {
		t.Errorf("expected reason paused, got %s", failure.ReasonOf(wrapped))
	}
}

func TestForeignErrors(t *testing.T) {
	err := errors.New("boom")
	if failure.KindOf(err) != 0 {
		t.Error("foreign error must have zero kind")
	}
	if failure.ReasonOf(err) != "internal" {
		t.Error("foreign error must report internal reason")
	}
}

func TestSameReasonDifferentKind(t *testing.T) {
	a := failure.Guarded("x")
	b := failure.BadState("x")
	if errors.Is(a, b) {
		t.Fatal("kind must participate in matching")
	}
}
