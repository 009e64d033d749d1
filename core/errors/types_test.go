package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFailureClassString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		class FailureClass
		want  string
	}{
		{ClassNetwork, "network"},
		{ClassTimeout, "timeout"},
		{ClassPermission, "permission"},
		{ClassBusiness, "business"},
		{ClassUnknown, "unknown"},
		{FailureClass(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.class.String(); got != tt.want {
			t.Errorf("FailureClass(%d).String() = %q, want %q", tt.class, got, tt.want)
		}
	}
}

func TestParseFailureClassRoundTrip(t *testing.T) {
	t.Parallel()

	for _, class := range []FailureClass{ClassNetwork, ClassTimeout, ClassPermission, ClassBusiness, ClassUnknown} {
		if got := ParseFailureClass(class.String()); got != class {
			t.Errorf("ParseFailureClass(%q) = %v, want %v", class.String(), got, class)
		}
	}
	if got := ParseFailureClass("nonsense"); got != ClassUnknown {
		t.Errorf("ParseFailureClass(nonsense) = %v, want unknown", got)
	}
}

func TestClassifiedErrorFormat(t *testing.T) {
	t.Parallel()

	bare := NewClassifiedError(ClassNetwork, "fetch failed", nil)
	if got := bare.Error(); got != "[network] fetch failed" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := NewClassifiedError(ClassBusiness, "rejected", errors.New("duplicate key"))
	if got := wrapped.Error(); !strings.Contains(got, "duplicate key") {
		t.Errorf("Error() missing underlying: %q", got)
	}
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("inner")
	err := NewClassifiedError(ClassTimeout, "outer", inner)

	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the underlying error")
	}
}

func TestClassifiedErrorIsMatchesClass(t *testing.T) {
	t.Parallel()

	a := NewClassifiedError(ClassNetwork, "a", nil)
	b := NewClassifiedError(ClassNetwork, "b", nil)
	c := NewClassifiedError(ClassBusiness, "c", nil)

	if !errors.Is(a, b) {
		t.Error("errors with the same class should match")
	}
	if errors.Is(a, c) {
		t.Error("errors with different classes should not match")
	}
}

func TestGetClassDefault(t *testing.T) {
	t.Parallel()

	if got := GetClass(errors.New("anything")); got != ClassUnknown {
		t.Errorf("GetClass(plain error) = %s, want unknown", got)
	}
	if got := GetClass(fmt.Errorf("wrap: %w", ErrPermissionDenied)); got != ClassPermission {
		t.Errorf("GetClass(wrapped sentinel) = %s, want permission", got)
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", ErrNetworkUnavailable, true},
		{"timeout", ErrRequestTimeout, true},
		{"permission", ErrPermissionDenied, false},
		{"business", ErrConstraintViolation, false},
		{"unknown plain", errors.New("???"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapWithClass(t *testing.T) {
	t.Parallel()

	plain := errors.New("boom")
	wrapped := WrapWithClass(ClassNetwork, "dispatch", plain)
	if got := GetClass(wrapped); got != ClassNetwork {
		t.Errorf("GetClass = %s, want network", got)
	}

	// Wrapping an already classified error must not change its class.
	rewrapped := WrapWithClass(ClassNetwork, "dispatch", ErrConstraintViolation)
	if got := GetClass(rewrapped); got != ClassBusiness {
		t.Errorf("GetClass after rewrap = %s, want business", got)
	}

	if WrapWithClass(ClassNetwork, "noop", nil) != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestDefaultBehaviorsDeadLetterRouting(t *testing.T) {
	t.Parallel()

	behaviors := DefaultBehaviors()

	if !behaviors[ClassPermission].DeadLetter {
		t.Error("permission failures should dead-letter immediately")
	}
	if !behaviors[ClassBusiness].DeadLetter {
		t.Error("business failures should dead-letter immediately")
	}
	if behaviors[ClassNetwork].DeadLetter {
		t.Error("network failures should not dead-letter immediately")
	}
}
