package ierr

import (
	"errors"
	"testing"
)

func TestHTTPStatus_MapsEveryKind(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{Validation, 400},
		{Authorization, 401},
		{NotFound, 404},
		{InvalidStateTransition, 409},
		{ProviderError, 502},
		{IntegrityError, 409},
		{Kind("unknown"), 500},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.kind); got != c.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestError_MessageIncludesCauseWhenPresent(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ProviderError, "payment verification failed", cause)
	if err.Error() == "" {
		t.Fatal("expected a non-empty error message")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected Unwrap to expose the cause for errors.Is")
	}

	bare := New(Validation, "missing buyerId")
	if bare.Cause != nil {
		t.Fatal("expected New to build an error with no cause")
	}
}

func TestConstructorHelpers_TagTheExpectedKind(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		want Kind
	}{
		{"Validationf", Validationf("bad %s", "input"), Validation},
		{"NotFoundf", NotFoundf("escrow %s", "esc_1"), NotFound},
		{"Forbiddenf", Forbiddenf("nope"), Authorization},
		{"InvalidTransitionf", InvalidTransitionf("wrong state"), InvalidStateTransition},
		{"Integrityf", Integrityf("mismatch"), IntegrityError},
		{"Provider", Provider("timeout", true, nil), ProviderError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if c.err.Kind != c.want {
				t.Fatalf("expected kind %s, got %s", c.want, c.err.Kind)
			}
		})
	}
}

func TestProvider_RecordsRetryable(t *testing.T) {
	err := Provider("rate limited", true, nil)
	if !err.Retryable {
		t.Fatal("expected Retryable to be true")
	}
	err2 := Provider("card declined", false, nil)
	if err2.Retryable {
		t.Fatal("expected Retryable to be false")
	}
}
