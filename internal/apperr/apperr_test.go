package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("fulfill: %w", InvalidState("session s1 is REVOKED"))
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected errors.Is to match INVALID_STATE through wrapping")
	}
	if errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("did not expect SESSION_NOT_FOUND to match")
	}
	if got := CodeOf(err); got != CodeInvalidState {
		t.Fatalf("CodeOf = %s", got)
	}
	if got := KindOf(err); got != KindState {
		t.Fatalf("KindOf = %s", got)
	}
}

func TestUntypedErrorsAreInternal(t *testing.T) {
	err := errors.New("boom")
	if KindOf(err) != KindInternal || CodeOf(err) != CodeInternal {
		t.Fatalf("expected internal classification for untyped error")
	}
	if HTTPStatus(err) != http.StatusInternalServerError {
		t.Fatalf("expected 500 for untyped error")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("missing sessionId"), http.StatusBadRequest},
		{NotFound("s1"), http.StatusNotFound},
		{InvalidState("already active"), http.StatusConflict},
		{New(KindPolicy, CodeTargetMismatch, "x"), http.StatusPaymentRequired},
		{New(KindExecutionFailed, CodeSettleAborted, "x"), http.StatusBadGateway},
		{New(KindPartialCompletion, CodePartialCompletion, "x"), http.StatusBadGateway},
		{New(KindExecutionAmbiguous, CodeExecutionAmbiguous, "x"), http.StatusBadGateway},
		{New(KindPartialCompletion, CodeResourceUndelivered, "x"), http.StatusBadGateway},
		{New(KindValidation, CodeUnauthorized, "x"), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(errors.New("dial tcp: refused"), KindExecutionFailed, CodeNetworkError, "verify request failed")
	want := "NETWORK_ERROR: verify request failed: dial tcp: refused"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
