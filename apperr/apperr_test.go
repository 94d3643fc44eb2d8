package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapKeepsCode(t *testing.T) {
	cause := errors.New("row not found")
	err := Wrap(cause, ErrTokenNotFound, "")

	if !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("wrapped error lost its sentinel")
	}
	if !errors.Is(err, cause) {
		t.Errorf("wrapped error lost its cause")
	}
	if Status(err) != http.StatusNotFound {
		t.Errorf("Status() = %d, want %d", Status(err), http.StatusNotFound)
	}
}

func TestWithFieldsDoesNotMutateSentinel(t *testing.T) {
	err := WithFields(ErrConflict, map[string]any{"current_version": int64(4)})
	if ErrConflict.Fields != nil {
		t.Fatalf("sentinel mutated")
	}
	if !errors.Is(err, ErrConflict) {
		t.Errorf("fields copy lost the code")
	}
	payload := Payload(err)
	fields, ok := payload["fields"].(map[string]any)
	if !ok || fields["current_version"] != int64(4) {
		t.Errorf("payload fields = %#v", payload["fields"])
	}
}

func TestStatusOfPlainError(t *testing.T) {
	if got := Status(fmt.Errorf("boom")); got != http.StatusInternalServerError {
		t.Errorf("Status() = %d, want 500", got)
	}
	if got := Code(fmt.Errorf("boom")); got != "internal_error" {
		t.Errorf("Code() = %q", got)
	}
}

func TestPayloadShape(t *testing.T) {
	payload := Payload(ErrTokenExpired)
	if payload["code"] != "token_expired" {
		t.Errorf("code = %v", payload["code"])
	}
	if payload["message"] == "" {
		t.Errorf("message empty")
	}
}
