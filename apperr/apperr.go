package apperr

import (
	"errors"
	"net/http"
)

// Error represents a typed, status-aware application error.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message,omitempty"`
	Status  int            `json:"-"`
	Fields  map[string]any `json:"fields,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	return "error"
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets errors.Is match the sentinel carrying the same code, so call
// sites can write errors.Is(err, apperr.ErrTokenExpired) even when the
// error was copied via Wrap or WithFields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

func Wrap(err error, base *Error, message string) *Error {
	if err == nil {
		return nil
	}
	if base == nil {
		base = ErrInternal
	}
	copy := *base
	if message != "" {
		copy.Message = message
	}
	copy.Err = err
	return &copy
}

func WithFields(base *Error, fields map[string]any) *Error {
	if base == nil {
		return nil
	}
	copy := *base
	copy.Fields = fields
	return &copy
}

func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

func Status(err error) int {
	if e, ok := As(err); ok && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

func Code(err error) string {
	if e, ok := As(err); ok && e.Code != "" {
		return e.Code
	}
	return "internal_error"
}

func Message(err error) string {
	if e, ok := As(err); ok {
		if e.Message != "" {
			return e.Message
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return e.Code
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

func Payload(err error) map[string]any {
	if err == nil {
		return map[string]any{}
	}
	if e, ok := As(err); ok {
		payload := map[string]any{
			"code":    Code(e),
			"message": Message(e),
		}
		if len(e.Fields) > 0 {
			payload["fields"] = e.Fields
		}
		return payload
	}
	return map[string]any{
		"code":    "internal_error",
		"message": err.Error(),
	}
}

var (
	ErrBadRequest = New("bad_request", http.StatusBadRequest, "")
	ErrEmptyBody  = New("empty_body", http.StatusBadRequest, "request body is empty")
	ErrForbidden  = New("forbidden", http.StatusForbidden, "")
	ErrNotFound   = New("not_found", http.StatusNotFound, "")
	ErrInternal   = New("internal_error", http.StatusInternalServerError, "")
	ErrDatabase   = New("database_error", http.StatusInternalServerError, "")

	// Identity.
	ErrInvalidCredential   = New("invalid_credential", http.StatusUnauthorized, "credential rejected by provider")
	ErrProviderUnavailable = New("provider_unavailable", http.StatusServiceUnavailable, "identity provider unreachable")
	ErrAlreadyLinked       = New("already_linked", http.StatusConflict, "provider subject belongs to another account")
	ErrSessionExpired      = New("session_expired", http.StatusUnauthorized, "session has expired")
	ErrSessionRevoked      = New("session_revoked", http.StatusUnauthorized, "session has been revoked")

	// Pairing.
	ErrTokenNotFound        = New("token_not_found", http.StatusNotFound, "pairing token does not exist")
	ErrTokenExpired         = New("token_expired", http.StatusGone, "pairing token has expired")
	ErrTokenAlreadyRedeemed = New("token_already_redeemed", http.StatusConflict, "pairing token was already redeemed")
	ErrTokenRevoked         = New("token_revoked", http.StatusGone, "pairing token was revoked by its issuer")
	ErrBadSignature         = New("bad_signature", http.StatusBadRequest, "pairing payload failed verification")

	// Sync.
	ErrConflict         = New("conflict", http.StatusConflict, "write lost a version race")
	ErrTransportTimeout = New("transport_timeout", http.StatusGatewayTimeout, "store did not answer in time")
)
