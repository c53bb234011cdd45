package service

import (
	"errors"
	"net/http"
)

// Reason is the stable machine-readable code returned to clients.
type Reason string

const (
	ReasonInvalidCredentials           Reason = "INVALID_CREDENTIALS"
	ReasonUsernameTaken                Reason = "USERNAME_TAKEN"
	ReasonTokenGenerationFailed        Reason = "TOKEN_GENERATION_FAILED"
	ReasonInvalidOrExpiredRefreshToken Reason = "INVALID_OR_EXPIRED_REFRESH_TOKEN"
	ReasonSessionValidationFailed      Reason = "SESSION_VALIDATION_FAILED"
	ReasonTokenVerificationError       Reason = "TOKEN_VERIFICATION_ERROR"
	ReasonInvalidOrExpiredToken        Reason = "INVALID_OR_EXPIRED_TOKEN"
	ReasonStorageError                 Reason = "STORAGE_ERROR"
)

var reasonMessages = map[Reason]string{ //nolint:gochecknoglobals // read-only
	ReasonInvalidCredentials:           "Invalid user credentials",
	ReasonUsernameTaken:                "This username is already in use",
	ReasonTokenGenerationFailed:        "Token generation error",
	ReasonInvalidOrExpiredRefreshToken: "Invalid or expired refresh token",
	ReasonSessionValidationFailed:      "Session validation failed",
	ReasonTokenVerificationError:       "Token verification error",
	ReasonInvalidOrExpiredToken:        "Invalid or expired token",
	ReasonStorageError:                 "Internal server error",
}

// AuthError is the only error kind AuthService returns. Err keeps the cause
// for logging; it is never shown to clients.
type AuthError struct {
	Reason Reason
	Err    error
}

var (
	ErrInvalidCredentials           = &AuthError{Reason: ReasonInvalidCredentials}
	ErrUsernameTaken                = &AuthError{Reason: ReasonUsernameTaken}
	ErrTokenGenerationFailed        = &AuthError{Reason: ReasonTokenGenerationFailed}
	ErrInvalidOrExpiredRefreshToken = &AuthError{Reason: ReasonInvalidOrExpiredRefreshToken}
	ErrSessionValidationFailed      = &AuthError{Reason: ReasonSessionValidationFailed}
	ErrTokenVerification            = &AuthError{Reason: ReasonTokenVerificationError}
	ErrInvalidOrExpiredToken        = &AuthError{Reason: ReasonInvalidOrExpiredToken}
	ErrStorage                      = &AuthError{Reason: ReasonStorageError}
)

func newAuthError(reason Reason, cause error) *AuthError {
	return &AuthError{Reason: reason, Err: cause}
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return string(e.Reason) + ": " + e.Err.Error()
	}
	return string(e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches any AuthError carrying the same reason.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Reason == e.Reason
}

// Message is the client-facing text for the reason.
func (e *AuthError) Message() string {
	return reasonMessages[e.Reason]
}

func (e *AuthError) HTTPStatus() int {
	if e.Reason == ReasonStorageError {
		return http.StatusInternalServerError
	}
	return http.StatusUnauthorized
}

// ReasonOf returns the reason of the first AuthError in err's chain.
func ReasonOf(err error) (Reason, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Reason, true
	}
	return "", false
}
