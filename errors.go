package session

import "github.com/goliatone/go-errors"

const (
	TextCodeInvalidScope       = "session_invalid_scope"
	TextCodeInvalidCredentials = "session_invalid_credentials"
	TextCodeMfaCodeInvalid     = "session_mfa_code_invalid"
	TextCodeMfaNotPending      = "session_mfa_not_pending"
	TextCodeRefreshFailed      = "session_refresh_failed"
	TextCodeSessionExpired     = "session_expired"
	TextCodeStorageUnavailable = "session_storage_unavailable"
	TextCodeTokenMalformed     = "session_token_malformed"
	TextCodeInvalidTransition  = "session_invalid_transition"
)

// ErrInvalidScope is returned when a Manager or store is built for an
// unknown role scope.
var ErrInvalidScope = errors.New("unknown role scope", errors.CategoryBadInput).
	WithTextCode(TextCodeInvalidScope).
	WithCode(errors.CodeBadRequest)

// ErrInvalidCredentials is returned when the backend rejects a login.
// Sessions stay Anonymous; the login form surfaces the message.
var ErrInvalidCredentials = errors.New("invalid credentials", errors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(errors.CodeUnauthorized)

// ErrMfaCodeInvalid is returned when a second-factor code is rejected.
// The session stays MfaPending so the user can retry.
var ErrMfaCodeInvalid = errors.New("invalid mfa code", errors.CategoryAuth).
	WithTextCode(TextCodeMfaCodeInvalid).
	WithCode(errors.CodeUnauthorized)

// ErrMfaNotPending is returned when Verify or Abandon is called on a
// challenge whose session has already moved on.
var ErrMfaNotPending = errors.New("no mfa challenge pending", errors.CategoryConflict).
	WithTextCode(TextCodeMfaNotPending).
	WithCode(errors.CodeConflict)

// ErrRefreshFailed is returned when the refresh token is rejected or the
// refresh call cannot complete. It is never retried; the session is Expired.
var ErrRefreshFailed = errors.New("token refresh failed", errors.CategoryAuth).
	WithTextCode(TextCodeRefreshFailed).
	WithCode(errors.CodeUnauthorized)

// ErrSessionExpired is returned to callers suspended on a refresh that lost
// to a logout or settled after the session was torn down.
var ErrSessionExpired = errors.New("session expired", errors.CategoryAuth).
	WithTextCode(TextCodeSessionExpired).
	WithCode(errors.CodeUnauthorized)

// ErrStorageUnavailable is returned when the token store cannot be read or
// written. Treated as a soft failure: the session is forced Anonymous.
var ErrStorageUnavailable = errors.New("token storage unavailable", errors.CategoryOperation).
	WithTextCode(TextCodeStorageUnavailable)

// ErrTokenMalformed is returned when an access token's claims, in
// particular its expiry, cannot be decoded. Such a token is invalid, never
// "valid forever".
var ErrTokenMalformed = errors.New("token is malformed", errors.CategoryAuth).
	WithTextCode(TextCodeTokenMalformed).
	WithCode(errors.CodeUnauthorized)

// ErrInvalidSessionTransition is returned when a requested state change is
// not allowed by the session state machine.
var ErrInvalidSessionTransition = errors.New("invalid session state transition", errors.CategoryValidation).
	WithTextCode(TextCodeInvalidTransition).
	WithCode(errors.CodeBadRequest)

// IsCredentialError reports whether err is a rejected login. Storage
// failures match too: a session that cannot persist behaves like a failed
// login rather than a crash.
func IsCredentialError(err error) bool {
	return matches(err, ErrInvalidCredentials) || matches(err, ErrStorageUnavailable)
}

// IsMfaError reports whether err is a rejected second-factor code.
func IsMfaError(err error) bool {
	return matches(err, ErrMfaCodeInvalid)
}

// IsRefreshError reports whether err terminated a session: a failed refresh
// or an expiry raced by logout.
func IsRefreshError(err error) bool {
	return matches(err, ErrRefreshFailed) || matches(err, ErrSessionExpired)
}

// IsTransportError reports whether err is a plain network/server failure
// unrelated to authentication. Such errors bubble to callers untouched.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	return !IsCredentialError(err) && !IsMfaError(err) && !IsRefreshError(err) &&
		!matches(err, ErrTokenMalformed) && !matches(err, ErrMfaNotPending)
}

// matches reports whether err is the sentinel or carries its text code.
// Wrapped errors keep their network/storage source in the chain instead of
// the sentinel, so identity alone is not enough.
func matches(err error, sentinel *errors.Error) bool {
	if errors.Is(err, sentinel) {
		return true
	}
	var e *errors.Error
	if errors.As(err, &e) {
		return e.TextCode == sentinel.TextCode
	}
	return false
}
