package session

import "fmt"

// Failure codes produced by the orchestrator. Server error codes are passed
// through unchanged.
const (
	CodeConnectionFailed  = "CONNECTION_FAILED"
	CodeConnectionTimeout = "CONNECTION_TIMEOUT"
	CodeCreationTimeout   = "CREATION_TIMEOUT"
	CodeAuthFailed        = "AUTH_FAILED"
	CodeCancelled         = "CANCELLED"
	CodeProtocolError     = "PROTOCOL_ERROR"
)

// Server error codes with special handling.
const (
	CodeInvalidParameters   = "INVALID_PARAMETERS"
	CodeUnsupportedLanguage = "UNSUPPORTED_LANGUAGE"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeTokenExpired        = "TOKEN_EXPIRED"
)

// Server codes that stop the retry loop immediately.
var nonRetryableCodes = map[string]bool{
	CodeInvalidParameters:   true,
	CodeUnsupportedLanguage: true,
}

// Server codes that trigger a credential refresh.
var authCodes = map[string]bool{
	CodeUnauthorized: true,
	CodeTokenExpired: true,
	CodeAuthFailed:   true,
}

// Error is a classified session-creation failure.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsAuth reports whether the failure was a credential rejection.
func (e *Error) IsAuth() bool { return authCodes[e.Code] }

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	return !nonRetryableCodes[e.Code] && !e.IsAuth() && e.Code != CodeCancelled
}
