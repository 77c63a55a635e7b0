package auth

import (
	"errors"
	"fmt"
)

var ErrAuth = errors.New("auth error")

const (
	CodeNoSession      = "NO_SESSION"
	CodeInvalidState   = "INVALID_STATE"
	CodeExchangeFailed = "EXCHANGE_FAILED"
	CodeRefreshFailed  = "REFRESH_FAILED"
	CodeTokenExpired   = "TOKEN_EXPIRED"
	CodeNotConfigured  = "NOT_CONFIGURED"
)

type AuthError struct {
	Code    string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// HasCode reports whether err is an *AuthError with the given code.
func HasCode(err error, code string) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Code == code
}
