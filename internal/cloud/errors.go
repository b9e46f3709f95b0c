package cloud

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
)

type AuthErrorKind string

const (
	KindInvalidCredentials AuthErrorKind = "INVALID_CREDENTIALS"
	KindExpiredKey         AuthErrorKind = "EXPIRED_KEY"
	KindNetwork            AuthErrorKind = "NETWORK"
	KindServerError        AuthErrorKind = "SERVER_ERROR"
)

// AuthError is returned by every cloud HTTP call. It never carries the
// account secret or the API key.
type AuthError struct {
	Kind   AuthErrorKind
	Op     string
	Status int
	Detail string
	Err    error
}

var (
	ErrInvalidCredentials = &AuthError{Kind: KindInvalidCredentials}
	ErrExpiredKey         = &AuthError{Kind: KindExpiredKey}
	ErrNetwork            = &AuthError{Kind: KindNetwork}
	ErrServerError        = &AuthError{Kind: KindServerError}
)

func (e *AuthError) Error() string {
	if e == nil {
		return "cloud auth error"
	}
	var b strings.Builder
	b.WriteString("cloud")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(strings.ToLower(string(e.Kind)))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on Kind so callers can use errors.Is(err, cloud.ErrExpiredKey).
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Kind == e.Kind
}

// CredentialsRejected reports whether the account itself was refused.
func (e *AuthError) CredentialsRejected() bool {
	return e != nil && e.Kind == KindInvalidCredentials
}

// KindOf extracts the kind of a cloud error, or "" for foreign errors.
func KindOf(err error) AuthErrorKind {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return ""
}

// networkError strips request URLs, which may carry the API key, from
// transport errors.
func networkError(op string, err error) *AuthError {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	return &AuthError{Kind: KindNetwork, Op: op, Err: err}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindNetwork, KindServerError:
		return true
	case KindInvalidCredentials, KindExpiredKey:
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}
