// Package errors classifies failures for retry logic. Low-level helpers wrap
// causes in TransientError or PermanentError; IsTransient drives the retry
// helper. Domain conditions that must never be retried with backoff (dead
// cookies, saturated pool, bad artifacts) get their own types so callers can
// branch with errors.As instead of string matching.
package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// TransientError represents an error that can be retried.
type TransientError struct {
	Err        error
	StatusCode int // HTTP status code if applicable
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient checks if an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}
	// Invalidation is terminal for the current cookie set; backoff cannot help.
	var authErr *AuthInvalidError
	if errors.As(err, &authErr) {
		return false
	}
	if errors.Is(err, ErrPoolSaturated) {
		return false
	}

	return isNetworkError(err)
}

// isNetworkError reports whether err looks like a connectivity failure
// (timeouts, refused/reset connections) rather than a protocol-level one.
// DNS failures are excluded: they do not resolve themselves with backoff.
func isNetworkError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// RetryableStatus reports whether an HTTP status code warrants a retry.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// FromStatus wraps an HTTP-level failure with the right classification.
func FromStatus(code int, url string) error {
	err := fmt.Errorf("http %d from %s", code, url)
	if RetryableStatus(code) {
		return &TransientError{Err: err, StatusCode: code}
	}
	return &PermanentError{Err: err, StatusCode: code}
}

// ErrPoolSaturated is returned when every browser slot is full and no context
// can be evicted to make room.
var ErrPoolSaturated = errors.New("browser pool saturated")

// AuthInvalidError signals that the account's cookies no longer authenticate.
// Signal names the observation that triggered the classification (login
// redirect, empty body, api status, message substring).
type AuthInvalidError struct {
	Account string
	Signal  string
}

func (e *AuthInvalidError) Error() string {
	return fmt.Sprintf("account %s auth invalid: %s", e.Account, e.Signal)
}

// IsAuthInvalid reports whether err carries an invalidation signal.
func IsAuthInvalid(err error) bool {
	var authErr *AuthInvalidError
	return errors.As(err, &authErr)
}

// ArtifactError marks a downloaded file that failed validation (zero-sized,
// truncated, or not a parseable spreadsheet). Treated as transient within a
// product's generate-wait-download loop.
type ArtifactError struct {
	Path   string
	Reason string
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("invalid artifact %s: %s", e.Path, e.Reason)
}

// ValidationError marks malformed task input (empty account, bad dates,
// unknown task name). Surfaced to the callback, never retried locally.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PortalMessageIndicatesInvalid checks a portal JSON message for the
// substrings that are part of the wire contract for login expiry.
func PortalMessageIndicatesInvalid(msg string) bool {
	for _, marker := range []string{"未登录", "登录状态已过期", "请重新登录", "not logged in", "login state expired", "please re-login"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// PortalCodeIndicatesInvalid checks a portal JSON code for the values that
// signal login expiry.
func PortalCodeIndicatesInvalid(code int) bool {
	return code == 401 || code == 606
}
