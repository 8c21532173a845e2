// Package open115 implements the 115 Open Platform client: token lifecycle,
// the authenticated request pipeline, the path resolver backed by the
// metadata store, the upload state machine, and the OSS signed PUT.
package open115

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is to check.
var (
	// ErrAuthMissing means no refresh token is configured, so the token
	// manager cannot mint an access token.
	ErrAuthMissing = errors.New("open115: no refresh token configured")

	// ErrNotFound is returned when the requested object is absent from the
	// cached view of the remote tree.
	ErrNotFound = errors.New("open115: not found")
)

// APIError is an application-level error the provider encodes inside a JSON
// body (usually with HTTP 200). Code 406 is the provider's quota/rate
// limit, surfaced to REST clients as 429; everything else is a generic
// upstream failure.
type APIError struct {
	Code    int64
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("open115: api error: %s (code=%d)", e.Message, e.Code)
}

// IsQuotaLimited reports whether the error is the provider's quota limit
// (application code 406).
func (e *APIError) IsQuotaLimited() bool {
	return e.Code == codeQuotaLimited
}

// RefreshError is a non-recoverable failure from the token refresh endpoint.
type RefreshError struct {
	Code    int64
	Message string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("open115: token refresh failed: %s (code=%d)", e.Message, e.Code)
}

// TransportError wraps a network, TLS, or timeout failure talking to the
// provider or the object store.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("open115: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError wraps a malformed JSON body from the provider.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("open115: decoding upstream response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// InternalError marks a precondition violation or an inconsistent upstream
// response (for example an OSS upload that completed without callback
// metadata).
type InternalError struct {
	Message string
}

func (e *InternalError) Error() string {
	return "open115: " + e.Message
}

// Provider application codes. See the 115 open platform error code tables.
const (
	// codeQuotaLimited is the daily quota / access frequency limit.
	codeQuotaLimited = 406

	// codeRefreshTooFrequent is returned when access_token refresh is
	// attempted too often.
	codeRefreshTooFrequent = 40140117
)

// isAccessTokenInvalid reports whether the application code means the
// access token expired or was revoked and a refresh should be attempted.
func isAccessTokenInvalid(code int64) bool {
	return code >= 40140123 && code <= 40140126
}

// isRateLimited covers both the quota limit and the refresh frequency
// control; both are retried with backoff.
func isRateLimited(code int64) bool {
	return code == codeQuotaLimited || code == codeRefreshTooFrequent
}
