package appstore

import "fmt"

// AuthReason narrows an AuthError to what the user has to do about it.
type AuthReason string

const (
	ReasonBadCredentials AuthReason = "bad_credentials"
	ReasonMFARequired    AuthReason = "mfa_required"
	ReasonAccountLocked  AuthReason = "account_locked"
	ReasonRateLimited    AuthReason = "rate_limited"
)

// AuthError represents a sign-in rejection. The reason tells the caller
// whether to ask for a second factor, back off, or re-prompt credentials.
type AuthError struct {
	Reason  AuthReason
	Code    string // vendor failureType, verbatim
	Message string // vendor customerMessage, verbatim
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed (%s): %s", e.Reason, e.Message)
	}

	return fmt.Sprintf("authentication failed (%s)", e.Reason)
}

// LicenseError means the account has no entitlement for the product.
// Recoverable through the purchase flow, at most once per job.
type LicenseError struct {
	Message string
}

func (e *LicenseError) Error() string {
	return fmt.Sprintf("license missing: %s", e.Message)
}

// SessionError means the session token or cookies are no longer accepted.
// Recoverable through one re-authentication with cached credentials.
type SessionError struct {
	Message string
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session expired: %s", e.Message)
}

// ProtocolError is any other vendor-level failure: the RPC reached the
// vendor and came back with a failureType we have no recovery for.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("store error %s: %s", e.Code, e.Message)
	}

	return fmt.Sprintf("store error: %s", e.Message)
}

// TransportError wraps a network-level failure that survived the retry
// budget of the underlying client.
type TransportError struct {
	Operation string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
