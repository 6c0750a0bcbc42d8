package appstore

import "strings"

// FailureKind is the fixed taxonomy the vendor's free-text failures are
// mapped onto. The vendor has no stable error enum; everything below is
// pattern matching over failureType and customerMessage and must be treated
// as best-effort over untrusted input.
type FailureKind int

const (
	KindProtocol FailureKind = iota
	KindBadCredentials
	KindMFARequired
	KindAccountLocked
	KindRateLimited
	KindSessionExpired
	KindLicenseMissing
)

// Pattern tables, all matched case-insensitively against the concatenation
// of failureType and customerMessage. Order of the table slices below is the
// documented precedence: session expiry is checked before license errors
// because the vendor's wording for the two overlaps ("unauthorized" appears
// in both).
var (
	sessionExpiredPatterns = []string{
		"session expired",
		"session invalid",
		"invalid session",
		"token expired",
		"invalid token",
		"not authenticated",
		"登录失效",
		"会话过期",
	}

	licenseMissingPatterns = []string{
		"license",
		"not purchased",
		"not found",
		"未购买",
		"未找到",
		"未授权",
	}

	mfaRequiredPatterns = []string{
		"verification code",
		"security code",
		"two-step",
		"two-factor",
		"configurator_message",
	}

	accountLockedPatterns = []string{
		"disabled",
		"locked",
		"account not found",
	}

	rateLimitedPatterns = []string{
		"too many",
		"rate limit",
	}

	badCredentialsPatterns = []string{
		"invalid password",
		"incorrect password",
		"bad login",
		"badlogin",
		"authentication failed",
		"password",
	}
)

// Classify maps a vendor failure to the taxonomy. failureType and
// customerMessage are taken verbatim from the response document.
func Classify(failureType, customerMessage string) FailureKind {
	msg := strings.ToLower(failureType + " " + customerMessage)

	tables := []struct {
		kind     FailureKind
		patterns []string
	}{
		{KindSessionExpired, sessionExpiredPatterns},
		{KindLicenseMissing, licenseMissingPatterns},
		{KindMFARequired, mfaRequiredPatterns},
		{KindAccountLocked, accountLockedPatterns},
		{KindRateLimited, rateLimitedPatterns},
		{KindBadCredentials, badCredentialsPatterns},
	}

	for _, table := range tables {
		for _, pattern := range table.patterns {
			if strings.Contains(msg, pattern) {
				return table.kind
			}
		}
	}

	return KindProtocol
}

// failureError converts a classified vendor failure into the typed error
// surfaced to callers.
func failureError(failureType, customerMessage string) error {
	switch Classify(failureType, customerMessage) {
	case KindSessionExpired:
		return &SessionError{Message: customerMessage}
	case KindLicenseMissing:
		return &LicenseError{Message: customerMessage}
	case KindMFARequired:
		return &AuthError{Reason: ReasonMFARequired, Code: failureType, Message: customerMessage}
	case KindAccountLocked:
		return &AuthError{Reason: ReasonAccountLocked, Code: failureType, Message: customerMessage}
	case KindRateLimited:
		return &AuthError{Reason: ReasonRateLimited, Code: failureType, Message: customerMessage}
	case KindBadCredentials:
		return &AuthError{Reason: ReasonBadCredentials, Code: failureType, Message: customerMessage}
	default:
		return &ProtocolError{Code: failureType, Message: customerMessage}
	}
}
