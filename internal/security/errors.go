package security

import "github.com/pkg/errors"

var (
	// ErrAuthenticationFailed means the registration key did not match the
	// current (or rotated-in) key set. Recorded and rate-limited, never fatal.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrRateLimited means the per-node failure budget inside the rate-limit
	// window is exhausted. Self-clearing after the window.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrSessionExpired means the session passed its hard expiry. The caller
	// must re-authenticate; activity never extends a session.
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionInvalid means the session was revoked or never existed.
	ErrSessionInvalid = errors.New("session invalid")

	// ErrSignatureInvalid means payload verification failed. The payload is
	// rejected outright and never partially returned.
	ErrSignatureInvalid = errors.New("signature verification failed")
)
