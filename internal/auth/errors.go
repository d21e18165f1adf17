package auth

import "errors"

var (
	// ErrTokenExpired indicates the token was valid but is past its expiry.
	// The UI should refresh the session rather than treat this as tampering.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid indicates the token failed signature or claim
	// validation. Deliberately unspecific.
	ErrTokenInvalid = errors.New("auth: token invalid")
)
