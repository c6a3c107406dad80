package auth

import "errors"

var (
	// ErrTokenExpired indicates a structurally valid token past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid covers every other verification failure: bad signature,
	// wrong issuer, malformed token. Deliberately unspecific.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrBadCredentials indicates a failed admin secret exchange.
	ErrBadCredentials = errors.New("auth: bad credentials")
)
