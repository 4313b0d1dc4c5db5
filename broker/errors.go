package broker

import "errors"

var (
	// ErrInvalidRequest indicates malformed client-supplied input,
	// rejected before any store mutation.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrRateLimited indicates a policy rejection; nothing was stored
	// and no mail was sent.
	ErrRateLimited = errors.New("rate limited")
	// ErrSessionNotFound indicates the session is absent, expired, or
	// already consumed.
	ErrSessionNotFound = errors.New("session not found")
	// ErrCodeMismatch indicates the one-time code did not match. The
	// session is consumed regardless, so a single session never allows
	// a second guess. Present this to users exactly like
	// ErrSessionNotFound; the split exists only for tests and logs.
	ErrCodeMismatch = errors.New("confirmation code mismatch")
)
