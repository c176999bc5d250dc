package domain

import "errors"

// Store sentinels. Repositories wrap these so callers can tell a missing
// record from one owned by somebody else.
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)
