package canonicalization

import "errors"

// ErrCanonicalizeFailed is returned when a parameter value cannot be
// encoded into the canonical JSON form used for fingerprinting.
var ErrCanonicalizeFailed = errors.New("canonicalization failed")
