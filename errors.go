package ltp

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned (wrapped) by Decode for any structural
	// violation: SDNV overflow, truncation, reserved type code, bad bounds,
	// or out-of-order/overlapping reception claims.
	ErrMalformed = errors.New("ltp: malformed segment")
	// ErrUnsupportedVersion is returned when the header's version field is
	// not zero.
	ErrUnsupportedVersion = errors.New("ltp: unsupported version")
	// ErrTruncated is returned when buf ends before a required field. It
	// wraps ErrMalformed.
	ErrTruncated = fmt.Errorf("%w: truncated segment", ErrMalformed)
)
