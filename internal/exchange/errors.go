package exchange

import (
	"errors"
	"fmt"
)

// Kind classifies venue failures into the bounded taxonomy the control
// plane branches on. Anything unrecognized maps to KindUnknown.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindUnauthorized
	KindInsufficientMargin
	KindInvalidSymbol
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindInsufficientMargin:
		return "INSUFFICIENT_MARGIN"
	case KindInvalidSymbol:
		return "INVALID_SYMBOL"
	case KindTransient:
		return "TRANSIENT"
	default:
		return "UNKNOWN"
	}
}

// VenueError wraps a failed venue call with its classification.
type VenueError struct {
	Kind   Kind
	Op     string
	Symbol string
	Err    error
}

func (e *VenueError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s %s [%s]: %v", e.Op, e.Symbol, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// Temporary reports whether the failure is worth retrying inside the
// gateway. Logical errors (margin, symbol, auth) are not.
func (e *VenueError) Temporary() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTransient
}

// IsTemporary is the retry predicate handed to the retry combinator.
func IsTemporary(err error) bool {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Temporary()
	}
	return false
}

// KindOf extracts the classification, KindUnknown if err is not a VenueError.
func KindOf(err error) Kind {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindUnknown
}
