package common

import "errors"

// Error taxonomy returned from core operations (spec.md §7). All are plain
// values; the core never logs and never panics on a caller mistake.
var (
	ErrBadPair             = errors.New("invalid order: bad pair")
	ErrNonPositiveAmount   = errors.New("invalid order: non-positive amount")
	ErrNonPositivePrice    = errors.New("invalid order: non-positive price")
	ErrBadSide             = errors.New("invalid order: bad side")
	ErrBadType             = errors.New("invalid order: bad type")
	ErrMissingField        = errors.New("invalid order: missing required field")
	ErrInvalidOrder        = errors.New("invalid order")
	ErrNotFound            = errors.New("order not found")
	ErrNotOwner            = errors.New("not the order owner")
	ErrNotCancellable      = errors.New("order is not cancellable")
	ErrCannotMatch         = errors.New("cannot match")
)
