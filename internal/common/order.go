package common

import (
	"fmt"

	"clobcore/internal/decimal"
)

// Order is the fundamental entity the Order Book operates on. See spec.md
// §3 for the field-level invariants.
type Order struct {
	ID        string
	UserID    string
	Pair      string
	Side      Side
	Type      OrderType
	Price     decimal.Amount // ignored for Market orders
	Amount    decimal.Amount
	Filled    decimal.Amount
	Status    OrderStatus
	Timestamp uint64 // monotonic per-book sequence, assigned at admission

	ChainID   uint64
	Nonce     []byte
	Signature []byte

	// FeesPaid is the running sum of fees charged to this order across its
	// lifetime, taker or maker side (SPEC_FULL.md §4.2 supplemental field).
	FeesPaid decimal.Amount
}

// Remaining is amount minus filled, derived rather than stored so it can
// never drift from the invariant in spec.md §3.
func (o *Order) Remaining() decimal.Amount {
	return o.Amount.Sub(o.Filled)
}

// ApplyFill increments filled by qty, recomputes status, and accrues fee
// into FeesPaid. It is the only way filled should ever change.
func (o *Order) ApplyFill(qty, fee decimal.Amount) {
	o.Filled = o.Filled.Add(qty)
	o.FeesPaid = o.FeesPaid.Add(fee)
	switch {
	case o.Filled.Equal(o.Amount):
		o.Status = Filled
	case o.Filled.IsPositive():
		o.Status = Partial
	}
}

// Validate checks the admission preconditions from spec.md §4.2. It does
// not assign ID/Timestamp/Status: ID must already be set by the caller
// (the transport assigns one when decoding a NewOrderMessage), and
// Timestamp/Status are assigned by the Order Book on admission.
func (o *Order) Validate() error {
	if o.ID == "" || o.UserID == "" {
		return fmt.Errorf("%w: id/user_id", ErrMissingField)
	}
	if _, err := ParsePair(o.Pair); err != nil {
		return err
	}
	if o.Side != Buy && o.Side != Sell {
		return ErrBadSide
	}
	if o.Type != Limit && o.Type != Market {
		return ErrBadType
	}
	if !o.Amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if o.Type == Limit && !o.Price.IsPositive() {
		return ErrNonPositivePrice
	}
	return nil
}

func (o Order) String() string {
	return fmt.Sprintf(
		"Order{ID:%s User:%s Pair:%s Side:%s Type:%s Price:%s Amount:%s Filled:%s Status:%s Timestamp:%d}",
		o.ID, o.UserID, o.Pair, o.Side, o.Type, o.Price, o.Amount, o.Filled, o.Status, o.Timestamp,
	)
}
