package common

import (
	"fmt"

	"clobcore/internal/decimal"
)

// Trade is produced by a single match between a taker and a resting maker
// (spec.md §3 "Trade").
type Trade struct {
	ID            string
	MakerOrderID  string
	TakerOrderID  string
	Pair          string
	Price         decimal.Amount
	Amount        decimal.Amount
	Fee           decimal.Amount // taker fee charged on this trade leg
	MakerFee      decimal.Amount
	Timestamp     uint64
	ChainID       uint64
	Side          Side // taker side
}

func (t Trade) String() string {
	return fmt.Sprintf(
		"Trade{ID:%s Maker:%s Taker:%s Pair:%s Price:%s Amount:%s Fee:%s MakerFee:%s Side:%s Timestamp:%d}",
		t.ID, t.MakerOrderID, t.TakerOrderID, t.Pair, t.Price, t.Amount, t.Fee, t.MakerFee, t.Side, t.Timestamp,
	)
}
