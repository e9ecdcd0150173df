// Package engine is the Order Book and Book Registry: price-priority books
// per trading pair, the validation/insertion/matching/cancellation
// algorithms, and the routing layer in front of them. This is the ~70% of
// the system the rest of the repository exists to serve.
package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"clobcore/internal/common"
	"clobcore/internal/config"
	"clobcore/internal/decimal"
	"clobcore/internal/events"
)

// PriceLevel aggregates the resting orders at one price on one side. Orders
// are kept in FIFO arrival order; TotalRemaining/OrderCount are derived from
// the live order set rather than tracked incrementally, so they can never
// drift from the invariant in spec.md §3 ("a level exists iff order_count
// >= 1 and total_remaining > 0").
type PriceLevel struct {
	Price  decimal.Amount
	Orders []*common.Order
}

// TotalRemaining sums Remaining() across every order resting at this level.
func (lvl *PriceLevel) TotalRemaining() decimal.Amount {
	total := decimal.Zero()
	for _, o := range lvl.Orders {
		total = total.Add(o.Remaining())
	}
	return total
}

// OrderCount is the number of orders resting at this level.
func (lvl *PriceLevel) OrderCount() int {
	return len(lvl.Orders)
}

type priceLevels = btree.BTreeG[*PriceLevel]

// OrderBook holds one trading pair's bids and asks and performs admission,
// matching and cancellation for it (spec.md §4.2). A single OrderBook is
// meant to be driven by one goroutine at a time; Submit/Cancel/Expire take
// an internal mutex so that "single-threaded per book" (spec.md §5) holds
// even if callers share a book across goroutines.
type OrderBook struct {
	pair string
	fees config.Config

	mu         sync.Mutex
	bids       *priceLevels // sorted descending by price: best bid first
	asks       *priceLevels // sorted ascending by price: best ask first
	byID       map[string]*common.Order
	userOrders map[string][]string // user_id -> order ids, never pruned
	seq        uint64              // monotonic per-book timestamp counter
	lastUpdate uint64

	bus *events.Bus
}

// NewOrderBook constructs an empty book for pair.
func NewOrderBook(pair string, fees config.Config) *OrderBook {
	bids := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.Price.GreaterThan(b.Price) // descending: best (highest) bid first
	})
	asks := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.Price.LessThan(b.Price) // ascending: best (lowest) ask first
	})
	return &OrderBook{
		pair:       pair,
		fees:       fees,
		bids:       bids,
		asks:       asks,
		byID:       make(map[string]*common.Order),
		userOrders: make(map[string][]string),
		bus:        events.NewBus(fees.SubscriberQueueCapacity),
	}
}

// Pair returns the symbol this book matches.
func (b *OrderBook) Pair() string { return b.pair }

// Bus exposes the book's Event Bus for subscription (the Registry is the
// intended caller; see internal/engine/registry.go).
func (b *OrderBook) Bus() *events.Bus { return b.bus }

func (b *OrderBook) levelsFor(side common.Side) *priceLevels {
	if side == common.Buy {
		return b.bids
	}
	return b.asks
}

// Submit validates, admits, matches and (if residual remains) rests order.
// It returns the final state of the admitted order. All events generated
// during the call are published, in emission order, before Submit returns
// — except when a MARKET order cannot match at all, in which case nothing
// is admitted and no event is emitted at all (SPEC_FULL.md §4.2, resolving
// the source's "two MARKET orders meet" ambiguity by construction).
func (b *OrderBook) Submit(o common.Order) (common.Order, error) {
	if err := o.Validate(); err != nil {
		return common.Order{}, err
	}
	if o.Pair != b.pair {
		return common.Order{}, fmt.Errorf("%w: order pair %q does not belong to book %q", common.ErrInvalidOrder, o.Pair, b.pair)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	taker := o
	b.seq++
	taker.Timestamp = b.seq
	taker.Status = common.Pending
	taker.Filled = decimal.Zero()
	taker.FeesPaid = decimal.Zero()

	var pending []events.Event
	pending = append(pending, events.Event{Kind: events.OrderAdded, Order: cloneOrder(&taker)})

	makerLevels := b.levelsFor(taker.Side.Opposite())

	// Snapshot the candidate levels in price priority once, up front: a
	// level that is entirely self-trades must be skipped in favor of the
	// next level, not treated as a walk terminator (spec.md §4.2 step 6 —
	// only an unacceptable *price* ends the walk; self-trade is a skip).
	// MinMut()-per-level would re-fetch the same all-self-trade level
	// forever, so this walks the ordered snapshot instead.
	for _, lvl := range makerLevels.Items() {
		if !taker.Remaining().IsPositive() {
			break
		}

		stopWalk, _, err := b.matchAgainstLevel(&taker, lvl, &pending)
		if err != nil {
			return common.Order{}, err
		}
		if len(lvl.Orders) == 0 {
			makerLevels.Delete(lvl)
		}
		if stopWalk {
			break
		}
	}

	if taker.Type == common.Market && taker.Filled.IsZero() {
		// Reject outright: nothing was admitted, nothing is published.
		return common.Order{}, common.ErrCannotMatch
	}

	if taker.Remaining().IsPositive() {
		switch taker.Type {
		case common.Limit:
			b.rest(&taker)
			pending = append(pending, events.Event{Kind: events.OrderBookUpdated, Book: b.buildBookUpdate()})
		case common.Market:
			taker.Status = common.Cancelled
			pending = append(pending, events.Event{
				Kind: events.OrderCancelled,
				Cancellation: &events.OrderCancelledPayload{
					Order:  *cloneOrder(&taker),
					Reason: common.ReasonMarketUnfilled,
				},
			})
		}
	}

	b.byID[taker.ID] = &taker
	b.userOrders[taker.UserID] = append(b.userOrders[taker.UserID], taker.ID)
	b.lastUpdate = taker.Timestamp

	for _, ev := range pending {
		b.bus.Publish(ev)
	}
	return taker, nil
}

// matchAgainstLevel walks one price level front-to-back against taker,
// applying fills and appending events in walk order. It returns stopWalk
// true when the next maker's price is unacceptable (the walk is monotone
// in price and must end entirely, per spec.md §4.2 step 6), and matchedAny
// true if at least one trade was applied at this level.
func (b *OrderBook) matchAgainstLevel(taker *common.Order, lvl *PriceLevel, pending *[]events.Event) (stopWalk, matchedAny bool, err error) {
	i := 0
	for i < len(lvl.Orders) {
		if !taker.Remaining().IsPositive() {
			break
		}
		maker := lvl.Orders[i]

		if maker.UserID == taker.UserID {
			// Self-trade prevention: skip this maker, keep scanning the level.
			i++
			continue
		}
		if !priceCompatible(taker, maker) {
			stopWalk = true
			break
		}

		price, perr := matchPrice(taker, maker)
		if perr != nil {
			return false, matchedAny, perr
		}

		qty := decimal.Min(taker.Remaining(), maker.Remaining())
		takerFee := qty.Mul(b.fees.TakerFeeRate)
		makerFee := qty.Mul(b.fees.MakerFeeRate)

		maker.ApplyFill(qty, makerFee)
		taker.ApplyFill(qty, takerFee)
		matchedAny = true

		trade := common.Trade{
			ID:           uuid.New().String(),
			MakerOrderID: maker.ID,
			TakerOrderID: taker.ID,
			Pair:         b.pair,
			Price:        price,
			Amount:       qty,
			Fee:          takerFee,
			MakerFee:     makerFee,
			Timestamp:    taker.Timestamp,
			ChainID:      taker.ChainID,
			Side:         taker.Side,
		}
		*pending = append(*pending,
			events.Event{Kind: events.TradeExecuted, Trade: &trade},
			events.Event{Kind: events.OrderUpdated, Order: cloneOrder(maker)},
			events.Event{Kind: events.OrderUpdated, Order: cloneOrder(taker)},
		)

		if maker.Remaining().IsZero() {
			lvl.Orders = append(lvl.Orders[:i], lvl.Orders[i+1:]...)
		} else {
			i++
		}

		b.lastUpdate = taker.Timestamp
		*pending = append(*pending, events.Event{Kind: events.OrderBookUpdated, Book: b.buildBookUpdate()})
	}
	return stopWalk, matchedAny, nil
}

// priceCompatible implements spec.md §4.2 step 3's price condition: vacuous
// if either side is MARKET, otherwise buy.price >= sell.price.
func priceCompatible(taker, maker *common.Order) bool {
	if taker.Type == common.Market || maker.Type == common.Market {
		return true
	}
	var buy, sell *common.Order
	if taker.Side == common.Buy {
		buy, sell = taker, maker
	} else {
		buy, sell = maker, taker
	}
	return buy.Price.GreaterThanOrEqual(sell.Price)
}

// matchPrice implements spec.md §4.2 step 4: the LIMIT side's price when one
// side is MARKET; the earlier order's price (the resting maker, in
// practice) when both are LIMIT. Two MARKET orders meeting is CannotMatch —
// unreachable via Submit under the admission policy above, since a MARKET
// order never rests; the case is still guarded here.
func matchPrice(taker, maker *common.Order) (decimal.Amount, error) {
	switch {
	case taker.Type == common.Market && maker.Type == common.Market:
		return decimal.Amount{}, common.ErrCannotMatch
	case taker.Type == common.Market:
		return maker.Price, nil
	case maker.Type == common.Market:
		return taker.Price, nil
	default:
		if maker.Timestamp < taker.Timestamp {
			return maker.Price, nil
		}
		return taker.Price, nil
	}
}

// rest inserts a LIMIT order with remaining quantity into its side's book,
// FIFO behind any order already resting at the same price.
func (b *OrderBook) rest(o *common.Order) {
	levels := b.levelsFor(o.Side)
	key := &PriceLevel{Price: o.Price}
	if lvl, ok := levels.GetMut(key); ok {
		lvl.Orders = append(lvl.Orders, o)
		return
	}
	levels.Set(&PriceLevel{Price: o.Price, Orders: []*common.Order{o}})
}

// Cancel looks up order_id and, if owned by user_id and non-terminal, marks
// it CANCELLED, removes it from its resting level, and emits
// OrderCancelled. Matches spec.md §4.2's Cancellation algorithm and §4.1's
// failure modes.
func (b *OrderBook) Cancel(orderID, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.byID[orderID]
	if !ok {
		return common.ErrNotFound
	}
	if order.UserID != userID {
		return common.ErrNotOwner
	}
	if order.Status.Terminal() {
		return common.ErrNotCancellable
	}

	b.removeFromBookLocked(order)
	order.Status = common.Cancelled
	b.seq++
	b.lastUpdate = b.seq

	b.bus.Publish(events.Event{
		Kind: events.OrderCancelled,
		Cancellation: &events.OrderCancelledPayload{
			Order:  *cloneOrder(order),
			Reason: common.ReasonManual,
		},
	})
	b.bus.Publish(events.Event{Kind: events.OrderBookUpdated, Book: b.buildBookUpdate()})
	return nil
}

// Expire honors an externally-driven expiry sweep (spec.md §4.2 state
// machine; triggering such a sweep is out of scope for the core). Shares
// Cancel's preconditions, differing only in terminal status and reason.
func (b *OrderBook) Expire(orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.byID[orderID]
	if !ok {
		return common.ErrNotFound
	}
	if order.Status.Terminal() {
		return common.ErrNotCancellable
	}

	b.removeFromBookLocked(order)
	order.Status = common.Expired
	b.seq++
	b.lastUpdate = b.seq

	b.bus.Publish(events.Event{
		Kind: events.OrderCancelled,
		Cancellation: &events.OrderCancelledPayload{
			Order:  *cloneOrder(order),
			Reason: common.ReasonExpired,
		},
	})
	b.bus.Publish(events.Event{Kind: events.OrderBookUpdated, Book: b.buildBookUpdate()})
	return nil
}

// removeFromBookLocked strips a resting order out of its price level,
// removing the level entirely if it becomes empty. Caller must hold b.mu.
func (b *OrderBook) removeFromBookLocked(order *common.Order) {
	levels := b.levelsFor(order.Side)
	key := &PriceLevel{Price: order.Price}
	lvl, ok := levels.GetMut(key)
	if !ok {
		return // already fully matched and removed; terminal-state orders aren't resting
	}
	for i, resting := range lvl.Orders {
		if resting.ID == order.ID {
			lvl.Orders = append(lvl.Orders[:i], lvl.Orders[i+1:]...)
			break
		}
	}
	if len(lvl.Orders) == 0 {
		levels.Delete(lvl)
	}
}

// GetOrder returns a copy of the order with this id, terminal or not.
func (b *OrderBook) GetOrder(id string) (common.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byID[id]
	if !ok {
		return common.Order{}, common.ErrNotFound
	}
	return *cloneOrder(o), nil
}

// OrdersForUser returns copies of every order (terminal or not) ever
// admitted for userID on this book.
func (b *OrderBook) OrdersForUser(userID string) []common.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := b.userOrders[userID]
	out := make([]common.Order, 0, len(ids))
	for _, id := range ids {
		if o, ok := b.byID[id]; ok {
			out = append(out, *cloneOrder(o))
		}
	}
	return out
}

// Snapshot returns the current bid/ask levels for this book.
func (b *OrderBook) Snapshot() *events.BookUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buildBookUpdate()
}

// buildBookUpdate must be called with b.mu held.
func (b *OrderBook) buildBookUpdate() *events.BookUpdate {
	var bidViews []events.PriceLevelView
	for _, lvl := range b.bids.Items() {
		bidViews = append(bidViews, levelView(lvl))
	}
	var askViews []events.PriceLevelView
	for _, lvl := range b.asks.Items() {
		askViews = append(askViews, levelView(lvl))
	}
	return &events.BookUpdate{
		Pair:       b.pair,
		Bids:       bidViews,
		Asks:       askViews,
		LastUpdate: b.lastUpdate,
	}
}

func levelView(lvl *PriceLevel) events.PriceLevelView {
	return events.PriceLevelView{
		Price:          lvl.Price.String(),
		TotalRemaining: lvl.TotalRemaining().String(),
		OrderCount:     lvl.OrderCount(),
	}
}

func cloneOrder(o *common.Order) *common.Order {
	cp := *o
	if o.Nonce != nil {
		cp.Nonce = append([]byte(nil), o.Nonce...)
	}
	if o.Signature != nil {
		cp.Signature = append([]byte(nil), o.Signature...)
	}
	return &cp
}
