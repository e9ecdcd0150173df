package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clobcore/internal/common"
	"clobcore/internal/config"
	"clobcore/internal/decimal"
	"clobcore/internal/engine"
	"clobcore/internal/events"
)

const pair = "BASE/QUOTE"

func testConfig() config.Config {
	return config.Config{
		MakerFeeRate:            decimal.Zero(),
		TakerFeeRate:            decimal.MustParse("0.001"),
		SubscriberQueueCapacity: 64,
	}
}

func limitOrder(id, user string, side common.Side, price, amount string) common.Order {
	return common.Order{
		ID: id, UserID: user, Pair: pair, Side: side, Type: common.Limit,
		Price: decimal.MustParse(price), Amount: decimal.MustParse(amount),
	}
}

func marketOrder(id, user string, side common.Side, amount string) common.Order {
	return common.Order{
		ID: id, UserID: user, Pair: pair, Side: side, Type: common.Market,
		Amount: decimal.MustParse(amount),
	}
}

func drain(t *testing.T, sub *events.Subscription, n int) []events.Event {
	t.Helper()
	out := make([]events.Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-sub.Events:
			out = append(out, ev)
		default:
			t.Fatalf("expected %d events, only got %d", n, len(out))
		}
	}
	return out
}

// S1 — simple match.
func TestScenario_SimpleMatch(t *testing.T) {
	book := engine.NewOrderBook(pair, testConfig())
	sub := book.Bus().Subscribe(events.TradeExecuted)

	_, err := book.Submit(limitOrder("buy1", "A", common.Buy, "100", "10"))
	require.NoError(t, err)
	_, err = book.Submit(limitOrder("sell1", "B", common.Sell, "100", "7"))
	require.NoError(t, err)

	evs := drain(t, sub, 1)
	trade := evs[0].Trade
	require.NotNil(t, trade)
	assert.Equal(t, "100", trade.Price.String())
	assert.Equal(t, "7", trade.Amount.String())

	a, err := book.GetOrder("buy1")
	require.NoError(t, err)
	assert.Equal(t, common.Partial, a.Status)
	assert.Equal(t, "3", a.Remaining().String())

	b, err := book.GetOrder("sell1")
	require.NoError(t, err)
	assert.Equal(t, common.Filled, b.Status)

	snap := book.Snapshot()
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, "100", snap.Bids[0].Price)
	assert.Equal(t, "3", snap.Bids[0].TotalRemaining)
	assert.Empty(t, snap.Asks)
}

// S2 — price-time priority.
func TestScenario_PriceTimePriority(t *testing.T) {
	book := engine.NewOrderBook(pair, testConfig())

	_, err := book.Submit(limitOrder("a", "A", common.Sell, "101", "5"))
	require.NoError(t, err)
	_, err = book.Submit(limitOrder("b", "B", common.Sell, "101", "5"))
	require.NoError(t, err)
	_, err = book.Submit(limitOrder("c", "C", common.Sell, "100", "5"))
	require.NoError(t, err)

	sub := book.Bus().Subscribe(events.TradeExecuted)
	_, err = book.Submit(limitOrder("d", "D", common.Buy, "101", "6"))
	require.NoError(t, err)

	evs := drain(t, sub, 2)
	assert.Equal(t, "c", evs[0].Trade.MakerOrderID)
	assert.Equal(t, "5", evs[0].Trade.Amount.String())
	assert.Equal(t, "a", evs[1].Trade.MakerOrderID)
	assert.Equal(t, "1", evs[1].Trade.Amount.String())

	orderA, err := book.GetOrder("a")
	require.NoError(t, err)
	assert.Equal(t, "4", orderA.Remaining().String())

	orderB, err := book.GetOrder("b")
	require.NoError(t, err)
	assert.Equal(t, common.Pending, orderB.Status)
	assert.Equal(t, "5", orderB.Remaining().String())
}

// S3 — limit taker rests residual.
func TestScenario_LimitRestsWithNoMatch(t *testing.T) {
	book := engine.NewOrderBook(pair, testConfig())
	sub := book.Bus().Subscribe(events.TradeExecuted)

	admitted, err := book.Submit(limitOrder("buy1", "A", common.Buy, "50", "10"))
	require.NoError(t, err)
	assert.Equal(t, common.Pending, admitted.Status)

	select {
	case ev := <-sub.Events:
		t.Fatalf("expected no trade, got %v", ev.Kind)
	default:
	}

	snap := book.Snapshot()
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, "50", snap.Bids[0].Price)
	assert.Equal(t, "10", snap.Bids[0].TotalRemaining)
	assert.Equal(t, 1, snap.Bids[0].OrderCount)
}

// S4 — market taker residual cancelled.
func TestScenario_MarketResidualCancelled(t *testing.T) {
	book := engine.NewOrderBook(pair, testConfig())
	_, err := book.Submit(limitOrder("sell1", "A", common.Sell, "200", "3"))
	require.NoError(t, err)

	sub := book.Bus().Subscribe(events.OrderCancelled)
	admitted, err := book.Submit(marketOrder("buy1", "B", common.Buy, "5"))
	require.NoError(t, err)
	assert.Equal(t, common.Cancelled, admitted.Status)
	assert.Equal(t, "3", admitted.Filled.String())

	evs := drain(t, sub, 1)
	assert.Equal(t, common.ReasonMarketUnfilled, evs[0].Cancellation.Reason)

	snap := book.Snapshot()
	assert.Empty(t, snap.Asks)
}

// A MARKET order that cannot match at all is rejected outright (Open
// Question resolution, SPEC_FULL.md §4.2).
func TestScenario_MarketWithNoLiquidityIsRejected(t *testing.T) {
	book := engine.NewOrderBook(pair, testConfig())
	sub := book.Bus().Subscribe()

	_, err := book.Submit(marketOrder("buy1", "B", common.Buy, "5"))
	assert.ErrorIs(t, err, common.ErrCannotMatch)

	select {
	case ev := <-sub.Events:
		t.Fatalf("expected no events at all, got %v", ev.Kind)
	default:
	}
	_, err = book.GetOrder("buy1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

// S5 — self-trade prevention.
func TestScenario_SelfTradePrevention(t *testing.T) {
	book := engine.NewOrderBook(pair, testConfig())
	_, err := book.Submit(limitOrder("sell1", "A", common.Sell, "100", "5"))
	require.NoError(t, err)

	sub := book.Bus().Subscribe(events.TradeExecuted)
	_, err = book.Submit(limitOrder("buy1", "A", common.Buy, "100", "5"))
	require.NoError(t, err)

	select {
	case ev := <-sub.Events:
		t.Fatalf("expected no trade between same owner, got %v", ev.Kind)
	default:
	}

	snap := book.Snapshot()
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, "5", snap.Bids[0].TotalRemaining)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, "5", snap.Asks[0].TotalRemaining)
}

// Self-trade prevention skips the blocking maker but still lets a
// different-owner maker at the same price match.
func TestScenario_SelfTradeSkipsButContinuesLevel(t *testing.T) {
	book := engine.NewOrderBook(pair, testConfig())
	_, err := book.Submit(limitOrder("sell-self", "A", common.Sell, "100", "5"))
	require.NoError(t, err)
	_, err = book.Submit(limitOrder("sell-other", "C", common.Sell, "100", "5"))
	require.NoError(t, err)

	sub := book.Bus().Subscribe(events.TradeExecuted)
	_, err = book.Submit(limitOrder("buy1", "A", common.Buy, "100", "5"))
	require.NoError(t, err)

	evs := drain(t, sub, 1)
	assert.Equal(t, "sell-other", evs[0].Trade.MakerOrderID)

	selfOrder, err := book.GetOrder("sell-self")
	require.NoError(t, err)
	assert.Equal(t, common.Pending, selfOrder.Status)
}

// A level that is entirely self-trades must be skipped in favor of the
// next, still price-compatible level — not treated as a walk terminator.
func TestScenario_SelfTradeOnlyLevelDoesNotHaltCrossLevelWalk(t *testing.T) {
	book := engine.NewOrderBook(pair, testConfig())
	_, err := book.Submit(limitOrder("sell-self", "A", common.Sell, "100", "5"))
	require.NoError(t, err)
	_, err = book.Submit(limitOrder("sell-other", "B", common.Sell, "101", "5"))
	require.NoError(t, err)

	sub := book.Bus().Subscribe(events.TradeExecuted)
	admitted, err := book.Submit(limitOrder("buy1", "A", common.Buy, "102", "5"))
	require.NoError(t, err)
	assert.Equal(t, common.Filled, admitted.Status)

	evs := drain(t, sub, 1)
	assert.Equal(t, "sell-other", evs[0].Trade.MakerOrderID)
	assert.Equal(t, "101", evs[0].Trade.Price.String())

	selfOrder, err := book.GetOrder("sell-self")
	require.NoError(t, err)
	assert.Equal(t, common.Pending, selfOrder.Status)
	assert.Equal(t, "5", selfOrder.Remaining().String())

	other, err := book.GetOrder("sell-other")
	require.NoError(t, err)
	assert.Equal(t, common.Filled, other.Status)
}

// S6 — cancellation.
func TestScenario_Cancellation(t *testing.T) {
	book := engine.NewOrderBook(pair, testConfig())
	_, err := book.Submit(limitOrder("buy1", "A", common.Buy, "90", "4"))
	require.NoError(t, err)

	sub := book.Bus().Subscribe(events.OrderCancelled)
	require.NoError(t, book.Cancel("buy1", "A"))

	evs := drain(t, sub, 1)
	assert.Equal(t, common.ReasonManual, evs[0].Cancellation.Reason)

	snap := book.Snapshot()
	assert.Empty(t, snap.Bids)

	err = book.Cancel("buy1", "A")
	assert.ErrorIs(t, err, common.ErrNotCancellable)

	select {
	case ev := <-sub.Events:
		t.Fatalf("expected no event on double-cancel, got %v", ev.Kind)
	default:
	}
}

func TestCancel_NotFound(t *testing.T) {
	book := engine.NewOrderBook(pair, testConfig())
	err := book.Cancel("nope", "A")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCancel_NotOwner(t *testing.T) {
	book := engine.NewOrderBook(pair, testConfig())
	_, err := book.Submit(limitOrder("buy1", "A", common.Buy, "90", "4"))
	require.NoError(t, err)

	err = book.Cancel("buy1", "someone-else")
	assert.ErrorIs(t, err, common.ErrNotOwner)
}

func TestExpire_SharesCancelPreconditions(t *testing.T) {
	book := engine.NewOrderBook(pair, testConfig())
	_, err := book.Submit(limitOrder("buy1", "A", common.Buy, "90", "4"))
	require.NoError(t, err)

	require.NoError(t, book.Expire("buy1"))
	o, err := book.GetOrder("buy1")
	require.NoError(t, err)
	assert.Equal(t, common.Expired, o.Status)

	assert.ErrorIs(t, book.Expire("buy1"), common.ErrNotCancellable)
}

// Fee conservation: both legs of a trade are charged exactly
// match_amount x rate with no floating-point drift.
func TestFees_ChargedExactly(t *testing.T) {
	cfg := testConfig()
	cfg.MakerFeeRate = decimal.MustParse("0.002")
	book := engine.NewOrderBook(pair, cfg)

	_, err := book.Submit(limitOrder("sell1", "A", common.Sell, "100", "7"))
	require.NoError(t, err)
	_, err = book.Submit(limitOrder("buy1", "B", common.Buy, "100", "7"))
	require.NoError(t, err)

	maker, err := book.GetOrder("sell1")
	require.NoError(t, err)
	assert.Equal(t, "0.014", maker.FeesPaid.String()) // 7 * 0.002

	taker, err := book.GetOrder("buy1")
	require.NoError(t, err)
	assert.Equal(t, "0.007", taker.FeesPaid.String()) // 7 * 0.001
}

// Invariant: bids strictly descending, asks strictly ascending, and no
// resting crossed book after any submit.
func TestInvariant_NoCrossedBookAndSortedLevels(t *testing.T) {
	book := engine.NewOrderBook(pair, testConfig())
	prices := []string{"10", "12", "11", "9"}
	for i, p := range prices {
		_, err := book.Submit(limitOrder("b"+p, "buyer", common.Buy, p, "1"))
		require.NoError(t, err)
		_ = i
	}
	for i, p := range []string{"20", "22", "21"} {
		_, err := book.Submit(limitOrder("s"+p, "seller", common.Sell, p, "1"))
		require.NoError(t, err)
		_ = i
	}

	snap := book.Snapshot()
	for i := 1; i < len(snap.Bids); i++ {
		assert.True(t, decimal.MustParse(snap.Bids[i-1].Price).GreaterThan(decimal.MustParse(snap.Bids[i].Price)))
	}
	for i := 1; i < len(snap.Asks); i++ {
		assert.True(t, decimal.MustParse(snap.Asks[i-1].Price).LessThan(decimal.MustParse(snap.Asks[i].Price)))
	}
	if len(snap.Bids) > 0 && len(snap.Asks) > 0 {
		assert.True(t, decimal.MustParse(snap.Bids[0].Price).LessThan(decimal.MustParse(snap.Asks[0].Price)))
	}
}

func TestValidate_RejectsBadOrders(t *testing.T) {
	book := engine.NewOrderBook(pair, testConfig())

	_, err := book.Submit(common.Order{ID: "x", UserID: "A", Pair: "BADPAIR", Side: common.Buy, Type: common.Limit, Price: decimal.MustParse("1"), Amount: decimal.MustParse("1")})
	assert.ErrorIs(t, err, common.ErrBadPair)

	_, err = book.Submit(common.Order{ID: "x", UserID: "A", Pair: pair, Side: common.Buy, Type: common.Limit, Price: decimal.Zero(), Amount: decimal.MustParse("1")})
	assert.ErrorIs(t, err, common.ErrNonPositivePrice)

	_, err = book.Submit(common.Order{ID: "x", UserID: "A", Pair: pair, Side: common.Buy, Type: common.Limit, Price: decimal.MustParse("1"), Amount: decimal.Zero()})
	assert.ErrorIs(t, err, common.ErrNonPositiveAmount)
}
