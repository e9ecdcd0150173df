package engine

import (
	"sync"

	tomb "gopkg.in/tomb.v2"

	"clobcore/internal/common"
	"clobcore/internal/config"
	"clobcore/internal/events"
)

// Registry is the Book Registry (spec.md §4.1): it owns one OrderBook per
// trading pair, instantiates books lazily, and routes Submit/Cancel/Expire
// to the right one. No external reference to a book escapes the Registry —
// callers only ever see Order/Trade/event copies.
type Registry struct {
	cfg config.Config

	mu    sync.RWMutex
	books map[string]*OrderBook

	indexMu    sync.RWMutex
	orderIndex map[string]*OrderBook // order id -> owning book, retained for terminal orders too

	t *tomb.Tomb
}

// NewRegistry constructs an empty registry bound to cfg.
func NewRegistry(cfg config.Config) *Registry {
	return &Registry{
		cfg:        cfg,
		books:      make(map[string]*OrderBook),
		orderIndex: make(map[string]*OrderBook),
		t:          new(tomb.Tomb),
	}
}

// bookFor returns the book for pair, creating it on first use. Fails with
// InvalidOrder (BadPair) if pair doesn't parse, or if a configured
// SUPPORTED_PAIRS set exists and excludes it.
func (r *Registry) bookFor(pair string) (*OrderBook, error) {
	if _, err := common.ParsePair(pair); err != nil {
		return nil, err
	}
	if !r.cfg.Allows(pair) {
		return nil, common.ErrBadPair
	}

	r.mu.RLock()
	book, ok := r.books[pair]
	r.mu.RUnlock()
	if ok {
		return book, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if book, ok := r.books[pair]; ok { // re-check under write lock
		return book, nil
	}
	book = NewOrderBook(pair, r.cfg)
	r.books[pair] = book
	return book, nil
}

// Submit routes order to its pair's book, admits it, runs matching, and
// indexes the resulting order id for future Cancel/GetOrder/Expire calls.
func (r *Registry) Submit(order common.Order) (common.Order, error) {
	book, err := r.bookFor(order.Pair)
	if err != nil {
		return common.Order{}, err
	}
	admitted, err := book.Submit(order)
	if err != nil {
		return common.Order{}, err
	}

	r.indexMu.Lock()
	r.orderIndex[admitted.ID] = book
	r.indexMu.Unlock()

	return admitted, nil
}

// Cancel routes to the book that owns order_id. Fails NotFound if the id is
// unknown to this registry (spec.md §4.1 failure modes).
func (r *Registry) Cancel(orderID, userID string) error {
	book, ok := r.bookOf(orderID)
	if !ok {
		return common.ErrNotFound
	}
	return book.Cancel(orderID, userID)
}

// Expire routes an externally-triggered expiry to the owning book.
func (r *Registry) Expire(orderID string) error {
	book, ok := r.bookOf(orderID)
	if !ok {
		return common.ErrNotFound
	}
	return book.Expire(orderID)
}

func (r *Registry) bookOf(orderID string) (*OrderBook, bool) {
	r.indexMu.RLock()
	defer r.indexMu.RUnlock()
	book, ok := r.orderIndex[orderID]
	return book, ok
}

// GetOrder returns a copy of the order with this id, from whichever book
// admitted it.
func (r *Registry) GetOrder(id string) (common.Order, error) {
	book, ok := r.bookOf(id)
	if !ok {
		return common.Order{}, common.ErrNotFound
	}
	return book.GetOrder(id)
}

// OrdersForUser returns every order (terminal or not) userID has ever
// submitted, across every book the registry owns.
func (r *Registry) OrdersForUser(userID string) []common.Order {
	r.mu.RLock()
	books := make([]*OrderBook, 0, len(r.books))
	for _, b := range r.books {
		books = append(books, b)
	}
	r.mu.RUnlock()

	var out []common.Order
	for _, b := range books {
		out = append(out, b.OrdersForUser(userID)...)
	}
	return out
}

// Snapshot returns the current bid/ask levels for pair. Fails NotFound if
// the pair has never had an order submitted (no book exists for it).
func (r *Registry) Snapshot(pair string) (*events.BookUpdate, error) {
	r.mu.RLock()
	book, ok := r.books[pair]
	r.mu.RUnlock()
	if !ok {
		return nil, common.ErrNotFound
	}
	return book.Snapshot(), nil
}

// Subscribe fans events in from every book named in pairs (or every
// existing book, if pairs is empty) into one merged, emission-ordered
// stream, and synchronously emits an OrderBookSnapshot for each pair before
// returning (spec.md §4.3's "same shape, emitted on subscription"). The
// Registry is the one place that can do this, since the per-book Event Bus
// has no notion of other books.
func (r *Registry) Subscribe(pairs []string, kinds ...events.Kind) *events.Subscription {
	var books []*OrderBook
	if len(pairs) == 0 {
		r.mu.RLock()
		for _, b := range r.books {
			books = append(books, b)
		}
		r.mu.RUnlock()
	} else {
		for _, p := range pairs {
			if b, err := r.bookFor(p); err == nil {
				books = append(books, b)
			}
		}
	}

	capacity := r.cfg.SubscriberQueueCapacity
	if capacity <= 0 {
		capacity = events.DefaultQueueCapacity
	}
	out := make(chan events.Event, capacity)
	lagged := make(chan struct{})
	var closeOnce sync.Once
	signalLagged := func() { closeOnce.Do(func() { close(lagged) }) }

	var wg sync.WaitGroup
	for _, book := range books {
		sub := book.Bus().Subscribe(kinds...)
		wg.Add(1)
		r.t.Go(func() error {
			defer wg.Done()
			for {
				select {
				case ev, ok := <-sub.Events:
					if !ok {
						return nil
					}
					select {
					case out <- ev:
					default:
						signalLagged()
						return nil
					}
				case <-sub.Lagged:
					signalLagged()
					return nil
				}
			}
		})
		// Best-effort: the channel was just created with full capacity, so
		// this should never actually saturate in practice.
		select {
		case out <- events.Event{Kind: events.OrderBookSnapshot, Book: book.Snapshot()}:
		default:
			signalLagged()
		}
	}

	// The merged channel is closed once every fan-in goroutine has stopped.
	go func() {
		wg.Wait()
		close(out)
	}()

	return &events.Subscription{Events: out, Lagged: lagged}
}

// Close tears down every book's Event Bus, which unblocks the registry's
// fan-in goroutines by closing their upstream subscriptions, then waits for
// them to exit. Every live Subscription handed out by Subscribe ends up
// closed as a result.
func (r *Registry) Close() {
	r.mu.RLock()
	books := make([]*OrderBook, 0, len(r.books))
	for _, b := range r.books {
		books = append(books, b)
	}
	r.mu.RUnlock()

	for _, b := range books {
		b.Bus().Close()
	}
	r.t.Kill(nil)
	_ = r.t.Wait()
}
