package events

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

// DefaultQueueCapacity is the default per-subscriber buffered channel size.
// Configurable per Bus via NewBus.
const DefaultQueueCapacity = 256

// Subscription is a handed-out view of one subscriber's event stream.
// Events arrive in emission order, never reordered or coalesced, for as
// long as the subscriber keeps draining Events faster than it saturates.
// If it falls behind, Lagged is closed and no further events are ever sent.
type Subscription struct {
	ID      uint64
	Events  <-chan Event
	Lagged  <-chan struct{}
	kinds   map[Kind]bool
}

// Accepts reports whether this subscription was registered for kind.
func (s *Subscription) Accepts(kind Kind) bool {
	if len(s.kinds) == 0 {
		return true // no filter given: subscribe to everything
	}
	return s.kinds[kind]
}

type subscriber struct {
	id      uint64
	ch      chan Event
	lagged  chan struct{}
	laggedOnce sync.Once
	kinds   map[Kind]bool
}

// Bus delivers a totally-ordered stream of events to subscribers. The core
// publishes through a Bus it owns (composition, not inheritance — DESIGN
// NOTES §9); Publish never blocks the caller on a slow subscriber.
type Bus struct {
	mu       sync.RWMutex
	subs     map[uint64]*subscriber
	nextID   uint64
	capacity int
	t        *tomb.Tomb
}

// NewBus constructs a Bus with the given per-subscriber queue capacity. A
// capacity <= 0 uses DefaultQueueCapacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Bus{
		subs:     make(map[uint64]*subscriber),
		capacity: capacity,
		t:        new(tomb.Tomb),
	}
}

// Subscribe registers a new subscriber. kinds restricts delivery to the
// given event kinds; an empty kinds list means "all kinds".
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := atomic.AddUint64(&b.nextID, 1)
	filter := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		filter[k] = true
	}
	sub := &subscriber{
		id:     id,
		ch:     make(chan Event, b.capacity),
		lagged: make(chan struct{}),
		kinds:  filter,
	}
	b.subs[id] = sub

	return &Subscription{ID: id, Events: sub.ch, Lagged: sub.lagged, kinds: filter}
}

// Unsubscribe removes a subscriber; its channel is closed so a range over
// Events terminates.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers ev to every matching subscriber, in the order Publish is
// called (callers are expected to call Publish from a single
// per-book-serialized goroutine, per spec.md §5). A subscriber whose queue
// is saturated is dropped and signaled via Lagged rather than allowed to
// stall matching.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if len(sub.kinds) == 0 || sub.kinds[ev.Kind] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		default:
			b.dropLaggingSubscriber(sub)
		}
	}
}

// dropLaggingSubscriber removes a saturated subscriber from the registry
// and signals it asynchronously, so a single slow consumer never adds
// latency to the Publish call that detected it.
func (b *Bus) dropLaggingSubscriber(sub *subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
	} else {
		b.mu.Unlock()
		return // already dropped by a concurrent publish
	}
	b.mu.Unlock()

	b.t.Go(func() error {
		sub.laggedOnce.Do(func() {
			close(sub.lagged)
			close(sub.ch)
		})
		log.Warn().Uint64("subscriberID", sub.id).Msg("subscriber lagged, dropped from bus")
		return nil
	})
}

// Close tears down the bus's supervision goroutines and closes every live
// subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	b.t.Kill(nil)
	_ = b.t.Wait()
}
