// Package bus implements the process-wide typed event bus that realtime events are
// republished on for consumers outside the connection manager's listener set.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/storefront-core/internal/model"
	"github.com/fairyhunter13/storefront-core/internal/obs"
)

// Bus is a buffered in-order event bus with a background broker.
type Bus struct {
	mu      sync.Mutex
	backlog []model.Event
	notify  chan struct{}
	closed  atomic.Bool
	seq     atomic.Uint64

	subMu sync.Mutex
	subs  map[string]*Subscription

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	done chan struct{}
}

// Subscription receives events of the kinds it was registered for.
type Subscription struct {
	ID    string
	C     <-chan model.Event
	ch    chan model.Event
	kinds map[model.Kind]bool
	bus   *Bus
	once  sync.Once
}

// New creates an idle Bus; call Start to run the broker.
func New() *Bus {
	return &Bus{
		notify: make(chan struct{}, 1),
		subs:   make(map[string]*Subscription),
		done:   make(chan struct{}),
	}
}

// Start runs the broker loop until ctx is done.
func (b *Bus) Start(ctx context.Context, highWatermark int) {
	go b.broker(ctx, highWatermark)
}

// broker moves backlog events to subscribers in publish order.
func (b *Bus) broker(ctx context.Context, highWatermark int) {
	defer close(b.done)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		b.flushOnce()
		if highWatermark > 0 {
			if sz := b.BacklogSize(); sz > highWatermark {
				obs.Logger.Warn("bus_backlog_high", "backlog_size", sz, "high_watermark", highWatermark)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-b.notify:
		case <-ticker.C:
		}
	}
}

// flushOnce delivers everything currently in the backlog.
func (b *Bus) flushOnce() {
	b.mu.Lock()
	pending := b.backlog
	b.backlog = nil
	b.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, ev := range pending {
		for _, s := range b.subs {
			if len(s.kinds) > 0 && !s.kinds[ev.Kind] {
				continue
			}
			select {
			case s.ch <- ev:
			default:
				b.dropped.Add(1)
				obs.Logger.Warn("bus_subscriber_slow", "subscription", s.ID, "topic", ev.Kind.Topic(), "sequence", ev.Sequence)
			}
		}
		b.delivered.Add(1)
	}
}

// Publish stamps ev with the next sequence number and appends it to the backlog. It never
// blocks and reports false once the bus is closed.
func (b *Bus) Publish(ev model.Event) bool {
	if b.closed.Load() {
		return false
	}
	ev.Sequence = b.seq.Add(1)
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	b.published.Add(1)
	b.mu.Lock()
	b.backlog = append(b.backlog, ev)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

// Subscribe registers a subscriber for kinds (all kinds when none are given). The channel
// holds up to buffer events; events beyond that are dropped for this subscriber only.
func (b *Bus) Subscribe(buffer int, kinds ...model.Kind) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan model.Event, buffer)
	s := &Subscription{ID: uuid.NewString(), C: ch, ch: ch, kinds: make(map[model.Kind]bool), bus: b}
	for _, k := range kinds {
		s.kinds[k] = true
	}
	b.subMu.Lock()
	b.subs[s.ID] = s
	b.subMu.Unlock()
	return s
}

// Unsubscribe detaches the subscription and closes its channel. Safe to call repeatedly.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.subMu.Lock()
		delete(s.bus.subs, s.ID)
		close(s.ch)
		s.bus.subMu.Unlock()
	})
}

// BacklogSize returns published-but-not-yet-delivered events.
func (b *Bus) BacklogSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.backlog)
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return len(b.subs)
}

// Metrics returns counters and sizes for observability.
func (b *Bus) Metrics() (published, delivered, dropped uint64, backlog int) {
	return b.published.Load(), b.delivered.Load(), b.dropped.Load(), b.BacklogSize()
}

// Close disallows future publishes. Already published events are still delivered while the
// broker runs.
func (b *Bus) Close() { b.closed.Store(true) }

// IsClosed reports if intake has been closed.
func (b *Bus) IsClosed() bool { return b.closed.Load() }

// Done is closed when the broker goroutine exits.
func (b *Bus) Done() <-chan struct{} { return b.done }

// DrainUntil blocks until every published event was handed to subscribers or ctx is done.
func (b *Bus) DrainUntil(ctx context.Context) bool {
	for {
		pub, del, _, backlog := b.Metrics()
		if backlog == 0 && pub == del {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}
