package events

import (
	"context"
	"sync"

	"github.com/italolelis/artifactd/internal/logctx"
)

// Bus fans events out to subscribers. Non-critical events are dropped for a
// subscriber whose buffer is full; critical events wait for room until the
// publisher's context ends or the subscriber goes away.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

var _ Publisher = (*Bus)(nil)

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription is a stream of events. Close it when done.
type Subscription struct {
	bus  *Bus
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// C delivers events in publish order.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Done is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
}

// Subscribe registers a subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}

	sub := &Subscription{
		bus:  b,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))

	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if !ev.Critical() {
			select {
			case s.ch <- ev:
			case <-s.done:
			default:
			}

			continue
		}

		select {
		case s.ch <- ev:
			continue
		default:
		}

		select {
		case s.ch <- ev:
		case <-s.done:
		case <-ctx.Done():
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "dropped critical event",
				"kind", ev.Kind(), "err", ctx.Err())
		}
	}
}

// Consume calls fn for every event on sub until ctx ends or sub is closed.
func Consume(ctx context.Context, sub *Subscription, fn func(context.Context, Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case ev := <-sub.C():
			fn(ctx, ev)
		}
	}
}
