// Package bus implements a per-agent multi-producer, multi-consumer
// broadcast of agent events with a bounded ring per subscriber. Slow
// consumers lose the oldest events and receive a Lagged marker before
// resuming; publishers never block.
package bus

import (
	"context"
	"sync"

	"github.com/nyzhi-com/nyzhi/pkg/models"
)

// DefaultCapacity is the per-subscriber ring size.
const DefaultCapacity = 256

// Bus broadcasts agent events to any number of subscribers.
type Bus struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	capacity int
	closed   bool
}

// New creates a bus with the given per-subscriber ring capacity.
// Non-positive capacities use DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		subs:     make(map[*Subscription]struct{}),
		capacity: capacity,
	}
}

// Publish delivers the event to every live subscriber. Full rings drop
// their oldest event and record the loss.
func (b *Bus) Publish(event models.AgentEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		sub.push(event)
	}
}

// Subscribe attaches a new consumer. The subscription starts empty and
// sees only events published after this call.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		bus:    b,
		buf:    make([]models.AgentEvent, 0, b.capacity),
		cap:    b.capacity,
		wakeup: make(chan struct{}, 1),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Close detaches all subscribers; their pending events remain readable,
// after which Recv returns ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.markClosed()
	}
	b.subs = make(map[*Subscription]struct{})
}

// ErrClosed is returned by Recv after the bus closes and the backlog
// drains.
type closedError struct{}

func (closedError) Error() string { return "event bus closed" }

// ErrClosed signals a drained, closed subscription.
var ErrClosed error = closedError{}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	bus    *Bus
	mu     sync.Mutex
	buf    []models.AgentEvent
	cap    int
	lost   uint64
	closed bool
	wakeup chan struct{}
}

func (s *Subscription) push(event models.AgentEvent) {
	s.mu.Lock()
	if len(s.buf) >= s.cap {
		// Lossy ring: evict the oldest event.
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
		s.lost++
	}
	s.buf = append(s.buf, event)
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription) notify() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Recv returns the next event, blocking until one arrives, the bus
// closes, or ctx is done. After events were lost to ring overflow, the
// first Recv delivers an EventLagged recovery marker carrying the drop
// count, then resumes with the surviving events.
func (s *Subscription) Recv(ctx context.Context) (models.AgentEvent, error) {
	for {
		s.mu.Lock()
		if s.lost > 0 {
			dropped := s.lost
			s.lost = 0
			s.mu.Unlock()
			return models.AgentEvent{Type: models.EventLagged, Dropped: dropped}, nil
		}
		if len(s.buf) > 0 {
			event := s.buf[0]
			copy(s.buf, s.buf[1:])
			s.buf = s.buf[:len(s.buf)-1]
			s.mu.Unlock()
			return event, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return models.AgentEvent{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return models.AgentEvent{}, ctx.Err()
		case <-s.wakeup:
		}
	}
}

// TryRecv returns the next pending event without blocking.
func (s *Subscription) TryRecv() (models.AgentEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost > 0 {
		dropped := s.lost
		s.lost = 0
		return models.AgentEvent{Type: models.EventLagged, Dropped: dropped}, true
	}
	if len(s.buf) == 0 {
		return models.AgentEvent{}, false
	}
	event := s.buf[0]
	copy(s.buf, s.buf[1:])
	s.buf = s.buf[:len(s.buf)-1]
	return event, true
}

// Unsubscribe detaches the subscription from the bus.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.markClosed()
}
