package bus

import "sync"

// Subscription is one subscriber's view of the bus. Envelopes accumulate in
// an unbounded internal queue so emitters never block; the consumer drains
// them through Events(). Closing removes the subscriber and releases the
// queue.
type Subscription struct {
	bus      *EventBus
	id       int
	channels map[Channel]bool
	kinds    map[string]bool

	mu     sync.Mutex
	queue  []Envelope
	signal chan struct{}
	stop   chan struct{}
	out    chan Envelope
	closed bool
	once   sync.Once
}

func newSubscription(b *EventBus, channels map[Channel]bool, kinds map[string]bool) *Subscription {
	s := &Subscription{
		bus:      b,
		channels: channels,
		kinds:    kinds,
		signal:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		out:      make(chan Envelope),
	}
	go s.pump()
	return s
}

// Events returns the delivery channel. It is closed after Close().
func (s *Subscription) Events() <-chan Envelope { return s.out }

// Close removes the subscription from the bus and releases queued envelopes.
// Safe to call multiple times and concurrently with delivery.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.id)
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.stop)
	})
}

// offer enqueues an envelope if it matches the subscription's channel and
// kind filters. Never blocks.
func (s *Subscription) offer(env Envelope) {
	if !s.channels[env.Event.Channel] {
		return
	}
	if s.kinds != nil && !s.kinds[env.Event.Type] {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// pump moves envelopes from the queue to the consumer channel in order.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.stop:
			return
		case <-s.signal:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			env := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- env:
			case <-s.stop:
				return
			}
		}
	}
}
