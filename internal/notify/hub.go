// Package notify implements the observer registry shared by the relay and the
// client session manager.
//
// Subscribers are keyed by an opaque token, so unsubscribing is O(1) and safe
// to call any number of times, including from inside a delivery callback.
// Every subscriber owns a mailbox drained by its own goroutine: deliveries to
// one subscriber are FIFO, and a slow subscriber never stalls the publisher or
// any other subscriber.
package notify

import "sync"

// Hub fans values of type T out to subscribers.
//
// Each delivery receives its own copy produced by the clone function, so a
// subscriber mutating what it was handed cannot affect another subscriber's
// view.
type Hub[T any] struct {
	clone func(T) T

	mu     sync.Mutex
	next   uint64
	subs   map[uint64]*Subscription[T]
	closed bool
}

// NewHub returns a hub. A nil clone delivers values as-is, which is only
// correct for types without shared references.
func NewHub[T any](clone func(T) T) *Hub[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	return &Hub[T]{
		clone: clone,
		subs:  make(map[uint64]*Subscription[T]),
	}
}

// Subscribe registers fn and returns its subscription handle.
func (h *Hub[T]) Subscribe(fn func(T)) *Subscription[T] {
	return h.subscribe(fn, nil)
}

// SubscribeWith registers fn and queues initial as its first delivery. The
// initial value is ordered before any value published after SubscribeWith
// returns.
func (h *Hub[T]) SubscribeWith(fn func(T), initial T) *Subscription[T] {
	return h.subscribe(fn, &initial)
}

func (h *Hub[T]) subscribe(fn func(T), initial *T) *Subscription[T] {
	sub := &Subscription[T]{
		hub:  h,
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.once.Do(func() { close(sub.done) })
		return sub
	}
	h.next++
	sub.token = h.next
	h.subs[sub.token] = sub
	if initial != nil {
		sub.enqueue(h.clone(*initial))
	}
	go sub.run()
	return sub
}

// Publish queues v for every current subscriber. It never blocks on
// subscriber callbacks.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		sub.enqueue(h.clone(v))
	}
}

// Len reports the number of active subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close unsubscribes everyone. Later subscriptions are inert.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	subs := make([]*Subscription[T], 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (h *Hub[T]) remove(token uint64) {
	h.mu.Lock()
	delete(h.subs, token)
	h.mu.Unlock()
}

// Subscription is the handle returned by Subscribe.
type Subscription[T any] struct {
	hub   *Hub[T]
	token uint64
	fn    func(T)

	mu    sync.Mutex
	queue []T

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// Unsubscribe stops further deliveries. Values still queued are discarded. A
// callback that is already running completes.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.hub.remove(s.token)
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	})
}

// Done is closed once the subscription has been cancelled.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

func (s *Subscription[T]) enqueue(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			v, ok := s.pop()
			if !ok {
				break
			}
			// Re-check cancellation between deliveries so an unsubscribe issued
			// by a callback takes effect before the next value.
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(v)
		}
	}
}

func (s *Subscription[T]) pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if len(s.queue) == 0 {
		return zero, false
	}
	v := s.queue[0]
	s.queue[0] = zero
	s.queue = s.queue[1:]
	return v, true
}
