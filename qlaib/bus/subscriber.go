package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// A Subscriber is a handle on one subscription to a Bus. It owns a bounded
// FIFO queue that Publish fills and Recv empties. A Subscriber must be read
// by a single goroutine.
type Subscriber[T any] struct {
	id      uuid.UUID
	name    string
	policy  Policy
	timeout time.Duration

	mu        sync.Mutex
	buf       []T
	head, n   int
	draining  bool // bus closed: deliver what is queued, then ErrClosed
	cancelled bool // unsubscribed: deliver nothing more

	ready      chan struct{} // queue became non-empty or state changed
	space      chan struct{} // queue lost an element
	done       chan struct{} // closed on cancel
	cancelOnce sync.Once

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func newSubscriber[T any](opts SubscribeOpts) *Subscriber[T] {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	timeout := opts.BlockTimeout
	if timeout <= 0 {
		timeout = DefaultBlockTimeout
	}
	return &Subscriber[T]{
		id:      uuid.New(),
		name:    opts.Name,
		policy:  opts.Policy,
		timeout: timeout,
		buf:     make([]T, capacity),
		ready:   make(chan struct{}, 1),
		space:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// ID returns the unique id of this subscription.
func (s *Subscriber[T]) ID() uuid.UUID {
	return s.id
}

// Dropped returns the number of payloads this subscriber lost to overflow.
func (s *Subscriber[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Delivered returns the number of payloads returned by Recv.
func (s *Subscriber[T]) Delivered() uint64 {
	return s.delivered.Load()
}

// Len returns the number of queued payloads.
func (s *Subscriber[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Stats returns a snapshot of the subscription's counters.
func (s *Subscriber[T]) Stats() SubscriberStats {
	return SubscriberStats{
		ID:        s.id,
		Name:      s.name,
		Policy:    s.policy.String(),
		Capacity:  len(s.buf),
		Queued:    s.Len(),
		Delivered: s.Delivered(),
		Dropped:   s.Dropped(),
	}
}

// Recv returns the next payload, waiting until one is available, the
// subscription ends (ErrClosed) or ctx is done (ctx.Err()).
func (s *Subscriber[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if s.cancelled {
			s.mu.Unlock()
			return zero, ErrClosed
		}
		if s.n > 0 {
			v := s.pop()
			s.mu.Unlock()
			s.delivered.Add(1)
			signal(s.space)
			return v, nil
		}
		if s.draining {
			s.mu.Unlock()
			return zero, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-s.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// RecvTimeout is Recv bounded by d. It returns ErrTimeout if nothing arrived
// within d.
func (s *Subscriber[T]) RecvTimeout(d time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	v, err := s.Recv(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return v, ErrTimeout
	}
	return v, err
}

func (s *Subscriber[T]) offer(v T) {
	s.mu.Lock()
	if s.cancelled || s.draining {
		s.mu.Unlock()
		return
	}
	if s.n < len(s.buf) {
		s.push(v)
		s.mu.Unlock()
		signal(s.ready)
		return
	}
	if s.policy == DropOldest {
		s.pop()
		s.dropped.Add(1)
		s.push(v)
		s.mu.Unlock()
		signal(s.ready)
		return
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	for {
		select {
		case <-s.space:
		case <-s.done:
			return
		case <-timer.C:
			s.dropped.Add(1)
			return
		}
		s.mu.Lock()
		if s.cancelled {
			s.mu.Unlock()
			return
		}
		if s.n < len(s.buf) {
			s.push(v)
			s.mu.Unlock()
			signal(s.ready)
			return
		}
		s.mu.Unlock()
	}
}

func (s *Subscriber[T]) push(v T) {
	s.buf[(s.head+s.n)%len(s.buf)] = v
	s.n++
}

func (s *Subscriber[T]) pop() T {
	var zero T
	v := s.buf[s.head]
	s.buf[s.head] = zero
	s.head = (s.head + 1) % len(s.buf)
	s.n--
	return v
}

func (s *Subscriber[T]) drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	signal(s.ready)
}

func (s *Subscriber[T]) cancel() {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.cancelled = true
		var zero T
		for i := range s.buf {
			s.buf[i] = zero
		}
		s.head, s.n = 0, 0
		s.mu.Unlock()
		close(s.done)
	})
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
