// Package bus provides a typed publish/subscribe bus with a bounded queue per
// subscriber.
//
// Every subscriber receives every payload published after it subscribed,
// exactly once, in publication order. Publish never blocks indefinitely: when
// a subscriber's queue is full the subscriber's overflow Policy decides
// whether the oldest queued payload is discarded or the publisher waits a
// bounded time for space. Either way the loss is counted.
//
// Payloads are handed to subscribers as-is. Publishers must treat a payload as
// immutable once it has been published.
package bus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by Recv once a subscription has been cancelled,
	// or once the bus has been closed and the queue drained. Publish returns
	// it after Close.
	ErrClosed = errors.New("bus: closed")

	// ErrTimeout is returned by RecvTimeout when nothing arrived in time.
	ErrTimeout = errors.New("bus: timed out")
)

var (
	DefaultCapacity     = 1024
	DefaultBlockTimeout = 100 * time.Millisecond
)

// A Policy decides what happens when a payload is published to a subscriber
// whose queue is full.
type Policy int

const (
	// DropOldest discards the oldest queued payload to make room.
	DropOldest Policy = iota
	// Block waits up to SubscribeOpts.BlockTimeout for the subscriber to make
	// room, then discards the new payload.
	Block
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// SubscribeOpts configures a single subscription.
type SubscribeOpts struct {
	// Name identifies the subscriber in Stats.
	Name string
	// Capacity bounds the subscriber's queue. Defaults to DefaultCapacity.
	Capacity int
	// Policy applies when the queue is full.
	Policy Policy
	// BlockTimeout bounds how long Publish waits under the Block policy.
	// Defaults to DefaultBlockTimeout.
	BlockTimeout time.Duration
}

// A Bus distributes payloads of type T to its subscribers.
type Bus[T any] struct {
	// pubMu serializes Publish so that all subscribers observe the same
	// total order.
	pubMu sync.Mutex

	mu     sync.RWMutex
	subs   []*Subscriber[T]
	closed bool

	published atomic.Uint64
}

// New returns an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers a new subscriber. It receives payloads published after
// Subscribe returns. Subscribing to a closed bus returns a subscription that
// is already drained.
func (b *Bus[T]) Subscribe(opts SubscribeOpts) *Subscriber[T] {
	s := newSubscriber[T](opts)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.drain()
		return s
	}
	b.subs = append(b.subs, s)
	return s
}

// Unsubscribe removes s from the bus. Once Unsubscribe returns, s delivers no
// further payloads: pending Recv calls return ErrClosed and anything still
// queued is discarded. A Publish blocked on s returns promptly. Unsubscribing
// twice is a no-op.
func (b *Bus[T]) Unsubscribe(s *Subscriber[T]) {
	b.mu.Lock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	s.cancel()
}

// Publish delivers v to every current subscriber, applying each subscriber's
// overflow policy. It returns ErrClosed if the bus has been closed.
func (b *Bus[T]) Publish(v T) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*Subscriber[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	b.published.Add(1)
	for _, s := range subs {
		s.offer(v)
	}
	return nil
}

// Close stops the bus from accepting payloads. Subscribers may still receive
// what is already queued; after that Recv returns ErrClosed. Close is
// idempotent.
func (b *Bus[T]) Close() {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.drain()
	}
	b.subs = nil
}

// Published returns the number of successful Publish calls.
func (b *Bus[T]) Published() uint64 {
	return b.published.Load()
}

// Stats reports the state of every current subscriber, in subscription order.
func (b *Bus[T]) Stats() []SubscriberStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := make([]SubscriberStats, 0, len(b.subs))
	for _, s := range b.subs {
		stats = append(stats, s.Stats())
	}
	return stats
}

// Dropped returns the total number of payloads dropped across all current
// subscribers.
func (b *Bus[T]) Dropped() uint64 {
	var n uint64
	for _, st := range b.Stats() {
		n += st.Dropped
	}
	return n
}

// SubscriberStats is a point-in-time view of one subscription.
type SubscriberStats struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Policy    string    `json:"policy"`
	Capacity  int       `json:"capacity"`
	Queued    int       `json:"queued"`
	Delivered uint64    `json:"delivered"`
	Dropped   uint64    `json:"dropped"`
}
