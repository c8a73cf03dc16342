package bus

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvAll[T any](t *testing.T, s *Subscriber[T]) []T {
	t.Helper()
	var out []T
	for {
		v, err := s.RecvTimeout(50 * time.Millisecond)
		if err != nil {
			return out
		}
		out = append(out, v)
	}
}

func TestDeliveryToEverySubscriber(t *testing.T) {
	b := New[int]()
	s1 := b.Subscribe(SubscribeOpts{Capacity: 8})
	s2 := b.Subscribe(SubscribeOpts{Capacity: 8})
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(i))
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, recvAll(t, s1))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, recvAll(t, s2))
	assert.Equal(t, uint64(5), b.Published())
}

func TestLateSubscriberSeesOnlyLaterPayloads(t *testing.T) {
	b := New[int]()
	require.NoError(t, b.Publish(1))
	s := b.Subscribe(SubscribeOpts{})
	require.NoError(t, b.Publish(2))
	assert.Equal(t, []int{2}, recvAll(t, s))
}

func TestDropOldestOverflow(t *testing.T) {
	b := New[int]()
	slow := b.Subscribe(SubscribeOpts{Capacity: 10, Policy: DropOldest})
	for i := 1; i <= 15; i++ {
		require.NoError(t, b.Publish(i))
	}
	assert.Equal(t, uint64(5), slow.Dropped())
	assert.Equal(t, []int{6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, recvAll(t, slow))
	assert.Equal(t, uint64(5), b.Dropped())
}

func TestBlockPolicyWaitsForSpace(t *testing.T) {
	b := New[int]()
	s := b.Subscribe(SubscribeOpts{Capacity: 1, Policy: Block, BlockTimeout: time.Second})
	require.NoError(t, b.Publish(1))

	published := make(chan struct{})
	go func() {
		_ = b.Publish(2)
		close(published)
	}()

	time.Sleep(20 * time.Millisecond)
	v, err := s.RecvTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after space was freed")
	}
	v, err = s.RecvTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Zero(t, s.Dropped())
}

func TestBlockPolicyTimesOut(t *testing.T) {
	b := New[int]()
	s := b.Subscribe(SubscribeOpts{Capacity: 1, Policy: Block, BlockTimeout: 10 * time.Millisecond})
	require.NoError(t, b.Publish(1))

	start := time.Now()
	require.NoError(t, b.Publish(2))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, uint64(1), s.Dropped())
	assert.Equal(t, []int{1}, recvAll(t, s))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New[int]()
	s := b.Subscribe(SubscribeOpts{})
	other := b.Subscribe(SubscribeOpts{})
	require.NoError(t, b.Publish(1))

	b.Unsubscribe(s)
	require.NoError(t, b.Publish(2))

	_, err := s.RecvTimeout(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, []int{1, 2}, recvAll(t, other))

	// Second unsubscribe is harmless.
	b.Unsubscribe(s)
}

func TestUnsubscribeUnblocksReader(t *testing.T) {
	b := New[int]()
	s := b.Subscribe(SubscribeOpts{})
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Recv(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	b.Unsubscribe(s)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Recv did not return after Unsubscribe")
	}
}

func TestUnsubscribeUnblocksPublisher(t *testing.T) {
	b := New[int]()
	s := b.Subscribe(SubscribeOpts{Capacity: 1, Policy: Block, BlockTimeout: time.Minute})
	require.NoError(t, b.Publish(1))

	done := make(chan struct{})
	go func() {
		_ = b.Publish(2)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	b.Unsubscribe(s)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish did not return after Unsubscribe")
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	b := New[int]()
	s := b.Subscribe(SubscribeOpts{})
	require.NoError(t, b.Publish(1))
	require.NoError(t, b.Publish(2))
	b.Close()
	b.Close()

	assert.ErrorIs(t, b.Publish(3), ErrClosed)
	v, err := s.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = s.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	_, err = s.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRecvHonoursContext(t *testing.T) {
	b := New[int]()
	s := b.Subscribe(SubscribeOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.RecvTimeout(5 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

type tagged struct {
	publisher, n int
}

// Concurrent publishers and jittery subscribers must still agree on one total
// order, and that order must respect each publisher's program order.
func TestConcurrentOrdering(t *testing.T) {
	const (
		publishers = 4
		perPub     = 250
		subs       = 3
	)
	b := New[tagged]()
	var subscribers []*Subscriber[tagged]
	for i := 0; i < subs; i++ {
		subscribers = append(subscribers, b.Subscribe(SubscribeOpts{
			Capacity:     16,
			Policy:       Block,
			BlockTimeout: 10 * time.Second,
		}))
	}

	received := make([][]tagged, subs)
	var readers sync.WaitGroup
	for i, s := range subscribers {
		readers.Add(1)
		go func(i int, s *Subscriber[tagged]) {
			defer readers.Done()
			r := rand.New(rand.NewSource(int64(i)))
			for {
				v, err := s.Recv(context.Background())
				if err != nil {
					return
				}
				received[i] = append(received[i], v)
				if r.Intn(20) == 0 {
					time.Sleep(time.Duration(r.Intn(200)) * time.Microsecond)
				}
			}
		}(i, s)
	}

	var writers sync.WaitGroup
	for p := 0; p < publishers; p++ {
		writers.Add(1)
		go func(p int) {
			defer writers.Done()
			r := rand.New(rand.NewSource(int64(100 + p)))
			for n := 0; n < perPub; n++ {
				assert.NoError(t, b.Publish(tagged{p, n}))
				if r.Intn(10) == 0 {
					time.Sleep(time.Duration(r.Intn(100)) * time.Microsecond)
				}
			}
		}(p)
	}
	writers.Wait()
	b.Close()
	readers.Wait()

	for i := range received {
		require.Len(t, received[i], publishers*perPub, "subscriber %d", i)
		assert.Equal(t, received[0], received[i], "subscriber %d saw a different order", i)
		next := make([]int, publishers)
		for _, v := range received[i] {
			require.Equal(t, next[v.publisher], v.n, "publisher %d out of order", v.publisher)
			next[v.publisher]++
		}
	}
}

func TestStats(t *testing.T) {
	b := New[string]()
	s := b.Subscribe(SubscribeOpts{Name: "ui", Capacity: 2, Policy: DropOldest})
	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(v))
	}
	_, err := s.RecvTimeout(time.Second)
	require.NoError(t, err)

	stats := b.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, s.ID(), stats[0].ID)
	assert.Equal(t, "ui", stats[0].Name)
	assert.Equal(t, "drop-oldest", stats[0].Policy)
	assert.Equal(t, 2, stats[0].Capacity)
	assert.Equal(t, 1, stats[0].Queued)
	assert.Equal(t, uint64(1), stats[0].Delivered)
	assert.Equal(t, uint64(1), stats[0].Dropped)
}
