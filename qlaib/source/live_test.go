package source

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type poll struct {
	tags    []Tag
	horizon int64
	err     error
}

// fakeDriver serves scripted polls. A poll blocks until release is signalled
// when gate is set, or until Close.
type fakeDriver struct {
	mu      sync.Mutex
	polls   []poll
	mask    uint64
	opened  bool
	closed  chan struct{}
	gate    chan struct{}
	openErr error
}

func newFakeDriver(polls ...poll) *fakeDriver {
	return &fakeDriver{polls: polls, closed: make(chan struct{})}
}

func (d *fakeDriver) Open(data.BackendConfig) error {
	d.opened = true
	return d.openErr
}

func (d *fakeDriver) EnableChannels(mask uint64) error {
	d.mask = mask
	return nil
}

func (d *fakeDriver) Poll(buf []Tag) (int, int64, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-d.closed:
			return 0, 0, &DriverError{Code: CodeNotConnected}
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.polls) == 0 {
		return 0, 0, &DriverError{Code: CodeTimeout}
	}
	p := d.polls[0]
	d.polls = d.polls[1:]
	return copy(buf, p.tags), p.horizon, p.err
}

func (d *fakeDriver) Close() error {
	close(d.closed)
	return nil
}

var liveCfg = data.BackendConfig{Channels: 2, Resolution: 1e-12, BufferSize: 16}

func startLive(t *testing.T, d *fakeDriver) *Live {
	t.Helper()
	l := NewLive(LiveOpts{Driver: d})
	require.NoError(t, l.Configure(liveCfg))
	require.NoError(t, l.Start())
	return l
}

func TestLiveSplitsPollsPerChannel(t *testing.T) {
	d := newFakeDriver(
		poll{tags: []Tag{{0, 10}, {1, 12}, {0, 20}, {1, 25}, {0, 31}, {1, 33}}, horizon: 100},
		poll{horizon: 200},
	)
	l := startLive(t, d)
	defer l.Stop()
	assert.Equal(t, uint64(0b11), d.mask)

	var got []data.SampleBatch
	for len(got) < 4 {
		sb, err := l.NextBatch(time.Second)
		require.NoError(t, err)
		got = append(got, sb)
	}
	assert.Equal(t, []data.SampleBatch{
		{Channel: 0, Seq: 1, Timestamps: []int64{10, 20, 31}, Start: 0, End: 100},
		{Channel: 1, Seq: 2, Timestamps: []int64{12, 25, 33}, Start: 0, End: 100},
		{Channel: 0, Seq: 3, Start: 100, End: 200},
		{Channel: 1, Seq: 4, Start: 100, End: 200},
	}, got)

	_, err := l.NextBatch(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestLiveNeverBlocksPastTimeout(t *testing.T) {
	d := newFakeDriver(poll{tags: []Tag{{1, 5}}, horizon: 10})
	d.gate = make(chan struct{})
	l := startLive(t, d)
	defer l.Stop()

	start := time.Now()
	_, err := l.NextBatch(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// The stalled poll completes later and its result is not lost.
	close(d.gate)
	sb, err := l.NextBatch(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, sb.Channel)
	sb, err = l.NextBatch(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, sb.Timestamps)
}

func TestLiveStopUnblocksStalledDriver(t *testing.T) {
	d := newFakeDriver()
	d.gate = make(chan struct{})
	l := startLive(t, d)

	done := make(chan error, 1)
	go func() {
		_, err := l.NextBatch(time.Hour)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	l.Stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrEndOfStream)
	case <-time.After(time.Second):
		t.Fatal("NextBatch did not return after Stop")
	}
}

func TestLiveFailures(t *testing.T) {
	tcs := []struct {
		name string
		p    poll
		kind Kind
	}{
		{"device lost", poll{err: &DriverError{Code: CodeNoDevice}}, ConnectionLost},
		{"driver fault", poll{err: &DriverError{Code: CodeBufferOverflow}}, DriverFault},
		{"foreign error", poll{err: errors.New("usb reset")}, DriverFault},
		{"tag past horizon", poll{tags: []Tag{{0, 50}}, horizon: 40}, Reordered},
		{"tag out of order", poll{tags: []Tag{{0, 30}, {0, 20}}, horizon: 40}, Reordered},
		{"unknown channel", poll{tags: []Tag{{5, 1}}, horizon: 40}, MalformedData},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			l := startLive(t, newFakeDriver(tc.p))
			defer l.Stop()
			_, err := l.NextBatch(time.Second)
			require.Error(t, err)
			assert.Equal(t, tc.kind, KindOf(err))
			assert.True(t, IsFatal(err))
			_, again := l.NextBatch(time.Second)
			assert.Equal(t, err, again)
		})
	}
}

func TestLiveOpenFailure(t *testing.T) {
	d := newFakeDriver()
	d.openErr = &DriverError{Code: CodeDeviceLocked}
	l := NewLive(LiveOpts{Driver: d})
	require.NoError(t, l.Configure(liveCfg))
	assert.Equal(t, DriverFault, KindOf(l.Start()))

	assert.Equal(t, State, KindOf(NewLive(LiveOpts{}).Configure(liveCfg)))
}
