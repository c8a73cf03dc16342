package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alan-christopher/qlaib/qlaib/bus"
	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/alan-christopher/qlaib/qlaib/metrics"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPairs = []data.PairSpec{
	{Label: "HH", ChannelA: 0, ChannelB: 4, Window: 10},
	{Label: "HV", ChannelA: 0, ChannelB: 5, Window: 10, Delay: 3},
}

func openTest(t *testing.T) (*Store, uuid.UUID) {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	id, err := s.BeginRun("synthetic", data.BackendConfig{Channels: 8, Resolution: 1e-12}, testPairs, time.Unix(100, 0))
	require.NoError(t, err)
	return s, id
}

func TestRuns(t *testing.T) {
	s, id := openTest(t)
	runs, err := s.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
	assert.Equal(t, "synthetic", runs[0].Source)
	assert.Equal(t, 8, runs[0].Channels)
	assert.Equal(t, testPairs, runs[0].Pairs)
	assert.True(t, runs[0].Finished.IsZero())

	require.NoError(t, s.FinishRun(id, time.Unix(200, 0), 80, 12, errors.New("source: next batch: reordered")))
	runs, err = s.Runs()
	require.NoError(t, err)
	assert.Equal(t, time.Unix(200, 0), runs[0].Finished)
	assert.Equal(t, uint64(80), runs[0].Batches)
	assert.Equal(t, uint64(12), runs[0].Coincidences)
	assert.Contains(t, runs[0].Error, "reordered")

	assert.Error(t, s.FinishRun(uuid.New(), time.Now(), 0, 0, nil))
}

func TestFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qlaib.db")
	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.BeginRun("replay", data.BackendConfig{Channels: 2, Resolution: 1}, nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
}

func TestAddCountsAccumulates(t *testing.T) {
	s, id := openTest(t)
	require.NoError(t, s.AddCounts(id, []Count{{Label: "HH", Bin: 0, BinTicks: 10, N: 2}}))
	require.NoError(t, s.AddCounts(id, []Count{
		{Label: "HH", Bin: 0, BinTicks: 10, N: 3},
		{Label: "HV", Bin: 1, BinTicks: 10, N: 1},
	}))
	counts, err := s.Counts(id)
	require.NoError(t, err)
	assert.Equal(t, []Count{
		{Label: "HH", Bin: 0, BinTicks: 10, N: 5},
		{Label: "HV", Bin: 1, BinTicks: 10, N: 1},
	}, counts)
}

func TestSaveResultsSkipsUnchanged(t *testing.T) {
	s, id := openTest(t)
	t1, t2 := time.Unix(1, 0), time.Unix(2, 0)
	snap := []metrics.Result{
		{Name: "qber", Reading: metrics.Reading{Value: 0.25, Defined: true, Count: 4}, Updated: t1},
		{Name: "spread", Reading: metrics.Reading{Value: 2, Defined: true, Count: 3, Extras: map[string]float64{"stddev": 1.5}}, Updated: t1},
		{Name: "never", Reading: metrics.Undefined(0)},
	}
	n, err := s.SaveResults(id, snap)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.SaveResults(id, snap)
	require.NoError(t, err)
	assert.Zero(t, n)

	snap[0] = metrics.Result{Name: "qber", Reading: metrics.Undefined(0), Updated: t2}
	n, err = s.SaveResults(id, snap)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hist, err := s.Results(id, "qber")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 0.25, hist[0].Value)
	assert.True(t, hist[0].Defined)
	assert.Equal(t, t1, hist[0].Updated)
	assert.False(t, hist[1].Defined)

	spread, err := s.Results(id, "spread")
	require.NoError(t, err)
	require.Len(t, spread, 1)
	assert.Equal(t, map[string]float64{"stddev": 1.5}, spread[0].Extras)
}

func TestConsumer(t *testing.T) {
	s, id := openTest(t)
	b := bus.New[data.Coincidence]()
	reg := metrics.NewRegistry(metrics.RegistryOpts{Coincidences: b})
	defer reg.Close()
	require.NoError(t, reg.Register("qber", metrics.NewErrorRate([]string{"HH"}, []string{"HV"}, 0)))

	c, err := NewConsumer(ConsumerOpts{Store: s, Run: id, BinTicks: 100, Registry: reg})
	require.NoError(t, err)
	sub := b.Subscribe(bus.SubscribeOpts{Policy: bus.Block})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), sub) }()

	for _, co := range []data.Coincidence{
		{Pair: testPairs[0], TimeA: 5},
		{Pair: testPairs[0], TimeA: 99},
		{Pair: testPairs[1], TimeA: 100},
		{Pair: testPairs[0], TimeA: 250},
		{Pair: testPairs[1], TimeA: -1},
	} {
		require.NoError(t, b.Publish(co))
	}
	b.Close()
	reg.Wait()
	reg.Recompute()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not finish")
	}

	counts, err := s.Counts(id)
	require.NoError(t, err)
	assert.Equal(t, []Count{
		{Label: "HH", Bin: 0, BinTicks: 100, N: 2},
		{Label: "HH", Bin: 2, BinTicks: 100, N: 1},
		{Label: "HV", Bin: -1, BinTicks: 100, N: 1},
		{Label: "HV", Bin: 1, BinTicks: 100, N: 1},
	}, counts)
}

func TestConsumerSavesSnapshots(t *testing.T) {
	s, id := openTest(t)
	b := bus.New[data.Coincidence]()
	reg := metrics.NewRegistry(metrics.RegistryOpts{Coincidences: b})
	defer reg.Close()
	require.NoError(t, reg.Register("qber", metrics.NewErrorRate([]string{"HH"}, []string{"HV"}, 0)))
	require.NoError(t, b.Publish(data.Coincidence{Pair: testPairs[1]}))
	b.Close()
	reg.Wait()
	reg.Recompute()

	c, err := NewConsumer(ConsumerOpts{Store: s, Run: id, Registry: reg})
	require.NoError(t, err)
	require.NoError(t, c.Flush())
	hist, err := s.Results(id, "qber")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 1.0, hist[0].Value)
}

func TestConsumerStopsOnCancel(t *testing.T) {
	s, id := openTest(t)
	b := bus.New[data.Coincidence]()
	c, err := NewConsumer(ConsumerOpts{Store: s, Run: id, FlushInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	sub := b.Subscribe(bus.SubscribeOpts{})
	require.NoError(t, b.Publish(data.Coincidence{Pair: testPairs[0], TimeA: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, sub) }()
	assert.Eventually(t, func() bool {
		counts, err := s.Counts(id)
		return err == nil && len(counts) == 1
	}, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestNewConsumerRejects(t *testing.T) {
	s, id := openTest(t)
	_, err := NewConsumer(ConsumerOpts{Run: id})
	assert.Error(t, err)
	_, err = NewConsumer(ConsumerOpts{Store: s})
	assert.Error(t, err)
}
