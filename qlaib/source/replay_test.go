package source

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alan-christopher/qlaib/qlaib/capture"
	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recorded() []data.SampleBatch {
	return []data.SampleBatch{
		{Channel: 0, Seq: 10, Timestamps: []int64{10, 20, 31}, Start: 0, End: 100},
		{Channel: 1, Seq: 11, Timestamps: []int64{12, 25, 33}, Start: 0, End: 100},
		{Channel: 0, Seq: 12, Timestamps: []int64{150}, Start: 100, End: 200},
		{Channel: 1, Seq: 13, Start: 100, End: 200},
	}
}

func writeCapture(t *testing.T, batches []data.SampleBatch, compress bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.qlcap")
	w, err := capture.Create(path, capture.Header{Channels: 2, Resolution: 1e-3}, capture.WriterOpts{Compress: compress})
	require.NoError(t, err)
	for _, sb := range batches {
		require.NoError(t, w.Write(sb))
	}
	require.NoError(t, w.Close())
	return path
}

func replayCfg(path string, speed float64) data.BackendConfig {
	return data.BackendConfig{Channels: 2, Resolution: 1e-3, ReplayFile: path, ReplaySpeed: speed}
}

func TestReplayDeliversRecordedSequence(t *testing.T) {
	for _, compress := range []bool{false, true} {
		r := NewReplay(ReplayOpts{})
		require.NoError(t, r.Configure(replayCfg(writeCapture(t, recorded(), compress), 0)))
		require.NoError(t, r.Start())

		got, err := drain(t, Checked(r, 2), time.Second)
		assert.ErrorIs(t, err, ErrEndOfStream)
		assert.Equal(t, recorded(), got)

		// End of stream is terminal and repeatable.
		_, err = r.NextBatch(time.Second)
		assert.ErrorIs(t, err, ErrEndOfStream)
		r.Stop()
	}
}

func TestReplayTruncatedCapture(t *testing.T) {
	path := writeCapture(t, recorded(), false)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-2], 0o644))

	r := NewReplay(ReplayOpts{})
	require.NoError(t, r.Configure(replayCfg(path, 0)))
	require.NoError(t, r.Start())
	defer r.Stop()

	got, err := drain(t, r, time.Second)
	assert.Len(t, got, 3)
	assert.Equal(t, MalformedData, KindOf(err))
	assert.True(t, IsFatal(err))
}

func TestReplayPacing(t *testing.T) {
	// One tick is 1ms, so at speed 1 the second frame is due 100ms after the
	// first.
	r := NewReplay(ReplayOpts{})
	require.NoError(t, r.Configure(replayCfg(writeCapture(t, recorded(), false), 1)))
	require.NoError(t, r.Start())
	defer r.Stop()

	for i := 0; i < 2; i++ {
		_, err := r.NextBatch(time.Second)
		require.NoError(t, err)
	}
	_, err := r.NextBatch(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	sb, err := r.NextBatch(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), sb.Seq, "timed out batch must not be skipped")
}

func TestReplayStopUnblocks(t *testing.T) {
	r := NewReplay(ReplayOpts{})
	require.NoError(t, r.Configure(replayCfg(writeCapture(t, recorded(), false), 0.001)))
	require.NoError(t, r.Start())
	_, err := r.NextBatch(time.Second)
	require.NoError(t, err)
	_, err = r.NextBatch(time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.NextBatch(time.Hour)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	r.Stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrEndOfStream)
	case <-time.After(time.Second):
		t.Fatal("NextBatch did not return after Stop")
	}
}

func TestReplayConfigure(t *testing.T) {
	r := NewReplay(ReplayOpts{})
	assert.Equal(t, State, KindOf(r.Configure(replayCfg("", 0))))
	assert.Equal(t, ConnectionLost, KindOf(r.Configure(replayCfg(filepath.Join(t.TempDir(), "missing"), 0))))

	path := writeCapture(t, recorded(), false)
	cfg := replayCfg(path, 0)
	cfg.Channels = 1
	require.NoError(t, r.Configure(cfg))
	assert.Equal(t, MalformedData, KindOf(r.Start()), "capture has more channels than configured")
}
