package source

import (
	"errors"
	"testing"
	"time"

	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted is a Source that replays a fixed list of results.
type scripted struct {
	batches []data.SampleBatch
	stopped bool
}

func (s *scripted) Configure(data.BackendConfig) error { return nil }
func (s *scripted) Start() error                       { return nil }
func (s *scripted) Stop()                              { s.stopped = true }

func (s *scripted) NextBatch(time.Duration) (data.SampleBatch, error) {
	if len(s.batches) == 0 {
		return data.SampleBatch{}, ErrEndOfStream
	}
	sb := s.batches[0]
	s.batches = s.batches[1:]
	return sb, nil
}

func drain(t *testing.T, src Source, timeout time.Duration) ([]data.SampleBatch, error) {
	t.Helper()
	var out []data.SampleBatch
	for {
		sb, err := src.NextBatch(timeout)
		if err != nil {
			return out, err
		}
		out = append(out, sb)
	}
}

func TestCheckedPassesWellFormedStream(t *testing.T) {
	inner := &scripted{batches: []data.SampleBatch{
		{Channel: 0, Seq: 1, Timestamps: []int64{1, 5}, End: 10},
		{Channel: 1, Seq: 2, Timestamps: []int64{2}, End: 10},
		{Channel: 0, Seq: 5, Timestamps: []int64{10, 12}, Start: 10, End: 20},
	}}
	src := Checked(inner, 0)
	require.NoError(t, src.Configure(data.BackendConfig{Channels: 2, Resolution: 1}))
	got, err := drain(t, src, time.Second)
	assert.ErrorIs(t, err, ErrEndOfStream)
	assert.Len(t, got, 3)
	assert.False(t, IsFatal(err))
}

func TestCheckedWrapsConfiguredSource(t *testing.T) {
	inner := &scripted{batches: []data.SampleBatch{
		{Channel: 1, Seq: 1, Timestamps: []int64{3}, End: 10},
		{Channel: 0, Seq: 2, Timestamps: []int64{4}, End: 10},
	}}
	got, err := drain(t, Checked(inner, 2), time.Second)
	assert.ErrorIs(t, err, ErrEndOfStream)
	assert.Len(t, got, 2)
	assert.False(t, inner.stopped)
}

func TestCheckedWithoutChannelCount(t *testing.T) {
	inner := &scripted{batches: []data.SampleBatch{{Channel: 0, Seq: 1, End: 10}}}
	src := Checked(inner, 0)
	_, err := src.NextBatch(time.Second)
	assert.Equal(t, State, KindOf(err))
	assert.False(t, IsFatal(err))
	assert.False(t, inner.stopped)
	assert.Len(t, inner.batches, 1, "no batch should be consumed")

	// Configuring through the wrapper supplies the count.
	require.NoError(t, src.Configure(data.BackendConfig{Channels: 1, Resolution: 1}))
	sb, err := src.NextBatch(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sb.Seq)
}

func TestCheckedRejects(t *testing.T) {
	tcs := []struct {
		name    string
		batches []data.SampleBatch
		kind    Kind
	}{
		{"sequence regression", []data.SampleBatch{
			{Channel: 0, Seq: 2, End: 10},
			{Channel: 1, Seq: 2, End: 10},
		}, Reordered},
		{"timestamp rollback", []data.SampleBatch{
			{Channel: 0, Seq: 1, Timestamps: []int64{8}, End: 10},
			{Channel: 0, Seq: 2, Timestamps: []int64{7}, End: 10},
		}, Reordered},
		{"unordered within batch", []data.SampleBatch{
			{Channel: 0, Seq: 1, Timestamps: []int64{3, 2}, End: 10},
		}, MalformedData},
		{"unknown channel", []data.SampleBatch{
			{Channel: 7, Seq: 1, End: 10},
		}, MalformedData},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			inner := &scripted{batches: tc.batches}
			src := Checked(inner, 0)
			require.NoError(t, src.Configure(data.BackendConfig{Channels: 2, Resolution: 1}))
			_, err := drain(t, src, time.Second)
			require.Error(t, err)
			assert.Equal(t, tc.kind, KindOf(err))
			assert.True(t, IsFatal(err))
			assert.True(t, inner.stopped, "fatal error should stop the wrapped source")

			_, again := src.NextBatch(time.Second)
			assert.Equal(t, err, again, "error should be sticky")
		})
	}
}

func TestErrorClassification(t *testing.T) {
	assert.False(t, IsFatal(ErrTimeout))
	assert.False(t, IsFatal(ErrEndOfStream))
	assert.False(t, IsFatal(stateErr("start", "nope")))
	assert.True(t, IsFatal(&Error{Kind: ConnectionLost, Op: "poll"}))

	wrapped := &Error{Kind: MalformedData, Op: "read", Err: errors.New("bad")}
	assert.Equal(t, "source: read: malformed data: bad", wrapped.Error())
	assert.Equal(t, Kind(0), KindOf(errors.New("other")))
}

func TestTranslateDriverError(t *testing.T) {
	tcs := []struct {
		err  error
		want Kind
	}{
		{&DriverError{Code: CodeNotConnected}, ConnectionLost},
		{&DriverError{Code: CodeNoDevice}, ConnectionLost},
		{&DriverError{Code: CodeBufferOverflow}, DriverFault},
		{&DriverError{Code: CodeInvalidArgument}, DriverFault},
		{&DriverError{Code: Code(99)}, DriverFault},
		{errors.New("vendor exploded"), DriverFault},
	}
	for _, tc := range tcs {
		assert.Equal(t, tc.want, KindOf(TranslateDriverError("poll", tc.err)), "%v", tc.err)
	}
	assert.ErrorIs(t, TranslateDriverError("poll", &DriverError{Code: CodeTimeout}), ErrTimeout)
	assert.NoError(t, TranslateDriverError("poll", nil))
	assert.NoError(t, TranslateDriverError("poll", &DriverError{Code: CodeOK}))
}
