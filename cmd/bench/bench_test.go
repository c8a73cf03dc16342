package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyCartesian(t *testing.T) {
	var got [][]interface{}
	applyCartesian(func(args []interface{}) {
		got = append(got, args)
	}, [][]interface{}{{1, 2}, {"a"}, {0.5, 1.5}})
	assert.Equal(t, [][]interface{}{
		{1, "a", 0.5},
		{1, "a", 1.5},
		{2, "a", 0.5},
		{2, "a", 1.5},
	}, got)
}

func TestBench(t *testing.T) {
	*exposure = time.Millisecond
	exp := &Experiment{Rate: 2e4, Background: 100, Jitter: 10, Window: 200, ErrProb: 0.1, Frames: 20}
	require.NoError(t, bench(exp))
	assert.True(t, exp.Succeeded)
	assert.Equal(t, uint64(20*8), exp.Batches)
	assert.NotZero(t, exp.Coincidences)
	assert.InDelta(t, 0.1, exp.QBER, 0.05)
	assert.Greater(t, exp.Visibility, 0.5)
}

func TestLineTemplateCoversColumns(t *testing.T) {
	assert.Equal(t, len(columns), len(inputs)+8)
	assert.Contains(t, lineTmpl(), "{{.EventsPerSecond}}")
	assert.Contains(t, header(), "EventsPerSecond")
}
