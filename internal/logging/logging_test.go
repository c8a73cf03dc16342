package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, Options{Level: "warn"})
	require.NoError(t, err)

	logger.WithPrefix("engine").Info("quiet")
	logger.WithPrefix("engine").Warn("buffer overflow", "channel", 3)
	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "engine")
	assert.Contains(t, out, "buffer overflow")
	assert.Contains(t, out, "channel=3")
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, Options{JSON: true})
	require.NoError(t, err)
	logger.Info("started", "run", "abc")
	assert.Contains(t, buf.String(), `"run":"abc"`)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(&bytes.Buffer{}, Options{Level: "loud"})
	assert.Error(t, err)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "qlaib.log")
	logger, f, err := OpenFile(path, Options{Level: "debug"})
	require.NoError(t, err)
	logger.Debug("hello", "n", 1)
	require.NoError(t, f.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello")
}
