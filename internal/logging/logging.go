// Package logging builds the loggers used by the commands.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
)

// Options configures New.
type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// JSON selects JSON output instead of logfmt-style text.
	JSON bool
}

// New returns a logger writing to w.
func New(w io.Writer, opts Options) (*log.Logger, error) {
	level := log.InfoLevel
	if opts.Level != "" {
		var err error
		if level, err = log.ParseLevel(opts.Level); err != nil {
			return nil, fmt.Errorf("parsing log level: %w", err)
		}
	}
	formatter := log.TextFormatter
	if opts.JSON {
		formatter = log.JSONFormatter
	}
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           level,
		Formatter:       formatter,
	}), nil
}

// OpenFile returns a logger appending to the file at path, creating it and
// its directory if needed. The returned file must be closed by the caller.
func OpenFile(path string, opts Options) (*log.Logger, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger, err := New(f, opts)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return logger, f, nil
}
