package capture

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/klauspost/compress/zstd"
)

// WriterOpts configures a Writer.
type WriterOpts struct {
	// Compress wraps the whole stream in zstd.
	Compress bool
}

// A Writer appends batches to a capture stream. It is not safe for concurrent
// use.
type Writer struct {
	bw      *bufio.Writer
	enc     *zstd.Encoder
	closer  io.Closer
	buf     []byte
	batches uint64
}

// NewWriter writes the capture preamble and header to w and returns a Writer
// for the batches that follow. Close flushes but does not close w.
func NewWriter(w io.Writer, h Header, opts WriterOpts) (*Writer, error) {
	if h.Channels <= 0 || h.Resolution <= 0 {
		return nil, fmt.Errorf("capture: invalid header %+v", h)
	}
	cw := &Writer{}
	if opts.Compress {
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		cw.enc = enc
		w = enc
	}
	cw.bw = bufio.NewWriter(w)
	if _, err := cw.bw.WriteString(magic); err != nil {
		return nil, err
	}
	if err := cw.bw.WriteByte(version); err != nil {
		return nil, err
	}
	if err := writeFrame(cw.bw, marshalHeader(h)); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}
	return cw, nil
}

// Create creates the file at path and returns a Writer on it. Close closes
// the file.
func Create(path string, h Header, opts WriterOpts) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, h, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// Write appends sb to the capture.
func (w *Writer) Write(sb data.SampleBatch) error {
	w.buf = appendBatch(w.buf[:0], sb)
	if err := writeFrame(w.bw, w.buf); err != nil {
		return fmt.Errorf("writing batch %d: %w", sb.Seq, err)
	}
	w.batches++
	return nil
}

// Batches returns the number of batches written so far.
func (w *Writer) Batches() uint64 {
	return w.batches
}

// Close flushes everything buffered.
func (w *Writer) Close() error {
	err := w.bw.Flush()
	if w.enc != nil {
		if cerr := w.enc.Close(); err == nil {
			err = cerr
		}
	}
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
