package capture

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/klauspost/compress/zstd"
)

// A Reader yields the batches of a capture stream in recorded order.
type Reader struct {
	r      io.Reader
	dec    *zstd.Decoder
	closer io.Closer
	header Header
	buf    []byte
}

// NewReader reads the capture preamble and header from r. Compressed streams
// are detected and decompressed transparently.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	cr := &Reader{r: br}
	head, err := br.Peek(len(zstdMagic))
	if err == nil && bytes.Equal(head, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		cr.dec = dec
		cr.r = bufio.NewReader(dec)
	}

	pre := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(cr.r, pre); err != nil {
		cr.Close()
		return nil, fmt.Errorf("%w: reading preamble: %v", ErrMalformed, err)
	}
	if string(pre[:len(magic)]) != magic {
		cr.Close()
		return nil, fmt.Errorf("%w: bad magic %q", ErrMalformed, pre[:len(magic)])
	}
	if pre[len(magic)] != version {
		cr.Close()
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, pre[len(magic)])
	}
	frame, err := readFrame(cr.r, nil)
	if err != nil {
		cr.Close()
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: missing header", ErrMalformed)
		}
		return nil, err
	}
	if cr.header, err = unmarshalHeader(frame); err != nil {
		cr.Close()
		return nil, err
	}
	return cr, nil
}

// Open opens the capture file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// Header returns the capture's header.
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next recorded batch. It returns io.EOF once every batch
// has been read, and an error wrapping ErrMalformed if the stream is corrupt
// or ends mid-frame.
func (r *Reader) Next() (data.SampleBatch, error) {
	frame, err := readFrame(r.r, r.buf)
	if err != nil {
		return data.SampleBatch{}, err
	}
	r.buf = frame
	sb, err := unmarshalBatch(frame)
	if err != nil {
		return data.SampleBatch{}, err
	}
	if err := sb.Validate(); err != nil {
		return data.SampleBatch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return sb, nil
}

// Close releases the reader's resources.
func (r *Reader) Close() error {
	if r.dec != nil {
		r.dec.Close()
	}
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
