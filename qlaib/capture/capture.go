// Package capture reads and writes recorded acquisition runs.
//
// A capture file is the magic string "QLCAP", a version byte, a header frame
// and then one frame per SampleBatch in publication order. Each frame is
// trivial: payload-length | payload, with the length a little-endian int32
// and the payload protobuf wire format. Batch timestamps are stored as
// zigzag deltas, so dense batches compress well. The whole stream may
// additionally be zstd compressed; readers detect this automatically.
package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/alan-christopher/qlaib/qlaib/data"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	magic   = "QLCAP"
	version = 1

	// maxFrame bounds a single frame so a corrupt length cannot trigger a
	// huge allocation.
	maxFrame = 1 << 28
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// ErrMalformed is wrapped by every error caused by a corrupt or truncated
// capture.
var ErrMalformed = errors.New("capture: malformed")

// A Header describes the acquisition a capture was recorded under.
type Header struct {
	Channels   int
	Resolution float64
}

// Header field numbers.
const (
	hChannels   protowire.Number = 1
	hResolution protowire.Number = 2
)

// Batch field numbers.
const (
	bChannel    protowire.Number = 1
	bSeq        protowire.Number = 2
	bStart      protowire.Number = 3
	bEnd        protowire.Number = 4
	bTimestamps protowire.Number = 5
)

func writeFrame(w io.Writer, payload []byte) error {
	if err := binary.Write(w, binary.LittleEndian, int32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one frame into buf, growing it as needed. It returns io.EOF
// only if the stream ended cleanly between frames.
func readFrame(r io.Reader, buf []byte) ([]byte, error) {
	var fLen int32
	if err := binary.Read(r, binary.LittleEndian, &fLen); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame length", ErrMalformed)
		}
		return nil, err
	}
	if fLen < 0 || fLen > maxFrame {
		return nil, fmt.Errorf("%w: frame length %d", ErrMalformed, fLen)
	}
	if cap(buf) < int(fLen) {
		buf = make([]byte, fLen)
	}
	buf = buf[:fLen]
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame of %d bytes", ErrMalformed, fLen)
		}
		return nil, err
	}
	return buf, nil
}

func marshalHeader(h Header) []byte {
	var b []byte
	b = protowire.AppendTag(b, hChannels, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Channels))
	b = protowire.AppendTag(b, hResolution, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(h.Resolution))
	return b
}

func unmarshalHeader(b []byte) (Header, error) {
	var h Header
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == hChannels && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.Channels = int(v)
			return n, nil
		case num == hResolution && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			h.Resolution = math.Float64frombits(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return h, err
}

// appendBatch appends the wire form of sb to buf.
func appendBatch(buf []byte, sb data.SampleBatch) []byte {
	b := buf
	b = protowire.AppendTag(b, bChannel, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(sb.Channel))
	b = protowire.AppendTag(b, bSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, sb.Seq)
	b = protowire.AppendTag(b, bStart, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(sb.Start))
	b = protowire.AppendTag(b, bEnd, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(sb.End))
	if len(sb.Timestamps) > 0 {
		var packed []byte
		prev := sb.Start
		for _, ts := range sb.Timestamps {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(ts-prev))
			prev = ts
		}
		b = protowire.AppendTag(b, bTimestamps, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

func unmarshalBatch(b []byte) (data.SampleBatch, error) {
	var (
		sb     data.SampleBatch
		deltas []int64
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case bChannel:
				sb.Channel = int(v)
			case bSeq:
				sb.Seq = v
			case bStart:
				sb.Start = protowire.DecodeZigZag(v)
			case bEnd:
				sb.End = protowire.DecodeZigZag(v)
			}
			return n, nil
		}
		if num == bTimestamps && typ == protowire.BytesType {
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				deltas = append(deltas, protowire.DecodeZigZag(v))
				packed = packed[m:]
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return data.SampleBatch{}, err
	}
	if len(deltas) > 0 {
		sb.Timestamps = make([]int64, len(deltas))
		prev := sb.Start
		for i, d := range deltas {
			prev += d
			sb.Timestamps[i] = prev
		}
	}
	return sb, nil
}

// walk calls field for every field in b. field must consume the field's
// value and return the number of bytes consumed, or a negative protowire
// error code.
func walk(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, err)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
