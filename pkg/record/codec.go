package record

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"lsmkv/pkg/dberrors"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Frame layout:
//
//	[u32 payload length][u64 xxhash64(payload)][payload]
//	payload = u64 seq | u8 op | uvarint keyLen | key | uvarint valueLen | value
const (
	frameHeaderSize = 4 + 8

	// MaxPayloadSize bounds a single frame so a corrupted length prefix
	// cannot trigger a huge allocation.
	MaxPayloadSize = 64 << 20
)

// AppendFrame appends the framed encoding of r to dst.
func AppendFrame(dst []byte, r Record) ([]byte, error) {
	if len(r.Key) > math.MaxUint32 || len(r.Value) > math.MaxUint32 {
		return dst, fmt.Errorf("record too large: key=%d value=%d", len(r.Key), len(r.Value))
	}

	payloadLen := seqNSize + opSize +
		uvarintLen(uint64(len(r.Key))) + len(r.Key) +
		uvarintLen(uint64(len(r.Value))) + len(r.Value)
	if payloadLen > MaxPayloadSize {
		return dst, fmt.Errorf("record too large: payload=%d", payloadLen)
	}

	start := len(dst)
	dst = append(dst, make([]byte, frameHeaderSize)...)
	dst = binary.LittleEndian.AppendUint64(dst, r.SeqN)
	dst = append(dst, byte(r.Op))
	dst = binary.AppendUvarint(dst, uint64(len(r.Key)))
	dst = append(dst, r.Key...)
	dst = binary.AppendUvarint(dst, uint64(len(r.Value)))
	dst = append(dst, r.Value...)

	payload := dst[start+frameHeaderSize:]
	binary.LittleEndian.PutUint32(dst[start:], uint32(len(payload)))
	binary.LittleEndian.PutUint64(dst[start+4:], xxhash.Sum64(payload))

	return dst, nil
}

// FrameSize is the number of bytes AppendFrame produces for r.
func FrameSize(r Record) int {
	return frameHeaderSize + seqNSize + opSize +
		uvarintLen(uint64(len(r.Key))) + len(r.Key) +
		uvarintLen(uint64(len(r.Value))) + len(r.Value)
}

// Encoder writes frames to an underlying writer.
type Encoder struct {
	w   io.Writer
	buf []byte
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(r Record) error {
	var err error
	e.buf, err = AppendFrame(e.buf[:0], r)
	if err != nil {
		return err
	}
	_, err = e.w.Write(e.buf)
	return err
}

// Decoder reads frames. Next returns io.EOF at a clean end of input and an
// error wrapping dberrors.ErrCorrupted for anything else that cannot be
// decoded. Offset reports the end of the last good frame.
type Decoder struct {
	r      *bufio.Reader
	offset int64
	header [frameHeaderSize]byte
}

func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{r: br}
}

func (d *Decoder) Offset() int64 {
	return d.offset
}

func (d *Decoder) Next() (Record, error) {
	n, err := io.ReadFull(d.r, d.header[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Record{}, io.EOF
		}
		return Record{}, corrupted(d.offset, "torn frame header", err)
	}

	payloadLen := binary.LittleEndian.Uint32(d.header[:4])
	sum := binary.LittleEndian.Uint64(d.header[4:])
	if payloadLen > MaxPayloadSize {
		return Record{}, corrupted(d.offset, fmt.Sprintf("payload length %d out of range", payloadLen), nil)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return Record{}, corrupted(d.offset, "torn frame payload", err)
	}
	if xxhash.Sum64(payload) != sum {
		return Record{}, corrupted(d.offset, "checksum mismatch", nil)
	}

	rec, err := DecodePayload(payload)
	if err != nil {
		return Record{}, corrupted(d.offset, "malformed payload", err)
	}

	d.offset += int64(frameHeaderSize) + int64(payloadLen)
	return rec, nil
}

// DecodePayload decodes a frame payload without its header.
func DecodePayload(p []byte) (Record, error) {
	var rec Record
	if len(p) < seqNSize+opSize {
		return rec, io.ErrUnexpectedEOF
	}
	rec.SeqN = binary.LittleEndian.Uint64(p)
	rec.Op = Op(p[seqNSize])
	if rec.Op != OpPut && rec.Op != OpDelete {
		return rec, fmt.Errorf("unknown op %d", p[seqNSize])
	}
	p = p[seqNSize+opSize:]

	key, rest, err := readBytes(p)
	if err != nil {
		return rec, fmt.Errorf("key: %w", err)
	}
	value, rest, err := readBytes(rest)
	if err != nil {
		return rec, fmt.Errorf("value: %w", err)
	}
	if len(rest) != 0 {
		return rec, fmt.Errorf("%d trailing bytes", len(rest))
	}

	rec.Key = key
	if len(value) > 0 {
		rec.Value = value
	}
	return rec, nil
}

func readBytes(p []byte) ([]byte, []byte, error) {
	l, n := binary.Uvarint(p)
	if n <= 0 {
		return nil, nil, errors.New("bad length prefix")
	}
	p = p[n:]
	if l > uint64(len(p)) {
		return nil, nil, io.ErrUnexpectedEOF
	}
	return p[:l:l], p[l:], nil
}

func corrupted(offset int64, what string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s at offset %d: %v", dberrors.ErrCorrupted, what, offset, cause)
	}
	return fmt.Errorf("%w: %s at offset %d", dberrors.ErrCorrupted, what, offset)
}

func uvarintLen(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}
