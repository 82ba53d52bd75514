package crypto

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Decoder reads values back out of the canonical binary form produced
// by Encoder. The first malformed read poisons the decoder; check Err
// after the final field.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder wraps a canonical-form byte slice.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Err returns the first decode error encountered, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("canonical decode: need %d bytes at offset %d, have %d", n, d.off, len(d.buf)-d.off)
		return nil
	}
	out := d.buf[d.off : d.off+n]
	d.off += n
	return out
}

// U8 reads a single byte.
func (d *Decoder) U8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// U32 reads a big-endian uint32.
func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// U64 reads a big-endian uint64.
func (d *Decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// I64 reads a big-endian int64.
func (d *Decoder) I64() int64 {
	return int64(d.U64())
}

// F64 reads a big-endian IEEE-754 float64.
func (d *Decoder) F64() float64 {
	return math.Float64frombits(d.U64())
}

// Bool reads a single byte as a boolean.
func (d *Decoder) Bool() bool {
	return d.U8() != 0
}

// Bytes32 reads exactly 32 bytes.
func (d *Decoder) Bytes32() [32]byte {
	var out [32]byte
	b := d.take(32)
	if b != nil {
		copy(out[:], b)
	}
	return out
}

// VarBytes reads a u32 length prefix followed by that many bytes.
func (d *Decoder) VarBytes() []byte {
	n := d.U32()
	if d.err != nil {
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// String reads a length-prefixed UTF-8 string.
func (d *Decoder) String() string {
	return string(d.VarBytes())
}

// StringMap reads a length-prefixed sorted string map.
func (d *Decoder) StringMap() map[string]string {
	n := d.U32()
	if d.err != nil {
		return nil
	}
	out := make(map[string]string, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		k := d.String()
		v := d.String()
		out[k] = v
	}
	return out
}

// StringSlice reads a length-prefixed ordered list of strings.
func (d *Decoder) StringSlice() []string {
	n := d.U32()
	if d.err != nil {
		return nil
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		out = append(out, d.String())
	}
	return out
}
