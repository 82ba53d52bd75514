package crypto

import (
	"encoding/binary"
	"math"
	"sort"
)

// Encoder builds the canonical binary form every hashed artifact in the
// network is defined against: big-endian integers, u32 length prefixes
// on variable-length values, map keys in sorted order. Two nodes
// encoding the same value always produce identical bytes.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty canonical encoder.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 256)}
}

// Bytes returns the encoded form accumulated so far.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// U8 appends a single byte.
func (e *Encoder) U8(v uint8) *Encoder {
	e.buf = append(e.buf, v)
	return e
}

// U32 appends a big-endian uint32.
func (e *Encoder) U32(v uint32) *Encoder {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

// U64 appends a big-endian uint64.
func (e *Encoder) U64(v uint64) *Encoder {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

// I64 appends a big-endian int64 (two's complement).
func (e *Encoder) I64(v int64) *Encoder {
	return e.U64(uint64(v))
}

// F64 appends an IEEE-754 float64 in big-endian byte order.
func (e *Encoder) F64(v float64) *Encoder {
	return e.U64(math.Float64bits(v))
}

// Bool appends 0x01 or 0x00.
func (e *Encoder) Bool(v bool) *Encoder {
	if v {
		return e.U8(1)
	}
	return e.U8(0)
}

// Bytes32 appends exactly 32 bytes without a length prefix, zero-padding
// or truncating as needed. Used for fixed-width digest fields.
func (e *Encoder) Bytes32(b []byte) *Encoder {
	var fixed [32]byte
	copy(fixed[:], b)
	e.buf = append(e.buf, fixed[:]...)
	return e
}

// VarBytes appends a u32 length prefix followed by the bytes.
func (e *Encoder) VarBytes(b []byte) *Encoder {
	e.U32(uint32(len(b)))
	e.buf = append(e.buf, b...)
	return e
}

// String appends a length-prefixed UTF-8 string.
func (e *Encoder) String(s string) *Encoder {
	return e.VarBytes([]byte(s))
}

// StringMap appends a length-prefixed map of string keys to string
// values with keys in sorted order.
func (e *Encoder) StringMap(m map[string]string) *Encoder {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e.U32(uint32(len(keys)))
	for _, k := range keys {
		e.String(k)
		e.String(m[k])
	}
	return e
}

// StringSlice appends a length-prefixed ordered list of strings.
func (e *Encoder) StringSlice(ss []string) *Encoder {
	e.U32(uint32(len(ss)))
	for _, s := range ss {
		e.String(s)
	}
	return e
}

// Hash returns the SHA-256 digest of the encoded form.
func (e *Encoder) Hash() [DigestSize]byte {
	return Hash(e.buf)
}

// HashHex returns the hex SHA-256 digest of the encoded form.
func (e *Encoder) HashHex() string {
	return HashHex(e.buf)
}
