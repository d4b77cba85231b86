package framing

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strings"
)

// MaxLengthSize is the widest supported length field in bytes.
const MaxLengthSize = 8

// Framing errors.
var (
	// ErrInvalidLength indicates a header announced a total length shorter
	// than the header itself.
	ErrInvalidLength = errors.New("malformed message: invalid length")

	// ErrInvalidHeader indicates an unusable header description.
	ErrInvalidHeader = errors.New("invalid header description")

	// ErrNotEncodable indicates a frame length that the header cannot express.
	ErrNotEncodable = errors.New("length not encodable in header")
)

// ByteOrder selects how the length field is interpreted.
type ByteOrder uint8

const (
	// BigEndian reads the most significant byte first.
	BigEndian ByteOrder = 0
	// LittleEndian reads the least significant byte first.
	LittleEndian ByteOrder = 1
)

// String returns the byte order name.
func (o ByteOrder) String() string {
	switch o {
	case BigEndian:
		return "MSB"
	case LittleEndian:
		return "LSB"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o ByteOrder) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(o.String())), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *ByteOrder) UnmarshalText(text []byte) error {
	v, err := ParseByteOrder(string(text))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// ParseByteOrder parses "msb"/"big" or "lsb"/"little".
func ParseByteOrder(s string) (ByteOrder, error) {
	switch strings.ToLower(s) {
	case "", "msb", "big", "big-endian", "bigendian":
		return BigEndian, nil
	case "lsb", "little", "little-endian", "littleendian":
		return LittleEndian, nil
	default:
		return 0, fmt.Errorf("unknown byte order %q", s)
	}
}

// HeaderDescr describes where a message's total length lives in its header.
type HeaderDescr struct {
	// LengthOffset is the position of the first length byte.
	LengthOffset int `yaml:"offset" toml:"offset"`

	// LengthSize is the width of the length field (1..8 bytes).
	LengthSize int `yaml:"size" toml:"size"`

	// Order is the byte order of the length field.
	Order ByteOrder `yaml:"order" toml:"order"`

	// Multiplier scales the raw field value. Zero is treated as 1.
	Multiplier uint64 `yaml:"multiplier" toml:"multiplier"`

	// Bias is added after scaling.
	Bias int64 `yaml:"bias" toml:"bias"`
}

// Validate reports whether the description can be used.
func (h HeaderDescr) Validate() error {
	if h.LengthOffset < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrInvalidHeader, h.LengthOffset)
	}
	if h.LengthSize < 1 || h.LengthSize > MaxLengthSize {
		return fmt.Errorf("%w: length size %d not in 1..%d", ErrInvalidHeader, h.LengthSize, MaxLengthSize)
	}
	if h.Order != BigEndian && h.Order != LittleEndian {
		return fmt.Errorf("%w: byte order %d", ErrInvalidHeader, h.Order)
	}
	return nil
}

// HeaderLen returns the number of bytes needed before a length can be computed.
func (h HeaderDescr) HeaderLen() int {
	return h.LengthOffset + h.LengthSize
}

func (h HeaderDescr) multiplier() uint64 {
	if h.Multiplier == 0 {
		return 1
	}
	return h.Multiplier
}

// MessageLen computes the total message length announced by buf.
// buf must hold at least HeaderLen bytes. The result never goes below zero.
func (h HeaderDescr) MessageLen(buf []byte) int {
	field := buf[h.LengthOffset : h.LengthOffset+h.LengthSize]

	var v uint64
	switch h.Order {
	case LittleEndian:
		for i := len(field) - 1; i >= 0; i-- {
			v = v<<8 | uint64(field[i])
		}
	default:
		for _, b := range field {
			v = v<<8 | uint64(b)
		}
	}

	return clampLen(v, h.multiplier(), h.Bias)
}

// clampLen returns v*mult+bias limited to [0, math.MaxInt].
func clampLen(v, mult uint64, bias int64) int {
	hi, prod := bits.Mul64(v, mult)
	if hi != 0 || prod > math.MaxInt {
		return math.MaxInt
	}
	total := int(prod)
	switch {
	case bias > 0 && total > math.MaxInt-int(min(bias, math.MaxInt)):
		return math.MaxInt
	case bias < 0 && (bias == math.MinInt64 || int64(total) < -bias):
		return 0
	}
	return total + int(bias)
}

// Encode builds a frame carrying payload. The header bytes in front of the
// length field are zero; the length field encodes the total frame length.
func (h HeaderDescr) Encode(payload []byte) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}

	total := int64(h.HeaderLen() + len(payload))
	raw := total - h.Bias
	m := int64(h.multiplier())
	if raw < 0 || raw%m != 0 {
		return nil, fmt.Errorf("%w: total %d with multiplier %d and bias %d", ErrNotEncodable, total, m, h.Bias)
	}
	v := uint64(raw / m)
	if h.LengthSize < MaxLengthSize && v >= 1<<(8*uint(h.LengthSize)) {
		return nil, fmt.Errorf("%w: value %d overflows %d bytes", ErrNotEncodable, v, h.LengthSize)
	}

	frame := make([]byte, total)
	field := frame[h.LengthOffset : h.LengthOffset+h.LengthSize]
	for i := 0; i < h.LengthSize; i++ {
		b := byte(v >> (8 * uint(i)))
		if h.Order == LittleEndian {
			field[i] = b
		} else {
			field[h.LengthSize-1-i] = b
		}
	}
	copy(frame[h.HeaderLen():], payload)
	return frame, nil
}

// LengthPrefix4 is the common 4-byte big-endian length prefix that counts the
// whole frame including the prefix.
func LengthPrefix4() HeaderDescr {
	return HeaderDescr{LengthSize: 4, Order: BigEndian, Multiplier: 1, Bias: 0}
}
