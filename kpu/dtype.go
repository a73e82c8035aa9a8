package kpu

import (
	"fmt"
	"strings"
)

// DataType is the tagged enum of numeric formats the compute fabric and
// data-movement engines understand. The zero value is Float32.
type DataType uint8

const (
	Float32 DataType = iota
	Float16
	BFloat16
	Int32
	Int8
	UInt8
	Int4 // packed, 2 elements per byte
)

// String returns the canonical lower-case name used by config files and
// CLI flags.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	case Int32:
		return "int32"
	case Int8:
		return "int8"
	case UInt8:
		return "uint8"
	case Int4:
		return "int4"
	default:
		return "unknown"
	}
}

// ParseDataType parses a case-insensitive data type name, accepting the
// common short aliases (f32, half, bf16, i8, ...).
func ParseDataType(name string) (DataType, error) {
	switch strings.ToLower(name) {
	case "float32", "f32", "float":
		return Float32, nil
	case "float16", "f16", "half":
		return Float16, nil
	case "bfloat16", "bf16":
		return BFloat16, nil
	case "int32", "i32":
		return Int32, nil
	case "int8", "i8":
		return Int8, nil
	case "uint8", "u8":
		return UInt8, nil
	case "int4", "i4":
		return Int4, nil
	default:
		return 0, fmt.Errorf("kpu: unknown data type %q", name)
	}
}

// Bytes returns the minimum addressable unit size in bytes. For Int4 this
// is 1 (two elements pack into that byte); use ElementsPerByte to recover
// the packing factor.
func (dt DataType) Bytes() Size {
	switch dt {
	case Float32, Int32:
		return 4
	case Float16, BFloat16:
		return 2
	case Int8, UInt8, Int4:
		return 1
	default:
		return 0
	}
}

// Bits returns the data type's width in bits.
func (dt DataType) Bits() Size {
	switch dt {
	case Float32, Int32:
		return 32
	case Float16, BFloat16:
		return 16
	case Int8, UInt8:
		return 8
	case Int4:
		return 4
	default:
		return 0
	}
}

// IsInteger reports whether dt is an integer format.
func (dt DataType) IsInteger() bool {
	switch dt {
	case Int32, Int8, UInt8, Int4:
		return true
	default:
		return false
	}
}

// IsFloating reports whether dt is a floating-point format.
func (dt DataType) IsFloating() bool {
	switch dt {
	case Float32, Float16, BFloat16:
		return true
	default:
		return false
	}
}

// IsSigned reports whether dt's value range includes negatives.
func (dt DataType) IsSigned() bool {
	return dt != UInt8
}

// IsPacked reports whether dt requires sub-byte packing (Int4 only).
func (dt DataType) IsPacked() bool {
	return dt == Int4
}

// ElementsPerByte returns how many elements of dt pack into one byte.
func (dt DataType) ElementsPerByte() Size {
	if dt == Int4 {
		return 2
	}
	bits := dt.Bits()
	if bits == 0 {
		return 1
	}
	return 8 / bits
}

// AccumulatorType returns the data type a matmul accumulator should use
// when multiplying operands of type dt, per spec: int8/uint8/int4 ->
// int32, float16/bfloat16 -> float32, float32 -> float32, int32 -> int32.
func (dt DataType) AccumulatorType() DataType {
	switch dt {
	case Float16, BFloat16:
		return Float32
	case Int8, UInt8, Int4:
		return Int32
	case Int32:
		return Int32
	default:
		return Float32
	}
}

// BytesForElements returns the number of bytes needed to store n elements
// of dt, rounding up for packed types.
func (dt DataType) BytesForElements(n Size) Size {
	if dt == Int4 {
		return (n + 1) / 2
	}
	return n * dt.Bytes()
}

// MaxValue returns the largest finite value representable by dt.
func (dt DataType) MaxValue() float64 {
	switch dt {
	case Float32:
		return 3.402823466e+38
	case Float16:
		return 65504.0
	case BFloat16:
		return 3.38953139e+38
	case Int32:
		return 2147483647.0
	case Int8:
		return 127.0
	case UInt8:
		return 255.0
	case Int4:
		return 7.0
	default:
		return 0
	}
}

// MinValue returns the smallest (most negative) value representable by dt.
func (dt DataType) MinValue() float64 {
	switch dt {
	case Float32:
		return -3.402823466e+38
	case Float16:
		return -65504.0
	case BFloat16:
		return -3.38953139e+38
	case Int32:
		return -2147483648.0
	case Int8:
		return -128.0
	case UInt8:
		return 0.0
	case Int4:
		return -8.0
	default:
		return 0
	}
}
