// Package dtypes defines the scalar data types that can be passed by value to kernels, and their encoding in the
// device byte order.
//
// Scalar kernel arguments are copied verbatim to the device, so they must already be in the device byte order:
// use Encode (or EncodeSlice for buffer contents) with the device's binary.ByteOrder.
package dtypes

import (
	"encoding/binary"
	"math"
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType enumerates the scalar data types supported.
type DType int

//go:generate go tool enumer -type=DType dtypes.go

const (
	// InvalidDType represents an invalid (or not set) dtype.
	InvalidDType DType = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	Float32
	Float64
)

// MapOfNames to their dtypes. It includes also aliases to the various dtypes, in lower and upper case.
var MapOfNames = map[string]DType{}

func init() {
	for _, dtype := range DTypeValues() {
		MapOfNames[dtype.String()] = dtype
		MapOfNames[strings.ToLower(dtype.String())] = dtype
	}
	aliases := map[string]DType{
		"PRED": Bool, "S8": Int8, "S16": Int16, "S32": Int32, "S64": Int64,
		"U8": Uint8, "U16": Uint16, "U32": Uint32, "U64": Uint64,
		"F16": Float16, "F32": Float32, "F64": Float64,
	}
	for alias, dtype := range aliases {
		MapOfNames[alias] = dtype
		MapOfNames[strings.ToLower(alias)] = dtype
	}
}

// Size returns the number of bytes of one value of the dtype, or 0 for InvalidDType.
func (dtype DType) Size() int {
	switch dtype {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Uint16, Float16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	default:
		return 0
	}
}

// IsFloat returns whether the dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// HighestValue for the dtype: +Inf for floats, the maximum value for integers.
func (dtype DType) HighestValue() any {
	switch dtype {
	case Bool:
		return true
	case Int8:
		return int8(math.MaxInt8)
	case Int16:
		return int16(math.MaxInt16)
	case Int32:
		return int32(math.MaxInt32)
	case Int64:
		return int64(math.MaxInt64)
	case Uint8:
		return uint8(math.MaxUint8)
	case Uint16:
		return uint16(math.MaxUint16)
	case Uint32:
		return uint32(math.MaxUint32)
	case Uint64:
		return uint64(math.MaxUint64)
	case Float16:
		return float16.Inf(1)
	case Float32:
		return float32(math.Inf(1))
	case Float64:
		return math.Inf(1)
	default:
		return nil
	}
}

// Supported lists the Go types that can be encoded as kernel scalars.
type Supported interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float16.Float16 | float32 | float64
}

var float16Type = reflect.TypeOf(float16.Float16(0))

// FromGoType returns the DType for the given Go type, or InvalidDType if not supported.
func FromGoType(t reflect.Type) DType {
	if t == float16Type {
		return Float16
	}
	switch t.Kind() {
	case reflect.Bool:
		return Bool
	case reflect.Int8:
		return Int8
	case reflect.Int16:
		return Int16
	case reflect.Int32:
		return Int32
	case reflect.Int64:
		return Int64
	case reflect.Uint8:
		return Uint8
	case reflect.Uint16:
		return Uint16
	case reflect.Uint32:
		return Uint32
	case reflect.Uint64:
		return Uint64
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	default:
		return InvalidDType
	}
}

// FromGenericsType returns the DType of T.
func FromGenericsType[T Supported]() DType {
	var v T
	return FromGoType(reflect.TypeOf(v))
}

// SizeOf returns the size in bytes of T.
func SizeOf[T Supported]() int {
	return FromGenericsType[T]().Size()
}

// bitsOf returns the bits of the value, widened to 64 bits.
func bitsOf[T Supported](value T) uint64 {
	switch v := any(value).(type) {
	case bool:
		if v {
			return 1
		}
		return 0
	case int8:
		return uint64(uint8(v))
	case int16:
		return uint64(uint16(v))
	case int32:
		return uint64(uint32(v))
	case int64:
		return uint64(v)
	case uint8:
		return uint64(v)
	case uint16:
		return uint64(v)
	case uint32:
		return uint64(v)
	case uint64:
		return v
	case float16.Float16:
		return uint64(v.Bits())
	case float32:
		return uint64(math.Float32bits(v))
	case float64:
		return math.Float64bits(v)
	}
	return 0
}

// fromBits is the inverse of bitsOf.
func fromBits[T Supported](bits uint64) T {
	var v T
	switch p := any(&v).(type) {
	case *bool:
		*p = bits != 0
	case *int8:
		*p = int8(bits)
	case *int16:
		*p = int16(bits)
	case *int32:
		*p = int32(bits)
	case *int64:
		*p = int64(bits)
	case *uint8:
		*p = uint8(bits)
	case *uint16:
		*p = uint16(bits)
	case *uint32:
		*p = uint32(bits)
	case *uint64:
		*p = bits
	case *float16.Float16:
		*p = float16.Frombits(uint16(bits))
	case *float32:
		*p = math.Float32frombits(uint32(bits))
	case *float64:
		*p = math.Float64frombits(bits)
	}
	return v
}

// AppendEncoded appends the value encoded in the given byte order to dst.
func AppendEncoded[T Supported](dst []byte, order binary.ByteOrder, value T) []byte {
	bits := bitsOf(value)
	var buf [8]byte
	size := SizeOf[T]()
	switch size {
	case 1:
		buf[0] = byte(bits)
	case 2:
		order.PutUint16(buf[:], uint16(bits))
	case 4:
		order.PutUint32(buf[:], uint32(bits))
	default:
		order.PutUint64(buf[:], bits)
	}
	return append(dst, buf[:size]...)
}

// Encode returns the value encoded in the given byte order.
func Encode[T Supported](order binary.ByteOrder, value T) []byte {
	return AppendEncoded(make([]byte, 0, SizeOf[T]()), order, value)
}

// EncodeSlice returns the values encoded contiguously in the given byte order.
func EncodeSlice[T Supported](order binary.ByteOrder, values []T) []byte {
	buf := make([]byte, 0, len(values)*SizeOf[T]())
	for _, v := range values {
		buf = AppendEncoded(buf, order, v)
	}
	return buf
}

// Decode a value of type T from data, in the given byte order.
func Decode[T Supported](order binary.ByteOrder, data []byte) (T, error) {
	var zero T
	size := SizeOf[T]()
	if len(data) < size {
		return zero, errors.Errorf("dtypes.Decode[%s]: need %d bytes, got %d", FromGenericsType[T](), size, len(data))
	}
	switch size {
	case 1:
		return fromBits[T](uint64(data[0])), nil
	case 2:
		return fromBits[T](uint64(order.Uint16(data))), nil
	case 4:
		return fromBits[T](uint64(order.Uint32(data))), nil
	default:
		return fromBits[T](order.Uint64(data)), nil
	}
}

// DecodeSlice decodes all values in data, whose length must be a multiple of the size of T.
func DecodeSlice[T Supported](order binary.ByteOrder, data []byte) ([]T, error) {
	size := SizeOf[T]()
	if len(data)%size != 0 {
		return nil, errors.Errorf("dtypes.DecodeSlice[%s]: %d bytes is not a multiple of %d", FromGenericsType[T](), len(data), size)
	}
	values := make([]T, len(data)/size)
	for ii := range values {
		var err error
		values[ii], err = Decode[T](order, data[ii*size:])
		if err != nil {
			return nil, err
		}
	}
	return values, nil
}
