package tensor

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// RoundHalf rounds every value to the nearest representable fp16 value.
// It emulates reduced-precision storage on devices that compute in fp32.
func RoundHalf(values []float32) {
	for i, v := range values {
		values[i] = float16.Fromfloat32(v).Float32()
	}
}

// DecodeFloats converts little-endian raw bytes of the given precision to float32.
func DecodeFloats(data []byte, p Precision) []float32 {
	n := len(data) / p.Size()
	out := make([]float32, n)
	switch p {
	case Float32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case Float16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
		}
	default:
		panic("unknown precision")
	}
	return out
}

// EncodeFloats converts float32 values to little-endian raw bytes of the given precision.
// Values are rounded to nearest-even when narrowing to fp16.
func EncodeFloats(values []float32, p Precision) []byte {
	out := make([]byte, len(values)*p.Size())
	switch p {
	case Float32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	case Float16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
	default:
		panic("unknown precision")
	}
	return out
}
