package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeFloats(t *testing.T) {
	values := []float32{0, 1, -2.5, 0.125, 65504}

	for _, p := range []Precision{Float32, Float16} {
		t.Run(p.String(), func(t *testing.T) {
			raw := EncodeFloats(values, p)
			assert.Len(t, raw, len(values)*p.Size())
			assert.Equal(t, values, DecodeFloats(raw, p))
		})
	}
}

func TestRoundHalf(t *testing.T) {
	values := []float32{1.0001, 0.1, 3}
	RoundHalf(values)

	assert.Equal(t, float32(1), values[0])
	assert.InDelta(t, 0.1, values[1], 1e-4)
	assert.NotEqual(t, float32(0.1), values[1])
	assert.Equal(t, float32(3), values[2])
}
